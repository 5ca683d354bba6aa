package chat

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/strandlabs/strand/internal/domain"
	"github.com/strandlabs/strand/internal/pkg/dbctx"
	pkgerrors "github.com/strandlabs/strand/internal/pkg/errors"
	"github.com/strandlabs/strand/internal/pkg/logger"
)

type ChatThreadRepo interface {
	Create(dbc dbctx.Context, row *types.ChatThread) (*types.ChatThread, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.ChatThread, error)
	List(dbc dbctx.Context, userID *uuid.UUID, statuses []string, limit int) ([]*types.ChatThread, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	// MarkDeleting flags the thread for the async reaper; the row itself
	// is removed by Delete once messages and streams are gone.
	MarkDeleting(dbc dbctx.Context, id uuid.UUID) error
	Delete(dbc dbctx.Context, id uuid.UUID) error
	ListDeleting(dbc dbctx.Context, limit int) ([]*types.ChatThread, error)
}

type chatThreadRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewChatThreadRepo(db *gorm.DB, log *logger.Logger) ChatThreadRepo {
	return &chatThreadRepo{db: db, log: log.With("repo", "ChatThreadRepo")}
}

func (r *chatThreadRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *chatThreadRepo) Create(dbc dbctx.Context, row *types.ChatThread) (*types.ChatThread, error) {
	if row == nil {
		return nil, fmt.Errorf("nil thread: %w", pkgerrors.ErrInvalidArgument)
	}
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	if row.Status == "" {
		row.Status = types.ThreadStatusActive
	}
	now := time.Now().UTC()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now
	if row.LastMessageAt.IsZero() {
		row.LastMessageAt = now
	}
	if err := r.tx(dbc).WithContext(dbc.Ctx).Create(row).Error; err != nil {
		return nil, err
	}
	return row, nil
}

func (r *chatThreadRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.ChatThread, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("missing thread_id: %w", pkgerrors.ErrInvalidArgument)
	}
	var row types.ChatThread
	if err := r.tx(dbc).WithContext(dbc.Ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("thread %s: %w", id, pkgerrors.ErrNotFound)
		}
		return nil, err
	}
	return &row, nil
}

func (r *chatThreadRepo) List(dbc dbctx.Context, userID *uuid.UUID, statuses []string, limit int) ([]*types.ChatThread, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := r.tx(dbc).WithContext(dbc.Ctx).Model(&types.ChatThread{})
	if userID != nil && *userID != uuid.Nil {
		q = q.Where("user_id = ?", *userID)
	}
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	var out []*types.ChatThread
	if err := q.Order("last_message_at DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *chatThreadRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return fmt.Errorf("missing thread_id: %w", pkgerrors.ErrInvalidArgument)
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["updated_at"] = time.Now().UTC()
	return r.tx(dbc).WithContext(dbc.Ctx).
		Model(&types.ChatThread{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *chatThreadRepo) MarkDeleting(dbc dbctx.Context, id uuid.UUID) error {
	return r.UpdateFields(dbc, id, map[string]interface{}{"status": types.ThreadStatusDeleting})
}

func (r *chatThreadRepo) Delete(dbc dbctx.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return fmt.Errorf("missing thread_id: %w", pkgerrors.ErrInvalidArgument)
	}
	return r.tx(dbc).WithContext(dbc.Ctx).
		Unscoped().
		Where("id = ?", id).
		Delete(&types.ChatThread{}).Error
}

func (r *chatThreadRepo) ListDeleting(dbc dbctx.Context, limit int) ([]*types.ChatThread, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var out []*types.ChatThread
	if err := r.tx(dbc).WithContext(dbc.Ctx).
		Model(&types.ChatThread{}).
		Where("status = ?", types.ThreadStatusDeleting).
		Order("updated_at ASC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
