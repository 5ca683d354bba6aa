package chat

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	types "github.com/strandlabs/strand/internal/domain"
	"github.com/strandlabs/strand/internal/pkg/dbctx"
	pkgerrors "github.com/strandlabs/strand/internal/pkg/errors"
	"github.com/strandlabs/strand/internal/pkg/logger"
)

type ChatToolApprovalRepo interface {
	// Record writes the decision row. The unique (thread_id, approval_id)
	// index turns a concurrent duplicate submission into
	// pkgerrors.ErrAlreadyResponded instead of a second execution.
	Record(dbc dbctx.Context, row *types.ChatToolApproval) error
	GetByApprovalID(dbc dbctx.Context, threadID uuid.UUID, approvalID string) (*types.ChatToolApproval, error)
}

type chatToolApprovalRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewChatToolApprovalRepo(db *gorm.DB, log *logger.Logger) ChatToolApprovalRepo {
	return &chatToolApprovalRepo{db: db, log: log.With("repo", "ChatToolApprovalRepo")}
}

func (r *chatToolApprovalRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *chatToolApprovalRepo) Record(dbc dbctx.Context, row *types.ChatToolApproval) error {
	if row == nil || row.ThreadID == uuid.Nil || strings.TrimSpace(row.ApprovalID) == "" {
		return fmt.Errorf("invalid approval row: %w", pkgerrors.ErrInvalidArgument)
	}
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if err := r.tx(dbc).WithContext(dbc.Ctx).Create(row).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("approval %s: %w", row.ApprovalID, pkgerrors.ErrAlreadyResponded)
		}
		return err
	}
	return nil
}

func (r *chatToolApprovalRepo) GetByApprovalID(dbc dbctx.Context, threadID uuid.UUID, approvalID string) (*types.ChatToolApproval, error) {
	if threadID == uuid.Nil || strings.TrimSpace(approvalID) == "" {
		return nil, fmt.Errorf("missing approval key: %w", pkgerrors.ErrInvalidArgument)
	}
	var row types.ChatToolApproval
	if err := r.tx(dbc).WithContext(dbc.Ctx).
		Where("thread_id = ? AND approval_id = ?", threadID, approvalID).
		First(&row).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("approval %s: %w", approvalID, pkgerrors.ErrNotFound)
		}
		return nil, err
	}
	return &row, nil
}

// isUniqueViolation recognizes unique index violations from Postgres
// (SQLSTATE 23505) and from the SQLite driver used in tests.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.TrimSpace(pgErr.Code) == "23505" {
		return true
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
