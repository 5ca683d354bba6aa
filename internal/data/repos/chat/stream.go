package chat

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	types "github.com/strandlabs/strand/internal/domain"
	"github.com/strandlabs/strand/internal/pkg/dbctx"
	pkgerrors "github.com/strandlabs/strand/internal/pkg/errors"
	"github.com/strandlabs/strand/internal/pkg/logger"
)

type ChatStreamRepo interface {
	Create(dbc dbctx.Context, row *types.ChatStream) (*types.ChatStream, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.ChatStream, error)
	// AppendDelta stores one flushed slice and advances the stream cursor
	// to end, in one transaction.
	AppendDelta(dbc dbctx.Context, streamID uuid.UUID, start, end int64, parts datatypes.JSON) error
	// ListDeltasSince returns deltas with Start >= cursor, ascending; the
	// catch-up path for readers.
	ListDeltasSince(dbc dbctx.Context, streamID uuid.UUID, cursor int64, limit int) ([]*types.ChatStreamDelta, error)
	ListActiveByThread(dbc dbctx.Context, threadID uuid.UUID) ([]*types.ChatStream, error)
	SetStatus(dbc dbctx.Context, id uuid.UUID, status, reason string) error
	// DeleteByThread discards streams and their deltas, at most batchLimit
	// streams per call; used by the thread reaper and post-commit cleanup.
	DeleteByThread(dbc dbctx.Context, threadID uuid.UUID, batchLimit int) (deleted int, isDone bool, err error)
}

type chatStreamRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewChatStreamRepo(db *gorm.DB, log *logger.Logger) ChatStreamRepo {
	return &chatStreamRepo{db: db, log: log.With("repo", "ChatStreamRepo")}
}

func (r *chatStreamRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *chatStreamRepo) Create(dbc dbctx.Context, row *types.ChatStream) (*types.ChatStream, error) {
	if row == nil || row.ThreadID == uuid.Nil {
		return nil, fmt.Errorf("invalid stream row: %w", pkgerrors.ErrInvalidArgument)
	}
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	if row.Status == "" {
		row.Status = types.StreamStatusStreaming
	}
	now := time.Now().UTC()
	row.CreatedAt = now
	row.UpdatedAt = now
	if err := r.tx(dbc).WithContext(dbc.Ctx).Create(row).Error; err != nil {
		return nil, err
	}
	return row, nil
}

func (r *chatStreamRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.ChatStream, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("missing stream id: %w", pkgerrors.ErrInvalidArgument)
	}
	var row types.ChatStream
	if err := r.tx(dbc).WithContext(dbc.Ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("stream %s: %w", id, pkgerrors.ErrNotFound)
		}
		return nil, err
	}
	return &row, nil
}

func (r *chatStreamRepo) AppendDelta(dbc dbctx.Context, streamID uuid.UUID, start, end int64, parts datatypes.JSON) error {
	if streamID == uuid.Nil {
		return fmt.Errorf("missing stream id: %w", pkgerrors.ErrInvalidArgument)
	}
	if end < start {
		return fmt.Errorf("delta range [%d, %d): %w", start, end, pkgerrors.ErrInvalidArgument)
	}
	return dbctx.Transact(dbc, r.db, func(dbc dbctx.Context) error {
		delta := &types.ChatStreamDelta{
			ID:        uuid.New(),
			StreamID:  streamID,
			Start:     start,
			End:       end,
			Parts:     parts,
			CreatedAt: time.Now().UTC(),
		}
		if err := dbc.Tx.WithContext(dbc.Ctx).Create(delta).Error; err != nil {
			return err
		}
		// Cursor only ever advances.
		return dbc.Tx.WithContext(dbc.Ctx).
			Model(&types.ChatStream{}).
			Where("id = ? AND cursor < ?", streamID, end).
			Updates(map[string]interface{}{
				"cursor":     end,
				"updated_at": time.Now().UTC(),
			}).Error
	})
}

func (r *chatStreamRepo) ListDeltasSince(dbc dbctx.Context, streamID uuid.UUID, cursor int64, limit int) ([]*types.ChatStreamDelta, error) {
	if streamID == uuid.Nil {
		return nil, fmt.Errorf("missing stream id: %w", pkgerrors.ErrInvalidArgument)
	}
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	var out []*types.ChatStreamDelta
	if err := r.tx(dbc).WithContext(dbc.Ctx).
		Where("stream_id = ? AND start >= ?", streamID, cursor).
		Order("start ASC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *chatStreamRepo) ListActiveByThread(dbc dbctx.Context, threadID uuid.UUID) ([]*types.ChatStream, error) {
	if threadID == uuid.Nil {
		return nil, fmt.Errorf("missing thread_id: %w", pkgerrors.ErrInvalidArgument)
	}
	var out []*types.ChatStream
	if err := r.tx(dbc).WithContext(dbc.Ctx).
		Where("thread_id = ? AND status = ?", threadID, types.StreamStatusStreaming).
		Order("ord ASC").Order("step_order ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *chatStreamRepo) SetStatus(dbc dbctx.Context, id uuid.UUID, status, reason string) error {
	if id == uuid.Nil {
		return fmt.Errorf("missing stream id: %w", pkgerrors.ErrInvalidArgument)
	}
	return r.tx(dbc).WithContext(dbc.Ctx).
		Model(&types.ChatStream{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     status,
			"reason":     reason,
			"updated_at": time.Now().UTC(),
		}).Error
}

func (r *chatStreamRepo) DeleteByThread(dbc dbctx.Context, threadID uuid.UUID, batchLimit int) (int, bool, error) {
	if threadID == uuid.Nil {
		return 0, false, fmt.Errorf("missing thread_id: %w", pkgerrors.ErrInvalidArgument)
	}
	if batchLimit <= 0 || batchLimit > 200 {
		batchLimit = 50
	}
	deleted := 0
	isDone := false
	err := dbctx.Transact(dbc, r.db, func(dbc dbctx.Context) error {
		var ids []uuid.UUID
		if err := dbc.Tx.WithContext(dbc.Ctx).
			Model(&types.ChatStream{}).
			Where("thread_id = ?", threadID).
			Order("created_at ASC").
			Limit(batchLimit + 1).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			isDone = true
			return nil
		}
		if len(ids) > batchLimit {
			ids = ids[:batchLimit]
		} else {
			isDone = true
		}
		if err := dbc.Tx.WithContext(dbc.Ctx).
			Where("stream_id IN ?", ids).
			Delete(&types.ChatStreamDelta{}).Error; err != nil {
			return err
		}
		if err := dbc.Tx.WithContext(dbc.Ctx).
			Where("id IN ?", ids).
			Delete(&types.ChatStream{}).Error; err != nil {
			return err
		}
		deleted = len(ids)
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return deleted, isDone, nil
}
