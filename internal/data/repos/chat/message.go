package chat

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/strandlabs/strand/internal/domain"
	domainchat "github.com/strandlabs/strand/internal/domain/chat"
	"github.com/strandlabs/strand/internal/pkg/dbctx"
	pkgerrors "github.com/strandlabs/strand/internal/pkg/errors"
	"github.com/strandlabs/strand/internal/pkg/logger"
)

// MessageObserver is notified synchronously, inside the same transaction
// as the write, whenever messages are inserted or patched. Observers are
// registered at repo construction; there is no global registry.
type MessageObserver interface {
	MessagesWritten(dbc dbctx.Context, rows []*types.ChatMessage) error
}

type AppendOptions struct {
	// PromptMessageID anchors the new messages to an existing turn: they
	// share its ord and continue its step_order sequence.
	PromptMessageID *uuid.UUID
	// Pending marks the appended messages pending instead of success.
	Pending bool
	// FailPendingSteps fails any other message still pending at the same
	// ord before appending, cleaning up an abandoned partial generation.
	FailPendingSteps bool
}

type PatchOptions struct {
	Content *types.MessageContent
	Status  *string
	Error   *string
}

type ListOrder string

const (
	ListAsc  ListOrder = "asc"
	ListDesc ListOrder = "desc"
)

type ListOptions struct {
	Order       ListOrder
	Statuses    []string
	ExcludeTool bool
	// UpToAndIncludingMessageID bounds results to messages at or before
	// the given message in (ord, step_order) position.
	UpToAndIncludingMessageID *uuid.UUID
	Cursor                    string
	Limit                     int
}

type MessagePage struct {
	Page           []*types.ChatMessage
	ContinueCursor string
	IsDone         bool
}

// RangeCursor is a (ord, step_order) resume position for DeleteRange.
type RangeCursor struct {
	Ord       int64
	StepOrder int64
}

type DeleteRangeResult struct {
	Deleted int
	// Resume is set when the batch limit was hit before the range was
	// exhausted; callers loop until IsDone.
	Resume *RangeCursor
	IsDone bool
}

type ChatMessageRepo interface {
	Append(dbc dbctx.Context, threadID uuid.UUID, rows []*types.ChatMessage, opts AppendOptions) ([]*types.ChatMessage, error)
	Patch(dbc dbctx.Context, id uuid.UUID, opts PatchOptions) error
	Rollback(dbc dbctx.Context, id uuid.UUID, errText string) error
	Commit(dbc dbctx.Context, id uuid.UUID) error
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.ChatMessage, error)
	GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*types.ChatMessage, error)
	ListByThread(dbc dbctx.Context, threadID uuid.UUID, opts ListOptions) (MessagePage, error)
	// ListByOrd returns every message of one turn, step order ascending.
	ListByOrd(dbc dbctx.Context, threadID uuid.UUID, ord int64) ([]*types.ChatMessage, error)
	// ListAroundOrds returns successful messages whose ord falls in any of
	// the given inclusive [lo, hi] windows, ascending.
	ListAroundOrds(dbc dbctx.Context, threadID uuid.UUID, windows []OrdWindow) ([]*types.ChatMessage, error)
	LexicalSearchHits(dbc dbctx.Context, q LexicalQuery) ([]LexicalHit, error)
	DeleteRange(dbc dbctx.Context, threadID uuid.UUID, start RangeCursor, end RangeCursor, batchLimit int) (DeleteRangeResult, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
}

type OrdWindow struct {
	Lo int64
	Hi int64
}

type chatMessageRepo struct {
	db        *gorm.DB
	log       *logger.Logger
	observers []MessageObserver
}

func NewChatMessageRepo(db *gorm.DB, log *logger.Logger, observers ...MessageObserver) ChatMessageRepo {
	return &chatMessageRepo{db: db, log: log.With("repo", "ChatMessageRepo"), observers: observers}
}

func (r *chatMessageRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *chatMessageRepo) notify(dbc dbctx.Context, rows []*types.ChatMessage) error {
	for _, obs := range r.observers {
		if err := obs.MessagesWritten(dbc, rows); err != nil {
			return err
		}
	}
	return nil
}

func (r *chatMessageRepo) Append(dbc dbctx.Context, threadID uuid.UUID, rows []*types.ChatMessage, opts AppendOptions) ([]*types.ChatMessage, error) {
	if threadID == uuid.Nil {
		return nil, fmt.Errorf("missing thread_id: %w", pkgerrors.ErrInvalidArgument)
	}
	if len(rows) == 0 {
		return []*types.ChatMessage{}, nil
	}
	out := rows
	err := dbctx.Transact(dbc, r.db, func(dbc dbctx.Context) error {
		txx := dbc.Tx

		var ord, nextStep int64
		if opts.PromptMessageID != nil && *opts.PromptMessageID != uuid.Nil {
			var prompt types.ChatMessage
			if err := txx.WithContext(dbc.Ctx).
				Where("id = ? AND thread_id = ?", *opts.PromptMessageID, threadID).
				First(&prompt).Error; err != nil {
				if err == gorm.ErrRecordNotFound {
					return fmt.Errorf("prompt message %s: %w", *opts.PromptMessageID, pkgerrors.ErrNotFound)
				}
				return err
			}
			ord = prompt.Ord
			// Re-read the live max step under the transaction; a racing
			// append at the same ord must not hand out the same step.
			maxStep, err := r.maxStepOrder(dbc, threadID, ord)
			if err != nil {
				return err
			}
			nextStep = maxStep + 1
		} else {
			var maxOrd int64
			if err := txx.WithContext(dbc.Ctx).
				Model(&types.ChatMessage{}).
				Select("COALESCE(MAX(ord), -1)").
				Where("thread_id = ?", threadID).
				Scan(&maxOrd).Error; err != nil {
				return err
			}
			ord = maxOrd + 1
			nextStep = 0
		}

		if opts.FailPendingSteps {
			if err := txx.WithContext(dbc.Ctx).
				Model(&types.ChatMessage{}).
				Where("thread_id = ? AND ord = ? AND status = ?", threadID, ord, types.MessageStatusPending).
				Updates(map[string]interface{}{
					"status":     types.MessageStatusFailed,
					"error":      "abandoned pending step",
					"updated_at": time.Now().UTC(),
				}).Error; err != nil {
				return err
			}
		}

		now := time.Now().UTC()
		for i, row := range rows {
			if row == nil {
				return fmt.Errorf("nil message row: %w", pkgerrors.ErrInvalidArgument)
			}
			if row.ID == uuid.Nil {
				row.ID = uuid.New()
			}
			row.ThreadID = threadID
			row.Ord = ord
			row.StepOrder = nextStep + int64(i)
			if opts.Pending {
				row.Status = types.MessageStatusPending
			} else if row.Status == "" {
				row.Status = types.MessageStatusSuccess
			}
			if len(row.Content) > 0 {
				content, err := row.DecodeContent()
				if err != nil {
					return fmt.Errorf("message content: %w", err)
				}
				row.Text = domainchat.DeriveText(content)
				row.Tool = domainchat.DeriveToolFlag(content)
			}
			row.CreatedAt = now
			row.UpdatedAt = now
		}
		if err := txx.WithContext(dbc.Ctx).Create(&rows).Error; err != nil {
			return err
		}
		if err := txx.WithContext(dbc.Ctx).
			Model(&types.ChatThread{}).
			Where("id = ?", threadID).
			Updates(map[string]interface{}{
				"last_message_at": now,
				"updated_at":      now,
			}).Error; err != nil {
			return err
		}
		return r.notify(dbc, rows)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *chatMessageRepo) maxStepOrder(dbc dbctx.Context, threadID uuid.UUID, ord int64) (int64, error) {
	var maxStep int64
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Model(&types.ChatMessage{}).
		Select("COALESCE(MAX(step_order), -1)").
		Where("thread_id = ? AND ord = ?", threadID, ord).
		Scan(&maxStep).Error
	return maxStep, err
}

func (r *chatMessageRepo) Patch(dbc dbctx.Context, id uuid.UUID, opts PatchOptions) error {
	if id == uuid.Nil {
		return fmt.Errorf("missing message id: %w", pkgerrors.ErrInvalidArgument)
	}
	return dbctx.Transact(dbc, r.db, func(dbc dbctx.Context) error {
		var row types.ChatMessage
		if err := dbc.Tx.WithContext(dbc.Ctx).Where("id = ?", id).First(&row).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return fmt.Errorf("message %s: %w", id, pkgerrors.ErrNotFound)
			}
			return err
		}
		updates := map[string]interface{}{"updated_at": time.Now().UTC()}
		if opts.Content != nil {
			if err := row.SetContent(*opts.Content); err != nil {
				return err
			}
			updates["content"] = row.Content
			updates["text"] = row.Text
			updates["tool"] = row.Tool
		}
		if opts.Status != nil {
			updates["status"] = *opts.Status
		}
		if opts.Error != nil {
			updates["error"] = *opts.Error
		}
		if err := dbc.Tx.WithContext(dbc.Ctx).
			Model(&types.ChatMessage{}).
			Where("id = ?", id).
			Updates(updates).Error; err != nil {
			return err
		}
		return r.notify(dbc, []*types.ChatMessage{&row})
	})
}

// Rollback fails the message and any pending sibling at its ord, storing
// the error text. Called whenever a generation throws mid-turn.
func (r *chatMessageRepo) Rollback(dbc dbctx.Context, id uuid.UUID, errText string) error {
	if id == uuid.Nil {
		return fmt.Errorf("missing message id: %w", pkgerrors.ErrInvalidArgument)
	}
	return dbctx.Transact(dbc, r.db, func(dbc dbctx.Context) error {
		var row types.ChatMessage
		if err := dbc.Tx.WithContext(dbc.Ctx).Where("id = ?", id).First(&row).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return fmt.Errorf("message %s: %w", id, pkgerrors.ErrNotFound)
			}
			return err
		}
		now := time.Now().UTC()
		if err := dbc.Tx.WithContext(dbc.Ctx).
			Model(&types.ChatMessage{}).
			Where("id = ?", row.ID).
			Updates(map[string]interface{}{
				"status":     types.MessageStatusFailed,
				"error":      errText,
				"updated_at": now,
			}).Error; err != nil {
			return err
		}
		return dbc.Tx.WithContext(dbc.Ctx).
			Model(&types.ChatMessage{}).
			Where("thread_id = ? AND ord = ? AND status = ?", row.ThreadID, row.Ord, types.MessageStatusPending).
			Updates(map[string]interface{}{
				"status":     types.MessageStatusFailed,
				"error":      errText,
				"updated_at": now,
			}).Error
	})
}

// Commit flips every pending sibling at the message's ord to success.
// Idempotent: a second call finds nothing pending and changes nothing.
func (r *chatMessageRepo) Commit(dbc dbctx.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return fmt.Errorf("missing message id: %w", pkgerrors.ErrInvalidArgument)
	}
	return dbctx.Transact(dbc, r.db, func(dbc dbctx.Context) error {
		var row types.ChatMessage
		if err := dbc.Tx.WithContext(dbc.Ctx).Where("id = ?", id).First(&row).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return fmt.Errorf("message %s: %w", id, pkgerrors.ErrNotFound)
			}
			return err
		}
		return dbc.Tx.WithContext(dbc.Ctx).
			Model(&types.ChatMessage{}).
			Where("thread_id = ? AND ord = ? AND status = ?", row.ThreadID, row.Ord, types.MessageStatusPending).
			Updates(map[string]interface{}{
				"status":     types.MessageStatusSuccess,
				"updated_at": time.Now().UTC(),
			}).Error
	})
}

func (r *chatMessageRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.ChatMessage, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("missing message id: %w", pkgerrors.ErrInvalidArgument)
	}
	var row types.ChatMessage
	if err := r.tx(dbc).WithContext(dbc.Ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("message %s: %w", id, pkgerrors.ErrNotFound)
		}
		return nil, err
	}
	return &row, nil
}

func (r *chatMessageRepo) GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*types.ChatMessage, error) {
	if len(ids) == 0 {
		return []*types.ChatMessage{}, nil
	}
	var out []*types.ChatMessage
	if err := r.tx(dbc).WithContext(dbc.Ctx).
		Where("id IN ?", ids).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *chatMessageRepo) ListByThread(dbc dbctx.Context, threadID uuid.UUID, opts ListOptions) (MessagePage, error) {
	if threadID == uuid.Nil {
		return MessagePage{}, fmt.Errorf("missing thread_id: %w", pkgerrors.ErrInvalidArgument)
	}
	limit := opts.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	desc := opts.Order == ListDesc

	q := r.tx(dbc).WithContext(dbc.Ctx).
		Model(&types.ChatMessage{}).
		Where("thread_id = ?", threadID)
	if len(opts.Statuses) > 0 {
		q = q.Where("status IN ?", opts.Statuses)
	}
	if opts.ExcludeTool {
		q = q.Where("tool = ?", false)
	}
	if opts.UpToAndIncludingMessageID != nil && *opts.UpToAndIncludingMessageID != uuid.Nil {
		var bound types.ChatMessage
		if err := r.tx(dbc).WithContext(dbc.Ctx).
			Where("id = ? AND thread_id = ?", *opts.UpToAndIncludingMessageID, threadID).
			First(&bound).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return MessagePage{}, fmt.Errorf("bound message %s: %w", *opts.UpToAndIncludingMessageID, pkgerrors.ErrNotFound)
			}
			return MessagePage{}, err
		}
		// ord <= bound.Ord, and at the bound's own ord only steps up to
		// and including the bound message.
		q = q.Where("ord < ? OR (ord = ? AND step_order <= ?)", bound.Ord, bound.Ord, bound.StepOrder)
	}
	if opts.Cursor != "" {
		cur, err := parseCursor(opts.Cursor)
		if err != nil {
			return MessagePage{}, err
		}
		if desc {
			q = q.Where("ord < ? OR (ord = ? AND step_order < ?)", cur.Ord, cur.Ord, cur.StepOrder)
		} else {
			q = q.Where("ord > ? OR (ord = ? AND step_order > ?)", cur.Ord, cur.Ord, cur.StepOrder)
		}
	}
	if desc {
		q = q.Order("ord DESC").Order("step_order DESC")
	} else {
		q = q.Order("ord ASC").Order("step_order ASC")
	}

	var rows []*types.ChatMessage
	if err := q.Limit(limit + 1).Find(&rows).Error; err != nil {
		return MessagePage{}, err
	}
	page := MessagePage{IsDone: true}
	if len(rows) > limit {
		rows = rows[:limit]
		page.IsDone = false
	}
	page.Page = rows
	if len(rows) > 0 {
		last := rows[len(rows)-1]
		page.ContinueCursor = formatCursor(RangeCursor{Ord: last.Ord, StepOrder: last.StepOrder})
	}
	return page, nil
}

func (r *chatMessageRepo) ListByOrd(dbc dbctx.Context, threadID uuid.UUID, ord int64) ([]*types.ChatMessage, error) {
	if threadID == uuid.Nil {
		return nil, fmt.Errorf("missing thread_id: %w", pkgerrors.ErrInvalidArgument)
	}
	var out []*types.ChatMessage
	if err := r.tx(dbc).WithContext(dbc.Ctx).
		Where("thread_id = ? AND ord = ?", threadID, ord).
		Order("step_order ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *chatMessageRepo) ListAroundOrds(dbc dbctx.Context, threadID uuid.UUID, windows []OrdWindow) ([]*types.ChatMessage, error) {
	if threadID == uuid.Nil {
		return nil, fmt.Errorf("missing thread_id: %w", pkgerrors.ErrInvalidArgument)
	}
	if len(windows) == 0 {
		return []*types.ChatMessage{}, nil
	}
	q := r.tx(dbc).WithContext(dbc.Ctx).
		Model(&types.ChatMessage{}).
		Where("thread_id = ? AND status = ?", threadID, types.MessageStatusSuccess)
	conds := make([]string, 0, len(windows))
	args := make([]interface{}, 0, len(windows)*2)
	for _, w := range windows {
		conds = append(conds, "(ord >= ? AND ord <= ?)")
		args = append(args, w.Lo, w.Hi)
	}
	q = q.Where(strings.Join(conds, " OR "), args...)
	var out []*types.ChatMessage
	if err := q.Order("ord ASC").Order("step_order ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

type LexicalQuery struct {
	ThreadID uuid.UUID
	UserID   *uuid.UUID
	Query    string
	Limit    int
}

type LexicalHit struct {
	Msg  *types.ChatMessage
	Rank float64
}

// LexicalSearchHits is a portable LIKE-based text search over the derived
// text column, ranked by recency. Postgres deployments can layer a
// ts_rank query on top; the fetch path only depends on the rank ordering.
func (r *chatMessageRepo) LexicalSearchHits(dbc dbctx.Context, q LexicalQuery) ([]LexicalHit, error) {
	query := strings.TrimSpace(q.Query)
	if query == "" {
		return []LexicalHit{}, nil
	}
	limit := q.Limit
	if limit <= 0 || limit > 100 {
		limit = 30
	}
	db := r.tx(dbc).WithContext(dbc.Ctx).
		Model(&types.ChatMessage{}).
		Where("status = ?", types.MessageStatusSuccess).
		Where("text LIKE ?", "%"+query+"%")
	if q.ThreadID != uuid.Nil {
		db = db.Where("thread_id = ?", q.ThreadID)
	}
	if q.UserID != nil && *q.UserID != uuid.Nil {
		db = db.Where("user_id = ?", *q.UserID)
	}
	var rows []*types.ChatMessage
	if err := db.Order("ord DESC").Order("step_order DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]LexicalHit, 0, len(rows))
	for i, row := range rows {
		out = append(out, LexicalHit{Msg: row, Rank: float64(len(rows) - i)})
	}
	return out, nil
}

// DeleteRange deletes messages in [start, end) by (ord, step_order),
// at most batchLimit per call. Callers loop on Resume until IsDone.
func (r *chatMessageRepo) DeleteRange(dbc dbctx.Context, threadID uuid.UUID, start RangeCursor, end RangeCursor, batchLimit int) (DeleteRangeResult, error) {
	if threadID == uuid.Nil {
		return DeleteRangeResult{}, fmt.Errorf("missing thread_id: %w", pkgerrors.ErrInvalidArgument)
	}
	if batchLimit <= 0 || batchLimit > 500 {
		batchLimit = 100
	}
	res := DeleteRangeResult{}
	err := dbctx.Transact(dbc, r.db, func(dbc dbctx.Context) error {
		var rows []*types.ChatMessage
		if err := dbc.Tx.WithContext(dbc.Ctx).
			Model(&types.ChatMessage{}).
			Select("id", "ord", "step_order").
			Where("thread_id = ?", threadID).
			Where("ord > ? OR (ord = ? AND step_order >= ?)", start.Ord, start.Ord, start.StepOrder).
			Where("ord < ? OR (ord = ? AND step_order < ?)", end.Ord, end.Ord, end.StepOrder).
			Order("ord ASC").Order("step_order ASC").
			Limit(batchLimit + 1).
			Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			res.IsDone = true
			return nil
		}
		batch := rows
		if len(rows) > batchLimit {
			batch = rows[:batchLimit]
			next := rows[batchLimit]
			res.Resume = &RangeCursor{Ord: next.Ord, StepOrder: next.StepOrder}
		} else {
			res.IsDone = true
		}
		ids := make([]uuid.UUID, 0, len(batch))
		for _, row := range batch {
			ids = append(ids, row.ID)
		}
		if err := dbc.Tx.WithContext(dbc.Ctx).
			Unscoped().
			Where("id IN ?", ids).
			Delete(&types.ChatMessage{}).Error; err != nil {
			return err
		}
		res.Deleted = len(ids)
		return nil
	})
	if err != nil {
		return DeleteRangeResult{}, err
	}
	return res, nil
}

func (r *chatMessageRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return fmt.Errorf("missing message id: %w", pkgerrors.ErrInvalidArgument)
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["updated_at"] = time.Now().UTC()
	return r.tx(dbc).WithContext(dbc.Ctx).
		Model(&types.ChatMessage{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func parseCursor(s string) (RangeCursor, error) {
	i := strings.IndexByte(s, ':')
	if i < 0 {
		return RangeCursor{}, fmt.Errorf("bad cursor %q: %w", s, pkgerrors.ErrInvalidArgument)
	}
	ord, err := strconv.ParseInt(s[:i], 10, 64)
	if err != nil {
		return RangeCursor{}, fmt.Errorf("bad cursor %q: %w", s, pkgerrors.ErrInvalidArgument)
	}
	step, err := strconv.ParseInt(s[i+1:], 10, 64)
	if err != nil {
		return RangeCursor{}, fmt.Errorf("bad cursor %q: %w", s, pkgerrors.ErrInvalidArgument)
	}
	return RangeCursor{Ord: ord, StepOrder: step}, nil
}

func formatCursor(c RangeCursor) string {
	return strconv.FormatInt(c.Ord, 10) + ":" + strconv.FormatInt(c.StepOrder, 10)
}
