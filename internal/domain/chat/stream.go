package chat

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	StreamStatusStreaming = "streaming"
	StreamStatusFinished  = "finished"
	StreamStatusAborted   = "aborted"
)

// ChatStream tracks one in-progress generation's delta sequence. It is
// ephemeral: readers catch up via Cursor, and the record is discarded
// once the backing message is committed.
type ChatStream struct {
	ID       uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ThreadID uuid.UUID `gorm:"type:uuid;not null;index;index:idx_chat_stream_thread_ord_step,unique,priority:1" json:"thread_id"`

	Ord       int64 `gorm:"column:ord;not null;index:idx_chat_stream_thread_ord_step,unique,priority:2" json:"ord"`
	StepOrder int64 `gorm:"column:step_order;not null;default:0;index:idx_chat_stream_thread_ord_step,unique,priority:3" json:"step_order"`

	Status string `gorm:"column:status;not null;default:'streaming';index" json:"status"`
	// Cursor is the next delta start position; it only advances.
	Cursor int64  `gorm:"column:cursor;not null;default:0" json:"cursor"`
	Reason string `gorm:"column:reason;type:text;not null;default:''" json:"reason,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now();index" json:"updated_at"`
}

func (ChatStream) TableName() string { return "chat_stream" }

// ChatStreamDelta is one flushed slice of a stream: parts covering
// cursor positions [Start, End).
type ChatStreamDelta struct {
	ID       uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	StreamID uuid.UUID `gorm:"type:uuid;not null;index:idx_chat_stream_delta_stream_start,unique,priority:1" json:"stream_id"`

	Start int64 `gorm:"column:start;not null;index:idx_chat_stream_delta_stream_start,unique,priority:2" json:"start"`
	End   int64 `gorm:"column:end_pos;not null" json:"end"`

	Parts datatypes.JSON `gorm:"type:jsonb;column:parts;not null;default:'[]'" json:"parts"`

	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
}

func (ChatStreamDelta) TableName() string { return "chat_stream_delta" }
