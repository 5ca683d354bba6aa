package chat

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	ThreadStatusActive   = "active"
	ThreadStatusArchived = "archived"
	// ThreadStatusDeleting marks a thread whose messages and streams are
	// being reaped in batches; the thread row is removed when the reaper
	// reports the range exhausted.
	ThreadStatusDeleting = "deleting"
)

type ChatThread struct {
	ID     uuid.UUID  `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	UserID *uuid.UUID `gorm:"type:uuid;index" json:"user_id,omitempty"`

	Title   string `gorm:"column:title;not null;default:'New Chat'" json:"title"`
	Summary string `gorm:"column:summary;type:text;not null;default:''" json:"summary,omitempty"`
	Status  string `gorm:"column:status;not null;default:'active';index" json:"status"`

	Metadata datatypes.JSON `gorm:"type:jsonb;column:metadata;not null;default:'{}'" json:"metadata,omitempty"`

	LastMessageAt time.Time `gorm:"column:last_message_at;not null;default:now();index" json:"last_message_at"`

	CreatedAt time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now();index" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (ChatThread) TableName() string { return "chat_thread" }
