package chat

import (
	"time"

	"github.com/google/uuid"
)

// ChatToolApproval records a human decision on one approval id. The
// unique (thread_id, approval_id) index is the storage-layer guard that
// makes a second submission for the same approval id a conflict instead
// of a silent double execution.
type ChatToolApproval struct {
	ID       uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ThreadID uuid.UUID `gorm:"type:uuid;not null;index;index:idx_chat_tool_approval_thread_approval,unique,priority:1" json:"thread_id"`

	ApprovalID string `gorm:"column:approval_id;type:text;not null;index:idx_chat_tool_approval_thread_approval,unique,priority:2" json:"approval_id"`
	ToolCallID string `gorm:"column:tool_call_id;type:text;not null;index" json:"tool_call_id"`

	// MessageID points at the appended approval-response message.
	MessageID uuid.UUID `gorm:"type:uuid;not null;index" json:"message_id"`

	Approved bool   `gorm:"column:approved;not null" json:"approved"`
	Reason   string `gorm:"column:reason;type:text;not null;default:''" json:"reason,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:now();index" json:"created_at"`
}

func (ChatToolApproval) TableName() string { return "chat_tool_approval" }
