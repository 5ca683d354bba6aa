package chat

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	MessageStatusPending = "pending"
	MessageStatusSuccess = "success"
	MessageStatusFailed  = "failed"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// ChatMessage is one logged unit of a thread. (Ord, StepOrder) totally
// orders messages within a thread: Ord groups a turn, StepOrder positions
// an entry within it. Ord never changes after creation.
type ChatMessage struct {
	ID       uuid.UUID  `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ThreadID uuid.UUID  `gorm:"type:uuid;not null;index;index:idx_chat_message_thread_ord_step,unique,priority:1" json:"thread_id"`
	UserID   *uuid.UUID `gorm:"type:uuid;index" json:"user_id,omitempty"`

	Ord       int64 `gorm:"column:ord;not null;index:idx_chat_message_thread_ord_step,unique,priority:2" json:"ord"`
	StepOrder int64 `gorm:"column:step_order;not null;default:0;index:idx_chat_message_thread_ord_step,unique,priority:3" json:"step_order"`

	Status string `gorm:"column:status;not null;default:'success';index" json:"status"`
	Tool   bool   `gorm:"column:tool;not null;default:false;index" json:"tool"`

	// Content is the serialized MessageContent (role + tagged parts).
	Content datatypes.JSON `gorm:"type:jsonb;column:content;not null;default:'{}'" json:"content"`
	// Text is derived from the text parts at write time; it feeds lexical
	// search and embedding generation.
	Text string `gorm:"column:text;type:text;not null;default:''" json:"text"`

	EmbeddingID *string        `gorm:"column:embedding_id;type:text" json:"embedding_id,omitempty"`
	FileIDs     datatypes.JSON `gorm:"type:jsonb;column:file_ids" json:"file_ids,omitempty"`

	Model        string         `gorm:"column:model" json:"model,omitempty"`
	Provider     string         `gorm:"column:provider" json:"provider,omitempty"`
	Usage        datatypes.JSON `gorm:"type:jsonb;column:usage_stats" json:"usage,omitempty"`
	FinishReason string         `gorm:"column:finish_reason" json:"finish_reason,omitempty"`
	Error        string         `gorm:"column:error;type:text;not null;default:''" json:"error,omitempty"`

	CreatedAt time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now();index" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (ChatMessage) TableName() string { return "chat_message" }

// MessageContent is the decoded form of ChatMessage.Content.
type MessageContent struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

type messageContentWire struct {
	Role  string          `json:"role"`
	Parts json.RawMessage `json:"parts"`
}

func (c MessageContent) MarshalJSON() ([]byte, error) {
	parts, err := MarshalParts(c.Parts)
	if err != nil {
		return nil, err
	}
	return json.Marshal(messageContentWire{Role: c.Role, Parts: parts})
}

func (c *MessageContent) UnmarshalJSON(data []byte) error {
	var wire messageContentWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	parts, err := UnmarshalParts(wire.Parts)
	if err != nil {
		return err
	}
	c.Role = wire.Role
	c.Parts = parts
	return nil
}

// DecodeContent parses the stored content column. An empty column decodes
// to an empty MessageContent.
func (m *ChatMessage) DecodeContent() (MessageContent, error) {
	var c MessageContent
	if len(m.Content) == 0 {
		return c, nil
	}
	if err := json.Unmarshal(m.Content, &c); err != nil {
		return MessageContent{}, err
	}
	return c, nil
}

// SetContent stores content and recomputes the derived Text and Tool
// fields, keeping them consistent with the column they index.
func (m *ChatMessage) SetContent(c MessageContent) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	m.Content = datatypes.JSON(raw)
	m.Text = DeriveText(c)
	m.Tool = DeriveToolFlag(c)
	return nil
}

// DeriveText joins the message's text parts.
func DeriveText(c MessageContent) string {
	var b strings.Builder
	for _, p := range c.Parts {
		if tp, ok := p.(TextPart); ok {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(tp.Text)
		}
	}
	return b.String()
}

// DeriveToolFlag reports whether the message is a tool message: tool role
// or any tool-result part.
func DeriveToolFlag(c MessageContent) bool {
	if c.Role == RoleTool {
		return true
	}
	for _, p := range c.Parts {
		if _, ok := p.(ToolResultPart); ok {
			return true
		}
	}
	return false
}
