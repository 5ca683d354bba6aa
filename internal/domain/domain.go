package domain

import (
	"github.com/strandlabs/strand/internal/domain/chat"
)

type (
	ChatThread       = chat.ChatThread
	ChatMessage      = chat.ChatMessage
	ChatStream       = chat.ChatStream
	ChatStreamDelta  = chat.ChatStreamDelta
	ChatToolApproval = chat.ChatToolApproval

	MessageContent = chat.MessageContent
	Part           = chat.Part
	PartType       = chat.PartType
	ToolOutput     = chat.ToolOutput
	ToolOutputType = chat.ToolOutputType

	TextPart             = chat.TextPart
	ImagePart            = chat.ImagePart
	FilePart             = chat.FilePart
	ReasoningPart        = chat.ReasoningPart
	ToolCallPart         = chat.ToolCallPart
	ToolResultPart       = chat.ToolResultPart
	ApprovalRequestPart  = chat.ApprovalRequestPart
	ApprovalResponsePart = chat.ApprovalResponsePart
)

const (
	MessageStatusPending = chat.MessageStatusPending
	MessageStatusSuccess = chat.MessageStatusSuccess
	MessageStatusFailed  = chat.MessageStatusFailed

	RoleUser      = chat.RoleUser
	RoleAssistant = chat.RoleAssistant
	RoleSystem    = chat.RoleSystem
	RoleTool      = chat.RoleTool

	ThreadStatusActive   = chat.ThreadStatusActive
	ThreadStatusArchived = chat.ThreadStatusArchived
	ThreadStatusDeleting = chat.ThreadStatusDeleting

	StreamStatusStreaming = chat.StreamStatusStreaming
	StreamStatusFinished  = chat.StreamStatusFinished
	StreamStatusAborted   = chat.StreamStatusAborted

	PartTypeText             = chat.PartTypeText
	PartTypeImage            = chat.PartTypeImage
	PartTypeFile             = chat.PartTypeFile
	PartTypeReasoning        = chat.PartTypeReasoning
	PartTypeToolCall         = chat.PartTypeToolCall
	PartTypeToolResult       = chat.PartTypeToolResult
	PartTypeApprovalRequest  = chat.PartTypeApprovalRequest
	PartTypeApprovalResponse = chat.PartTypeApprovalResponse

	ToolOutputText            = chat.ToolOutputText
	ToolOutputJSON            = chat.ToolOutputJSON
	ToolOutputError           = chat.ToolOutputError
	ToolOutputExecutionDenied = chat.ToolOutputExecutionDenied
)
