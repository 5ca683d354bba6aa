package chat

import (
	"encoding/json"
	"fmt"
)

// PartType tags one kind of content block inside a message. The set is
// closed: decoding an unknown tag is an error, and every consumption
// site switches exhaustively over these values.
type PartType string

const (
	PartTypeText             PartType = "text"
	PartTypeImage            PartType = "image"
	PartTypeFile             PartType = "file"
	PartTypeReasoning        PartType = "reasoning"
	PartTypeToolCall         PartType = "tool-call"
	PartTypeToolResult       PartType = "tool-result"
	PartTypeApprovalRequest  PartType = "tool-approval-request"
	PartTypeApprovalResponse PartType = "tool-approval-response"
)

// Part is one content block of a message.
type Part interface {
	PartType() PartType
}

type TextPart struct {
	Text string `json:"text"`
}

type ImagePart struct {
	URL       string `json:"url"`
	MediaType string `json:"media_type,omitempty"`
}

type FilePart struct {
	FileID    string `json:"file_id"`
	Name      string `json:"name,omitempty"`
	MediaType string `json:"media_type,omitempty"`
}

type ReasoningPart struct {
	Text string `json:"text"`
}

type ToolCallPart struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Input      json.RawMessage `json:"input,omitempty"`
}

type ToolResultPart struct {
	ToolCallID string     `json:"tool_call_id"`
	ToolName   string     `json:"tool_name,omitempty"`
	Output     ToolOutput `json:"output"`
}

// ApprovalRequestPart asks a human to gate one tool call. ApprovalID is
// the handle a later ApprovalResponsePart refers back to.
type ApprovalRequestPart struct {
	ApprovalID string `json:"approval_id"`
	ToolCallID string `json:"tool_call_id"`
}

// ApprovalResponsePart records a human decision. Approved is a pointer:
// nil means "not yet resolved" and must never be read as denial.
type ApprovalResponsePart struct {
	ApprovalID string `json:"approval_id"`
	Approved   *bool  `json:"approved,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

func (TextPart) PartType() PartType             { return PartTypeText }
func (ImagePart) PartType() PartType            { return PartTypeImage }
func (FilePart) PartType() PartType             { return PartTypeFile }
func (ReasoningPart) PartType() PartType        { return PartTypeReasoning }
func (ToolCallPart) PartType() PartType         { return PartTypeToolCall }
func (ToolResultPart) PartType() PartType       { return PartTypeToolResult }
func (ApprovalRequestPart) PartType() PartType  { return PartTypeApprovalRequest }
func (ApprovalResponsePart) PartType() PartType { return PartTypeApprovalResponse }

// ToolOutputType tags the payload of a tool result.
type ToolOutputType string

const (
	// ToolOutputText is a plain text result.
	ToolOutputText ToolOutputType = "text"
	// ToolOutputJSON is a structured result.
	ToolOutputJSON ToolOutputType = "json"
	// ToolOutputError carries a tool's own execution failure. It still
	// counts as "has a result" for continuation, but is distinguishable
	// from a successful output.
	ToolOutputError ToolOutputType = "error"
	// ToolOutputExecutionDenied marks a call whose execution a human
	// rejected.
	ToolOutputExecutionDenied ToolOutputType = "execution-denied"
)

type ToolOutput struct {
	Type   ToolOutputType  `json:"type"`
	Value  string          `json:"value,omitempty"`
	JSON   json.RawMessage `json:"json,omitempty"`
	Reason string          `json:"reason,omitempty"`
}

type partEnvelope struct {
	Type PartType `json:"type"`
}

// MarshalParts serializes parts with their type tags.
func MarshalParts(parts []Part) ([]byte, error) {
	raw := make([]json.RawMessage, 0, len(parts))
	for _, p := range parts {
		body, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		var m map[string]json.RawMessage
		if err := json.Unmarshal(body, &m); err != nil {
			return nil, err
		}
		tag, err := json.Marshal(p.PartType())
		if err != nil {
			return nil, err
		}
		m["type"] = tag
		enc, err := json.Marshal(m)
		if err != nil {
			return nil, err
		}
		raw = append(raw, enc)
	}
	return json.Marshal(raw)
}

// UnmarshalParts decodes a tagged part array. Unknown tags fail the
// decode rather than passing through as opaque blobs.
func UnmarshalParts(data []byte) ([]Part, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	out := make([]Part, 0, len(raw))
	for _, item := range raw {
		var env partEnvelope
		if err := json.Unmarshal(item, &env); err != nil {
			return nil, err
		}
		var (
			p   Part
			err error
		)
		switch env.Type {
		case PartTypeText:
			var v TextPart
			err = json.Unmarshal(item, &v)
			p = v
		case PartTypeImage:
			var v ImagePart
			err = json.Unmarshal(item, &v)
			p = v
		case PartTypeFile:
			var v FilePart
			err = json.Unmarshal(item, &v)
			p = v
		case PartTypeReasoning:
			var v ReasoningPart
			err = json.Unmarshal(item, &v)
			p = v
		case PartTypeToolCall:
			var v ToolCallPart
			err = json.Unmarshal(item, &v)
			p = v
		case PartTypeToolResult:
			var v ToolResultPart
			err = json.Unmarshal(item, &v)
			p = v
		case PartTypeApprovalRequest:
			var v ApprovalRequestPart
			err = json.Unmarshal(item, &v)
			p = v
		case PartTypeApprovalResponse:
			var v ApprovalResponsePart
			err = json.Unmarshal(item, &v)
			p = v
		default:
			return nil, fmt.Errorf("unknown part type %q", env.Type)
		}
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
