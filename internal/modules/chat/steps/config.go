package steps

import (
	"encoding/json"

	types "github.com/strandlabs/strand/internal/domain"
)

// SearchOptions controls the retrieval half of context assembly.
type SearchOptions struct {
	Text         bool `json:"text"`
	Vector       bool `json:"vector"`
	Limit        int  `json:"limit"`
	WindowBefore int  `json:"window_before"`
	WindowAfter  int  `json:"window_after"`
}

// ContextOptions controls what fetchContext assembles. RecentMessages
// of 0 disables the recency tail entirely.
type ContextOptions struct {
	RecentMessages int            `json:"recent_messages"`
	Search         *SearchOptions `json:"search,omitempty"`
}

// GenerateOptions is one layer of generation configuration. Unset
// fields (nil pointers, zero values where noted) defer to the next
// layer down.
type GenerateOptions struct {
	Model       string   `json:"model,omitempty"`
	System      string   `json:"system,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	MaxSteps    int      `json:"max_steps,omitempty"`

	Context *ContextOptions `json:"context,omitempty"`

	SchemaName string         `json:"-"`
	Schema     map[string]any `json:"-"`

	// StopWhen, if set, is evaluated after each step against every tool
	// result of that step. Only results whose output is a genuine success
	// (not an error payload, not an execution denial) are offered to it.
	StopWhen func(toolName string, output types.ToolOutput) bool `json:"-"`
}

const (
	defaultMaxSteps       = 8
	defaultRecentMessages = 20
)

// ResolveGenerateOptions collapses the three configuration layers into
// one immutable value. Precedence is call > thread > defaults; the
// thread layer is read from the thread's metadata under "generation".
// The result is fully resolved before generation begins, so nothing
// downstream re-reads layered state.
func ResolveGenerateOptions(defaults GenerateOptions, thread *types.ChatThread, call GenerateOptions) GenerateOptions {
	out := defaults
	if thread != nil && len(thread.Metadata) > 0 {
		var meta struct {
			Generation *GenerateOptions `json:"generation"`
		}
		if err := json.Unmarshal(thread.Metadata, &meta); err == nil && meta.Generation != nil {
			out = overlayOptions(out, *meta.Generation)
		}
	}
	out = overlayOptions(out, call)
	if out.MaxSteps <= 0 {
		out.MaxSteps = defaultMaxSteps
	}
	if out.Context == nil {
		out.Context = &ContextOptions{RecentMessages: defaultRecentMessages}
	}
	return out
}

func overlayOptions(base, over GenerateOptions) GenerateOptions {
	out := base
	if over.Model != "" {
		out.Model = over.Model
	}
	if over.System != "" {
		out.System = over.System
	}
	if over.Temperature != nil {
		out.Temperature = over.Temperature
	}
	if over.MaxTokens > 0 {
		out.MaxTokens = over.MaxTokens
	}
	if over.MaxSteps > 0 {
		out.MaxSteps = over.MaxSteps
	}
	if over.Context != nil {
		out.Context = over.Context
	}
	if over.SchemaName != "" {
		out.SchemaName = over.SchemaName
	}
	if over.Schema != nil {
		out.Schema = over.Schema
	}
	if over.StopWhen != nil {
		out.StopWhen = over.StopWhen
	}
	return out
}
