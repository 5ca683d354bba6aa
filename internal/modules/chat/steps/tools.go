package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	types "github.com/strandlabs/strand/internal/domain"
)

// CallContext identifies the conversation position a tool call executes
// in. It is injected by the responder, never supplied by the model.
type CallContext struct {
	UserID    *uuid.UUID
	ThreadID  uuid.UUID
	MessageID uuid.UUID
}

// Tool is one callable capability exposed to the model. NeedsApproval
// tools are not executed directly: the responder emits an approval
// request and execution waits for a human decision.
type Tool struct {
	Name          string
	Description   string
	InputSchema   map[string]any
	NeedsApproval bool
	Execute       func(ctx context.Context, call CallContext, input json.RawMessage) (types.ToolOutput, error)
}

type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewToolRegistry(tools ...Tool) (*ToolRegistry, error) {
	r := &ToolRegistry{tools: map[string]Tool{}}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *ToolRegistry) Register(t Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tool name required")
	}
	if t.Execute == nil && !t.NeedsApproval {
		return fmt.Errorf("tool %q has no execute func", t.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("tool %q already registered", t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

func (r *ToolRegistry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
