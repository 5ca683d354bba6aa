package steps

import (
	"encoding/json"

	types "github.com/strandlabs/strand/internal/domain"
)

// ToolCallState is the derived lifecycle position of one tool call.
type ToolCallState string

const (
	ToolStateInputAvailable    ToolCallState = "input-available"
	ToolStateApprovalRequested ToolCallState = "approval-requested"
	ToolStateApproved          ToolCallState = "approved"
	ToolStateDenied            ToolCallState = "denied"
	ToolStateOutputAvailable   ToolCallState = "output-available"
	ToolStateOutputDenied      ToolCallState = "output-denied"
)

// ToolState is the per-call view computed by DeriveToolStates.
type ToolState struct {
	ToolCallID string
	ToolName   string
	Input      json.RawMessage
	State      ToolCallState
	ApprovalID string
	Approved   *bool
	Output     *types.ToolOutput
	Reason     string
}

// DeriveToolStates computes the lifecycle state of every tool call
// mentioned across the given messages, usually one group sharing an
// ord. Two passes: associations can point backwards (a response lands
// in a later message than its request, a request can precede its call
// in one content array), so everything is collected first and resolved
// second. Presence of a result always wins over array order.
func DeriveToolStates(msgs []types.MessageContent) []ToolState {
	type callInfo struct {
		name  string
		input json.RawMessage
	}
	var (
		callOrder []string
		calls     = map[string]callInfo{}
		results   = map[string]types.ToolOutput{}

		requestByCall = map[string]string{}
		requestOrder  []string
		responses     = map[string]types.ApprovalResponsePart{}
	)

	for _, msg := range msgs {
		for _, p := range msg.Parts {
			switch v := p.(type) {
			case types.ToolCallPart:
				if _, seen := calls[v.ToolCallID]; !seen {
					callOrder = append(callOrder, v.ToolCallID)
				}
				calls[v.ToolCallID] = callInfo{name: v.ToolName, input: v.Input}
			case types.ToolResultPart:
				results[v.ToolCallID] = v.Output
			case types.ApprovalRequestPart:
				if v.ToolCallID != "" {
					if _, seen := requestByCall[v.ToolCallID]; !seen {
						requestByCall[v.ToolCallID] = v.ApprovalID
					}
				} else {
					// Request with no call to attach to; still reported.
					requestOrder = append(requestOrder, v.ApprovalID)
				}
			case types.ApprovalResponsePart:
				prev, seen := responses[v.ApprovalID]
				if !seen || v.Approved != nil || prev.Approved == nil {
					responses[v.ApprovalID] = v
				}
			}
		}
	}

	out := make([]ToolState, 0, len(callOrder)+len(requestOrder))
	for _, callID := range callOrder {
		info := calls[callID]
		st := ToolState{
			ToolCallID: callID,
			ToolName:   info.name,
			Input:      info.input,
			State:      ToolStateInputAvailable,
		}
		if approvalID, ok := requestByCall[callID]; ok {
			st.ApprovalID = approvalID
			st.State = ToolStateApprovalRequested
			if resp, ok := responses[approvalID]; ok && resp.Approved != nil {
				st.Approved = resp.Approved
				st.Reason = resp.Reason
				if *resp.Approved {
					st.State = ToolStateApproved
				} else {
					st.State = ToolStateDenied
				}
			}
		}
		if output, ok := results[callID]; ok {
			o := output
			st.Output = &o
			if output.Type == types.ToolOutputExecutionDenied {
				st.State = ToolStateOutputDenied
				if output.Reason != "" {
					st.Reason = output.Reason
				}
			} else {
				st.State = ToolStateOutputAvailable
			}
		}
		out = append(out, st)
	}
	for _, approvalID := range requestOrder {
		st := ToolState{ApprovalID: approvalID, State: ToolStateApprovalRequested}
		if resp, ok := responses[approvalID]; ok && resp.Approved != nil {
			st.Approved = resp.Approved
			st.Reason = resp.Reason
			if *resp.Approved {
				st.State = ToolStateApproved
			} else {
				st.State = ToolStateDenied
			}
		}
		out = append(out, st)
	}
	return out
}

// MergeRevisions folds stream-produced revisions of one logical message
// (same id, ord and step) into a single parts list for read-side use.
// Non-tool parts come from the latest revision. Tool fragments are
// accumulated monotonically: a tool id seen in an earlier revision
// stays in the merged list even when a later revision's array dropped
// it, and the latest value per id wins.
func MergeRevisions(revisions ...[]types.Part) []types.Part {
	if len(revisions) == 0 {
		return nil
	}
	type key struct {
		kind types.PartType
		id   string
	}
	var (
		toolOrder  []key
		toolLatest = map[key]types.Part{}
	)
	for _, rev := range revisions {
		for _, p := range rev {
			var k key
			switch v := p.(type) {
			case types.ToolCallPart:
				k = key{types.PartTypeToolCall, v.ToolCallID}
			case types.ToolResultPart:
				k = key{types.PartTypeToolResult, v.ToolCallID}
			case types.ApprovalRequestPart:
				k = key{types.PartTypeApprovalRequest, v.ApprovalID}
			case types.ApprovalResponsePart:
				k = key{types.PartTypeApprovalResponse, v.ApprovalID}
			default:
				continue
			}
			if _, seen := toolLatest[k]; !seen {
				toolOrder = append(toolOrder, k)
			}
			toolLatest[k] = p
		}
	}

	latest := revisions[len(revisions)-1]
	out := make([]types.Part, 0, len(latest)+len(toolOrder))
	for _, p := range latest {
		switch p.(type) {
		case types.ToolCallPart, types.ToolResultPart, types.ApprovalRequestPart, types.ApprovalResponsePart:
			continue
		default:
			out = append(out, p)
		}
	}
	for _, k := range toolOrder {
		out = append(out, toolLatest[k])
	}
	return out
}
