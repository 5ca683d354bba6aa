package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/datatypes"

	chatrepos "github.com/strandlabs/strand/internal/data/repos/chat"
	types "github.com/strandlabs/strand/internal/domain"
	domainchat "github.com/strandlabs/strand/internal/domain/chat"
	"github.com/strandlabs/strand/internal/http/response"
	"github.com/strandlabs/strand/internal/inference/client"
	"github.com/strandlabs/strand/internal/modules/chat/steps"
	"github.com/strandlabs/strand/internal/pkg/dbctx"
	"github.com/strandlabs/strand/internal/services"
)

type ChatHandler struct {
	chat services.ChatService
}

func NewChatHandler(chat services.ChatService) *ChatHandler {
	return &ChatHandler{chat: chat}
}

type messageReq struct {
	Role  string          `json:"role"`
	Parts json.RawMessage `json:"parts"`
}

func (m messageReq) toContent() (types.MessageContent, error) {
	parts, err := domainchat.UnmarshalParts(m.Parts)
	if err != nil {
		return types.MessageContent{}, fmt.Errorf("parts: %w", err)
	}
	role := strings.TrimSpace(m.Role)
	if role == "" {
		role = types.RoleUser
	}
	return types.MessageContent{Role: role, Parts: parts}, nil
}

type createThreadReq struct {
	Title    string          `json:"title"`
	Metadata json.RawMessage `json:"metadata"`
}

// POST /api/chat/threads
func (h *ChatHandler) CreateThread(c *gin.Context) {
	var req createThreadReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	thread, err := h.chat.CreateThread(dbc, req.Title, datatypes.JSON(req.Metadata))
	if err != nil {
		response.RespondDomainError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"thread": thread})
}

// GET /api/chat/threads?limit=50
func (h *ChatHandler) ListThreads(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	threads, err := h.chat.ListThreads(dbc, limit)
	if err != nil {
		response.RespondDomainError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"threads": threads})
}

// GET /api/chat/threads/:threadID
func (h *ChatHandler) GetThread(c *gin.Context) {
	threadID, ok := pathUUID(c, "threadID")
	if !ok {
		return
	}
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	thread, err := h.chat.GetThread(dbc, threadID)
	if err != nil {
		response.RespondDomainError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"thread": thread})
}

// DELETE /api/chat/threads/:threadID
func (h *ChatHandler) DeleteThread(c *gin.Context) {
	threadID, ok := pathUUID(c, "threadID")
	if !ok {
		return
	}
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	if err := h.chat.DeleteThreadAsync(dbc, threadID); err != nil {
		response.RespondDomainError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"deleting": true})
}

// GET /api/chat/threads/:threadID/messages?limit=&cursor=&order=&statuses=&exclude_tool=
func (h *ChatHandler) ListMessages(c *gin.Context) {
	threadID, ok := pathUUID(c, "threadID")
	if !ok {
		return
	}
	opts := chatrepos.ListOptions{
		Order:  chatrepos.ListAsc,
		Cursor: strings.TrimSpace(c.Query("cursor")),
		Limit:  intQuery(c, "limit", 100),
	}
	if c.Query("order") == "desc" {
		opts.Order = chatrepos.ListDesc
	}
	if v := strings.TrimSpace(c.Query("statuses")); v != "" {
		opts.Statuses = strings.Split(v, ",")
	}
	if c.Query("exclude_tool") == "true" {
		opts.ExcludeTool = true
	}
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	page, err := h.chat.ListMessages(dbc, threadID, opts)
	if err != nil {
		response.RespondDomainError(c, err)
		return
	}
	response.RespondOK(c, gin.H{
		"messages":        page.Page,
		"continue_cursor": page.ContinueCursor,
		"is_done":         page.IsDone,
	})
}

type saveMessagesReq struct {
	Messages []messageReq `json:"messages"`
}

// POST /api/chat/threads/:threadID/messages
func (h *ChatHandler) SaveMessages(c *gin.Context) {
	threadID, ok := pathUUID(c, "threadID")
	if !ok {
		return
	}
	var req saveMessagesReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	contents := make([]types.MessageContent, 0, len(req.Messages))
	for _, m := range req.Messages {
		content, err := m.toContent()
		if err != nil {
			response.RespondError(c, http.StatusBadRequest, "invalid_message", err)
			return
		}
		contents = append(contents, content)
	}
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	rows, err := h.chat.SaveMessages(dbc, threadID, contents)
	if err != nil {
		response.RespondDomainError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"messages": rows})
}

type generateReq struct {
	Prompt   string       `json:"prompt"`
	Messages []messageReq `json:"messages"`

	Model       string          `json:"model"`
	System      string          `json:"system"`
	Temperature *float64        `json:"temperature"`
	MaxTokens   int             `json:"max_tokens"`
	MaxSteps    int             `json:"max_steps"`
	Context     json.RawMessage `json:"context"`

	SchemaName string         `json:"schema_name"`
	Schema     map[string]any `json:"schema"`
}

func (r generateReq) toParams(threadID uuid.UUID) (services.GenerateParams, error) {
	var msgs []types.MessageContent
	for _, m := range r.Messages {
		content, err := m.toContent()
		if err != nil {
			return services.GenerateParams{}, err
		}
		msgs = append(msgs, content)
	}
	if strings.TrimSpace(r.Prompt) != "" {
		msgs = append(msgs, types.MessageContent{
			Role:  types.RoleUser,
			Parts: []types.Part{types.TextPart{Text: r.Prompt}},
		})
	}
	opts := steps.GenerateOptions{
		Model:       r.Model,
		System:      r.System,
		Temperature: r.Temperature,
		MaxTokens:   r.MaxTokens,
		MaxSteps:    r.MaxSteps,
		SchemaName:  r.SchemaName,
		Schema:      r.Schema,
	}
	if len(r.Context) > 0 {
		var ctxOpts steps.ContextOptions
		if err := json.Unmarshal(r.Context, &ctxOpts); err != nil {
			return services.GenerateParams{}, fmt.Errorf("context options: %w", err)
		}
		opts.Context = &ctxOpts
	}
	return services.GenerateParams{ThreadID: threadID, Messages: msgs, Options: opts}, nil
}

// POST /api/chat/threads/:threadID/generate
func (h *ChatHandler) Generate(c *gin.Context) {
	threadID, ok := pathUUID(c, "threadID")
	if !ok {
		return
	}
	var req generateReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	params, err := req.toParams(threadID)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	res, err := h.chat.Generate(c.Request.Context(), params)
	if err != nil {
		response.RespondDomainError(c, err)
		return
	}
	response.RespondOK(c, generateResponse(res))
}

// POST /api/chat/threads/:threadID/generate/stream
//
// Streams model events as SSE and closes with a final "result" event.
func (h *ChatHandler) GenerateStream(c *gin.Context) {
	threadID, ok := pathUUID(c, "threadID")
	if !ok {
		return
	}
	var req generateReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	params, err := req.toParams(threadID)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	params.Stream = true

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	flusher, flushable := c.Writer.(http.Flusher)

	writeEvent := func(event string, data any) {
		raw, err := json.Marshal(data)
		if err != nil {
			return
		}
		fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, raw)
		if flushable {
			flusher.Flush()
		}
	}

	params.OnEvent = func(ev client.Event) error {
		switch ev.Type {
		case client.EventTextDelta:
			writeEvent("text-delta", gin.H{"text": ev.TextDelta})
		case client.EventReasoningDelta:
			writeEvent("reasoning-delta", gin.H{"text": ev.TextDelta})
		case client.EventToolCall:
			writeEvent("tool-call", ev.ToolCall)
		case client.EventFinish:
			writeEvent("finish", gin.H{"finish_reason": ev.FinishReason, "usage": ev.Usage})
		}
		return nil
	}

	res, err := h.chat.Generate(c.Request.Context(), params)
	if err != nil {
		writeEvent("error", gin.H{"message": err.Error()})
		return
	}
	writeEvent("result", generateResponse(res))
}

type approvalReq struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason"`
	Resume   bool   `json:"resume"`
}

// POST /api/chat/threads/:threadID/approvals/:approvalID
func (h *ChatHandler) SubmitApproval(c *gin.Context) {
	threadID, ok := pathUUID(c, "threadID")
	if !ok {
		return
	}
	approvalID := strings.TrimSpace(c.Param("approvalID"))
	var req approvalReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	outcome, err := h.chat.SubmitApproval(dbc, threadID, approvalID, req.Approved, req.Reason, req.Resume)
	if err != nil {
		response.RespondDomainError(c, err)
		return
	}
	payload := gin.H{
		"state":    outcome.State,
		"messages": outcome.Messages,
	}
	if outcome.Output != nil {
		payload["output"] = outcome.Output
	}
	if outcome.Resumed != nil {
		payload["resumed"] = generateResponse(outcome.Resumed)
	}
	response.RespondOK(c, payload)
}

// GET /api/chat/threads/:threadID/streams/:streamID/deltas?cursor=0&limit=200
func (h *ChatHandler) SyncStreamDeltas(c *gin.Context) {
	threadID, ok := pathUUID(c, "threadID")
	if !ok {
		return
	}
	streamID, err := uuid.Parse(c.Param("streamID"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_stream_id", err)
		return
	}
	cursor := int64(intQuery(c, "cursor", 0))
	limit := intQuery(c, "limit", 200)
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	sync, err := h.chat.SyncStreamDeltas(dbc, threadID, streamID, cursor, limit)
	if err != nil {
		response.RespondDomainError(c, err)
		return
	}
	response.RespondOK(c, gin.H{
		"stream": sync.Stream,
		"deltas": sync.Deltas,
	})
}

func generateResponse(res *steps.RespondResult) gin.H {
	parts, err := domainchat.MarshalParts(res.Parts)
	if err != nil {
		parts = nil
	}
	out := gin.H{
		"message_id":    res.MessageID,
		"ord":           res.Ord,
		"finish_reason": res.FinishReason,
		"usage":         res.Usage,
		"steps":         res.Steps,
		"parts":         json.RawMessage(parts),
		"messages":      res.Messages,
	}
	if res.StreamID != uuid.Nil {
		out["stream_id"] = res.StreamID
	}
	return out
}

func pathUUID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_"+name, err)
		return uuid.Nil, false
	}
	return id, true
}

func intQuery(c *gin.Context, name string, def int) int {
	v := strings.TrimSpace(c.Query(name))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
