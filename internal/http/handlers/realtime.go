package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/strandlabs/strand/internal/http/response"
	"github.com/strandlabs/strand/internal/pkg/ctxutil"
	"github.com/strandlabs/strand/internal/realtime"
)

type RealtimeHandler struct {
	hub *realtime.Hub
}

func NewRealtimeHandler(hub *realtime.Hub) *RealtimeHandler {
	return &RealtimeHandler{hub: hub}
}

// GET /api/realtime?threads=<uuid>,<uuid>
//
// Holds an SSE connection open and forwards events for the subscribed
// thread channels.
func (h *RealtimeHandler) Subscribe(c *gin.Context) {
	rd := ctxutil.GetRequestData(c.Request.Context())
	if rd == nil || rd.UserID == uuid.Nil {
		response.RespondError(c, http.StatusUnauthorized, "unauthorized", nil)
		return
	}

	client := h.hub.NewClient(rd.UserID)
	defer h.hub.CloseClient(client)

	for _, raw := range strings.Split(c.Query("threads"), ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		threadID, err := uuid.Parse(raw)
		if err != nil {
			response.RespondError(c, http.StatusBadRequest, "invalid_thread_id", err)
			return
		}
		h.hub.Subscribe(client, realtime.ThreadChannel(threadID))
	}

	h.hub.ServeHTTP(c.Writer, c.Request, client)
}
