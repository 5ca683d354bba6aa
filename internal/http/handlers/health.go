package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/strandlabs/strand/internal/http/response"
)

type HealthHandler struct{}

func NewHealthHandler() *HealthHandler { return &HealthHandler{} }

// GET /healthz
func (h *HealthHandler) Health(c *gin.Context) {
	response.RespondOK(c, gin.H{"status": "ok"})
}
