package app

import (
	"github.com/gin-gonic/gin"

	strandhttp "github.com/strandlabs/strand/internal/http"
)

func wireRouter(handlers Handlers, middleware Middleware) *gin.Engine {
	return strandhttp.NewRouter(strandhttp.RouterConfig{
		HealthHandler:   handlers.Health,
		ChatHandler:     handlers.Chat,
		RealtimeHandler: handlers.Realtime,
		AuthMiddleware:  middleware.Auth,
	})
}
