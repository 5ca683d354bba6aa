package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/strandlabs/strand/internal/http/handlers"
	"github.com/strandlabs/strand/internal/http/middleware"
)

type RouterConfig struct {
	HealthHandler   *handlers.HealthHandler
	ChatHandler     *handlers.ChatHandler
	RealtimeHandler *handlers.RealtimeHandler
	AuthMiddleware  *middleware.AuthMiddleware
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	router.Use(otelgin.Middleware("strand"))
	router.Use(middleware.AttachRequestContext())
	router.Use(middleware.CORS())

	// Public
	router.GET("/healthz", cfg.HealthHandler.Health)

	// Protected
	api := router.Group("/api")
	api.Use(cfg.AuthMiddleware.RequireAuth())
	{
		// Threads
		api.POST("/chat/threads", cfg.ChatHandler.CreateThread)
		api.GET("/chat/threads", cfg.ChatHandler.ListThreads)
		api.GET("/chat/threads/:threadID", cfg.ChatHandler.GetThread)
		api.DELETE("/chat/threads/:threadID", cfg.ChatHandler.DeleteThread)
		// Messages
		api.GET("/chat/threads/:threadID/messages", cfg.ChatHandler.ListMessages)
		api.POST("/chat/threads/:threadID/messages", cfg.ChatHandler.SaveMessages)
		// Generation
		api.POST("/chat/threads/:threadID/generate", cfg.ChatHandler.Generate)
		api.POST("/chat/threads/:threadID/generate/stream", cfg.ChatHandler.GenerateStream)
		// Approvals
		api.POST("/chat/threads/:threadID/approvals/:approvalID", cfg.ChatHandler.SubmitApproval)
		// Stream sync
		api.GET("/chat/threads/:threadID/streams/:streamID/deltas", cfg.ChatHandler.SyncStreamDeltas)
		// Realtime
		api.GET("/realtime", cfg.RealtimeHandler.Subscribe)
	}

	return router
}
