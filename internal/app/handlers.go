package app

import (
	"github.com/strandlabs/strand/internal/http/handlers"
	"github.com/strandlabs/strand/internal/pkg/logger"
	"github.com/strandlabs/strand/internal/realtime"
)

type Handlers struct {
	Health   *handlers.HealthHandler
	Chat     *handlers.ChatHandler
	Realtime *handlers.RealtimeHandler
}

func wireHandlers(log *logger.Logger, services Services, hub *realtime.Hub) Handlers {
	log.Info("Wiring handlers...")
	return Handlers{
		Health:   handlers.NewHealthHandler(),
		Chat:     handlers.NewChatHandler(services.Chat),
		Realtime: handlers.NewRealtimeHandler(hub),
	}
}
