package app

import (
	"gorm.io/gorm"

	"github.com/strandlabs/strand/internal/data/repos"
	"github.com/strandlabs/strand/internal/modules/chat/steps"
	"github.com/strandlabs/strand/internal/pkg/logger"
	"github.com/strandlabs/strand/internal/services"
)

type Services struct {
	Notifier  services.ChatNotifier
	Responder *steps.Responder
	Chat      services.ChatService
	Reaper    *services.ThreadReaper
}

func wireServices(
	db *gorm.DB,
	log *logger.Logger,
	cfg Config,
	clients Clients,
	reposet repos.All,
	notifier services.ChatNotifier,
	tools *steps.ToolRegistry,
) Services {
	log.Info("Wiring services...")

	fetcher := steps.NewContextFetcher(reposet.Messages, clients.Vectors, clients.Inference, log)

	defaults := loadChatDefaults(log)
	if cfg.ChatModel != "" {
		defaults.Model = cfg.ChatModel
	}
	if cfg.ChatSystemPrompt != "" {
		defaults.System = cfg.ChatSystemPrompt
	}
	if cfg.ChatMaxSteps > 0 {
		defaults.MaxSteps = cfg.ChatMaxSteps
	}
	if cfg.ChatRecentMessages > 0 {
		if defaults.Context == nil {
			defaults.Context = &steps.ContextOptions{}
		}
		defaults.Context.RecentMessages = cfg.ChatRecentMessages
	}

	responder := steps.NewResponder(steps.ResponderDeps{
		Threads:   reposet.Threads,
		Messages:  reposet.Messages,
		Streams:   reposet.Streams,
		Fetcher:   fetcher,
		Inference: clients.Inference,
		Vectors:   clients.Vectors,
		Tools:     tools,
		Defaults:  defaults,
		Sink:      steps.SinkOptions{FlushInterval: cfg.StreamFlushInterval},
		Log:       log,
	})

	chatService := services.NewChatService(db, log, reposet, responder, tools, notifier)

	reaper := services.NewThreadReaper(reposet.Threads, reposet.Messages, reposet.Streams, clients.Vectors, log)

	return Services{
		Notifier:  notifier,
		Responder: responder,
		Chat:      chatService,
		Reaper:    reaper,
	}
}
