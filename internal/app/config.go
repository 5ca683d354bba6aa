package app

import (
	"time"

	"github.com/strandlabs/strand/internal/pkg/logger"
	"github.com/strandlabs/strand/internal/utils"
)

type Config struct {
	JWTSecretKey        string
	Port                string
	ChatModel           string
	ChatSystemPrompt    string
	ChatMaxSteps        int
	ChatRecentMessages  int
	StreamFlushInterval time.Duration
}

func LoadConfig(log *logger.Logger) Config {
	return Config{
		JWTSecretKey:        utils.GetEnv("JWT_SECRET_KEY", "defaultsecret", log),
		Port:                utils.GetEnv("PORT", "8080", log),
		ChatModel:           utils.GetEnv("CHAT_MODEL", "", log),
		ChatSystemPrompt:    utils.GetEnv("CHAT_SYSTEM_PROMPT", "", log),
		ChatMaxSteps:        utils.GetEnvAsInt("CHAT_MAX_STEPS", 0, log),
		ChatRecentMessages:  utils.GetEnvAsInt("CHAT_RECENT_MESSAGES", 0, log),
		StreamFlushInterval: utils.GetEnvAsDuration("STREAM_FLUSH_INTERVAL", 200*time.Millisecond, log),
	}
}
