package app

import (
	"embed"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/strandlabs/strand/internal/modules/chat/steps"
	"github.com/strandlabs/strand/internal/pkg/logger"
)

const chatDefaultsEnv = "CHAT_DEFAULTS_YAML"

//go:embed chat_defaults.yaml
var chatDefaultsFS embed.FS

type yamlChatDefaults struct {
	Version    int `yaml:"version"`
	Generation struct {
		Model       string   `yaml:"model"`
		System      string   `yaml:"system"`
		Temperature *float64 `yaml:"temperature"`
		MaxTokens   int      `yaml:"max_tokens"`
		MaxSteps    int      `yaml:"max_steps"`
	} `yaml:"generation"`
	Context struct {
		RecentMessages int `yaml:"recent_messages"`
		Search         *struct {
			Text         bool `yaml:"text"`
			Vector       bool `yaml:"vector"`
			Limit        int  `yaml:"limit"`
			WindowBefore int  `yaml:"window_before"`
			WindowAfter  int  `yaml:"window_after"`
		} `yaml:"search"`
	} `yaml:"context"`
}

// loadChatDefaults reads the embedded generation defaults, or the file
// named by CHAT_DEFAULTS_YAML when set. A broken override falls back to
// the embedded copy with a warning, never a startup failure.
func loadChatDefaults(log *logger.Logger) steps.GenerateOptions {
	raw, source := readDefaultsYAML(log)
	var spec yamlChatDefaults
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		log.Warn("chat defaults yaml invalid, using built-in values", "source", source, "error", err)
		return steps.GenerateOptions{}
	}

	out := steps.GenerateOptions{
		Model:       strings.TrimSpace(spec.Generation.Model),
		System:      spec.Generation.System,
		Temperature: spec.Generation.Temperature,
		MaxTokens:   spec.Generation.MaxTokens,
		MaxSteps:    spec.Generation.MaxSteps,
	}
	ctx := steps.ContextOptions{RecentMessages: spec.Context.RecentMessages}
	if s := spec.Context.Search; s != nil {
		ctx.Search = &steps.SearchOptions{
			Text:         s.Text,
			Vector:       s.Vector,
			Limit:        s.Limit,
			WindowBefore: s.WindowBefore,
			WindowAfter:  s.WindowAfter,
		}
	}
	out.Context = &ctx
	return out
}

func readDefaultsYAML(log *logger.Logger) ([]byte, string) {
	if path := strings.TrimSpace(os.Getenv(chatDefaultsEnv)); path != "" {
		if raw, err := os.ReadFile(path); err == nil {
			return raw, path
		} else {
			log.Warn("chat defaults override unreadable, using embedded copy", "path", path, "error", err)
		}
	}
	raw, err := chatDefaultsFS.ReadFile("chat_defaults.yaml")
	if err != nil {
		return nil, "embedded"
	}
	return raw, "embedded"
}
