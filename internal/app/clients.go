package app

import (
	"fmt"
	"os"
	"strings"

	"github.com/strandlabs/strand/internal/inference/client"
	"github.com/strandlabs/strand/internal/pkg/logger"
	"github.com/strandlabs/strand/internal/platform/qdrant"
	"github.com/strandlabs/strand/internal/platform/vectorstore"
	"github.com/strandlabs/strand/internal/realtime/bus"
)

type Clients struct {
	Inference client.Client
	Vectors   vectorstore.VectorStore
	Bus       bus.Bus
}

func wireClients(log *logger.Logger) (Clients, error) {
	log.Info("Wiring clients...")

	// Inference
	inference, err := client.NewFromEnv()
	if err != nil {
		return Clients{}, fmt.Errorf("init inference client: %w", err)
	}

	// Qdrant
	var vectors vectorstore.VectorStore
	if qcfg, err := qdrant.ResolveConfigFromEnv(); err != nil {
		log.Warn("qdrant not configured, context search disabled", "error", err)
	} else {
		vectors, err = qdrant.NewVectorStore(log, qcfg)
		if err != nil {
			return Clients{}, fmt.Errorf("init qdrant store: %w", err)
		}
	}

	// Redis
	var b bus.Bus
	if strings.TrimSpace(os.Getenv("REDIS_ADDR")) != "" {
		b, err = bus.NewRedisBus(log)
		if err != nil {
			return Clients{}, fmt.Errorf("init redis bus: %w", err)
		}
	}

	return Clients{
		Inference: inference,
		Vectors:   vectors,
		Bus:       b,
	}, nil
}
