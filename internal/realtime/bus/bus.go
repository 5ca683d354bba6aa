package bus

import (
	"context"

	"github.com/strandlabs/strand/internal/realtime"
)

// Bus fans realtime messages out across server instances; each instance
// forwards bus traffic into its local hub.
type Bus interface {
	Publish(ctx context.Context, msg realtime.Message) error
	StartForwarder(ctx context.Context, onMsg func(m realtime.Message)) error
	Close() error
}
