package services

import (
	"context"

	"github.com/google/uuid"

	chatrepos "github.com/strandlabs/strand/internal/data/repos/chat"
	types "github.com/strandlabs/strand/internal/domain"
	"github.com/strandlabs/strand/internal/pkg/ctxutil"
	"github.com/strandlabs/strand/internal/pkg/dbctx"
	"github.com/strandlabs/strand/internal/pkg/logger"
	"github.com/strandlabs/strand/internal/realtime"
	"github.com/strandlabs/strand/internal/realtime/bus"
)

// ChatNotifier pushes thread activity to connected readers. All calls
// are best-effort; a notification that cannot be delivered is logged
// and dropped, never surfaced to the write path.
type ChatNotifier interface {
	MessageWritten(ctx context.Context, msg *types.ChatMessage)
	ThreadEvent(ctx context.Context, threadID uuid.UUID, event realtime.Event, data any)
}

type realtimeNotifier struct {
	hub *realtime.Hub
	bus bus.Bus
	log *logger.Logger
}

func NewChatNotifier(hub *realtime.Hub, b bus.Bus, log *logger.Logger) ChatNotifier {
	return &realtimeNotifier{hub: hub, bus: b, log: log.With("service", "ChatNotifier")}
}

func (n *realtimeNotifier) MessageWritten(ctx context.Context, msg *types.ChatMessage) {
	if msg == nil {
		return
	}
	n.publish(ctx, realtime.Message{
		Channel: realtime.ThreadChannel(msg.ThreadID),
		Event:   realtime.EventMessageCreated,
		Data: map[string]any{
			"message_id": msg.ID,
			"ord":        msg.Ord,
			"step_order": msg.StepOrder,
			"status":     msg.Status,
		},
	})
}

func (n *realtimeNotifier) ThreadEvent(ctx context.Context, threadID uuid.UUID, event realtime.Event, data any) {
	n.publish(ctx, realtime.Message{
		Channel: realtime.ThreadChannel(threadID),
		Event:   event,
		Data:    data,
	})
}

func (n *realtimeNotifier) publish(ctx context.Context, msg realtime.Message) {
	ctx = ctxutil.Default(ctx)
	if n.bus != nil {
		if err := n.bus.Publish(ctx, msg); err != nil {
			n.log.Warn("realtime publish failed", "channel", msg.Channel, "error", err)
		}
		return
	}
	if n.hub != nil {
		n.hub.Broadcast(msg)
	}
}

// messageObserver adapts the notifier to the repo observer hook. It
// never fails the surrounding transaction.
type messageObserver struct {
	notify ChatNotifier
}

func NewMessageObserver(notify ChatNotifier) chatrepos.MessageObserver {
	return &messageObserver{notify: notify}
}

func (o *messageObserver) MessagesWritten(dbc dbctx.Context, rows []*types.ChatMessage) error {
	for _, row := range rows {
		o.notify.MessageWritten(dbc.Ctx, row)
	}
	return nil
}
