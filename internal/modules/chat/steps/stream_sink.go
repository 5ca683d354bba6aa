package steps

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	chatrepos "github.com/strandlabs/strand/internal/data/repos/chat"
	types "github.com/strandlabs/strand/internal/domain"
	domainchat "github.com/strandlabs/strand/internal/domain/chat"
	"github.com/strandlabs/strand/internal/pkg/dbctx"
	"github.com/strandlabs/strand/internal/pkg/logger"
)

const defaultFlushInterval = 200 * time.Millisecond

type SinkOptions struct {
	// FlushInterval is the minimum spacing between delta writes. Finish
	// and Abort flush regardless.
	FlushInterval time.Duration
}

// StreamSink buffers incremental model output and persists it as
// cursor-ordered deltas. The stream record is created lazily on the
// first flush. Once finished or aborted the sink is disposed: further
// AddParts calls are dropped, not errors.
type StreamSink struct {
	streams  chatrepos.ChatStreamRepo
	messages chatrepos.ChatMessageRepo
	log      *logger.Logger

	threadID  uuid.UUID
	ord       int64
	stepOrder int64
	interval  time.Duration

	mu        sync.Mutex
	streamID  uuid.UUID
	cursor    int64
	buffer    []types.Part
	lastFlush time.Time
	anchorID  *uuid.UUID
	disposed  bool
}

func NewStreamSink(streams chatrepos.ChatStreamRepo, messages chatrepos.ChatMessageRepo, log *logger.Logger, threadID uuid.UUID, ord, stepOrder int64, opts SinkOptions) *StreamSink {
	interval := opts.FlushInterval
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	return &StreamSink{
		streams:   streams,
		messages:  messages,
		log:       log.With("step", "StreamSink"),
		threadID:  threadID,
		ord:       ord,
		stepOrder: stepOrder,
		interval:  interval,
	}
}

// SetAnchor records the persisted message this stream belongs to. An
// abort before any anchor exists writes a minimal failed message so the
// failure stays visible in the thread log.
func (s *StreamSink) SetAnchor(messageID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := messageID
	s.anchorID = &id
}

func (s *StreamSink) StreamID() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamID
}

// AddParts buffers parts and flushes when the throttle interval has
// elapsed. Disposed sinks drop the parts silently.
func (s *StreamSink) AddParts(dbc dbctx.Context, parts ...types.Part) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed || len(parts) == 0 {
		return nil
	}
	s.buffer = append(s.buffer, parts...)
	if time.Since(s.lastFlush) < s.interval {
		return nil
	}
	return s.flushLocked(dbc)
}

// Flush forces buffered parts out regardless of the throttle.
func (s *StreamSink) Flush(dbc dbctx.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return nil
	}
	return s.flushLocked(dbc)
}

// Finish flushes the tail and marks the stream finished.
func (s *StreamSink) Finish(dbc dbctx.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return nil
	}
	s.disposed = true
	if err := s.flushLocked(dbc); err != nil {
		return err
	}
	if s.streamID == uuid.Nil {
		return nil
	}
	return s.streams.SetStatus(dbc, s.streamID, types.StreamStatusFinished, "")
}

// Abort flushes what is buffered, marks the stream aborted and, if no
// anchor message was ever created, persists a minimal failed message.
// Idempotent: a second call is a no-op.
func (s *StreamSink) Abort(dbc dbctx.Context, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return nil
	}
	s.disposed = true
	if err := s.flushLocked(dbc); err != nil {
		s.log.Warn("abort flush failed", "error", err)
	}
	if s.streamID != uuid.Nil {
		if err := s.streams.SetStatus(dbc, s.streamID, types.StreamStatusAborted, reason); err != nil {
			return err
		}
	}
	if s.anchorID == nil {
		row := &types.ChatMessage{Status: types.MessageStatusFailed, Error: reason}
		if err := row.SetContent(types.MessageContent{
			Role:  types.RoleAssistant,
			Parts: []types.Part{},
		}); err != nil {
			return err
		}
		if _, err := s.messages.Append(dbc, s.threadID, []*types.ChatMessage{row}, chatrepos.AppendOptions{}); err != nil {
			return err
		}
	}
	return nil
}

func (s *StreamSink) flushLocked(dbc dbctx.Context) error {
	if len(s.buffer) == 0 {
		return nil
	}
	if s.streamID == uuid.Nil {
		row, err := s.streams.Create(dbc, &types.ChatStream{
			ThreadID:  s.threadID,
			Ord:       s.ord,
			StepOrder: s.stepOrder,
			Status:    types.StreamStatusStreaming,
		})
		if err != nil {
			return err
		}
		s.streamID = row.ID
	}
	encoded, err := domainchat.MarshalParts(s.buffer)
	if err != nil {
		return err
	}
	start := s.cursor
	end := start + int64(len(s.buffer))
	if err := s.streams.AppendDelta(dbc, s.streamID, start, end, datatypes.JSON(encoded)); err != nil {
		return err
	}
	s.cursor = end
	s.buffer = s.buffer[:0]
	s.lastFlush = time.Now()
	return nil
}
