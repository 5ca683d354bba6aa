package services

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"

	chatrepos "github.com/strandlabs/strand/internal/data/repos/chat"
	"github.com/strandlabs/strand/internal/pkg/dbctx"
	"github.com/strandlabs/strand/internal/pkg/logger"
	"github.com/strandlabs/strand/internal/platform/vectorstore"
)

const (
	reaperInterval   = 30 * time.Second
	reaperBatchSize  = 200
	reaperThreadCap  = 10
	reaperVectorPage = 200
)

// ThreadReaper purges threads marked deleting: vectors first, then
// messages in bounded batches, then streams, then the thread row.
// Every step resumes cleanly, so a crash mid-purge just retries on the
// next tick.
type ThreadReaper struct {
	threads  chatrepos.ChatThreadRepo
	messages chatrepos.ChatMessageRepo
	streams  chatrepos.ChatStreamRepo
	vectors  vectorstore.VectorStore
	log      *logger.Logger
}

func NewThreadReaper(threads chatrepos.ChatThreadRepo, messages chatrepos.ChatMessageRepo, streams chatrepos.ChatStreamRepo, vectors vectorstore.VectorStore, log *logger.Logger) *ThreadReaper {
	return &ThreadReaper{
		threads:  threads,
		messages: messages,
		streams:  streams,
		vectors:  vectors,
		log:      log.With("service", "ThreadReaper"),
	}
}

// Run blocks until ctx is done, sweeping on a fixed interval.
func (r *ThreadReaper) Run(ctx context.Context) {
	ticker := time.NewTicker(reaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep purges up to reaperThreadCap deleting threads once.
func (r *ThreadReaper) Sweep(ctx context.Context) {
	dbc := dbctx.Context{Ctx: ctx}
	rows, err := r.threads.ListDeleting(dbc, reaperThreadCap)
	if err != nil {
		r.log.Error("list deleting threads failed", "error", err)
		return
	}
	for _, thread := range rows {
		if ctx.Err() != nil {
			return
		}
		if err := r.purgeThread(dbc, thread.ID); err != nil {
			r.log.Error("thread purge failed", "thread_id", thread.ID, "error", err)
			continue
		}
		r.log.Info("thread purged", "thread_id", thread.ID)
	}
}

func (r *ThreadReaper) purgeThread(dbc dbctx.Context, threadID uuid.UUID) error {
	if err := r.purgeVectors(dbc, threadID); err != nil {
		// Vectors are an index, not the source of truth; keep going.
		r.log.Warn("vector purge failed", "thread_id", threadID, "error", err)
	}

	end := chatrepos.RangeCursor{Ord: math.MaxInt64, StepOrder: 0}
	start := chatrepos.RangeCursor{}
	for {
		res, err := r.messages.DeleteRange(dbc, threadID, start, end, reaperBatchSize)
		if err != nil {
			return err
		}
		if res.IsDone {
			break
		}
		if res.Resume != nil {
			start = *res.Resume
		}
	}

	for {
		_, isDone, err := r.streams.DeleteByThread(dbc, threadID, 50)
		if err != nil {
			return err
		}
		if isDone {
			break
		}
	}

	return r.threads.Delete(dbc, threadID)
}

func (r *ThreadReaper) purgeVectors(dbc dbctx.Context, threadID uuid.UUID) error {
	if r.vectors == nil {
		return nil
	}
	ctx := dbc.Ctx
	ns := "thread:" + threadID.String()
	cursor := ""
	for {
		page, err := r.messages.ListByThread(dbc, threadID, chatrepos.ListOptions{
			Order:  chatrepos.ListAsc,
			Cursor: cursor,
			Limit:  reaperVectorPage,
		})
		if err != nil {
			return err
		}
		var ids []string
		for _, msg := range page.Page {
			if msg.EmbeddingID != nil && *msg.EmbeddingID != "" {
				ids = append(ids, *msg.EmbeddingID)
			}
		}
		if len(ids) > 0 {
			if err := r.vectors.DeleteIDs(ctx, ns, ids); err != nil {
				return err
			}
		}
		if page.IsDone {
			return nil
		}
		cursor = page.ContinueCursor
	}
}
