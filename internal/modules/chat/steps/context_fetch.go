package steps

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	chatrepos "github.com/strandlabs/strand/internal/data/repos/chat"
	types "github.com/strandlabs/strand/internal/domain"
	domainchat "github.com/strandlabs/strand/internal/domain/chat"
	"github.com/strandlabs/strand/internal/pkg/dbctx"
	pkgerrors "github.com/strandlabs/strand/internal/pkg/errors"
	"github.com/strandlabs/strand/internal/pkg/logger"
	"github.com/strandlabs/strand/internal/platform/vectorstore"
)

// rrfK is the reciprocal-rank-fusion constant: score contribution per
// list is 1/(rank+rrfK).
const rrfK = 10

// Embedder is the slice of the inference client the fetcher needs.
type Embedder interface {
	EmbedMany(ctx context.Context, inputs []string) ([][]float32, error)
	EmbedModel() string
}

type FetchInput struct {
	ThreadID *uuid.UUID
	UserID   *uuid.UUID
	// SearchText overrides the query text; when empty the target
	// message's text is used, else the last explicitly supplied message.
	SearchText      string
	TargetMessageID *uuid.UUID
	Messages        []types.MessageContent
	Options         ContextOptions
}

// ContextMessage pairs a stored message with its decoded content so
// downstream consumers never re-decode.
type ContextMessage struct {
	Msg     *types.ChatMessage
	Content types.MessageContent
}

type FetchResult struct {
	Search []ContextMessage
	Recent []ContextMessage
}

// Ordered returns search context first, then the recency tail. Callers
// rely on this ordering.
func (r FetchResult) Ordered() []ContextMessage {
	out := make([]ContextMessage, 0, len(r.Search)+len(r.Recent))
	out = append(out, r.Search...)
	out = append(out, r.Recent...)
	return out
}

type ContextFetcher struct {
	messages chatrepos.ChatMessageRepo
	vectors  vectorstore.VectorStore
	embedder Embedder
	log      *logger.Logger
}

func NewContextFetcher(messages chatrepos.ChatMessageRepo, vectors vectorstore.VectorStore, embedder Embedder, log *logger.Logger) *ContextFetcher {
	return &ContextFetcher{
		messages: messages,
		vectors:  vectors,
		embedder: embedder,
		log:      log.With("step", "ContextFetcher"),
	}
}

func (f *ContextFetcher) Fetch(dbc dbctx.Context, in FetchInput) (FetchResult, error) {
	opts := in.Options
	searchEnabled := opts.Search != nil && opts.Search.Limit > 0 && (opts.Search.Text || opts.Search.Vector)
	if searchEnabled && dbc.Tx != nil {
		return FetchResult{}, fmt.Errorf("context search requires an action context, not a transaction: %w", pkgerrors.ErrMisconfigured)
	}
	if searchEnabled && opts.Search.Vector {
		if f.embedder == nil || strings.TrimSpace(f.embedder.EmbedModel()) == "" {
			return FetchResult{}, fmt.Errorf("vector search requires an embedding model: %w", pkgerrors.ErrMisconfigured)
		}
		if f.vectors == nil {
			return FetchResult{}, fmt.Errorf("vector search requires a vector store: %w", pkgerrors.ErrMisconfigured)
		}
	}

	var (
		recent []*types.ChatMessage
		seen   = map[uuid.UUID]bool{}
	)
	if opts.RecentMessages != 0 && in.ThreadID != nil && *in.ThreadID != uuid.Nil {
		page, err := f.messages.ListByThread(dbc, *in.ThreadID, chatrepos.ListOptions{
			Order:                     chatrepos.ListDesc,
			Statuses:                  []string{types.MessageStatusSuccess},
			UpToAndIncludingMessageID: in.TargetMessageID,
			Limit:                     opts.RecentMessages,
		})
		if err != nil {
			return FetchResult{}, err
		}
		recent = page.Page
		// Back to chronological order for the model.
		for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
			recent[i], recent[j] = recent[j], recent[i]
		}
		for _, m := range recent {
			seen[m.ID] = true
		}
	}

	var searched []*types.ChatMessage
	if searchEnabled {
		query, err := f.resolveQueryText(dbc, in)
		if err != nil {
			return FetchResult{}, err
		}
		if query != "" {
			searched, err = f.search(dbc, in, query, *opts.Search, seen)
			if err != nil {
				return FetchResult{}, err
			}
		}
	}

	searchCtx, recentCtx, err := filterOrphans(searched, recent)
	if err != nil {
		return FetchResult{}, err
	}
	return FetchResult{Search: searchCtx, Recent: recentCtx}, nil
}

func (f *ContextFetcher) resolveQueryText(dbc dbctx.Context, in FetchInput) (string, error) {
	if q := strings.TrimSpace(in.SearchText); q != "" {
		return q, nil
	}
	if in.TargetMessageID != nil && *in.TargetMessageID != uuid.Nil {
		target, err := f.messages.GetByID(dbc, *in.TargetMessageID)
		if err != nil {
			return "", err
		}
		if q := strings.TrimSpace(target.Text); q != "" {
			return q, nil
		}
	}
	if len(in.Messages) > 0 {
		last := in.Messages[len(in.Messages)-1]
		return strings.TrimSpace(domainchat.DeriveText(last)), nil
	}
	return "", nil
}

// search runs lexical and vector retrieval concurrently, fuses the two
// rankings and expands each surviving hit by its neighbor window.
func (f *ContextFetcher) search(dbc dbctx.Context, in FetchInput, query string, opts SearchOptions, seen map[uuid.UUID]bool) ([]*types.ChatMessage, error) {
	var (
		textIDs   []uuid.UUID
		vectorIDs []uuid.UUID
	)
	ctx := dbc.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	g, gctx := errgroup.WithContext(ctx)
	if opts.Text {
		g.Go(func() error {
			lex := chatrepos.LexicalQuery{Query: query, Limit: opts.Limit * 3}
			if in.ThreadID != nil {
				lex.ThreadID = *in.ThreadID
			}
			lex.UserID = in.UserID
			hits, err := f.messages.LexicalSearchHits(dbctx.Context{Ctx: gctx}, lex)
			if err != nil {
				return err
			}
			for _, h := range hits {
				textIDs = append(textIDs, h.Msg.ID)
			}
			return nil
		})
	}
	if opts.Vector {
		g.Go(func() error {
			vecs, err := f.embedder.EmbedMany(gctx, []string{query})
			if err != nil {
				return err
			}
			matches, err := f.vectors.QueryMatches(gctx, searchNamespace(in.ThreadID, in.UserID), vecs[0], opts.Limit*3)
			if err != nil {
				return err
			}
			for _, m := range matches {
				id, err := uuid.Parse(m.ID)
				if err != nil {
					continue
				}
				vectorIDs = append(vectorIDs, id)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	fused := rrfFuse(textIDs, vectorIDs, opts.Limit)
	if len(fused) == 0 {
		return nil, nil
	}
	hits, err := f.messages.GetByIDs(dbc, fused)
	if err != nil {
		return nil, err
	}
	// Preserve fused ranking over whatever order the store returned.
	byID := make(map[uuid.UUID]*types.ChatMessage, len(hits))
	for _, h := range hits {
		byID[h.ID] = h
	}
	ranked := make([]*types.ChatMessage, 0, len(fused))
	for _, id := range fused {
		if m, ok := byID[id]; ok {
			ranked = append(ranked, m)
		}
	}

	expanded, err := f.expandWindows(dbc, ranked, opts)
	if err != nil {
		return nil, err
	}

	out := make([]*types.ChatMessage, 0, len(expanded))
	for _, m := range expanded {
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		out = append(out, m)
	}
	return out, nil
}

// expandWindows widens each hit to [ord-before, ord+after], merging
// overlapping windows per thread before querying.
func (f *ContextFetcher) expandWindows(dbc dbctx.Context, hits []*types.ChatMessage, opts SearchOptions) ([]*types.ChatMessage, error) {
	if opts.WindowBefore <= 0 && opts.WindowAfter <= 0 {
		return hits, nil
	}
	windowsByThread := map[uuid.UUID][]chatrepos.OrdWindow{}
	threadOrder := []uuid.UUID{}
	for _, h := range hits {
		lo := h.Ord - int64(opts.WindowBefore)
		if lo < 0 {
			lo = 0
		}
		if _, ok := windowsByThread[h.ThreadID]; !ok {
			threadOrder = append(threadOrder, h.ThreadID)
		}
		windowsByThread[h.ThreadID] = append(windowsByThread[h.ThreadID], chatrepos.OrdWindow{
			Lo: lo,
			Hi: h.Ord + int64(opts.WindowAfter),
		})
	}
	var out []*types.ChatMessage
	for _, threadID := range threadOrder {
		merged := mergeWindows(windowsByThread[threadID])
		rows, err := f.messages.ListAroundOrds(dbc, threadID, merged)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

func mergeWindows(windows []chatrepos.OrdWindow) []chatrepos.OrdWindow {
	if len(windows) <= 1 {
		return windows
	}
	sort.Slice(windows, func(i, j int) bool { return windows[i].Lo < windows[j].Lo })
	out := []chatrepos.OrdWindow{windows[0]}
	for _, w := range windows[1:] {
		last := &out[len(out)-1]
		if w.Lo <= last.Hi+1 {
			if w.Hi > last.Hi {
				last.Hi = w.Hi
			}
			continue
		}
		out = append(out, w)
	}
	return out
}

// rrfFuse combines two rank lists with reciprocal-rank fusion. Ranks
// are 1-based; ties break on id so identical inputs always produce an
// identical ordering.
func rrfFuse(textIDs, vectorIDs []uuid.UUID, limit int) []uuid.UUID {
	scores := map[uuid.UUID]float64{}
	order := []uuid.UUID{}
	add := func(ids []uuid.UUID) {
		for i, id := range ids {
			if _, ok := scores[id]; !ok {
				order = append(order, id)
			}
			scores[id] += 1.0 / float64(i+1+rrfK)
		}
	}
	add(textIDs)
	add(vectorIDs)
	sort.SliceStable(order, func(i, j int) bool {
		si, sj := scores[order[i]], scores[order[j]]
		if si != sj {
			return si > sj
		}
		return order[i].String() < order[j].String()
	})
	if limit > 0 && len(order) > limit {
		order = order[:limit]
	}
	return order
}

func searchNamespace(threadID, userID *uuid.UUID) string {
	if threadID != nil && *threadID != uuid.Nil {
		return "thread:" + threadID.String()
	}
	if userID != nil && *userID != uuid.Nil {
		return "user:" + userID.String()
	}
	return "global"
}

// filterOrphans drops tool fragments with no live counterpart. A
// tool-call survives when a result exists for it, or when its approval
// request has a recorded response (a call paused for approval is not an
// orphan). A tool-result survives only when its call is present.
// Approval-response parts are never dropped. Messages left empty are
// dropped whole. Match indexes span both sets.
func filterOrphans(searched, recent []*types.ChatMessage) ([]ContextMessage, []ContextMessage, error) {
	decode := func(rows []*types.ChatMessage) ([]ContextMessage, error) {
		out := make([]ContextMessage, 0, len(rows))
		for _, row := range rows {
			content, err := row.DecodeContent()
			if err != nil {
				return nil, fmt.Errorf("message %s content: %w", row.ID, err)
			}
			out = append(out, ContextMessage{Msg: row, Content: content})
		}
		return out, nil
	}
	searchedCtx, err := decode(searched)
	if err != nil {
		return nil, nil, err
	}
	recentCtx, err := decode(recent)
	if err != nil {
		return nil, nil, err
	}

	var (
		callIDs       = map[string]bool{}
		resultIDs     = map[string]bool{}
		requestByCall = map[string]string{}
		responseIDs   = map[string]bool{}
	)
	index := func(msgs []ContextMessage) {
		for _, cm := range msgs {
			for _, p := range cm.Content.Parts {
				switch v := p.(type) {
				case types.ToolCallPart:
					callIDs[v.ToolCallID] = true
				case types.ToolResultPart:
					resultIDs[v.ToolCallID] = true
				case types.ApprovalRequestPart:
					if v.ToolCallID != "" {
						requestByCall[v.ToolCallID] = v.ApprovalID
					}
				case types.ApprovalResponsePart:
					responseIDs[v.ApprovalID] = true
				}
			}
		}
	}
	index(searchedCtx)
	index(recentCtx)

	keepPart := func(p types.Part) bool {
		switch v := p.(type) {
		case types.ToolCallPart:
			if resultIDs[v.ToolCallID] {
				return true
			}
			if approvalID, ok := requestByCall[v.ToolCallID]; ok && responseIDs[approvalID] {
				return true
			}
			return false
		case types.ToolResultPart:
			return callIDs[v.ToolCallID]
		default:
			return true
		}
	}

	filter := func(msgs []ContextMessage) []ContextMessage {
		out := make([]ContextMessage, 0, len(msgs))
		for _, cm := range msgs {
			kept := make([]types.Part, 0, len(cm.Content.Parts))
			for _, p := range cm.Content.Parts {
				if keepPart(p) {
					kept = append(kept, p)
				}
			}
			if len(kept) == 0 {
				continue
			}
			cm.Content.Parts = kept
			out = append(out, cm)
		}
		return out
	}
	return filter(searchedCtx), filter(recentCtx), nil
}
