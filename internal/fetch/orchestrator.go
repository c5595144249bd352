package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/yarsha/internal/metrics"
	"github.com/matheus3301/yarsha/internal/session"
	"github.com/matheus3301/yarsha/internal/store"
	ysync "github.com/matheus3301/yarsha/internal/sync"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrNoMorePages is returned by FetchNextPage once the stored cursor has
// reached the last page.
var ErrNoMorePages = errors.New("fetch: no more pages")

// Applier is the write funnel fetched records go through.
type Applier interface {
	Apply(ctx context.Context, b ysync.Batch) (*ysync.Result, error)
}

// Options tunes default page sizes.
type Options struct {
	ChatPageSize    int
	MessagePageSize int
}

// Orchestrator issues bounded requests and hands normalized responses to
// the reconciler. It never writes when the remote call fails.
type Orchestrator struct {
	remote  Remote
	creds   session.Provider
	applier Applier
	db      *store.DB
	metrics *metrics.Collectors
	tracer  trace.Tracer
	logger  *zap.Logger
	opts    Options
}

// NewOrchestrator creates a fetch orchestrator. db is used for cursor and
// known-identity reads only.
func NewOrchestrator(remote Remote, creds session.Provider, applier Applier, db *store.DB, m *metrics.Collectors, logger *zap.Logger, opts Options) *Orchestrator {
	if opts.ChatPageSize <= 0 {
		opts.ChatPageSize = 20
	}
	if opts.MessagePageSize <= 0 {
		opts.MessagePageSize = 50
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		remote:  remote,
		creds:   creds,
		applier: applier,
		db:      db,
		metrics: m,
		tracer:  otel.Tracer("github.com/matheus3301/yarsha/internal/fetch"),
		logger:  logger,
		opts:    opts,
	}
}

// FetchChatPage fetches one page of the chat list. Page 1 is the
// authoritative head of the list and is applied as a full sync; later
// pages are incremental. The stored cursor is replaced either way.
func (o *Orchestrator) FetchChatPage(ctx context.Context, page, limit int) (res *ysync.Result, err error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = o.opts.ChatPageSize
	}
	ctx, done := o.begin(ctx, "chat_page", attribute.Int("page", page), attribute.Int("limit", limit))
	defer func() { done(err) }()

	sc, err := o.creds.Current(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := o.remote.ListChats(ctx, sc, page, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch chat page %d: %w", page, err)
	}

	mode := ysync.Incremental
	if page == 1 {
		mode = ysync.FullSync
	}
	current := resp.CurrentPage
	if current <= 0 {
		current = page
	}
	total := resp.TotalPages
	if total < current {
		total = current
	}
	return o.applier.Apply(ctx, ysync.Batch{
		Source: ysync.SourceFetch,
		Mode:   mode,
		Chats:  resp.Chats,
		Seen:   resp.Seen,
		Cursor: &store.PaginationCursor{
			ListKind:    store.ChatListKind,
			CurrentPage: current,
			TotalPages:  total,
		},
	})
}

// FetchNextPage fetches the page after the stored cursor, or page 1 when
// no cursor exists yet.
func (o *Orchestrator) FetchNextPage(ctx context.Context) (*ysync.Result, error) {
	cursor, err := o.db.GetCursor(store.ChatListKind)
	if err != nil {
		return nil, fmt.Errorf("read cursor: %w", err)
	}
	if cursor == nil {
		return o.FetchChatPage(ctx, 1, 0)
	}
	if !cursor.HasMore() {
		return nil, ErrNoMorePages
	}
	return o.FetchChatPage(ctx, cursor.CurrentPage+1, 0)
}

// FetchMessages backfills messages of one chat around a timestamp.
// Messages already stored with a server id are dropped before the apply.
func (o *Orchestrator) FetchMessages(ctx context.Context, q MessageQuery) (res *ysync.Result, err error) {
	if q.ChatID == "" {
		return nil, errors.New("fetch messages: chat id is required")
	}
	if q.Limit <= 0 {
		q.Limit = o.opts.MessagePageSize
	}
	if q.Direction == "" {
		q.Direction = Before
	}
	ctx, done := o.begin(ctx, "messages",
		attribute.String("chat_id", q.ChatID),
		attribute.String("direction", string(q.Direction)),
		attribute.Int("limit", q.Limit))
	defer func() { done(err) }()

	sc, err := o.creds.Current(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := o.remote.ListMessages(ctx, sc, q)
	if err != nil {
		return nil, fmt.Errorf("fetch messages of %s: %w", q.ChatID, err)
	}

	msgs, err := o.dropKnown(resp.Messages)
	if err != nil {
		return nil, err
	}
	if len(msgs) < len(resp.Messages) {
		o.logger.Debug("dropped already known messages",
			zap.String("chat", q.ChatID),
			zap.Int("fetched", len(resp.Messages)),
			zap.Int("kept", len(msgs)))
	}
	for i := range msgs {
		if msgs[i].ChatID == "" {
			msgs[i].ChatID = q.ChatID
		}
	}
	return o.applier.Apply(ctx, ysync.Batch{
		Source:   ysync.SourceFetch,
		Mode:     ysync.Incremental,
		Messages: msgs,
		Seen:     resp.Seen,
	})
}

// FetchChatDetail refreshes one chat and replaces its participant list.
func (o *Orchestrator) FetchChatDetail(ctx context.Context, chatID string) (res *ysync.Result, err error) {
	ctx, done := o.begin(ctx, "chat_detail", attribute.String("chat_id", chatID))
	defer func() { done(err) }()

	sc, err := o.creds.Current(ctx)
	if err != nil {
		return nil, err
	}
	detail, err := o.remote.GetChat(ctx, sc, chatID)
	if err != nil {
		return nil, fmt.Errorf("fetch chat %s: %w", chatID, err)
	}
	if detail.Chat.GroupID == "" {
		detail.Chat.GroupID = chatID
	}
	return o.applier.Apply(ctx, ysync.Batch{
		Source: ysync.SourceFetch,
		Mode:   ysync.Incremental,
		Chats:  []store.Chat{detail.Chat},
		Participants: []ysync.ParticipantsPatch{{
			ChatID:  detail.Chat.GroupID,
			Replace: true,
			Upsert:  detail.Participants,
		}},
		Seen: detail.Seen,
	})
}

// dropKnown removes messages whose identity is already stored with a
// server id. Rows still waiting for their ack are kept so the fetched copy
// can confirm them.
func (o *Orchestrator) dropKnown(msgs []store.Message) ([]store.Message, error) {
	if len(msgs) == 0 {
		return msgs, nil
	}
	ids := make([]string, 0, len(msgs))
	for i := range msgs {
		if id := identity(&msgs[i]); id != "" {
			ids = append(ids, id)
		}
	}
	known, err := o.db.KnownIdentities(ids)
	if err != nil {
		return nil, fmt.Errorf("check known messages: %w", err)
	}
	kept := msgs[:0:0]
	for _, m := range msgs {
		if known[identity(&m)] {
			continue
		}
		kept = append(kept, m)
	}
	return kept, nil
}

// identity is the logical id for automated deliveries and the local id
// otherwise, falling back to whichever is present.
func identity(m *store.Message) string {
	if m.Automated && m.MessageID != "" {
		return m.MessageID
	}
	if m.LocalID != "" {
		return m.LocalID
	}
	return m.MessageID
}

func (o *Orchestrator) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "fetch."+op, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		outcome := "ok"
		if err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			o.logger.Warn("fetch failed", zap.String("op", op), zap.Error(err))
		}
		o.metrics.ObserveFetch(op, outcome, time.Since(start).Seconds())
		span.End()
	}
}
