package mutation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/yarsha/internal/bus"
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

// Applier is the write funnel every local effect goes through.
type Applier interface {
	Apply(ctx context.Context, b ysync.Batch) (*ysync.Result, error)
}

// Gateway runs user actions as optimistic local writes followed by the
// remote call. A failed remote call leaves the optimistic state in place
// (sends are moved to failed) and is reported as a NotConfirmedError.
type Gateway struct {
	db         *store.DB
	applier    Applier
	remote     Remote
	creds      session.Provider
	classifier *ysync.Classifier
	uploader   Uploader
	payer      Payer
	bus        *bus.Bus
	metrics    *metrics.Collectors
	tracer     trace.Tracer
	logger     *zap.Logger
	now        func() time.Time
}

// Option configures optional collaborators of a Gateway.
type Option func(*Gateway)

// WithUploader enables SendMedia.
func WithUploader(u Uploader) Option { return func(g *Gateway) { g.uploader = u } }

// WithPayer enables SendPayment.
func WithPayer(p Payer) Option { return func(g *Gateway) { g.payer = p } }

// WithClassifier sets the classifier used for optimistic message types.
func WithClassifier(c *ysync.Classifier) Option { return func(g *Gateway) { g.classifier = c } }

// NewGateway creates a mutation gateway.
func NewGateway(db *store.DB, applier Applier, remote Remote, creds session.Provider, b *bus.Bus, m *metrics.Collectors, logger *zap.Logger, opts ...Option) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gateway{
		db:      db,
		applier: applier,
		remote:  remote,
		creds:   creds,
		bus:     b,
		metrics: m,
		tracer:  otel.Tracer("github.com/matheus3301/yarsha/internal/mutation"),
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.classifier == nil {
		g.classifier = ysync.MustClassifier(ysync.DefaultGIFPatterns)
	}
	return g
}

// op describes one action run through the gateway.
type op struct {
	action     Action
	optimistic ysync.Batch
	// undo restores the state before the optimistic write. Nil when the
	// action cannot be reverted.
	undo *ysync.Batch
	// onFailure is applied when the remote call fails.
	onFailure *ysync.Batch
	// confirm builds the batch reconciling the server response.
	confirm func(res *Result) ysync.Batch
	local   any
}

func (g *Gateway) run(ctx context.Context, o op) (err error) {
	ctx, span := g.tracer.Start(ctx, "mutation."+string(o.action.Kind), trace.WithAttributes(
		attribute.String("chat_id", o.action.ChatID),
		attribute.String("target", o.action.Target),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	sc, err := g.creds.Current(ctx)
	if err != nil {
		return err
	}

	m, err := g.journal(o)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.String("mutation_id", m.ID))
	log := g.logger.With(zap.String("mutation", m.ID), zap.String("action", string(o.action.Kind)))

	o.optimistic.Source = ysync.SourceMutation
	if _, err := g.applier.Apply(ctx, o.optimistic); err != nil {
		_ = g.db.MarkMutationFailed(m.ID, err.Error())
		g.metrics.Mutation(string(o.action.Kind), "local_error")
		return fmt.Errorf("apply optimistic %s: %w", o.action.Kind, err)
	}

	res, err := g.remote.Do(ctx, sc, o.action)
	if err != nil {
		log.Warn("remote action failed", zap.Error(err))
		if o.onFailure != nil {
			o.onFailure.Source = ysync.SourceMutation
			if _, ferr := g.applier.Apply(context.WithoutCancel(ctx), *o.onFailure); ferr != nil {
				log.Error("failed to record action failure", zap.Error(ferr))
			}
		}
		if jerr := g.db.MarkMutationFailed(m.ID, err.Error()); jerr != nil {
			log.Error("failed to journal action failure", zap.Error(jerr))
		}
		g.metrics.Mutation(string(o.action.Kind), "failed")
		g.bus.Emit(bus.MutationFailed, bus.MutationResult{MutationID: m.ID, Action: string(o.action.Kind), ChatID: o.action.ChatID, Err: err})
		return &NotConfirmedError{Action: o.action.Kind, MutationID: m.ID, Local: o.local, Err: err}
	}

	if res == nil {
		res = &Result{}
	}
	if o.confirm != nil {
		b := o.confirm(res)
		b.Source = ysync.SourceMutation
		if _, err := g.applier.Apply(ctx, b); err != nil {
			return fmt.Errorf("reconcile %s response: %w", o.action.Kind, err)
		}
	}
	if err := g.db.MarkMutationConfirmed(m.ID); err != nil {
		log.Error("failed to journal confirmation", zap.Error(err))
	}
	g.metrics.Mutation(string(o.action.Kind), "confirmed")
	g.bus.Emit(bus.MutationConfirmed, bus.MutationResult{MutationID: m.ID, Action: string(o.action.Kind), ChatID: o.action.ChatID})
	log.Debug("action confirmed")
	return nil
}

func (g *Gateway) journal(o op) (*store.Mutation, error) {
	payload, err := json.Marshal(o.action.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", o.action.Kind, err)
	}
	var undo []byte
	if o.undo != nil {
		if undo, err = json.Marshal(o.undo); err != nil {
			return nil, fmt.Errorf("encode %s undo: %w", o.action.Kind, err)
		}
	}
	m := &store.Mutation{
		ID:        uuid.NewString(),
		Action:    string(o.action.Kind),
		ChatID:    o.action.ChatID,
		Target:    o.action.Target,
		Payload:   string(payload),
		Undo:      string(undo),
		CreatedAt: g.now().UnixMilli(),
	}
	if err := g.db.RecordMutation(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Revert undoes the optimistic write of a failed action and marks it
// reverted. Confirmed actions and actions without an undo record cannot be
// reverted.
func (g *Gateway) Revert(ctx context.Context, mutationID string) error {
	m, err := g.db.GetMutation(mutationID)
	if err != nil {
		return err
	}
	if m.Status != store.MutationFailed {
		return fmt.Errorf("revert %s: mutation is %s: %w", mutationID, m.Status, ErrNotRevertible)
	}
	if m.Undo == "" {
		return fmt.Errorf("revert %s (%s): %w", mutationID, m.Action, ErrNotRevertible)
	}
	var undo ysync.Batch
	if err := json.Unmarshal([]byte(m.Undo), &undo); err != nil {
		return fmt.Errorf("decode undo of %s: %w", mutationID, err)
	}
	undo.Source = ysync.SourceMutation
	if _, err := g.applier.Apply(ctx, undo); err != nil {
		return fmt.Errorf("revert %s: %w", mutationID, err)
	}
	g.metrics.Mutation(m.Action, "reverted")
	return g.db.MarkMutationReverted(mutationID)
}

// Failed lists failed actions a caller may still revert or retry.
func (g *Gateway) Failed(limit int) ([]store.Mutation, error) {
	return g.db.MutationsByStatus(store.MutationFailed, limit)
}

func (g *Gateway) chat(chatID string) (*store.Chat, error) {
	c, err := g.db.GetChat(chatID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("chat %q: %w", chatID, store.ErrNotFound)
	}
	return c, nil
}

func (g *Gateway) message(ctx context.Context, ref string) (*store.Message, error) {
	var m *store.Message
	err := g.db.Transaction(ctx, func(tx *store.Tx) error {
		var err error
		m, err = tx.ResolveMessage(ref)
		return err
	})
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("message %q: %w", ref, store.ErrNotFound)
	}
	return m, nil
}
