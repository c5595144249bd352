package stream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/matheus3301/yarsha/internal/metrics"
	"github.com/matheus3301/yarsha/internal/session"
	"github.com/matheus3301/yarsha/internal/status"
	ysync "github.com/matheus3301/yarsha/internal/sync"
	"go.uber.org/zap"
)

// Applier is the write funnel events are dispatched to.
type Applier interface {
	Apply(ctx context.Context, b ysync.Batch) (*ysync.Result, error)
}

const eventBuffer = 64

// Session owns one subscription. A reader goroutine turns frames into
// events on a channel; a single consumer goroutine dispatches them to the
// Applier in arrival order.
type Session struct {
	key     string
	kind    Kind
	params  Params
	source  Source
	creds   session.Provider
	applier Applier
	machine *status.Machine
	metrics *metrics.Collectors
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// closed is checked under dispatchMu before every dispatch, so once
	// Close returns no further writes can come from this session.
	closed     atomic.Bool
	dispatchMu sync.Mutex

	mu   sync.Mutex
	recv Receiver
	wg   sync.WaitGroup
}

func newSession(kind Kind, params Params, deps deps) *Session {
	key := Key(kind, params)
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		key:     key,
		kind:    kind,
		params:  params,
		source:  deps.source,
		creds:   deps.creds,
		applier: deps.applier,
		machine: status.NewMachine(key, deps.bus),
		metrics: deps.metrics,
		logger:  deps.logger.With(zap.String("stream", key)),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Key returns the subscription key.
func (s *Session) Key() string { return s.key }

// State returns the connection state.
func (s *Session) State() status.State { return s.machine.Current() }

// Closed reports whether Close has been called.
func (s *Session) Closed() bool { return s.closed.Load() }

// connect opens the subscription and starts the reader and consumer.
func (s *Session) connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return ErrClosed
	}
	// Drain the previous connection so events of two connections never
	// interleave.
	s.wg.Wait()

	if err := s.machine.Transition(status.Connecting); err != nil {
		return err
	}
	sc, err := s.creds.Current(ctx)
	if err != nil {
		_ = s.machine.Fail(err)
		return fmt.Errorf("open %s stream: %w", s.key, err)
	}
	recv, err := s.source.Open(s.ctx, sc, s.kind, s.params)
	if err != nil {
		_ = s.machine.Fail(err)
		return fmt.Errorf("open %s stream: %w", s.key, err)
	}
	s.recv = recv

	events := make(chan Event, eventBuffer)
	s.wg.Add(2)
	go s.read(recv, events)
	go s.consume(events)
	s.logger.Info("stream opened")
	return nil
}

func (s *Session) read(recv Receiver, events chan<- Event) {
	defer s.wg.Done()
	defer close(events)
	defer func() { _ = recv.Close() }()

	for {
		ev, err := recv.Recv()
		if err != nil {
			if s.closed.Load() {
				return
			}
			s.logger.Warn("stream disconnected", zap.Error(err))
			_ = s.machine.Fail(err)
			return
		}
		select {
		case events <- ev:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) consume(events <-chan Event) {
	defer s.wg.Done()

	first := true
	for ev := range events {
		if ev.Type == EventChatList {
			// The first chat list of a connection is the full truth.
			ev.Batch.Mode = ysync.Incremental
			if first && s.kind == ChatList {
				ev.Batch.Mode = ysync.FullSync
			}
		}
		if first {
			first = false
			if s.machine.Current() == status.Connecting {
				_ = s.machine.Transition(status.Streaming)
			}
		}
		s.dispatch(ev)
	}
}

func (s *Session) dispatch(ev Event) {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	if s.closed.Load() {
		s.metrics.StreamDropped()
		return
	}
	s.metrics.StreamEvent(string(s.kind), string(ev.Type))
	ev.Batch.Source = ysync.SourceStream
	if _, err := s.applier.Apply(s.ctx, ev.Batch); err != nil {
		s.logger.Error("failed to apply stream event", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

// Reconnect reopens a disconnected subscription. It is a no-op while the
// session is connecting or streaming.
func (s *Session) Reconnect(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if s.machine.Current() != status.Disconnected {
		return nil
	}
	return s.connect(ctx)
}

// Close stops the subscription. Once Close returns, no event of this
// session reaches the Applier.
func (s *Session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	// Wait for an in-flight dispatch to finish.
	s.dispatchMu.Lock()
	s.dispatchMu.Unlock()

	s.cancel()
	s.mu.Lock()
	if s.recv != nil {
		_ = s.recv.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()

	_ = s.machine.Transition(status.Closed)
	s.logger.Info("stream closed")
	return nil
}
