package mutation

import (
	"context"
	"time"

	"github.com/matheus3301/yarsha/internal/bus"
	"github.com/matheus3301/yarsha/internal/store"
	ysync "github.com/matheus3301/yarsha/internal/sync"
	"go.uber.org/zap"
)

// ErrAbandoned is recorded on journal entries whose remote call never
// reported back, typically because the process exited mid-call.
const ErrAbandoned = "abandoned: no response before timeout"

// Sweeper fails pending journal entries that outlived their remote call,
// so their optimistic state does not stay pending forever. Abandoned sends
// move their message to failed; the user resends explicitly.
type Sweeper struct {
	db       *store.DB
	applier  Applier
	bus      *bus.Bus
	logger   *zap.Logger
	interval time.Duration
	maxAge   time.Duration
	now      func() time.Time
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewSweeper creates a sweeper that fails entries pending longer than
// maxAge, checking every interval.
func NewSweeper(db *store.DB, applier Applier, b *bus.Bus, logger *zap.Logger, interval, maxAge time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if maxAge <= 0 {
		maxAge = 2 * time.Minute
	}
	return &Sweeper{
		db:       db,
		applier:  applier,
		bus:      b,
		logger:   logger,
		interval: interval,
		maxAge:   maxAge,
		now:      time.Now,
	}
}

// Start runs one sweep immediately and then keeps sweeping until Stop.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)
}

// Stop stops the sweeper loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Sweep(ctx)
	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sweep fails every pending entry older than maxAge and returns how many
// it failed.
func (s *Sweeper) Sweep(ctx context.Context) int {
	pending, err := s.db.MutationsByStatus(store.MutationPending, 0)
	if err != nil {
		s.logger.Error("failed to read mutation journal", zap.Error(err))
		return 0
	}

	cutoff := s.now().Add(-s.maxAge).UnixMilli()
	failed := 0
	for _, m := range pending {
		if m.CreatedAt > cutoff {
			continue
		}
		if Kind(m.Action) == SendMessage && m.Target != "" {
			_, err := s.applier.Apply(ctx, ysync.Batch{
				Source:   ysync.SourceMutation,
				Statuses: []ysync.StatusPatch{{MessageRef: m.Target, Status: store.StatusFailed}},
			})
			if err != nil {
				s.logger.Error("failed to fail abandoned send", zap.String("mutation", m.ID), zap.Error(err))
				continue
			}
		}
		if err := s.db.MarkMutationFailed(m.ID, ErrAbandoned); err != nil {
			s.logger.Error("failed to mark mutation failed", zap.String("mutation", m.ID), zap.Error(err))
			continue
		}
		failed++
		s.logger.Info("abandoned mutation failed", zap.String("mutation", m.ID), zap.String("action", m.Action))
		s.bus.Emit(bus.MutationFailed, bus.MutationResult{MutationID: m.ID, Action: m.Action, ChatID: m.ChatID})
	}
	return failed
}
