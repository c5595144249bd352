package daemon

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/matheus3301/yarsha/internal/bus"
	"github.com/matheus3301/yarsha/internal/stream"
	"go.uber.org/zap"
)

type reconnecter interface {
	Reconnect(ctx context.Context, key string) error
}

// Reconnector reopens stream sessions that reported a disconnect, after a
// fixed delay.
type Reconnector struct {
	streams reconnecter
	bus     *bus.Bus
	delay   time.Duration
	logger  *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReconnector creates a reconnector for streams.
func NewReconnector(streams reconnecter, b *bus.Bus, delay time.Duration, logger *zap.Logger) *Reconnector {
	if delay <= 0 {
		delay = 2 * time.Second
	}
	return &Reconnector{streams: streams, bus: b, delay: delay, logger: logger}
}

// Start subscribes to disconnect events.
func (r *Reconnector) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	ch, unsub := r.bus.Subscribe(bus.StreamDisconnected, 64)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer unsub()
		for {
			select {
			case evt := <-ch:
				change, ok := evt.Payload.(bus.StreamChange)
				if !ok {
					continue
				}
				r.wg.Add(1)
				go r.retry(ctx, change)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (r *Reconnector) retry(ctx context.Context, change bus.StreamChange) {
	defer r.wg.Done()
	timer := time.NewTimer(r.delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return
	}

	err := r.streams.Reconnect(ctx, change.Key)
	switch {
	case err == nil:
		r.logger.Info("stream reconnected", zap.String("stream", change.Key))
	case errors.Is(err, stream.ErrClosed), errors.Is(err, context.Canceled):
		r.logger.Debug("stream gone, not reconnecting", zap.String("stream", change.Key))
	default:
		// A failed reconnect publishes another disconnect, which schedules
		// the next attempt.
		r.logger.Warn("stream reconnect failed", zap.String("stream", change.Key), zap.Error(err))
	}
}

// Stop cancels pending retries and waits for them to finish.
func (r *Reconnector) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}
