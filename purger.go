package sbq

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oagudo/sbq/internal/metrics"
)

// purger periodically deletes historic store data in the background.
// Failures are logged and reported on the errors channel; they never reach
// queue callers.
type purger struct {
	purge   func(ctx context.Context) error
	logger  *slog.Logger
	timeout time.Duration
	ticker  *time.Ticker

	started int32
	closed  int32
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	errCh   chan error
}

func newPurger(purge func(ctx context.Context) error, interval, timeout time.Duration, errChSize int, logger *slog.Logger) *purger {
	ctx, cancel := context.WithCancel(context.Background())
	return &purger{
		purge:   purge,
		logger:  logger,
		timeout: timeout,
		ticker:  time.NewTicker(interval),
		ctx:     ctx,
		cancel:  cancel,
		errCh:   make(chan error, errChSize),
	}
}

// start launches the purge loop. Only the first call has an effect.
func (p *purger) start() {
	if !atomic.CompareAndSwapInt32(&p.started, 0, 1) {
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(p.errCh)
		defer p.ticker.Stop()

		for {
			select {
			case <-p.ticker.C:
				p.runOnce()
			case <-p.ctx.Done():
				return
			}
		}
	}()
}

// stop prevents further purges and waits for an in-flight purge to finish,
// or for ctx to expire. Calling stop multiple times is safe.
func (p *purger) stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&p.closed, 0, 1) {
		return nil
	}

	p.cancel()
	if atomic.LoadInt32(&p.started) == 0 {
		p.ticker.Stop()
		close(p.errCh)
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *purger) errors() <-chan error {
	return p.errCh
}

func (p *purger) runOnce() {
	p.logger.Debug("sbq.purge.started")

	// An in-flight purge is allowed to finish when the manager closes.
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	start := time.Now()
	err := p.purge(ctx)
	metrics.PurgeDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.PurgeErrors.Inc()
		p.logger.Warn("sbq.purge.failed", slog.Any("error", err))
		p.sendError(&PurgeError{Err: err})
		return
	}
	p.logger.Debug("sbq.purge.completed", slog.Duration("elapsed", time.Since(start)))
}

func (p *purger) sendError(err error) {
	select {
	case p.errCh <- err:
	default:
		// Channel buffer full, drop the error to prevent blocking
	}
}
