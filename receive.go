package sbq

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/oagudo/sbq/internal/metrics"
)

// Send registers env for delivery from one queue to another as part of tx.
// The message is handed to the broker only if tx commits.
func (m *Manager) Send(ctx context.Context, tx *Transaction, from, to Address, env *Envelope) error {
	if err := m.ensureEnlistment(tx); err != nil {
		return err
	}
	if from.IsZero() || to.IsZero() {
		return ErrNilAddress
	}
	if env == nil {
		return ErrNilEnvelope
	}

	err := m.storage.queue(ctx, from, func(sc *scope, a *queueActions) error {
		if err := sc.beginTransaction(ctx, tx); err != nil {
			return err
		}
		if err := a.registerToSend(ctx, to, env); err != nil {
			return err
		}
		return sc.commit(ctx)
	})
	if err != nil {
		return err
	}

	metrics.MessagesSent.WithLabelValues(from.ServiceName()).Inc()
	return nil
}

// Receive removes the head message of the queue at addr as part of tx,
// without waiting. It returns nil when the queue is empty.
func (m *Manager) Receive(ctx context.Context, tx *Transaction, addr Address) (*Envelope, error) {
	if err := m.ensureEnlistment(tx); err != nil {
		return nil, err
	}
	if addr.IsZero() {
		return nil, ErrNilAddress
	}

	out := m.dequeue(ctx, tx, addr, nil)
	switch out.Kind {
	case Delivered:
		return out.Envelope, nil
	case Failed:
		return nil, out.Err
	default:
		return nil, nil
	}
}

// ReceiveTimeout removes the head message of the queue at addr as part of
// tx, waiting up to timeout for one to arrive. It returns nil when no
// message arrived in time. Cancelling ctx abandons the wait and returns
// ctx.Err().
func (m *Manager) ReceiveTimeout(ctx context.Context, tx *Transaction, addr Address, timeout time.Duration) (*Envelope, error) {
	if err := m.ensureEnlistment(tx); err != nil {
		return nil, err
	}
	if addr.IsZero() {
		return nil, ErrNilAddress
	}

	queue := addr.ServiceName()
	start := time.Now()
	deadline := start.Add(timeout)
	defer func() {
		metrics.ReceiveWait.WithLabelValues(queue).Observe(time.Since(start).Seconds())
	}()

	for attempt := 0; ; attempt++ {
		if m.closed.Load() {
			return nil, ErrClosed
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			metrics.ReceiveTimeouts.WithLabelValues(queue).Inc()
			m.logger.Debug("sbq.receive.timed_out", slog.String("queue", addr.String()), slog.Int("attempts", attempt))
			return nil, nil
		}

		acquired, err := m.acquireGate(ctx, remaining)
		if err != nil {
			return nil, err
		}
		if !acquired {
			continue
		}

		remaining = time.Until(deadline)
		if remaining <= 0 {
			m.releaseGate()
			continue
		}

		out := m.dequeue(ctx, tx, addr, &remaining)
		m.releaseGate()

		switch out.Kind {
		case Delivered:
			return out.Envelope, nil
		case Failed:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, out.Err
		case Cancelled:
			metrics.ReceiveCancellations.WithLabelValues(queue).Inc()
			m.logger.Debug("sbq.receive.cancelled", slog.String("queue", addr.String()))
		}

		remaining = time.Until(deadline)
		if remaining <= 0 {
			continue
		}
		if err := sleep(ctx, min(m.backoff(attempt), remaining)); err != nil {
			return nil, err
		}
	}
}

// Peek returns the head message of the queue at addr without removing it,
// or nil when the queue is empty. No transaction is involved.
func (m *Manager) Peek(ctx context.Context, addr Address) (*Envelope, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	if addr.IsZero() {
		return nil, ErrNilAddress
	}

	var env *Envelope
	err := m.storage.queue(ctx, addr, func(_ *scope, a *queueActions) error {
		var err error
		env, err = a.peek(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return env, nil
}

// dequeue runs one dequeue attempt in a fresh scope. With a wait the store
// blocks up to wait, and the client cancels the call if it has not returned
// within wait plus the cancel grace. A delivered message is committed into
// tx. A message that could not be deserialized is removed at once, whatever
// happens to tx. Anything else is rolled back.
func (m *Manager) dequeue(ctx context.Context, tx *Transaction, addr Address, wait *time.Duration) Outcome {
	sc, err := openScope(ctx, m.storage.db)
	if err != nil {
		return failed(err)
	}
	defer func() {
		if err := sc.close(); err != nil {
			m.logger.Warn("sbq.scope.close_failed", slog.String("queue", addr.String()), slog.Any("error", err))
		}
	}()

	if err := sc.beginTransaction(ctx, tx); err != nil {
		return failed(err)
	}

	if wait != nil {
		timer := time.AfterFunc(*wait+m.cancelGrace, sc.cancel)
		defer timer.Stop()
	}

	out := m.storage.actions(sc, addr).dequeue(ctx, wait)

	var deserializeErr *DeserializeError
	switch {
	case out.Kind == Delivered:
		if err := sc.commit(ctx); err != nil {
			return failed(err)
		}
		metrics.MessagesReceived.WithLabelValues(addr.ServiceName()).Inc()
	case errors.As(out.Err, &deserializeErr):
		metrics.DeserializeErrors.WithLabelValues(addr.ServiceName()).Inc()
		if err := sc.commitLocal(ctx); err != nil {
			return failed(errors.Join(out.Err, err))
		}
	}
	return out
}

func (m *Manager) acquireGate(ctx context.Context, wait time.Duration) (bool, error) {
	select {
	case m.gate <- struct{}{}:
		return true, nil
	default:
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case m.gate <- struct{}{}:
		return true, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (m *Manager) releaseGate() {
	<-m.gate
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
