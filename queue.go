package sbq

import (
	"context"
	"time"
)

// Queue is a handle on one queue of a Manager.
type Queue struct {
	m    *Manager
	addr Address
}

// Address returns the queue address.
func (q *Queue) Address() Address {
	return q.addr
}

// Send posts env to this queue as part of tx.
func (q *Queue) Send(ctx context.Context, tx *Transaction, env *Envelope) error {
	return q.m.Send(ctx, tx, q.addr, q.addr, env)
}

// SendTo posts env from this queue to the queue at to as part of tx.
func (q *Queue) SendTo(ctx context.Context, tx *Transaction, to Address, env *Envelope) error {
	return q.m.Send(ctx, tx, q.addr, to, env)
}

// SendToName posts env from this queue to the queue called name on the
// manager's base address.
func (q *Queue) SendToName(ctx context.Context, tx *Transaction, name string, env *Envelope) error {
	to, err := q.m.QueueAddress(name)
	if err != nil {
		return err
	}
	return q.m.Send(ctx, tx, q.addr, to, env)
}

// Receive takes the head message without waiting, or returns nil.
func (q *Queue) Receive(ctx context.Context, tx *Transaction) (*Envelope, error) {
	return q.m.Receive(ctx, tx, q.addr)
}

// ReceiveTimeout takes the head message, waiting up to timeout for one.
func (q *Queue) ReceiveTimeout(ctx context.Context, tx *Transaction, timeout time.Duration) (*Envelope, error) {
	return q.m.ReceiveTimeout(ctx, tx, q.addr, timeout)
}

// Peek returns the head message without removing it.
func (q *Queue) Peek(ctx context.Context) (*Envelope, error) {
	return q.m.Peek(ctx, q.addr)
}
