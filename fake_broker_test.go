package sbq

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mssql "github.com/denisenkom/go-mssqldb"
	"github.com/google/uuid"
)

// fakeBroker is an in-memory stand-in for a store with the [SBQ] schema.
// Dequeued messages are locked by the dequeuing transaction: commit removes
// them, rollback makes them visible again at their original position. Sends
// become visible when their transaction commits.
type fakeBroker struct {
	mu sync.Mutex

	storeID       uuid.UUID
	version       string
	detailMissing bool

	queues map[string]*fakeQueue
	wake   chan struct{}

	connErr    error
	probeErr   error
	purgeErr   error
	createErr  error
	dequeueErr error
	sendErr    error
	hangOnWait bool
	// maxWait caps how long a dequeue blocks when non-zero.
	maxWait time.Duration

	purges       int
	openConns    int
	timeouts     []int64
	lastSendArgs map[string]any
	statements   []string

	endpointName string
	endpointPort int
}

type fakeQueue struct {
	msgs []*fakeMessage
}

type fakeMessage struct {
	id        uuid.UUID
	data      []byte
	visibleAt time.Time
	lockedBy  *fakeTx
}

type fakeSend struct {
	to         string
	data       []byte
	deferUntil *time.Time
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		storeID: uuid.New(),
		version: SchemaVersion,
		queues:  make(map[string]*fakeQueue),
		wake:    make(chan struct{}),
	}
}

// put appends a raw message to queue, bypassing transactions.
func (b *fakeBroker) put(queue string, data []byte) uuid.UUID {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.New()
	b.queue(queue).msgs = append(b.queue(queue).msgs, &fakeMessage{id: id, data: data})
	b.notify()
	return id
}

// depth returns the number of messages in queue, locked ones included.
func (b *fakeBroker) depth(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queue]
	if !ok {
		return 0
	}
	return len(q.msgs)
}

func (b *fakeBroker) conns() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openConns
}

func (b *fakeBroker) set(fn func(b *fakeBroker)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b)
}

// queue must be called with mu held.
func (b *fakeBroker) queue(name string) *fakeQueue {
	q, ok := b.queues[name]
	if !ok {
		q = &fakeQueue{}
		b.queues[name] = q
	}
	return q
}

// notify must be called with mu held.
func (b *fakeBroker) notify() {
	close(b.wake)
	b.wake = make(chan struct{})
}

// head must be called with mu held.
func (b *fakeBroker) head(name string) *fakeMessage {
	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	now := time.Now()
	for _, m := range q.msgs {
		if m.lockedBy == nil && !m.visibleAt.After(now) {
			return m
		}
	}
	return nil
}

func (b *fakeBroker) Conn(_ context.Context) (Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.connErr != nil {
		return nil, b.connErr
	}
	b.openConns++
	return &fakeConn{b: b}, nil
}

func (b *fakeBroker) BeginTx(_ context.Context, _ *sql.TxOptions) (Tx, error) {
	return &fakeTx{b: b}, nil
}

func (b *fakeBroker) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return b.exec(ctx, nil, query, args)
}

func (b *fakeBroker) QueryContext(ctx context.Context, query string, args ...any) (Rows, error) {
	return b.query(ctx, nil, query, args)
}

func (b *fakeBroker) exec(ctx context.Context, tx *fakeTx, query string, args []any) (sql.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.statements = append(b.statements, query)

	switch {
	case query == "SELECT 1":
		return fakeResult{}, b.probeErr

	case query == procRegisterToSend:
		if b.sendErr != nil {
			return nil, b.sendErr
		}
		b.lastSendArgs = make(map[string]any)
		for _, a := range args {
			if na, ok := a.(sql.NamedArg); ok {
				b.lastSendArgs[na.Name] = na.Value
			}
		}
		s := fakeSend{
			to:   b.lastSendArgs["address"].(string),
			data: b.lastSendArgs["data"].([]byte),
		}
		if t, ok := b.lastSendArgs["deferProcessingUntilTime"].(time.Time); ok {
			s.deferUntil = &t
		}
		if tx == nil {
			b.deliver(s)
			return fakeResult{}, nil
		}
		tx.sends = append(tx.sends, s)
		return fakeResult{}, nil

	case query == procCreateQueue:
		if b.createErr != nil {
			return nil, b.createErr
		}
		b.queue(namedArg(args, "address").(string))
		return fakeResult{}, nil

	case query == procPurgeHistoric:
		if b.purgeErr != nil {
			return nil, b.purgeErr
		}
		b.purges++
		return fakeResult{}, nil

	case strings.HasPrefix(query, "DROP ENDPOINT"):
		b.endpointName = ""
		b.endpointPort = 0
		return fakeResult{}, nil

	case strings.HasPrefix(query, "CREATE ENDPOINT"):
		var port int
		i := strings.Index(query, "LISTENER_PORT = ")
		if _, err := fmt.Sscanf(query[i:], "LISTENER_PORT = %d", &port); err != nil {
			return nil, err
		}
		b.endpointName = EndpointName
		b.endpointPort = port
		return fakeResult{}, nil

	case strings.HasPrefix(query, "GRANT CONNECT"), strings.HasPrefix(query, "CREATE ROUTE"):
		return fakeResult{}, nil
	}

	return nil, fmt.Errorf("fake broker: unexpected statement %q", query)
}

// deliver must be called with mu held.
func (b *fakeBroker) deliver(s fakeSend) {
	m := &fakeMessage{id: uuid.New(), data: s.data}
	if s.deferUntil != nil {
		m.visibleAt = *s.deferUntil
	}
	q := b.queue(s.to)
	q.msgs = append(q.msgs, m)
}

func (b *fakeBroker) query(ctx context.Context, tx *fakeTx, query string, args []any) (Rows, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch query {
	case selectSchemaVersion:
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.detailMissing {
			return &fakeRows{}, nil
		}
		return &fakeRows{rows: [][]any{{b.storeID, b.version}}}, nil

	case selectBrokerEndpoint:
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.endpointName == "" {
			return &fakeRows{}, nil
		}
		return &fakeRows{rows: [][]any{{b.endpointName, b.endpointPort}}}, nil

	case procPeek:
		b.mu.Lock()
		defer b.mu.Unlock()
		m := b.head(namedArg(args, "queueName").(string))
		if m == nil {
			return &fakeRows{}, nil
		}
		return &fakeRows{rows: [][]any{{m.id, m.data}}}, nil

	case procDequeue:
		return b.dequeue(ctx, tx, args)
	}

	return nil, fmt.Errorf("fake broker: unexpected query %q", query)
}

func (b *fakeBroker) dequeue(ctx context.Context, tx *fakeTx, args []any) (Rows, error) {
	if tx == nil {
		return nil, errors.New("fake broker: dequeue outside a transaction")
	}
	queue := namedArg(args, "queueName").(string)

	b.mu.Lock()
	dequeueErr, maxWait := b.dequeueErr, b.maxWait
	b.mu.Unlock()
	if dequeueErr != nil {
		return nil, dequeueErr
	}

	var deadline <-chan time.Time
	if t, ok := namedArg(args, "timeout").(int64); ok {
		b.set(func(b *fakeBroker) { b.timeouts = append(b.timeouts, t) })
		wait := time.Duration(t) * time.Millisecond
		if maxWait > 0 {
			wait = min(wait, maxWait)
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		deadline = timer.C
	}

	// Deferred messages become visible without a wake-up.
	poll := time.NewTicker(5 * time.Millisecond)
	defer poll.Stop()

	for {
		b.mu.Lock()
		hang := b.hangOnWait && deadline != nil
		if !hang {
			if m := b.head(queue); m != nil {
				m.lockedBy = tx
				tx.locked = append(tx.locked, m)
				b.mu.Unlock()
				return &fakeRows{rows: [][]any{{m.id, m.data}}}, nil
			}
		}
		wake := b.wake
		b.mu.Unlock()

		if deadline == nil {
			return &fakeRows{}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			if hang {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return &fakeRows{}, nil
		case <-wake:
		case <-poll.C:
		}
	}
}

func namedArg(args []any, name string) any {
	for _, a := range args {
		if na, ok := a.(sql.NamedArg); ok && na.Name == name {
			return na.Value
		}
	}
	return nil
}

type fakeConn struct {
	b      *fakeBroker
	closed bool
}

func (c *fakeConn) BeginTx(_ context.Context, _ *sql.TxOptions) (Tx, error) {
	if c.closed {
		return nil, sql.ErrConnDone
	}
	return &fakeTx{b: c.b}, nil
}

func (c *fakeConn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.b.exec(ctx, nil, query, args)
}

func (c *fakeConn) QueryContext(ctx context.Context, query string, args ...any) (Rows, error) {
	return c.b.query(ctx, nil, query, args)
}

func (c *fakeConn) Close() error {
	if c.closed {
		return sql.ErrConnDone
	}
	c.closed = true
	c.b.mu.Lock()
	c.b.openConns--
	c.b.mu.Unlock()
	return nil
}

type fakeTx struct {
	b      *fakeBroker
	done   bool
	locked []*fakeMessage
	sends  []fakeSend
}

func (t *fakeTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.b.exec(ctx, t, query, args)
}

func (t *fakeTx) QueryContext(ctx context.Context, query string, args ...any) (Rows, error) {
	return t.b.query(ctx, t, query, args)
}

func (t *fakeTx) Commit() error {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()

	if t.done {
		return sql.ErrTxDone
	}
	t.done = true

	for _, q := range t.b.queues {
		kept := q.msgs[:0]
		for _, m := range q.msgs {
			if m.lockedBy != t {
				kept = append(kept, m)
			}
		}
		q.msgs = kept
	}
	for _, s := range t.sends {
		t.b.deliver(s)
	}
	t.b.notify()
	return nil
}

func (t *fakeTx) Rollback() error {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()

	if t.done {
		return sql.ErrTxDone
	}
	t.done = true

	for _, m := range t.locked {
		m.lockedBy = nil
	}
	t.b.notify()
	return nil
}

type fakeRows struct {
	rows [][]any
	idx  int
}

func (r *fakeRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.rows[r.idx-1]
	if len(dest) != len(row) {
		return fmt.Errorf("fake rows: expected %d destinations, got %d", len(row), len(dest))
	}
	for i, d := range dest {
		switch d := d.(type) {
		case *mssql.UniqueIdentifier:
			*d = mssql.UniqueIdentifier(row[i].(uuid.UUID))
		case *[]byte:
			*d = append([]byte(nil), row[i].([]byte)...)
		case *string:
			*d = row[i].(string)
		case *int:
			*d = row[i].(int)
		default:
			return fmt.Errorf("fake rows: unsupported destination %T", d)
		}
	}
	return nil
}

func (r *fakeRows) Err() error   { return nil }
func (r *fakeRows) Close() error { return nil }

type fakeResult struct{}

func (fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (fakeResult) RowsAffected() (int64, error) { return 0, nil }
