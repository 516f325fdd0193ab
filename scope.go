package sbq

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

// scope owns one dedicated connection and at most one local transaction.
// Every Manager operation runs in its own scope.
type scope struct {
	conn    Conn
	tx      Tx
	ambient *Transaction

	mu        sync.Mutex
	pending   context.CancelFunc
	cancelled bool
	committed bool
	handedOff bool
	closed    bool
}

func openScope(ctx context.Context, db DB) (*scope, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening connection: %w", err)
	}
	return &scope{conn: conn}, nil
}

// beginTransaction starts a REPEATABLE READ local transaction. When ambient
// is set the local transaction outlives ctx: its outcome is decided by the
// ambient transaction, not by the caller's context.
func (s *scope) beginTransaction(ctx context.Context, ambient *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errScopeClosed
	}
	if s.tx != nil {
		return errors.New("scope already has a transaction")
	}

	txCtx := ctx
	if ambient != nil {
		txCtx = context.WithoutCancel(ctx)
	}
	tx, err := s.conn.BeginTx(txCtx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	s.tx = tx
	s.ambient = ambient
	return nil
}

var errScopeClosed = errors.New("scope is closed")

func (s *scope) queryer() Queryer {
	if s.tx != nil {
		return s.tx
	}
	return s.conn
}

// start registers a new pending operation derived from ctx.
func (s *scope) start(ctx context.Context) (context.Context, Queryer, func(), error) {
	opCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		cancel()
		return nil, nil, nil, errScopeClosed
	}
	s.pending = cancel
	s.cancelled = false

	done := func() {
		s.mu.Lock()
		s.pending = nil
		s.mu.Unlock()
		cancel()
	}
	return opCtx, s.queryer(), done, nil
}

// mapErr reports errors caused by cancel as ErrOperationCancelled.
// Errors caused by the caller's own context are returned as they are.
func (s *scope) mapErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.mu.Lock()
	cancelled := s.cancelled
	s.mu.Unlock()
	if cancelled {
		return ErrOperationCancelled
	}
	return err
}

// query runs a stored procedure that returns a result set and hands the rows
// to scan.
func (s *scope) query(ctx context.Context, proc string, args []any, scan func(Rows) error) error {
	opCtx, q, done, err := s.start(ctx)
	if err != nil {
		return err
	}
	defer done()

	rows, err := q.QueryContext(opCtx, proc, args...)
	if err != nil {
		return s.mapErr(ctx, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	if err := scan(rows); err != nil {
		return s.mapErr(ctx, err)
	}
	return s.mapErr(ctx, rows.Err())
}

// exec runs a stored procedure that returns no rows.
func (s *scope) exec(ctx context.Context, proc string, args ...any) error {
	opCtx, q, done, err := s.start(ctx)
	if err != nil {
		return err
	}
	defer done()

	_, err = q.ExecContext(opCtx, proc, args...)
	return s.mapErr(ctx, err)
}

// cancel aborts the pending operation, if any. The driver interrupts the
// running statement on the server.
func (s *scope) cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending == nil {
		return
	}
	s.cancelled = true
	s.pending()
}

// commit commits the local transaction, or enlists it in the ambient
// transaction which then owns the connection. Calling commit without a
// transaction, twice, or after close does nothing.
func (s *scope) commit(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.tx == nil || s.committed {
		return nil
	}

	if s.ambient != nil {
		p := &scopeParticipant{conn: s.conn, tx: s.tx}
		if err := s.ambient.Enlist(p); err != nil {
			return fmt.Errorf("enlisting in transaction %s: %w", s.ambient.ID(), err)
		}
		s.committed = true
		s.handedOff = true
		return nil
	}

	return s.commitTx()
}

// commitLocal commits the local transaction immediately, even when an
// ambient transaction is set. The connection stays with the scope.
func (s *scope) commitLocal(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.tx == nil || s.committed {
		return nil
	}
	return s.commitTx()
}

// commitTx must be called with mu held.
func (s *scope) commitTx() error {
	if err := s.tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	s.committed = true
	return nil
}

// close releases the scope. Uncommitted work is rolled back. It is safe to
// call on a nil scope and more than once.
func (s *scope) close() error {
	if s == nil {
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.pending != nil {
		s.cancelled = true
		s.pending()
	}
	tx, conn := s.tx, s.conn
	committed, handedOff := s.committed, s.handedOff
	s.mu.Unlock()

	if handedOff {
		return nil
	}

	var errs []error
	if tx != nil && !committed {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			errs = append(errs, fmt.Errorf("rolling back transaction: %w", err))
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing connection: %w", err))
		}
	}
	return errors.Join(errs...)
}

// scopeParticipant finishes a scope's local transaction when the ambient
// transaction resolves and then returns the connection to the pool.
type scopeParticipant struct {
	conn Conn
	tx   Tx
}

func (p *scopeParticipant) Prepare(ctx context.Context) error {
	return probe(ctx, p.tx)
}

func (p *scopeParticipant) Commit(_ context.Context) error {
	err := p.tx.Commit()
	return errors.Join(err, p.conn.Close())
}

func (p *scopeParticipant) Rollback(_ context.Context) error {
	err := p.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		err = nil
	}
	return errors.Join(err, p.conn.Close())
}
