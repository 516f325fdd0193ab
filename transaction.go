package sbq

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Participant is a resource enlisted in a Transaction. The transaction drives
// it through a two-phase commit: Prepare on every participant first, then
// Commit on all of them, or Rollback on all of them if any Prepare failed.
type Participant interface {
	Prepare(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// TxState is the lifecycle state of a Transaction.
type TxState int32

const (
	TxActive TxState = iota
	TxPreparing
	TxCommitted
	TxRolledBack
)

func (s TxState) String() string {
	switch s {
	case TxActive:
		return "active"
	case TxPreparing:
		return "preparing"
	case TxCommitted:
		return "committed"
	case TxRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// Transaction is the caller's unit of work. Queue operations that change
// state (Send, Receive) take a Transaction and enlist their local database
// transaction in it, so the message changes commit or roll back together
// with everything else the caller enlisted.
type Transaction struct {
	id uuid.UUID

	mu           sync.Mutex
	state        TxState
	participants []Participant
}

// NewTransaction starts a new active Transaction.
func NewTransaction() *Transaction {
	return &Transaction{id: uuid.New()}
}

// ID returns the transaction identifier.
func (t *Transaction) ID() uuid.UUID {
	return t.id
}

// State returns the current state.
func (t *Transaction) State() TxState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Active reports whether work can still be enlisted.
func (t *Transaction) Active() bool {
	return t.State() == TxActive
}

// Enlist adds p to the transaction.
func (t *Transaction) Enlist(p Participant) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != TxActive {
		return ErrTransactionDone
	}
	t.participants = append(t.participants, p)
	return nil
}

// Commit prepares and then commits every enlisted participant.
// If a participant fails to prepare, all participants are rolled back and a
// *CommitError with Phase "prepare" is returned.
func (t *Transaction) Commit(ctx context.Context) error {
	participants, err := t.transition(TxActive, TxPreparing)
	if err != nil {
		return err
	}

	for _, p := range participants {
		if err := p.Prepare(ctx); err != nil {
			rbErr := rollbackAll(ctx, participants)
			t.setState(TxRolledBack)
			return &CommitError{TxID: t.id, Phase: "prepare", Err: errors.Join(err, rbErr)}
		}
	}

	var errs []error
	for _, p := range participants {
		if err := p.Commit(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	t.setState(TxCommitted)

	if len(errs) > 0 {
		return &CommitError{TxID: t.id, Phase: "commit", Err: errors.Join(errs...)}
	}
	return nil
}

// Rollback rolls back every enlisted participant.
// Rolling back twice is a no-op; rolling back a committed transaction fails.
func (t *Transaction) Rollback(ctx context.Context) error {
	t.mu.Lock()
	switch t.state {
	case TxRolledBack:
		t.mu.Unlock()
		return nil
	case TxCommitted, TxPreparing:
		t.mu.Unlock()
		return ErrTransactionDone
	}
	participants := t.participants
	t.participants = nil
	t.state = TxRolledBack
	t.mu.Unlock()

	if err := rollbackAll(ctx, participants); err != nil {
		return fmt.Errorf("rolling back transaction %s: %w", t.id, err)
	}
	return nil
}

func (t *Transaction) transition(from, to TxState) ([]Participant, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != from {
		return nil, ErrTransactionDone
	}
	t.state = to
	participants := t.participants
	t.participants = nil
	return participants, nil
}

func (t *Transaction) setState(s TxState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func rollbackAll(ctx context.Context, participants []Participant) error {
	var errs []error
	for _, p := range participants {
		if err := p.Rollback(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// TxWorkFunc is the user supplied callback for RunInTransaction.
type TxWorkFunc func(ctx context.Context, tx *Transaction) error

// RunInTransaction runs fn inside a new Transaction.
//
// The transaction commits if the callback returns nil, or rolls back if it
// returns an error or panics.
//
// Example:
//
//	err := sbq.RunInTransaction(ctx, func(ctx context.Context, tx *sbq.Transaction) error {
//	    msg, err := orders.ReceiveTimeout(ctx, tx, time.Second)
//	    if err != nil || msg == nil {
//	        return err
//	    }
//	    return invoices.Send(ctx, tx, sbq.NewEnvelope(render(msg.Data)))
//	})
func RunInTransaction(ctx context.Context, fn TxWorkFunc) (err error) {
	tx := NewTransaction()

	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
			panic(r)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback(context.WithoutCancel(ctx))
		return err
	}

	return tx.Commit(ctx)
}

// SQLParticipant adapts a caller owned database transaction so it commits
// or rolls back together with queue operations.
func SQLParticipant(tx Tx) Participant {
	return &sqlParticipant{tx: tx}
}

type sqlParticipant struct {
	tx Tx
}

func (p *sqlParticipant) Prepare(ctx context.Context) error {
	return probe(ctx, p.tx)
}

func (p *sqlParticipant) Commit(_ context.Context) error {
	return p.tx.Commit()
}

func (p *sqlParticipant) Rollback(_ context.Context) error {
	return p.tx.Rollback()
}

// probe checks that the transaction's connection is still usable.
// database/sql has no prepare phase, so this is the participant's vote.
func probe(ctx context.Context, q Queryer) error {
	if _, err := q.ExecContext(ctx, "SELECT 1"); err != nil {
		return fmt.Errorf("preparing transaction: %w", err)
	}
	return nil
}
