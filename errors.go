package sbq

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrClosed is returned by every Manager operation after Close.
	ErrClosed = errors.New("sbq: manager is closed")

	// ErrNoTransaction is returned when a mutating operation is called
	// without an active Transaction.
	ErrNoTransaction = errors.New("sbq: an active transaction is required to send or receive")

	// ErrNilAddress is returned when a queue address is missing.
	ErrNilAddress = errors.New("sbq: queue address is required")

	// ErrNilEnvelope is returned when Send is called without a message.
	ErrNilEnvelope = errors.New("sbq: envelope is required")

	// ErrSchemaNotInstalled is returned when the store has no schema detail row.
	ErrSchemaNotInstalled = errors.New("sbq: no version detail found in the queue storage, run sbq-install")

	// ErrTransactionDone is returned when enlisting in, committing or rolling
	// back a transaction that already completed.
	ErrTransactionDone = errors.New("sbq: transaction has already completed")

	// ErrOperationCancelled reports that a store call was aborted by the
	// client through scope cancellation. It never reaches Manager callers.
	ErrOperationCancelled = errors.New("sbq: store operation cancelled")
)

// SchemaVersionError indicates that the installed schema differs from the
// version this library supports.
type SchemaVersionError struct {
	Found     string
	Supported string
}

func (e *SchemaVersionError) Error() string {
	return fmt.Sprintf("sbq: the schema version in the store (%s) is different from the version supported by this library (%s); "+
		"migrate the database with sbq-install, or, if the data is not important, drop the objects in the [SBQ] schema and install again",
		e.Found, e.Supported)
}

// DeserializeError indicates that a dequeued or peeked message could not be
// decoded. A dequeued message is consumed regardless.
type DeserializeError struct {
	ConversationID uuid.UUID
	Err            error
}

func (e *DeserializeError) Error() string {
	return fmt.Sprintf("deserializing message %s: %v", e.ConversationID, e.Err)
}

func (e *DeserializeError) Unwrap() error { return e.Err }

// PurgeError indicates a failed background purge of historic data.
type PurgeError struct {
	Err error
}

func (e *PurgeError) Error() string { return fmt.Sprintf("purging historic data: %v", e.Err) }

func (e *PurgeError) Unwrap() error { return e.Err }

// CommitError indicates that a Transaction could not be committed cleanly.
// Phase is "prepare" when the transaction was rolled back because a
// participant refused to prepare, and "commit" when some participants failed
// after the commit decision was taken.
type CommitError struct {
	TxID  uuid.UUID
	Phase string
	Err   error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("committing transaction %s (%s phase): %v", e.TxID, e.Phase, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }
