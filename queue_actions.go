package sbq

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	mssql "github.com/denisenkom/go-mssqldb"
	"github.com/google/uuid"
)

const (
	procPeek            = "[SBQ].[Peek]"
	procDequeue         = "[SBQ].[Dequeue]"
	procRegisterToSend  = "[SBQ].[RegisterToSend]"
	procCreateQueue     = "[SBQ].[CreateQueueIfDoesNotExist]"
	procPurgeHistoric   = "[SBQ].[PurgeHistoric]"
	selectSchemaVersion = "SELECT TOP 1 id, schemaVersion FROM [SBQ].[Detail]"
)

// queueActions runs the per-queue stored procedures inside a scope.
type queueActions struct {
	scope      *scope
	addr       Address
	serializer Serializer
	logger     *slog.Logger
}

func (a *queueActions) peek(ctx context.Context) (*Envelope, error) {
	var env *Envelope
	var decodeErr error
	err := a.scope.query(ctx, procPeek, []any{sql.Named("queueName", a.addr.ServiceName())}, func(rows Rows) error {
		if !rows.Next() {
			return nil
		}
		id, data, err := scanMessage(rows)
		if err != nil {
			return err
		}
		env, decodeErr = a.decode(id, data)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("peeking queue %s: %w", a.addr, err)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	return env, nil
}

// dequeue removes the head message. With a nil wait the call returns
// immediately; otherwise the store waits up to wait for a message.
func (a *queueActions) dequeue(ctx context.Context, wait *time.Duration) Outcome {
	args := []any{sql.Named("queueName", a.addr.ServiceName())}
	if wait != nil {
		args = append(args, sql.Named("timeout", timeoutMillis(*wait)))
	}

	out := Outcome{Kind: TimedOut}
	err := a.scope.query(ctx, procDequeue, args, func(rows Rows) error {
		if !rows.Next() {
			return nil
		}
		id, data, err := scanMessage(rows)
		if err != nil {
			return err
		}
		env, err := a.decode(id, data)
		if err != nil {
			out = failed(err)
			return nil
		}
		out = delivered(env)
		return nil
	})

	switch {
	case errors.Is(err, ErrOperationCancelled):
		return Outcome{Kind: Cancelled}
	case err != nil:
		return failed(fmt.Errorf("dequeuing from %s: %w", a.addr, err))
	}

	if out.Kind == Delivered {
		a.logger.Debug("sbq.receive.delivered",
			slog.String("queue", a.addr.String()),
			slog.String("conversation_id", out.Envelope.ConversationID.String()))
	}
	return out
}

func (a *queueActions) registerToSend(ctx context.Context, destination Address, env *Envelope) error {
	data, err := a.serializer.Serialize(env)
	if err != nil {
		return err
	}

	var deferUntil any
	if env.DeferUntil != nil {
		deferUntil = env.DeferUntil.UTC()
	}

	err = a.scope.exec(ctx, procRegisterToSend,
		sql.Named("localServiceName", a.addr.ServiceName()),
		sql.Named("address", destination.ServiceName()),
		sql.Named("route", destination.Route()),
		sql.Named("sizeOfData", len(env.Data)),
		sql.Named("deferProcessingUntilTime", deferUntil),
		sql.Named("sentAt", time.Now().UTC()),
		sql.Named("data", data),
	)
	if err != nil {
		return fmt.Errorf("registering message from %s to %s: %w", a.addr, destination, err)
	}

	a.logger.Debug("sbq.send.registered",
		slog.String("from", a.addr.String()),
		slog.String("to", destination.String()))
	return nil
}

func (a *queueActions) decode(id uuid.UUID, data []byte) (*Envelope, error) {
	env, err := a.serializer.Deserialize(data)
	if err != nil {
		return nil, &DeserializeError{ConversationID: id, Err: err}
	}
	env.ConversationID = id
	return env, nil
}

func scanMessage(rows Rows) (uuid.UUID, []byte, error) {
	var (
		id   mssql.UniqueIdentifier
		data []byte
	)
	if err := rows.Scan(&id, &data); err != nil {
		return uuid.Nil, nil, fmt.Errorf("scanning message: %w", err)
	}
	return uuid.UUID(id), data, nil
}

// timeoutMillis rounds d up to whole milliseconds, never below 1.
func timeoutMillis(d time.Duration) int64 {
	ms := int64(math.Ceil(float64(d) / float64(time.Millisecond)))
	if ms < 1 {
		return 1
	}
	return ms
}
