package sbq

import (
	"context"
	"database/sql"
)

// Rows is the result set of a stored procedure call.
// It is compatible with the standard *sql.Rows type.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

// Queryer represents a query executor.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (Rows, error)
}

// Tx represents a database transaction.
// It is compatible with the standard sql.Tx type.
type Tx interface {
	Commit() error
	Rollback() error
	Queryer
}

// Conn represents a single dedicated database connection.
// It is compatible with the standard sql.Conn type.
type Conn interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error)
	Close() error
	Queryer
}

// DB represents a pool of database connections.
// It is compatible with the standard sql.DB type.
type DB interface {
	Conn(ctx context.Context) (Conn, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error)
	Queryer
}

// NewDB creates a DB from a standard *sql.DB.
func NewDB(db *sql.DB) DB {
	return &dbAdapter{DB: db}
}

// txAdapter is a wrapper around a sql.Tx that implements the Tx interface.
type txAdapter struct {
	tx *sql.Tx
}

func (a *txAdapter) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return a.tx.ExecContext(ctx, query, args...)
}

func (a *txAdapter) QueryContext(ctx context.Context, query string, args ...any) (Rows, error) {
	rows, err := a.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (a *txAdapter) Commit() error {
	return a.tx.Commit()
}

func (a *txAdapter) Rollback() error {
	return a.tx.Rollback()
}

// connAdapter is a wrapper around a sql.Conn that implements the Conn interface.
type connAdapter struct {
	conn *sql.Conn
}

func (a *connAdapter) BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error) {
	tx, err := a.conn.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &txAdapter{tx}, nil
}

func (a *connAdapter) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return a.conn.ExecContext(ctx, query, args...)
}

func (a *connAdapter) QueryContext(ctx context.Context, query string, args ...any) (Rows, error) {
	rows, err := a.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (a *connAdapter) Close() error {
	return a.conn.Close()
}

// dbAdapter is a wrapper around a sql.DB that implements the DB interface.
type dbAdapter struct {
	DB *sql.DB
}

func (a *dbAdapter) Conn(ctx context.Context) (Conn, error) {
	conn, err := a.DB.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &connAdapter{conn}, nil
}

func (a *dbAdapter) BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error) {
	tx, err := a.DB.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &txAdapter{tx}, nil
}

func (a *dbAdapter) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return a.DB.ExecContext(ctx, query, args...)
}

func (a *dbAdapter) QueryContext(ctx context.Context, query string, args ...any) (Rows, error) {
	rows, err := a.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
