// Package install creates and upgrades the [SBQ] schema that the sbq
// package runs against, and configures the Service Broker endpoint.
//
// Scripts are applied in lexical order of their file names. Every applied
// script is journaled in [SBQ].[SchemaVersions] and skipped on later runs,
// so Install can be run against a database of any earlier version.
package install

import (
	"bufio"
	"context"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"

	mssql "github.com/denisenkom/go-mssqldb"

	"github.com/oagudo/sbq"
)

//go:embed scripts/*.sql
var embedded embed.FS

const (
	enableBroker = `IF EXISTS (SELECT * FROM sys.databases WHERE name = DB_NAME() AND is_broker_enabled = 0)
	EXEC(N'ALTER DATABASE CURRENT SET ENABLE_BROKER WITH ROLLBACK IMMEDIATE')`

	createJournal = `IF SCHEMA_ID(N'SBQ') IS NULL
	EXEC(N'CREATE SCHEMA [SBQ]');
IF OBJECT_ID(N'[SBQ].[SchemaVersions]', N'U') IS NULL
	CREATE TABLE [SBQ].[SchemaVersions] (
		[Id] int IDENTITY(1,1) NOT NULL CONSTRAINT [PK_SchemaVersions_Id] PRIMARY KEY,
		[ScriptName] nvarchar(255) NOT NULL,
		[Applied] datetime2 NOT NULL
	)`

	selectJournal = "SELECT ScriptName FROM [SBQ].[SchemaVersions]"

	insertJournal = "INSERT INTO [SBQ].[SchemaVersions] (ScriptName, Applied) VALUES (@p1, SYSUTCDATETIME())"
)

// Installer applies the schema scripts to one database.
type Installer struct {
	db      sbq.DB
	logger  *slog.Logger
	scripts fs.FS
	port    int
}

// Option is a function that configures an Installer instance.
type Option func(*Installer)

// WithLogger sets the logger. Default discards all records.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Installer) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// WithScripts replaces the embedded scripts. Files matching *.sql at the
// root of fsys are applied.
func WithScripts(fsys fs.FS) Option {
	return func(i *Installer) {
		i.scripts = fsys
	}
}

// WithPort sets the Service Broker endpoint port.
// Default is sbq.DefaultEndpointPort. Zero skips endpoint configuration.
func WithPort(port int) Option {
	return func(i *Installer) {
		i.port = port
	}
}

// New creates an Installer for db.
func New(db sbq.DB, opts ...Option) *Installer {
	scripts, err := fs.Sub(embedded, "scripts")
	if err != nil {
		panic(err)
	}

	i := &Installer{
		db:      db,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		scripts: scripts,
		port:    sbq.DefaultEndpointPort,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// ScriptError indicates that a script failed. Nothing of the script was
// committed.
type ScriptError struct {
	Script string
	Err    error
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("applying script %s: %v", e.Script, e.Err)
}

func (e *ScriptError) Unwrap() error { return e.Err }

// Install enables Service Broker on the database, applies every script not
// yet journaled and configures the endpoint.
func (i *Installer) Install(ctx context.Context) error {
	if _, err := i.db.ExecContext(ctx, enableBroker); err != nil {
		return fmt.Errorf("enabling service broker: %w", err)
	}
	if _, err := i.db.ExecContext(ctx, createJournal); err != nil {
		return fmt.Errorf("creating journal: %w", err)
	}

	applied, err := i.journaled(ctx)
	if err != nil {
		return err
	}

	names, err := fs.Glob(i.scripts, "*.sql")
	if err != nil {
		return fmt.Errorf("listing scripts: %w", err)
	}

	var count int
	for _, name := range names {
		if applied[name] {
			i.logger.Debug("sbq.install.script_skipped", slog.String("script", name))
			continue
		}
		if err := i.apply(ctx, name); err != nil {
			i.logError(name, err)
			return &ScriptError{Script: name, Err: err}
		}
		count++
		i.logger.Info("sbq.install.script_applied", slog.String("script", name))
	}
	if count == 0 {
		i.logger.Info("sbq.install.up_to_date", slog.String("schema_version", sbq.SchemaVersion))
	}

	if i.port == 0 {
		return nil
	}
	if err := sbq.ConfigureEndpoint(ctx, i.db, i.port); err != nil {
		return err
	}
	i.logger.Info("sbq.install.endpoint_configured", slog.Int("port", i.port))
	return nil
}

func (i *Installer) journaled(ctx context.Context) (map[string]bool, error) {
	rows, err := i.db.QueryContext(ctx, selectJournal)
	if err != nil {
		return nil, fmt.Errorf("reading journal: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning journal: %w", err)
		}
		applied[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating journal: %w", err)
	}
	return applied, nil
}

func (i *Installer) apply(ctx context.Context, name string) error {
	body, err := fs.ReadFile(i.scripts, name)
	if err != nil {
		return err
	}

	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	var txCommitted bool
	defer func() {
		if !txCommitted {
			_ = tx.Rollback()
		}
	}()

	for n, batch := range splitBatches(string(body)) {
		if _, err := tx.ExecContext(ctx, batch); err != nil {
			return fmt.Errorf("batch %d: %w", n+1, err)
		}
	}
	if _, err := tx.ExecContext(ctx, insertJournal, name); err != nil {
		return fmt.Errorf("journaling: %w", err)
	}

	err = tx.Commit()
	txCommitted = err == nil
	return err
}

func (i *Installer) logError(script string, err error) {
	var sqlErr mssql.Error
	if errors.As(err, &sqlErr) {
		i.logger.Error("sbq.install.script_failed",
			slog.String("script", script),
			slog.Int("number", int(sqlErr.Number)),
			slog.Int("state", int(sqlErr.State)),
			slog.Int("class", int(sqlErr.Class)),
			slog.String("message", sqlErr.Message))
		return
	}
	i.logger.Error("sbq.install.script_failed", slog.String("script", script), slog.Any("error", err))
}

// splitBatches splits a script on lines holding only the GO separator.
// Empty batches are dropped.
func splitBatches(script string) []string {
	var (
		batches []string
		current strings.Builder
	)
	flush := func() {
		if b := strings.TrimSpace(current.String()); b != "" {
			batches = append(batches, b)
		}
		current.Reset()
	}

	sc := bufio.NewScanner(strings.NewReader(script))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if strings.EqualFold(strings.TrimSpace(line), "GO") {
			flush()
			continue
		}
		current.WriteString(line)
		current.WriteByte('\n')
	}
	flush()
	return batches
}
