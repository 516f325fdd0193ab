package sbq

import (
	"context"
	"fmt"

	mssql "github.com/denisenkom/go-mssqldb"
	"github.com/google/uuid"
)

// SchemaVersion is the store schema version this package works with.
const SchemaVersion = "1.1"

// checkSchema reads the store detail row and fails unless its version is
// exactly SchemaVersion. It returns the store id.
func checkSchema(ctx context.Context, q Queryer) (uuid.UUID, error) {
	rows, err := q.QueryContext(ctx, selectSchemaVersion)
	if err != nil {
		return uuid.Nil, fmt.Errorf("reading schema version: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return uuid.Nil, fmt.Errorf("reading schema version: %w", err)
		}
		return uuid.Nil, ErrSchemaNotInstalled
	}

	var (
		id      mssql.UniqueIdentifier
		version string
	)
	if err := rows.Scan(&id, &version); err != nil {
		return uuid.Nil, fmt.Errorf("scanning schema version: %w", err)
	}
	if version != SchemaVersion {
		return uuid.Nil, &SchemaVersionError{Found: version, Supported: SchemaVersion}
	}
	return uuid.UUID(id), nil
}
