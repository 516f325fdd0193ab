package sbq

import (
	"context"
	"database/sql"
	"fmt"
)

// globalActions runs the store-wide stored procedures inside a scope.
type globalActions struct {
	scope *scope
}

// createQueue creates the queue and service for addr. Creating an existing
// queue does nothing.
func (a *globalActions) createQueue(ctx context.Context, addr Address) error {
	if err := a.scope.exec(ctx, procCreateQueue, sql.Named("address", addr.ServiceName())); err != nil {
		return fmt.Errorf("creating queue %s: %w", addr, err)
	}
	return nil
}

// purgeHistoric deletes history rows the store no longer needs.
func (a *globalActions) purgeHistoric(ctx context.Context) error {
	return a.scope.exec(ctx, procPurgeHistoric)
}
