package sbq

import (
	"context"
	"errors"
	"log/slog"
)

// storage opens scopes against the store and hands them to actions.
type storage struct {
	db         DB
	serializer Serializer
	logger     *slog.Logger
}

// global runs fn with store-wide actions in a fresh scope. The scope is
// closed when fn returns, rolling back anything fn did not commit.
func (s *storage) global(ctx context.Context, fn func(*scope, *globalActions) error) (err error) {
	sc, err := openScope(ctx, s.db)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, sc.close())
	}()

	return fn(sc, &globalActions{scope: sc})
}

// queue runs fn with actions for addr in a fresh scope.
func (s *storage) queue(ctx context.Context, addr Address, fn func(*scope, *queueActions) error) (err error) {
	sc, err := openScope(ctx, s.db)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, sc.close())
	}()

	return fn(sc, s.actions(sc, addr))
}

func (s *storage) actions(sc *scope, addr Address) *queueActions {
	return &queueActions{
		scope:      sc,
		addr:       addr,
		serializer: s.serializer,
		logger:     s.logger,
	}
}
