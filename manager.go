package sbq

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Manager gives transactional access to the Service Broker queues of one
// store. It checks the store schema on construction and purges historic
// data in the background until closed.
//
// A Manager is safe for concurrent use.
type Manager struct {
	storage *storage
	ownedDB *sql.DB
	storeID uuid.UUID
	base    Address
	logger  *slog.Logger

	backoff       DelayFunc
	cancelGrace   time.Duration
	purgeInterval time.Duration
	purgeTimeout  time.Duration
	errChSize     int

	gate   chan struct{}
	closed atomic.Bool
	purger *purger
}

// ManagerOption is a function that configures a Manager instance.
type ManagerOption func(*Manager)

// WithLogger sets the logger. Default discards all records.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithBaseAddress sets the address queue names are resolved against.
// Default is DefaultBaseAddress.
func WithBaseAddress(base Address) ManagerOption {
	return func(m *Manager) {
		if !base.IsZero() {
			m.base = base
		}
	}
}

// WithSerializer sets the message serializer. Default is JSONSerializer.
func WithSerializer(s Serializer) ManagerOption {
	return func(m *Manager) {
		if s != nil {
			m.storage.serializer = s
		}
	}
}

// WithPurgeInterval sets the time between background purges of historic
// data. Default is 3 minutes. Must be positive.
func WithPurgeInterval(interval time.Duration) ManagerOption {
	return func(m *Manager) {
		if interval > 0 {
			m.purgeInterval = interval
		}
	}
}

// WithPurgeTimeout bounds a single background purge. Default is 1 minute.
func WithPurgeTimeout(timeout time.Duration) ManagerOption {
	return func(m *Manager) {
		if timeout > 0 {
			m.purgeTimeout = timeout
		}
	}
}

// WithPurgeErrorChannelSize sets the size of the channel returned by
// PurgeErrors. Default is 128. Size must be positive.
func WithPurgeErrorChannelSize(size int) ManagerOption {
	return func(m *Manager) {
		if size > 0 {
			m.errChSize = size
		}
	}
}

// WithReceiveBackoff sets the pause between empty dequeue attempts of a
// blocking receive. Default is Exponential(20ms, 200ms).
func WithReceiveBackoff(delayFunc DelayFunc) ManagerOption {
	return func(m *Manager) {
		if delayFunc != nil {
			m.backoff = delayFunc
		}
	}
}

// WithCancelGrace sets how long past its own wait a store dequeue may run
// before the client cancels it. Default is 200 milliseconds.
func WithCancelGrace(grace time.Duration) ManagerOption {
	return func(m *Manager) {
		if grace >= 0 {
			m.cancelGrace = grace
		}
	}
}

// NewManager checks the store schema through db and returns a running
// Manager. It fails with ErrSchemaNotInstalled or a *SchemaVersionError when
// the store was not installed with a matching schema version.
func NewManager(ctx context.Context, db DB, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		storage: &storage{
			db:         db,
			serializer: JSONSerializer{},
		},
		base:          MustParseAddress(DefaultBaseAddress),
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		backoff:       Exponential(20*time.Millisecond, 200*time.Millisecond),
		cancelGrace:   200 * time.Millisecond,
		purgeInterval: 3 * time.Minute,
		purgeTimeout:  time.Minute,
		errChSize:     128,
		gate:          make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(m)
	}
	m.storage.logger = m.logger

	id, err := checkSchema(ctx, db)
	if err != nil {
		return nil, err
	}
	m.storeID = id

	m.purger = newPurger(m.purgeHistoric, m.purgeInterval, m.purgeTimeout, m.errChSize, m.logger)
	m.purger.start()

	return m, nil
}

// Open connects to SQL Server with dsn and returns a Manager that owns the
// connection pool. The pool is closed by Close.
func Open(ctx context.Context, dsn string, opts ...ManagerOption) (*Manager, error) {
	sqlDB, err := sql.Open("sqlserver", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	m, err := NewManager(ctx, NewDB(sqlDB), opts...)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	m.ownedDB = sqlDB
	return m, nil
}

// Close stops the background purge, waiting for a running purge to finish
// or ctx to expire. Receives already in progress are not interrupted.
// Calling Close multiple times is safe.
func (m *Manager) Close(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	err := m.purger.stop(ctx)
	if m.ownedDB != nil {
		err = errors.Join(err, m.ownedDB.Close())
	}
	return err
}

// StoreID returns the id of the store detail row.
func (m *Manager) StoreID() uuid.UUID {
	return m.storeID
}

// BaseAddress returns the address queue names are resolved against.
func (m *Manager) BaseAddress() Address {
	return m.base
}

// PurgeErrors returns a channel that receives *PurgeError values from the
// background purge. The channel is buffered; when it is full further errors
// are dropped. It is closed when the Manager is closed.
func (m *Manager) PurgeErrors() <-chan error {
	return m.purger.errors()
}

// QueueAddress resolves name against the base address.
func (m *Manager) QueueAddress(name string) (Address, error) {
	return m.base.Resolve(name)
}

// Queue returns a handle for the queue called name.
func (m *Manager) Queue(name string) (*Queue, error) {
	addr, err := m.QueueAddress(name)
	if err != nil {
		return nil, err
	}
	return m.QueueAt(addr), nil
}

// QueueAt returns a handle for the queue at addr.
func (m *Manager) QueueAt(addr Address) *Queue {
	return &Queue{m: m, addr: addr}
}

// CreateQueues creates the named queues relative to the base address.
// Existing queues are left as they are.
func (m *Manager) CreateQueues(ctx context.Context, names ...string) error {
	addrs := make([]Address, 0, len(names))
	for _, name := range names {
		addr, err := m.QueueAddress(name)
		if err != nil {
			return err
		}
		addrs = append(addrs, addr)
	}
	return m.CreateQueuesAt(ctx, addrs...)
}

// CreateQueuesAt creates a queue for every address, each in its own
// transaction.
func (m *Manager) CreateQueuesAt(ctx context.Context, addrs ...Address) error {
	if m.closed.Load() {
		return ErrClosed
	}

	for _, addr := range addrs {
		if addr.IsZero() {
			return ErrNilAddress
		}
		err := m.storage.global(ctx, func(sc *scope, a *globalActions) error {
			if err := sc.beginTransaction(ctx, nil); err != nil {
				return err
			}
			if err := a.createQueue(ctx, addr); err != nil {
				return err
			}
			return sc.commit(ctx)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// PurgeHistoric deletes historic data now, outside the background schedule.
func (m *Manager) PurgeHistoric(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	return m.purgeHistoric(ctx)
}

func (m *Manager) purgeHistoric(ctx context.Context) error {
	return m.storage.global(ctx, func(sc *scope, a *globalActions) error {
		if err := sc.beginTransaction(ctx, nil); err != nil {
			return err
		}
		if err := a.purgeHistoric(ctx); err != nil {
			return err
		}
		return sc.commit(ctx)
	})
}

// ConfigureEndpoint makes sure the server's Service Broker endpoint listens
// on port.
func (m *Manager) ConfigureEndpoint(ctx context.Context, port int) error {
	if m.closed.Load() {
		return ErrClosed
	}
	return ConfigureEndpoint(ctx, m.storage.db, port)
}

// AddRoute creates a route to a queue hosted by another broker.
func (m *Manager) AddRoute(ctx context.Context, r Route) error {
	if m.closed.Load() {
		return ErrClosed
	}
	return AddRoute(ctx, m.storage.db, r)
}

// ensureEnlistment checks the preconditions of Send and Receive.
func (m *Manager) ensureEnlistment(tx *Transaction) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if tx == nil || !tx.Active() {
		return ErrNoTransaction
	}
	return nil
}
