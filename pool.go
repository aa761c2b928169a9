// Package dbpool implements a process-wide pool of isolated test databases.
//
// A Pool owns a Backend (a DBMS-specific adapter, see the postgres and mysql
// subpackages), a privileged connection pool for administrative operations,
// and a set of database records it has minted. Tests borrow one record at a
// time through Pull, which returns a Handle wrapping a restricted connection
// pool bound to exactly one database. Releasing the Handle cleans the
// database and returns it to the pool for reuse by the next test, rather
// than dropping and recreating it - the expensive part of database setup
// (CREATE DATABASE plus entity creation) is paid once per concurrently-live
// test, not once per test.
//
// Two surfaces share this data model: Pool (this file) is the blocking
// surface for plain goroutine-based test suites; AsyncPool (async.go) is
// the cooperative-task surface for suites built around a user-supplied
// executor. They are sibling implementations, not wrapper/wrapped - per
// spec, wrapping the async surface around the sync one (or vice versa)
// would reintroduce an executor into otherwise-blocking code.
//
// Typical usage:
//
//	backend, _ := postgres.NewBackend(cfg, createEntities, nil)
//	pool, _ := dbpool.NewPool(ctx, backend)
//	defer pool.Close(ctx)
//
//	handle, err := pool.Pull(ctx)
//	if err != nil { ... }
//	defer handle.Close()
//	conn := handle.Pool().(*pgxpool.Pool)
package dbpool

import (
	"context"
	"io"
	"sync"

	"github.com/google/uuid"
)

// voidCloser matches pool types whose Close takes no error (e.g. pgxpool.Pool).
type voidCloser interface {
	Close()
}

// closeIfCloser closes entity if it implements io.Closer or voidCloser,
// swallowing any error - used when draining a stash of opaque restricted
// pools, following the same type-switch the teacher's cleanup registration
// used for entities of unknown concrete type.
func closeIfCloser(entity any) {
	switch closer := entity.(type) {
	case io.Closer:
		_ = closer.Close()
	case voidCloser:
		closer.Close()
	}
}

// PoolOption configures a Pool or AsyncPool at construction time.
type PoolOption func(*poolOptions)

type poolOptions struct {
	logger Logger
}

// WithLogger overrides the default zerolog-backed Logger used for
// background failures (cleanup and teardown errors).
func WithLogger(logger Logger) PoolOption {
	return func(o *poolOptions) {
		o.logger = logger
	}
}

func buildOptions(opts []PoolOption) poolOptions {
	o := poolOptions{logger: defaultLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Pool is the blocking Database Pool: a bounded-by-nothing, lazily-growing
// set of isolated databases, reused across tests under a single mutex.
type Pool struct {
	backend    Backend
	privileged PrivilegedPool
	logger     Logger

	mu       sync.Mutex
	closed   bool
	registry map[uuid.UUID]string // id -> name, for every database ever minted
	stash    *stash[*databaseRecord]
}

// NewPool constructs a Pool: it calls backend.Init, builds the privileged
// pool, and returns a Pool with no databases created yet - creation happens
// lazily the first time Pull misses the stash (spec §4.3).
func NewPool(ctx context.Context, backend Backend, opts ...PoolOption) (*Pool, error) {
	if backend == nil {
		return nil, &Error{Op: "NewPool", Kind: KindConfig, Err: ErrNilBackend}
	}

	o := buildOptions(opts)

	if err := backend.Init(ctx); err != nil {
		return nil, &Error{Op: "Backend.Init", Kind: KindConnection, Err: err}
	}

	privileged, err := backend.BuildPrivilegedPool(ctx)
	if err != nil {
		return nil, &Error{Op: "Backend.BuildPrivilegedPool", Kind: KindConnection, Err: err}
	}

	return &Pool{
		backend:    backend,
		privileged: privileged,
		logger:     o.logger,
		registry:   make(map[uuid.UUID]string),
		stash:      newStash[*databaseRecord](),
	}, nil
}

// Pull borrows one clean, isolated database, returning a Handle that grants
// access to its restricted connection pool. It never blocks waiting for
// another Handle to be returned: on a stash miss it creates a new database
// instead (spec §4.4).
func (p *Pool) Pull(ctx context.Context) (*Handle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, &Error{Op: "Pool.Pull", Kind: KindConnection, Err: ErrPoolClosed}
	}
	p.mu.Unlock()

	if record, ok := p.stash.tryPop(); ok {
		return &Handle{pool: p, record: record}, nil
	}

	record, err := p.create(ctx)
	if err != nil {
		return nil, err
	}
	return &Handle{pool: p, record: record}, nil
}

// create mints a fresh database, runs entity creation, and builds its
// restricted pool. On any failure it best-effort drops the partially
// created database before propagating the original error.
func (p *Pool) create(ctx context.Context) (*databaseRecord, error) {
	id := uuid.New()
	name := DatabaseName(id)

	conn, err := p.privileged.Acquire(ctx)
	if err != nil {
		return nil, &Error{Op: "Pool.create", Kind: KindConnection, Err: err}
	}

	createdName, err := p.backend.CreateDatabase(ctx, conn, id)
	if err != nil {
		p.privileged.Release(conn)
		p.bestEffortDrop(ctx, name)
		return nil, &Error{Op: "Backend.CreateDatabase", Kind: KindPrivilegedStatement, Err: err}
	}

	if err := p.backend.CreateEntities(ctx, conn, createdName); err != nil {
		p.privileged.Release(conn)
		p.bestEffortDrop(ctx, createdName)
		return nil, &Error{Op: "Backend.CreateEntities", Kind: KindEntityCreation, Err: err}
	}
	p.privileged.Release(conn)

	restricted, err := p.backend.BuildRestrictedPool(ctx, createdName)
	if err != nil {
		p.bestEffortDrop(ctx, createdName)
		return nil, &Error{Op: "Backend.BuildRestrictedPool", Kind: KindRestrictedPoolBuild, Err: err}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		closeIfCloser(restricted)
		p.bestEffortDrop(ctx, createdName)
		return nil, &Error{Op: "Pool.create", Kind: KindConnection, Err: ErrPoolClosed}
	}
	p.registry[id] = createdName
	p.mu.Unlock()

	return &databaseRecord{id: id, name: createdName, restricted: restricted, clean: true}, nil
}

// bestEffortDrop drops name, swallowing and logging any error - used when
// aborting a partially created database.
func (p *Pool) bestEffortDrop(ctx context.Context, name string) {
	conn, err := p.privileged.Acquire(ctx)
	if err != nil {
		p.logger.Warn("Pool.bestEffortDrop", err, map[string]any{"database": name})
		return
	}
	defer p.privileged.Release(conn)

	if err := p.backend.DropDatabase(ctx, conn, name); err != nil {
		p.logger.Warn("Pool.bestEffortDrop", err, map[string]any{"database": name})
	}
}

// release cleans record's database and, on success, returns it to the
// stash; on failure the record is discarded (its registry entry remains,
// so teardown still drops it). Invoked by Handle.Close.
func (p *Pool) release(ctx context.Context, record *databaseRecord) {
	conn, err := p.privileged.Acquire(ctx)
	if err != nil {
		p.logger.Warn("Pool.release", err, map[string]any{"database": record.name})
		return
	}
	defer p.privileged.Release(conn)

	if err := p.backend.CleanDatabase(ctx, conn, record.name); err != nil {
		p.logger.Warn("Pool.release", &Error{Op: "Backend.CleanDatabase", Kind: KindCleanup, Err: err},
			map[string]any{"database": record.name})
		return
	}

	record.clean = true
	p.stash.push(record)
}

// Close tears down the Pool: it drains the stash, drops every database
// ever minted (visiting every id even if some drops fail), and closes the
// privileged pool. Best effort - failures are logged, never returned as a
// hard stop partway through.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	registry := p.registry
	p.registry = nil
	p.mu.Unlock()

	for _, record := range p.stash.drain() {
		closeIfCloser(record.restricted)
	}

	for id, name := range registry {
		conn, err := p.privileged.Acquire(ctx)
		if err != nil {
			p.logger.Warn("Pool.Close", err, map[string]any{"database": name, "id": id})
			continue
		}
		if err := p.backend.DropDatabase(ctx, conn, name); err != nil {
			p.logger.Warn("Pool.Close", &Error{Op: "Backend.DropDatabase", Kind: KindTeardown, Err: err},
				map[string]any{"database": name, "id": id})
		}
		p.privileged.Release(conn)
	}

	p.privileged.Close()
	return nil
}

// Handle is the borrow token returned by Pull: a test's exclusive access to
// one database's restricted connection pool until Close is called.
type Handle struct {
	pool   *Pool
	record *databaseRecord
	once   sync.Once
}

// Pool returns the restricted connection pool for this handle's database.
// The concrete type is whatever the Backend's restricted pool factory
// produced (e.g. *pgxpool.Pool, *sql.DB) - type-assert it to the type your
// factory returns.
func (h *Handle) Pool() any {
	return h.record.restricted
}

// Close releases the handle: it cleans the database and returns it to the
// pool, or discards it if cleaning fails. Idempotent - a second Close
// returns ErrHandleAlreadyReleased rather than double-releasing. Callers
// MUST release every client obtained from Pool() before calling Close, and
// MUST call Close on every path, including panics:
//
//	handle, err := pool.Pull(ctx)
//	if err != nil { ... }
//	defer handle.Close()
func (h *Handle) Close() error {
	var err error
	first := false
	h.once.Do(func() {
		first = true
		h.pool.release(context.Background(), h.record)
	})
	if !first {
		err = ErrHandleAlreadyReleased
	}
	return err
}
