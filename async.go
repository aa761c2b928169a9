package dbpool

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// maxConcurrentTeardowns bounds how many DropDatabase calls AsyncPool.Close
// runs at once, so a run with thousands of minted databases doesn't open
// thousands of simultaneous privileged connections during teardown.
const maxConcurrentTeardowns = 8

// AsyncPool is the cooperative-task Database Pool: the same data model and
// invariants as Pool, but Pull respects context cancellation and Release
// runs cleanup as a detached task rather than blocking the caller. It is a
// sibling implementation of Pool, not a wrapper around it (spec §9).
type AsyncPool struct {
	backend    Backend
	privileged PrivilegedPool
	logger     Logger

	mu       sync.Mutex
	closed   bool
	registry map[uuid.UUID]string
	stash    *stash[*databaseRecord]

	// cleanupWG tracks detached Release goroutines so Close can wait for
	// every in-flight cleanup before dropping databases out from under it.
	cleanupWG sync.WaitGroup
}

// NewAsyncPool mirrors NewPool: it initializes the backend and builds the
// privileged pool, but never blocks a caller's goroutine beyond that
// one-time setup.
func NewAsyncPool(ctx context.Context, backend Backend, opts ...PoolOption) (*AsyncPool, error) {
	if backend == nil {
		return nil, &Error{Op: "NewAsyncPool", Kind: KindConfig, Err: ErrNilBackend}
	}

	o := buildOptions(opts)

	if err := backend.Init(ctx); err != nil {
		return nil, &Error{Op: "Backend.Init", Kind: KindConnection, Err: err}
	}

	privileged, err := backend.BuildPrivilegedPool(ctx)
	if err != nil {
		return nil, &Error{Op: "Backend.BuildPrivilegedPool", Kind: KindConnection, Err: err}
	}

	return &AsyncPool{
		backend:    backend,
		privileged: privileged,
		logger:     o.logger,
		registry:   make(map[uuid.UUID]string),
		stash:      newStash[*databaseRecord](),
	}, nil
}

// Pull borrows one clean, isolated database. Unlike Pool.Pull, it honors ctx
// cancellation on the creation-on-miss path (the only suspending part of
// acquisition) - a cancelled Pull fails cleanly without leaking a partially
// created database.
func (p *AsyncPool) Pull(ctx context.Context) (*AsyncHandle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, &Error{Op: "AsyncPool.Pull", Kind: KindConnection, Err: ErrPoolClosed}
	}
	p.mu.Unlock()

	if record, ok := p.stash.tryPop(); ok {
		return &AsyncHandle{pool: p, record: record}, nil
	}

	select {
	case <-ctx.Done():
		return nil, &Error{Op: "AsyncPool.Pull", Kind: KindConnection, Err: ctx.Err()}
	default:
	}

	record, err := p.create(ctx)
	if err != nil {
		return nil, err
	}
	return &AsyncHandle{pool: p, record: record}, nil
}

func (p *AsyncPool) create(ctx context.Context) (*databaseRecord, error) {
	id := uuid.New()
	name := DatabaseName(id)

	conn, err := p.privileged.Acquire(ctx)
	if err != nil {
		return nil, &Error{Op: "AsyncPool.create", Kind: KindConnection, Err: err}
	}

	createdName, err := p.backend.CreateDatabase(ctx, conn, id)
	if err != nil {
		p.privileged.Release(conn)
		p.bestEffortDrop(context.Background(), name)
		return nil, &Error{Op: "Backend.CreateDatabase", Kind: KindPrivilegedStatement, Err: err}
	}

	if err := p.backend.CreateEntities(ctx, conn, createdName); err != nil {
		p.privileged.Release(conn)
		p.bestEffortDrop(context.Background(), createdName)
		return nil, &Error{Op: "Backend.CreateEntities", Kind: KindEntityCreation, Err: err}
	}
	p.privileged.Release(conn)

	restricted, err := p.backend.BuildRestrictedPool(ctx, createdName)
	if err != nil {
		p.bestEffortDrop(context.Background(), createdName)
		return nil, &Error{Op: "Backend.BuildRestrictedPool", Kind: KindRestrictedPoolBuild, Err: err}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		closeIfCloser(restricted)
		p.bestEffortDrop(context.Background(), createdName)
		return nil, &Error{Op: "AsyncPool.create", Kind: KindConnection, Err: ErrPoolClosed}
	}
	p.registry[id] = createdName
	p.mu.Unlock()

	return &databaseRecord{id: id, name: createdName, restricted: restricted, clean: true}, nil
}

func (p *AsyncPool) bestEffortDrop(ctx context.Context, name string) {
	conn, err := p.privileged.Acquire(ctx)
	if err != nil {
		p.logger.Warn("AsyncPool.bestEffortDrop", err, map[string]any{"database": name})
		return
	}
	defer p.privileged.Release(conn)

	if err := p.backend.DropDatabase(ctx, conn, name); err != nil {
		p.logger.Warn("AsyncPool.bestEffortDrop", err, map[string]any{"database": name})
	}
}

// release is the same clean-or-discard algorithm as Pool.release. It always
// runs to completion on a background context: a release already dispatched
// by AsyncHandle.Release must survive the cancellation of whatever context
// the caller passed to Release (spec §5, "Cancellation / Async").
func (p *AsyncPool) release(record *databaseRecord) {
	ctx := context.Background()

	conn, err := p.privileged.Acquire(ctx)
	if err != nil {
		p.logger.Warn("AsyncPool.release", err, map[string]any{"database": record.name})
		return
	}
	defer p.privileged.Release(conn)

	if err := p.backend.CleanDatabase(ctx, conn, record.name); err != nil {
		p.logger.Warn("AsyncPool.release", &Error{Op: "Backend.CleanDatabase", Kind: KindCleanup, Err: err},
			map[string]any{"database": record.name})
		return
	}

	record.clean = true
	p.stash.push(record)
}

// Close waits for every outstanding detached release to finish, then drains
// the stash and drops every minted database concurrently (bounded by
// maxConcurrentTeardowns via a semaphore.Weighted), finally closing the
// privileged pool. Individual drop failures are logged and do not stop the
// sweep - every id is visited.
func (p *AsyncPool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	registry := p.registry
	p.registry = nil
	p.mu.Unlock()

	p.cleanupWG.Wait()

	for _, record := range p.stash.drain() {
		closeIfCloser(record.restricted)
	}

	sem := semaphore.NewWeighted(maxConcurrentTeardowns)
	g, gctx := errgroup.WithContext(context.Background())
	for id, name := range registry {
		id, name := id, name
		if err := sem.Acquire(gctx, 1); err != nil {
			// Context for the teardown group itself was cancelled; fall
			// back to a direct drop so every id is still visited.
			p.dropOne(ctx, id, name)
			continue
		}
		g.Go(func() error {
			defer sem.Release(1)
			p.dropOne(ctx, id, name)
			return nil
		})
	}
	_ = g.Wait() // dropOne never returns an error; Wait only joins the goroutines

	p.privileged.Close()
	return nil
}

func (p *AsyncPool) dropOne(ctx context.Context, id uuid.UUID, name string) {
	conn, err := p.privileged.Acquire(ctx)
	if err != nil {
		p.logger.Warn("AsyncPool.Close", err, map[string]any{"database": name, "id": id})
		return
	}
	defer p.privileged.Release(conn)

	if err := p.backend.DropDatabase(ctx, conn, name); err != nil {
		p.logger.Warn("AsyncPool.Close", &Error{Op: "Backend.DropDatabase", Kind: KindTeardown, Err: err},
			map[string]any{"database": name, "id": id})
	}
}

// AsyncHandle is the async surface's borrow token. Release schedules cleanup
// as a detached task rather than blocking the caller; AsyncPool.Close awaits
// every such task before tearing down.
type AsyncHandle struct {
	pool   *AsyncPool
	record *databaseRecord
	once   sync.Once
}

// Pool returns the restricted connection pool for this handle's database.
func (h *AsyncHandle) Pool() any {
	return h.record.restricted
}

// Release schedules this handle's cleanup as a detached goroutine and
// returns immediately, regardless of ctx. The cleanup itself always runs to
// completion on a background context, even past ctx's cancellation, because
// database state must not leak into the next Pull.
func (h *AsyncHandle) Release(ctx context.Context) error {
	_ = ctx
	first := false
	h.once.Do(func() {
		first = true
		h.pool.cleanupWG.Add(1)
		go func() {
			defer h.pool.cleanupWG.Done()
			h.pool.release(h.record)
		}()
	})
	if !first {
		return ErrHandleAlreadyReleased
	}
	return nil
}
