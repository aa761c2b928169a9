package dbpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// nopLogger silences background-failure logging in tests that deliberately
// inject failures and assert on return values rather than log output.
func nopLogger() Logger {
	return NewZerologLogger(zerolog.Nop())
}

// fakeRestrictedPool is the opaque "restricted pool" a fakeBackend hands
// back through BuildRestrictedPool. It implements io.Closer so tests can
// assert Pool.Close/AsyncPool.Close actually close every stashed pool.
type fakeRestrictedPool struct {
	database string
	closed   atomic.Bool
}

func (p *fakeRestrictedPool) Close() error {
	p.closed.Store(true)
	return nil
}

// fakePrivilegedConn is the opaque admin connection token handed out by
// fakePrivilegedPool.Acquire.
type fakePrivilegedConn struct {
	id int
}

// fakePrivilegedPool is an in-memory dbpool.PrivilegedPool double.
type fakePrivilegedPool struct {
	mu     sync.Mutex
	closed bool
	next   int
}

func (p *fakePrivilegedPool) Acquire(ctx context.Context) (any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return &fakePrivilegedConn{id: p.next}, nil
}

func (p *fakePrivilegedPool) Release(conn any) {}

func (p *fakePrivilegedPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

// fakeBackend is an in-memory dbpool.Backend double with configurable
// failure injection, used to exercise Pool/AsyncPool without a real DBMS.
type fakeBackend struct {
	mu         sync.Mutex
	privileged *fakePrivilegedPool
	created    []string
	dropped    []string
	cleaned    []string

	failInit               error
	failBuildPrivileged    error
	failCreateDatabase     error
	failCreateEntities     error
	failBuildRestricted    error
	failCleanDatabaseNames map[string]bool
	failDropDatabaseNames  map[string]bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		failCleanDatabaseNames: make(map[string]bool),
		failDropDatabaseNames:  make(map[string]bool),
	}
}

func (b *fakeBackend) Init(ctx context.Context) error {
	return b.failInit
}

func (b *fakeBackend) BuildPrivilegedPool(ctx context.Context) (PrivilegedPool, error) {
	if b.failBuildPrivileged != nil {
		return nil, b.failBuildPrivileged
	}
	b.privileged = &fakePrivilegedPool{}
	return b.privileged, nil
}

func (b *fakeBackend) CreateDatabase(ctx context.Context, conn any, id uuid.UUID) (string, error) {
	if b.failCreateDatabase != nil {
		return "", b.failCreateDatabase
	}
	name := DatabaseName(id)
	b.mu.Lock()
	b.created = append(b.created, name)
	b.mu.Unlock()
	return name, nil
}

func (b *fakeBackend) CreateEntities(ctx context.Context, conn any, name string) error {
	return b.failCreateEntities
}

func (b *fakeBackend) BuildRestrictedPool(ctx context.Context, name string) (any, error) {
	if b.failBuildRestricted != nil {
		return nil, b.failBuildRestricted
	}
	return &fakeRestrictedPool{database: name}, nil
}

func (b *fakeBackend) CleanDatabase(ctx context.Context, conn any, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cleaned = append(b.cleaned, name)
	if b.failCleanDatabaseNames[name] {
		return fmt.Errorf("clean %s: %w", name, errors.New("injected failure"))
	}
	return nil
}

func (b *fakeBackend) DropDatabase(ctx context.Context, conn any, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropped = append(b.dropped, name)
	if b.failDropDatabaseNames[name] {
		return fmt.Errorf("drop %s: %w", name, errors.New("injected failure"))
	}
	return nil
}

func (b *fakeBackend) createdCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.created)
}

func (b *fakeBackend) droppedNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.dropped...)
}

func (b *fakeBackend) cleanedNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.cleaned...)
}
