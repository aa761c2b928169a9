package dbpool_test

import (
	"context"
	"fmt"

	"github.com/bashhack/dbpool"
	"github.com/google/uuid"
)

// memBackend is a minimal in-memory dbpool.Backend, standing in for
// postgres.NewBackend/mysql.NewBackend in these runnable examples so they
// need no live database.
type memBackend struct{ n int }

type memPrivilegedPool struct{}

func (memPrivilegedPool) Acquire(ctx context.Context) (any, error) { return struct{}{}, nil }
func (memPrivilegedPool) Release(conn any)                         {}
func (memPrivilegedPool) Close()                                   {}

func (b *memBackend) Init(ctx context.Context) error { return nil }
func (b *memBackend) BuildPrivilegedPool(ctx context.Context) (dbpool.PrivilegedPool, error) {
	return memPrivilegedPool{}, nil
}
func (b *memBackend) CreateDatabase(ctx context.Context, conn any, id uuid.UUID) (string, error) {
	b.n++
	return dbpool.DatabaseName(id), nil
}
func (b *memBackend) CreateEntities(ctx context.Context, conn any, name string) error { return nil }
func (b *memBackend) BuildRestrictedPool(ctx context.Context, name string) (any, error) {
	return name, nil
}
func (b *memBackend) CleanDatabase(ctx context.Context, conn any, name string) error { return nil }
func (b *memBackend) DropDatabase(ctx context.Context, conn any, name string) error  { return nil }

// Example_pool demonstrates the blocking surface: pull a database, use its
// connection pool, release it back for the next test to reuse.
func Example_pool() {
	ctx := context.Background()
	backend := &memBackend{}

	pool, err := dbpool.NewPool(ctx, backend)
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	defer pool.Close(ctx)

	handle, err := pool.Pull(ctx)
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	name := handle.Pool().(string)
	fmt.Println("pulled:", name != "")

	if err := handle.Close(); err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println("databases minted:", backend.n)

	// Output:
	// pulled: true
	// databases minted: 1
}

// Example_asyncPool demonstrates the cooperative-task surface: the same
// reuse behavior, but Release returns immediately and the cleanup runs in
// the background.
func Example_asyncPool() {
	ctx := context.Background()
	backend := &memBackend{}

	pool, err := dbpool.NewAsyncPool(ctx, backend)
	if err != nil {
		fmt.Println("error:", err)
		return
	}

	handle, err := pool.Pull(ctx)
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	if err := handle.Release(ctx); err != nil {
		fmt.Println("error:", err)
		return
	}

	if err := pool.Close(ctx); err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println("databases minted:", backend.n)

	// Output:
	// databases minted: 1
}
