package dbpool

import (
	"context"

	"github.com/google/uuid"
)

// PrivilegedPool is the opaque capability a Backend exposes for acquiring
// and releasing administrative connections. The core treats both the pool
// and the connections it hands out as opaque values (any) - it never
// inspects them, only threads them back into Backend calls. This keeps the
// core free of any DBMS-specific coupling (spec §6, §9: "the core never
// branches on DBMS kind").
type PrivilegedPool interface {
	// Acquire returns one administrative connection. The concrete type is
	// Backend-specific (e.g. *pgxpool.Conn, *sql.Conn).
	Acquire(ctx context.Context) (any, error)

	// Release returns a connection obtained from Acquire.
	Release(conn any)

	// Close shuts down the pool and all its connections.
	Close()
}

// Backend is the capability set a DBMS-specific adapter must provide (spec
// §4.1). It is a fixed set of operations, not a class hierarchy: any value
// implementing this interface is a valid backend, and the core never
// branches on which concrete DBMS it is talking to.
type Backend interface {
	// Init performs one-time setup against the admin connection (e.g.
	// creating the restricted role if the backend's provisioning policy
	// calls for it). Failure is fatal and propagated to the Pool
	// constructor.
	Init(ctx context.Context) error

	// BuildPrivilegedPool constructs the administrative PrivilegedPool this
	// Backend will use for every CreateDatabase/CleanDatabase/DropDatabase
	// call. Called once, during Pool construction.
	BuildPrivilegedPool(ctx context.Context) (PrivilegedPool, error)

	// CreateDatabase produces a fresh, empty database named deterministically
	// from id (via DatabaseName) and returns that name. Must be idempotent
	// under retry on the same id: drop-if-exists-then-create or equivalent.
	CreateDatabase(ctx context.Context, conn any, id uuid.UUID) (string, error)

	// CreateEntities runs the user-supplied entity creation procedure
	// against the database just created. conn is whichever connection
	// (privileged or restricted) this Backend has chosen and documented as
	// its entity-creation role.
	CreateEntities(ctx context.Context, conn any, name string) error

	// BuildRestrictedPool constructs a restricted connection pool bound to
	// name, using the test author's pool factory. The Backend only injects
	// credentials and the database name.
	BuildRestrictedPool(ctx context.Context, name string) (any, error)

	// CleanDatabase restores name to the state produced by CreateEntities
	// without dropping and recreating it. The set of user tables is
	// discovered at clean time, not cached from setup time.
	CleanDatabase(ctx context.Context, conn any, name string) error

	// DropDatabase unconditionally drops name, forcing connection
	// termination where the DBMS requires it.
	DropDatabase(ctx context.Context, conn any, name string) error
}

// databaseRecord is one minted database plus its restricted pool - the unit
// of checkout through the stash. It is owned exclusively by the Pool (or
// AsyncPool) that created it; a Handle only ever borrows one.
type databaseRecord struct {
	id         uuid.UUID
	name       string
	restricted any
	clean      bool
}
