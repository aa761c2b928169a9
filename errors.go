package dbpool

import (
	"errors"
	"fmt"
)

// ErrorKind classifies the failure modes a Backend or Pool operation can
// raise, so callers can branch on Kind without string-matching Op.
type ErrorKind int

const (
	// KindConfig marks malformed PrivilegedConfig: unparseable port, missing
	// required username. Surfaced at Backend construction.
	KindConfig ErrorKind = iota

	// KindConnection marks failure to reach the DBMS with the supplied
	// credentials. Surfaced at the first privileged operation.
	KindConnection

	// KindPrivilegedStatement marks a failed admin statement (CREATE
	// DATABASE, DROP DATABASE, CREATE ROLE, TRUNCATE).
	KindPrivilegedStatement

	// KindRestrictedPoolBuild marks failure of the user-supplied restricted
	// pool factory.
	KindRestrictedPoolBuild

	// KindEntityCreation marks a failure raised by the user's entity
	// creation callback.
	KindEntityCreation

	// KindCleanup marks a failed CleanDatabase during handle release. Never
	// surfaced to a caller - the handle has already been dropped - only
	// logged.
	KindCleanup

	// KindTeardown marks a failed DropDatabase at pool teardown. Logged,
	// best effort.
	KindTeardown
)

func (k ErrorKind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindConnection:
		return "connection"
	case KindPrivilegedStatement:
		return "privileged_statement"
	case KindRestrictedPoolBuild:
		return "restricted_pool_build"
	case KindEntityCreation:
		return "entity_creation"
	case KindCleanup:
		return "cleanup"
	case KindTeardown:
		return "teardown"
	default:
		return "unknown"
	}
}

// Error is a dbpool error with operation and kind context, following the
// Op/Err wrapping style used throughout this package.
type Error struct {
	// Op is the operation that failed (e.g. "Pool.Pull", "Backend.Init").
	Op string

	// Kind classifies the failure for programmatic handling.
	Kind ErrorKind

	// Err is the underlying error.
	Err error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("dbpool: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("dbpool: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

var (
	// ErrNilBackend is returned when a nil Backend is passed to NewPool or NewAsyncPool.
	ErrNilBackend = errors.New("backend cannot be nil")

	// ErrPoolClosed is returned by Pull once the Pool has been torn down.
	ErrPoolClosed = errors.New("pool is closed")

	// ErrHandleAlreadyReleased is returned by a second call to Close/Release
	// on the same handle.
	ErrHandleAlreadyReleased = errors.New("handle already released")

	// ErrMissingUsername is returned when PrivilegedConfig.Username is empty.
	ErrMissingUsername = errors.New("privileged config: username is required")

	// ErrInvalidPort is returned when a port could not be parsed from the environment.
	ErrInvalidPort = errors.New("privileged config: invalid port")

	// ErrConnectionsOutstanding is available for a Backend's CleanDatabase to
	// return when it detects that a restricted pool still has checked-out
	// connections; like any cleanup error it is only logged, never
	// propagated (see KindCleanup). The postgres and mysql backends in this
	// module do not perform that check and never return it.
	ErrConnectionsOutstanding = errors.New("restricted pool has outstanding connections during cleanup")
)
