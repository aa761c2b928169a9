package dbpool

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Kind identifies which DBMS a PrivilegedConfig targets. The core never
// branches on Kind itself - it only informs LoadPrivilegedConfigFromEnv
// which environment variable prefix and default port to use. The postgres
// and mysql backends do not read Kind either.
type Kind string

const (
	// KindPostgres selects the POSTGRES_* environment variables and PostgreSQL's default port.
	KindPostgres Kind = "postgres"

	// KindMySQL selects the MYSQL_* environment variables and MySQL's default port.
	KindMySQL Kind = "mysql"
)

// DefaultPort returns the DBMS's conventional port.
func (k Kind) DefaultPort() uint16 {
	switch k {
	case KindPostgres:
		return 5432
	case KindMySQL:
		return 3306
	default:
		return 0
	}
}

func (k Kind) envPrefix() string {
	switch k {
	case KindPostgres:
		return "POSTGRES_"
	case KindMySQL:
		return "MYSQL_"
	default:
		return ""
	}
}

// PrivilegedConfig carries the admin credentials used to create, clean, and
// drop databases. It is an immutable value shared read-only by a Pool for
// its entire lifetime.
type PrivilegedConfig struct {
	// Username is the admin role used for DDL. Required.
	Username string

	// Password is the admin role's password. Optional - some deployments
	// use peer/trust auth.
	Password string

	// Host defaults to "localhost".
	Host string

	// Port defaults to Kind.DefaultPort().
	Port uint16

	// Kind identifies the target DBMS.
	Kind Kind
}

// Validate checks that Username is non-empty and Port is non-zero. Host is
// not checked.
func (cfg PrivilegedConfig) Validate() error {
	if strings.TrimSpace(cfg.Username) == "" {
		return &Error{Op: "PrivilegedConfig.Validate", Kind: KindConfig, Err: ErrMissingUsername}
	}
	if cfg.Port == 0 {
		return &Error{Op: "PrivilegedConfig.Validate", Kind: KindConfig, Err: ErrInvalidPort}
	}
	return nil
}

// withDefaults fills in Host/Port when the caller left them zero.
func (cfg PrivilegedConfig) withDefaults() PrivilegedConfig {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = cfg.Kind.DefaultPort()
	}
	return cfg
}

// LoadPrivilegedConfigFromEnv builds a PrivilegedConfig for the given Kind
// from its environment variable family:
//
//	POSTGRES_USERNAME, POSTGRES_PASSWORD, POSTGRES_HOST, POSTGRES_PORT
//	MYSQL_USERNAME,    MYSQL_PASSWORD,    MYSQL_HOST,    MYSQL_PORT
//
// All variables are optional; Host falls back to "localhost" and Port to
// kind.DefaultPort(). Username has no default and must be set in the environment or
// the returned config will fail Validate.
func LoadPrivilegedConfigFromEnv(kind Kind) (PrivilegedConfig, error) {
	prefix := kind.envPrefix()
	if prefix == "" {
		return PrivilegedConfig{}, &Error{
			Op:   "LoadPrivilegedConfigFromEnv",
			Kind: KindConfig,
			Err:  fmt.Errorf("unsupported kind %q", kind),
		}
	}

	cfg := PrivilegedConfig{
		Username: os.Getenv(prefix + "USERNAME"),
		Password: os.Getenv(prefix + "PASSWORD"),
		Host:     os.Getenv(prefix + "HOST"),
		Kind:     kind,
	}

	if portStr := os.Getenv(prefix + "PORT"); portStr != "" {
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return PrivilegedConfig{}, &Error{
				Op:   "LoadPrivilegedConfigFromEnv",
				Kind: KindConfig,
				Err:  fmt.Errorf("%w: %s%s=%q", ErrInvalidPort, prefix, "PORT", portStr),
			}
		}
		cfg.Port = uint16(port)
	}

	return cfg.withDefaults(), nil
}

const (
	// DatabaseNamePrefix is prepended to every database this package
	// creates. It lets a stray process recognize and sweep orphans left by
	// a crashed run (spec §6 - not required by the core, but the prefix is
	// the invariant that makes it possible).
	DatabaseNamePrefix = "db_pool_"

	// RestrictedRoleName is the fixed, well-known low-privilege role
	// backends provision (or expect to already exist) for DML-only access.
	RestrictedRoleName = "db_pool_restricted"
)

// DatabaseName derives the DBMS-visible database name from a DatabaseId.
// This is the single derivation function used everywhere a name is needed
// (spec data model: "identical derivation function everywhere").
func DatabaseName(id uuid.UUID) string {
	return DatabaseNamePrefix + strings.ReplaceAll(id.String(), "-", "")
}
