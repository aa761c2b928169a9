// Package mysql provides the dbpool.Backend implementation for MySQL and
// MariaDB, built on database/sql and github.com/go-sql-driver/mysql.
//
// Restricted role provisioning policy (spec §9, open question): unlike the
// postgres backend, this backend treats db_pool_restricted as a deployment
// prerequisite rather than something it creates unconditionally. MySQL's
// CREATE USER IF NOT EXISTS is version-gated (absent before 5.7.6/10.1.3)
// and many managed offerings (e.g. Amazon RDS) revoke CREATE USER from the
// admin role they hand out. Init still attempts the idempotent
// provisioning statements, but a permission failure there is logged and
// swallowed rather than propagated - the assumption is an operator
// provisioned the role out of band.
//
// Entity creation runs as the admin role, the same choice the postgres
// backend makes, for the same reason: the restricted role never receives
// DDL.
package mysql

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"github.com/bashhack/dbpool"
	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EntityCreator is the user-supplied entity creation procedure, run once
// per minted database against an admin-role connection already USEing that
// database.
type EntityCreator func(ctx context.Context, conn *sql.Conn, databaseName string) error

// RestrictedPoolFactory builds the connection pool returned to tests via
// Handle.Pool(). cfg is pre-populated with the restricted role's
// credentials and DBName; the default constructs a *sql.DB over
// go-sql-driver/mysql.
type RestrictedPoolFactory func(ctx context.Context, cfg *mysql.Config) (any, error)

// DefaultRestrictedPoolFactory builds a *sql.DB via mysql.NewConnector,
// pinging it before returning.
func DefaultRestrictedPoolFactory(ctx context.Context, cfg *mysql.Config) (any, error) {
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("build connector: %w", err)
	}
	db := sql.OpenDB(connector)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping restricted pool: %w", err)
	}
	return db, nil
}

// Backend implements dbpool.Backend for MySQL/MariaDB.
type Backend struct {
	cfg                    dbpool.PrivilegedConfig
	createEntities         EntityCreator
	restrictedPoolFactory  RestrictedPoolFactory
	logger                 dbpool.Logger
	restrictedRolePassword string
}

// BackendOption configures a Backend at construction time.
type BackendOption func(*Backend)

// WithLogger routes Init's non-fatal provisioning warnings through logger
// instead of the default (stderr via zerolog, same default as dbpool.Pool).
func WithLogger(logger dbpool.Logger) BackendOption {
	return func(b *Backend) { b.logger = logger }
}

// NewBackend constructs a MySQL Backend. restrictedPoolFactory may be nil,
// in which case DefaultRestrictedPoolFactory is used.
func NewBackend(cfg dbpool.PrivilegedConfig, createEntities EntityCreator, restrictedPoolFactory RestrictedPoolFactory, opts ...BackendOption) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if createEntities == nil {
		return nil, &dbpool.Error{Op: "mysql.NewBackend", Kind: dbpool.KindConfig, Err: errors.New("createEntities cannot be nil")}
	}
	if restrictedPoolFactory == nil {
		restrictedPoolFactory = DefaultRestrictedPoolFactory
	}

	b := &Backend{
		cfg:                   cfg,
		createEntities:        createEntities,
		restrictedPoolFactory: restrictedPoolFactory,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = dbpool.NewZerologLogger(zerolog.New(os.Stderr).With().Timestamp().Logger())
	}
	return b, nil
}

func (b *Backend) adminConfig() *mysql.Config {
	cfg := mysql.NewConfig()
	cfg.User = b.cfg.Username
	cfg.Passwd = b.cfg.Password
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", b.cfg.Host, b.cfg.Port)
	cfg.MultiStatements = true
	return cfg
}

func (b *Backend) restrictedConfigFor(name string) *mysql.Config {
	cfg := mysql.NewConfig()
	cfg.User = dbpool.RestrictedRoleName
	cfg.Passwd = b.restrictedRolePassword
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", b.cfg.Host, b.cfg.Port)
	cfg.DBName = name
	return cfg
}

// Init attempts to idempotently provision the restricted role. Failures of
// the provisioning statements are logged, not returned - see the
// package-level doc on provisioning policy. Failure to generate the password
// or to connect to the server is returned.
func (b *Backend) Init(ctx context.Context) error {
	password, err := generatePassword()
	if err != nil {
		return fmt.Errorf("generate restricted role password: %w", err)
	}
	b.restrictedRolePassword = password

	connector, err := mysql.NewConnector(b.adminConfig())
	if err != nil {
		return fmt.Errorf("build admin connector: %w", err)
	}
	db := sql.OpenDB(connector)
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect to admin database: %w", err)
	}

	stmt := fmt.Sprintf("CREATE USER IF NOT EXISTS '%s'@'%%' IDENTIFIED BY '%s'", dbpool.RestrictedRoleName, password)
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		b.logger.Warn("mysql.Backend.Init", err, map[string]any{
			"note": "restricted role provisioning failed; assuming it is a deployment prerequisite",
		})
		return nil
	}

	if _, err := db.ExecContext(ctx, fmt.Sprintf("ALTER USER '%s'@'%%' IDENTIFIED BY '%s'", dbpool.RestrictedRoleName, password)); err != nil {
		b.logger.Warn("mysql.Backend.Init", err, nil)
	}

	return nil
}

// BuildPrivilegedPool constructs the long-lived admin pool. MySQL
// connections can USE a different database per connection (unlike
// PostgreSQL's per-connection single-database binding), so this pool is
// reused directly for CreateEntities/CleanDatabase as well as
// CreateDatabase/DropDatabase.
func (b *Backend) BuildPrivilegedPool(ctx context.Context) (dbpool.PrivilegedPool, error) {
	connector, err := mysql.NewConnector(b.adminConfig())
	if err != nil {
		return nil, fmt.Errorf("build admin connector: %w", err)
	}
	db := sql.OpenDB(connector)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping admin pool: %w", err)
	}
	return &privilegedPool{db: db}, nil
}

// CreateDatabase drops any stale database with the derived name (idempotent
// retry-after-failure, per spec §4.1) and creates a fresh one, then grants
// the restricted role access to it.
func (b *Backend) CreateDatabase(ctx context.Context, conn any, id uuid.UUID) (string, error) {
	c := conn.(*sql.Conn)
	name := dbpool.DatabaseName(id)
	quoted := quoteIdent(name)

	if _, err := c.ExecContext(ctx, "DROP DATABASE IF EXISTS "+quoted); err != nil {
		return "", fmt.Errorf("drop stale database: %w", err)
	}
	if _, err := c.ExecContext(ctx, "CREATE DATABASE "+quoted); err != nil {
		return "", fmt.Errorf("create database: %w", err)
	}
	grant := fmt.Sprintf("GRANT SELECT, INSERT, UPDATE, DELETE ON %s.* TO '%s'@'%%'",
		quoted, dbpool.RestrictedRoleName)
	if _, err := c.ExecContext(ctx, grant); err != nil {
		return "", fmt.Errorf("grant restricted privileges: %w", err)
	}
	if _, err := c.ExecContext(ctx, "FLUSH PRIVILEGES"); err != nil {
		return "", fmt.Errorf("flush privileges: %w", err)
	}

	return name, nil
}

// CreateEntities switches the admin connection to the target database and
// runs the user's callback.
func (b *Backend) CreateEntities(ctx context.Context, conn any, name string) error {
	c := conn.(*sql.Conn)
	if _, err := c.ExecContext(ctx, "USE "+quoteIdent(name)); err != nil {
		return fmt.Errorf("use %s: %w", name, err)
	}
	return b.createEntities(ctx, c, name)
}

// BuildRestrictedPool delegates to the configured factory with the
// restricted role's config bound to name.
func (b *Backend) BuildRestrictedPool(ctx context.Context, name string) (any, error) {
	return b.restrictedPoolFactory(ctx, b.restrictedConfigFor(name))
}

// CleanDatabase disables foreign key checks, truncates every base table
// discovered via information_schema (never cached from setup time), then
// re-enables foreign key checks. Views, routines, and triggers survive
// (spec §4.1's MySQL strategy, documented open-question decision).
func (b *Backend) CleanDatabase(ctx context.Context, conn any, name string) error {
	c := conn.(*sql.Conn)

	if _, err := c.ExecContext(ctx, "USE "+quoteIdent(name)); err != nil {
		return fmt.Errorf("use %s: %w", name, err)
	}

	rows, err := c.QueryContext(ctx, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = ? AND table_type = 'BASE TABLE'
	`, name)
	if err != nil {
		return fmt.Errorf("discover tables: %w", err)
	}
	var tables []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			rows.Close()
			return fmt.Errorf("scan table name: %w", err)
		}
		tables = append(tables, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate tables: %w", err)
	}

	if len(tables) == 0 {
		return nil
	}

	if _, err := c.ExecContext(ctx, "SET FOREIGN_KEY_CHECKS = 0"); err != nil {
		return fmt.Errorf("disable foreign key checks: %w", err)
	}
	defer c.ExecContext(ctx, "SET FOREIGN_KEY_CHECKS = 1") //nolint:errcheck

	for _, table := range tables {
		if _, err := c.ExecContext(ctx, "TRUNCATE TABLE "+quoteIdent(table)); err != nil {
			return fmt.Errorf("truncate %s: %w", table, err)
		}
	}

	return nil
}

// DropDatabase unconditionally drops name. MySQL has no equivalent of
// PostgreSQL's ALLOW_CONNECTIONS FALSE / pg_terminate_backend; DROP DATABASE
// itself fails loudly if another session holds a lock, which is surfaced to
// the caller as a TeardownError rather than retried.
func (b *Backend) DropDatabase(ctx context.Context, conn any, name string) error {
	c := conn.(*sql.Conn)
	_, err := c.ExecContext(ctx, "DROP DATABASE IF EXISTS "+quoteIdent(name))
	if err != nil {
		return fmt.Errorf("drop database: %w", err)
	}
	return nil
}

func generatePassword() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// quoteIdent backtick-quotes a MySQL identifier, doubling any embedded
// backtick per MySQL's escaping rule.
func quoteIdent(name string) string {
	escaped := ""
	for _, r := range name {
		if r == '`' {
			escaped += "``"
		} else {
			escaped += string(r)
		}
	}
	return "`" + escaped + "`"
}

// privilegedPool adapts *sql.DB to dbpool.PrivilegedPool, handing out
// *sql.Conn values scoped to this backend's admin connection pool.
type privilegedPool struct {
	db *sql.DB
}

func (p *privilegedPool) Acquire(ctx context.Context) (any, error) {
	return p.db.Conn(ctx)
}

func (p *privilegedPool) Release(conn any) {
	_ = conn.(*sql.Conn).Close()
}

func (p *privilegedPool) Close() {
	_ = p.db.Close()
}
