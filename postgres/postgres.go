// Package postgres provides the dbpool.Backend implementation for
// PostgreSQL, built on github.com/jackc/pgx/v5 and its pgxpool connection
// pool - the same driver stack the teacher package in this lineage used for
// its single-database-per-test predecessor.
//
// Restricted role provisioning policy (spec §9, open question): this
// backend creates dbpool.RestrictedRoleName once per Backend.Init call,
// with a generated per-process password, since the role must be able to
// log in as a normal low-privilege user.
//
// Entity creation runs as the admin role (spec §4.1 requires the choice be
// documented and fixed per backend): the admin role owns the database and
// therefore has unconditional DDL rights on it, whereas the restricted role
// never gets DDL at all.
package postgres

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/bashhack/dbpool"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EntityCreator is the user-supplied entity creation procedure: CREATE
// TABLE and friends, run once per minted database against an admin-role
// connection bound to that database.
type EntityCreator func(ctx context.Context, conn *pgx.Conn, databaseName string) error

// RestrictedPoolFactory builds the connection pool returned to tests via
// Handle.Pool(). The default constructs a *pgxpool.Pool; override it to
// control pool sizing or to hand back a different wrapper type entirely.
type RestrictedPoolFactory func(ctx context.Context, dsn string) (any, error)

// DefaultRestrictedPoolFactory builds a *pgxpool.Pool bound to dsn, pinging
// it before returning so BuildRestrictedPool failures surface immediately
// rather than on first use.
func DefaultRestrictedPoolFactory(ctx context.Context, dsn string) (any, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create restricted pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping restricted pool: %w", err)
	}
	return pool, nil
}

// Backend implements dbpool.Backend for PostgreSQL.
type Backend struct {
	cfg                    dbpool.PrivilegedConfig
	createEntities         EntityCreator
	restrictedPoolFactory  RestrictedPoolFactory
	restrictedRolePassword string
}

// NewBackend constructs a PostgreSQL Backend. restrictedPoolFactory may be
// nil, in which case DefaultRestrictedPoolFactory is used.
func NewBackend(cfg dbpool.PrivilegedConfig, createEntities EntityCreator, restrictedPoolFactory RestrictedPoolFactory) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if createEntities == nil {
		return nil, &dbpool.Error{Op: "postgres.NewBackend", Kind: dbpool.KindConfig, Err: errors.New("createEntities cannot be nil")}
	}
	if restrictedPoolFactory == nil {
		restrictedPoolFactory = DefaultRestrictedPoolFactory
	}

	return &Backend{
		cfg:                   cfg,
		createEntities:        createEntities,
		restrictedPoolFactory: restrictedPoolFactory,
	}, nil
}

// maintenanceDSN is the DSN used for CREATE DATABASE / DROP DATABASE, which
// PostgreSQL requires to run against a database other than the one being
// manipulated.
func (b *Backend) maintenanceDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/postgres?sslmode=disable",
		b.cfg.Username, b.cfg.Password, b.cfg.Host, b.cfg.Port)
}

// adminDSNFor returns the admin-role DSN bound to the given database, used
// for entity creation and cleaning - operations that must run against the
// target database itself, not the maintenance database.
func (b *Backend) adminDSNFor(name string) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		b.cfg.Username, b.cfg.Password, b.cfg.Host, b.cfg.Port, name)
}

// restrictedDSNFor returns the DSN the restricted pool factory connects
// with: the fixed restricted role, its generated password, bound to name.
func (b *Backend) restrictedDSNFor(name string) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		dbpool.RestrictedRoleName, b.restrictedRolePassword, b.cfg.Host, b.cfg.Port, name)
}

// Init creates the restricted role if it does not already exist, with a
// freshly generated password distinct from the admin credentials.
func (b *Backend) Init(ctx context.Context) error {
	password, err := generatePassword()
	if err != nil {
		return fmt.Errorf("generate restricted role password: %w", err)
	}
	b.restrictedRolePassword = password

	conn, err := pgx.Connect(ctx, b.maintenanceDSN())
	if err != nil {
		return fmt.Errorf("connect to admin database: %w", err)
	}
	defer conn.Close(ctx)

	var exists bool
	if err := conn.QueryRow(ctx, "SELECT EXISTS (SELECT FROM pg_roles WHERE rolname = $1)",
		dbpool.RestrictedRoleName).Scan(&exists); err != nil {
		return fmt.Errorf("check restricted role: %w", err)
	}

	if exists {
		_, err = conn.Exec(ctx, fmt.Sprintf("ALTER ROLE %s LOGIN PASSWORD %s",
			pgx.Identifier{dbpool.RestrictedRoleName}.Sanitize(), quoteLiteral(password)))
	} else {
		_, err = conn.Exec(ctx, fmt.Sprintf("CREATE ROLE %s LOGIN PASSWORD %s",
			pgx.Identifier{dbpool.RestrictedRoleName}.Sanitize(), quoteLiteral(password)))
	}
	if err != nil {
		return fmt.Errorf("provision restricted role: %w", err)
	}

	return nil
}

// BuildPrivilegedPool constructs the long-lived admin pool against the
// maintenance database, used for every CreateDatabase/DropDatabase call.
func (b *Backend) BuildPrivilegedPool(ctx context.Context) (dbpool.PrivilegedPool, error) {
	pool, err := pgxpool.New(ctx, b.maintenanceDSN())
	if err != nil {
		return nil, fmt.Errorf("build privileged pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping privileged pool: %w", err)
	}
	return &privilegedPool{pool: pool}, nil
}

// CreateDatabase drops any stale database with the derived name (idempotent
// retry-after-failure, per spec §4.1) and creates a fresh one.
func (b *Backend) CreateDatabase(ctx context.Context, conn any, id uuid.UUID) (string, error) {
	pc := conn.(*pgxpool.Conn)
	name := dbpool.DatabaseName(id)
	quoted := pgx.Identifier{name}.Sanitize()

	if err := terminateConnections(ctx, pc, name); err != nil {
		return "", fmt.Errorf("terminate stale connections: %w", err)
	}
	if err := dropDatabaseWithRetry(ctx, pc, quoted); err != nil {
		return "", fmt.Errorf("drop stale database: %w", err)
	}

	if _, err := pc.Exec(ctx, fmt.Sprintf("CREATE DATABASE %s", quoted)); err != nil {
		return "", fmt.Errorf("create database: %w", err)
	}

	if _, err := pc.Exec(ctx, fmt.Sprintf("GRANT CONNECT ON DATABASE %s TO %s",
		quoted, pgx.Identifier{dbpool.RestrictedRoleName}.Sanitize())); err != nil {
		return "", fmt.Errorf("grant connect: %w", err)
	}

	return name, nil
}

// CreateEntities opens a direct admin-role connection to the target
// database (the maintenance-bound conn the core holds cannot run DDL
// against a different database) and runs the user's callback, followed by
// the schema-level grants the restricted role needs for DML.
func (b *Backend) CreateEntities(ctx context.Context, _ any, name string) error {
	conn, err := pgx.Connect(ctx, b.adminDSNFor(name))
	if err != nil {
		return fmt.Errorf("connect to %s: %w", name, err)
	}
	defer conn.Close(ctx)

	if err := b.createEntities(ctx, conn, name); err != nil {
		return err
	}

	grants := []string{
		fmt.Sprintf("GRANT USAGE ON SCHEMA public TO %s", pgx.Identifier{dbpool.RestrictedRoleName}.Sanitize()),
		fmt.Sprintf("GRANT SELECT, INSERT, UPDATE, DELETE ON ALL TABLES IN SCHEMA public TO %s",
			pgx.Identifier{dbpool.RestrictedRoleName}.Sanitize()),
		fmt.Sprintf("GRANT USAGE, SELECT ON ALL SEQUENCES IN SCHEMA public TO %s",
			pgx.Identifier{dbpool.RestrictedRoleName}.Sanitize()),
	}
	for _, stmt := range grants {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("grant restricted privileges: %w", err)
		}
	}

	return nil
}

// BuildRestrictedPool delegates to the configured factory with the
// restricted role's DSN.
func (b *Backend) BuildRestrictedPool(ctx context.Context, name string) (any, error) {
	return b.restrictedPoolFactory(ctx, b.restrictedDSNFor(name))
}

// CleanDatabase truncates every base table discovered in the public schema
// via information_schema (never cached from setup time, per spec), and
// restarts identity sequences. Views, routines, and sequences not owned by
// a table survive, per the documented open-question decision in
// SPEC_FULL.md §9.
func (b *Backend) CleanDatabase(ctx context.Context, _ any, name string) error {
	conn, err := pgx.Connect(ctx, b.adminDSNFor(name))
	if err != nil {
		return fmt.Errorf("connect to %s: %w", name, err)
	}
	defer conn.Close(ctx)

	rows, err := conn.Query(ctx, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = 'public' AND table_type = 'BASE TABLE'
	`)
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
		tables = append(tables, pgx.Identifier{t}.Sanitize())
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate tables: %w", err)
	}

	if len(tables) == 0 {
		return nil
	}

	stmt := fmt.Sprintf("TRUNCATE %s RESTART IDENTITY CASCADE", joinIdentifiers(tables))
	if _, err := conn.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("truncate: %w", err)
	}
	return nil
}

// DropDatabase terminates any remaining connections and drops name,
// retrying on SQLSTATE 55006 ("database is being accessed by other users")
// to absorb the race between termination and the server fully closing
// those connections.
func (b *Backend) DropDatabase(ctx context.Context, conn any, name string) error {
	pc := conn.(*pgxpool.Conn)
	quoted := pgx.Identifier{name}.Sanitize()

	if err := terminateConnections(ctx, pc, name); err != nil {
		return fmt.Errorf("terminate connections: %w", err)
	}
	return dropDatabaseWithRetry(ctx, pc, quoted)
}

func terminateConnections(ctx context.Context, conn *pgxpool.Conn, name string) error {
	quoted := pgx.Identifier{name}.Sanitize()

	if _, err := conn.Exec(ctx, fmt.Sprintf("ALTER DATABASE %s ALLOW_CONNECTIONS FALSE", quoted)); err != nil {
		// Database may not exist yet on the create path; that's fine.
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) || pgErr.Code != "3D000" {
			return err
		}
		return nil
	}

	_, err := conn.Exec(ctx, `
		SELECT pg_terminate_backend(pg_stat_activity.pid)
		FROM pg_stat_activity
		WHERE pg_stat_activity.datname = $1 AND pid <> pg_backend_pid()
	`, name)
	return err
}

func dropDatabaseWithRetry(ctx context.Context, conn *pgxpool.Conn, quotedName string) error {
	var lastErr error
	for attempt := range 3 {
		_, err := conn.Exec(ctx, fmt.Sprintf("DROP DATABASE IF EXISTS %s", quotedName))
		if err == nil {
			return nil
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "55006" {
			lastErr = err
			if attempt < 2 {
				time.Sleep(time.Duration(10*(1<<(attempt*2))) * time.Millisecond)
				continue
			}
			continue
		}
		return fmt.Errorf("drop database: %w", err)
	}
	return fmt.Errorf("drop database after retries: %w", lastErr)
}

func generatePassword() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func quoteLiteral(s string) string {
	return "'" + s + "'"
}

func joinIdentifiers(ids []string) string {
	out := ids[0]
	for _, id := range ids[1:] {
		out += ", " + id
	}
	return out
}

// privilegedPool adapts *pgxpool.Pool to dbpool.PrivilegedPool.
type privilegedPool struct {
	pool *pgxpool.Pool
}

func (p *privilegedPool) Acquire(ctx context.Context) (any, error) {
	return p.pool.Acquire(ctx)
}

func (p *privilegedPool) Release(conn any) {
	conn.(*pgxpool.Conn).Release()
}

func (p *privilegedPool) Close() {
	p.pool.Close()
}
