package mysql

import (
	"context"
	"database/sql"
	"testing"

	"github.com/bashhack/dbpool"
	"github.com/stretchr/testify/require"
)

func validConfig() dbpool.PrivilegedConfig {
	return dbpool.PrivilegedConfig{
		Username: "root",
		Password: "root",
		Host:     "localhost",
		Port:     3306,
		Kind:     dbpool.KindMySQL,
	}
}

func noopCreateEntities(ctx context.Context, conn *sql.Conn, databaseName string) error {
	return nil
}

func TestNewBackendRejectsInvalidConfig(t *testing.T) {
	_, err := NewBackend(dbpool.PrivilegedConfig{}, noopCreateEntities, nil)
	require.Error(t, err)
}

func TestNewBackendRejectsNilEntityCreator(t *testing.T) {
	_, err := NewBackend(validConfig(), nil, nil)
	require.Error(t, err)

	var dbErr *dbpool.Error
	require.ErrorAs(t, err, &dbErr)
	require.Equal(t, dbpool.KindConfig, dbErr.Kind)
}

func TestNewBackendDefaultsRestrictedPoolFactory(t *testing.T) {
	b, err := NewBackend(validConfig(), noopCreateEntities, nil)
	require.NoError(t, err)
	require.NotNil(t, b.restrictedPoolFactory)
	require.NotNil(t, b.logger)
}

func TestAdminAndRestrictedConfig(t *testing.T) {
	b, err := NewBackend(validConfig(), noopCreateEntities, nil)
	require.NoError(t, err)
	b.restrictedRolePassword = "generated-pw"

	admin := b.adminConfig()
	require.Equal(t, "root", admin.User)
	require.Equal(t, "localhost:3306", admin.Addr)
	require.True(t, admin.MultiStatements)

	restricted := b.restrictedConfigFor("db_pool_abc")
	require.Equal(t, dbpool.RestrictedRoleName, restricted.User)
	require.Equal(t, "generated-pw", restricted.Passwd)
	require.Equal(t, "db_pool_abc", restricted.DBName)
}

func TestQuoteIdent(t *testing.T) {
	require.Equal(t, "`db_pool_abc`", quoteIdent("db_pool_abc"))
	require.Equal(t, "`weird``name`", quoteIdent("weird`name"))
}

func TestGeneratePasswordIsRandomAndHex(t *testing.T) {
	p1, err := generatePassword()
	require.NoError(t, err)
	p2, err := generatePassword()
	require.NoError(t, err)

	require.Len(t, p1, 32)
	require.NotEqual(t, p1, p2)
}
