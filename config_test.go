package dbpool

import (
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestKindDefaultPort(t *testing.T) {
	require.Equal(t, uint16(5432), KindPostgres.DefaultPort())
	require.Equal(t, uint16(3306), KindMySQL.DefaultPort())
	require.Equal(t, uint16(0), Kind("oracle").DefaultPort())
}

func TestPrivilegedConfigValidate(t *testing.T) {
	cfg := PrivilegedConfig{Username: "admin", Port: 5432}
	require.NoError(t, cfg.Validate())

	missingUser := PrivilegedConfig{Port: 5432}
	err := missingUser.Validate()
	require.Error(t, err)
	require.ErrorIs(t, err, ErrMissingUsername)

	missingPort := PrivilegedConfig{Username: "admin"}
	err = missingPort.Validate()
	require.Error(t, err)
	require.ErrorIs(t, err, ErrInvalidPort)
}

func TestPrivilegedConfigWithDefaults(t *testing.T) {
	cfg := PrivilegedConfig{Username: "admin", Kind: KindPostgres}.withDefaults()
	require.Equal(t, "localhost", cfg.Host)
	require.Equal(t, uint16(5432), cfg.Port)

	cfg = PrivilegedConfig{Username: "admin", Kind: KindMySQL, Host: "db.internal", Port: 13306}.withDefaults()
	require.Equal(t, "db.internal", cfg.Host)
	require.Equal(t, uint16(13306), cfg.Port)
}

func TestLoadPrivilegedConfigFromEnv(t *testing.T) {
	for _, key := range []string{"POSTGRES_USERNAME", "POSTGRES_PASSWORD", "POSTGRES_HOST", "POSTGRES_PORT"} {
		orig, had := os.LookupEnv(key)
		t.Cleanup(func() {
			if had {
				_ = os.Setenv(key, orig)
			} else {
				_ = os.Unsetenv(key)
			}
		})
	}

	_ = os.Setenv("POSTGRES_USERNAME", "app_admin")
	_ = os.Setenv("POSTGRES_PASSWORD", "secret")
	_ = os.Setenv("POSTGRES_HOST", "pg.internal")
	_ = os.Setenv("POSTGRES_PORT", "6543")

	cfg, err := LoadPrivilegedConfigFromEnv(KindPostgres)
	require.NoError(t, err)
	require.Equal(t, "app_admin", cfg.Username)
	require.Equal(t, "secret", cfg.Password)
	require.Equal(t, "pg.internal", cfg.Host)
	require.Equal(t, uint16(6543), cfg.Port)
}

func TestLoadPrivilegedConfigFromEnvDefaults(t *testing.T) {
	for _, key := range []string{"MYSQL_USERNAME", "MYSQL_PASSWORD", "MYSQL_HOST", "MYSQL_PORT"} {
		orig, had := os.LookupEnv(key)
		t.Cleanup(func() {
			if had {
				_ = os.Setenv(key, orig)
			} else {
				_ = os.Unsetenv(key)
			}
		})
		_ = os.Unsetenv(key)
	}
	_ = os.Setenv("MYSQL_USERNAME", "root")

	cfg, err := LoadPrivilegedConfigFromEnv(KindMySQL)
	require.NoError(t, err)
	require.Equal(t, "localhost", cfg.Host)
	require.Equal(t, uint16(3306), cfg.Port)
}

func TestLoadPrivilegedConfigFromEnvInvalidPort(t *testing.T) {
	_ = os.Setenv("MYSQL_PORT", "not-a-number")
	t.Cleanup(func() { _ = os.Unsetenv("MYSQL_PORT") })

	_, err := LoadPrivilegedConfigFromEnv(KindMySQL)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrInvalidPort)
}

func TestLoadPrivilegedConfigFromEnvUnsupportedKind(t *testing.T) {
	_, err := LoadPrivilegedConfigFromEnv(Kind("oracle"))
	require.Error(t, err)
}

func TestDatabaseNameDerivation(t *testing.T) {
	id := uuid.MustParse("01234567-89ab-cdef-0123-456789abcdef")
	name := DatabaseName(id)
	require.Equal(t, "db_pool_0123456789abcdef0123456789abcdef", name)

	// same id must always derive the same name
	require.Equal(t, name, DatabaseName(id))
}
