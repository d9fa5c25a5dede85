package sqldb

import (
	"context"
	"errors"
	"testing"

	"github.com/go-sql-driver/mysql"
	sf "github.com/snowflakedb/gosnowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/leasepool/pkg/backend/registry"
	"github.com/ajitpratap0/leasepool/pkg/config"
	"github.com/ajitpratap0/leasepool/pkg/poolerrors"
)

type recorder struct {
	stmts   []string
	live    map[string]bool
	failOn  string
	queries []string
}

func fakeHook(t *testing.T, d *Dialect, dsn string) (*Hook, *recorder) {
	rec := &recorder{live: map[string]bool{}}
	h := newHook(d, Settings{DSN: dsn, Prefix: "lease"}, zaptest.NewLogger(t))
	h.exec = func(_ context.Context, q string) error {
		if rec.failOn != "" && q == rec.failOn {
			return errors.New("permission denied")
		}
		rec.stmts = append(rec.stmts, q)
		return nil
	}
	h.count = func(_ context.Context, q, arg string) (int, error) {
		rec.queries = append(rec.queries, q)
		if rec.live[arg] {
			return 1, nil
		}
		return 0, nil
	}
	return h, rec
}

func TestMySQL_Lifecycle(t *testing.T) {
	h, rec := fakeHook(t, MySQL, "ci:secret@tcp(db.internal:3306)/admin?parseTime=true")
	ctx := context.Background()

	e, err := h.CreateResource(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, "lease_3", e.ID)
	assert.Equal(t, []string{"DROP DATABASE IF EXISTS `lease_3`", "CREATE DATABASE `lease_3`"}, rec.stmts)

	assert.False(t, h.ValidateResource(ctx, e))
	rec.live["lease_3"] = true
	assert.True(t, h.ValidateResource(ctx, e))

	info, err := h.ConnectionInfo(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, "db.internal", info["host"])
	assert.Equal(t, "3306", info["port"])
	assert.Equal(t, "ci", info["user"])
	scoped, err := mysql.ParseDSN(info["dsn"].(string))
	require.NoError(t, err)
	assert.Equal(t, "lease_3", scoped.DBName)
	assert.True(t, scoped.ParseTime)

	rec.stmts = nil
	require.NoError(t, h.StopResource(ctx, e))
	assert.Equal(t, []string{"DROP DATABASE IF EXISTS `lease_3`"}, rec.stmts)
	assert.NoError(t, h.Close())
}

func TestSnowflake_Lifecycle(t *testing.T) {
	h, rec := fakeHook(t, Snowflake, "ci:secret@acme-xy12345/ANALYTICS/PUBLIC?warehouse=CI_WH&role=CI")
	ctx := context.Background()

	e, err := h.CreateResource(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "LEASE_0", e.ID)
	assert.Equal(t, []string{`CREATE OR REPLACE SCHEMA "LEASE_0"`}, rec.stmts)

	rec.live["LEASE_0"] = true
	assert.True(t, h.ValidateResource(ctx, e))

	info, err := h.ConnectionInfo(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, "ANALYTICS", info["database"])
	assert.Equal(t, "LEASE_0", info["schema"])
	assert.Equal(t, "CI_WH", info["warehouse"])
	scoped, err := sf.ParseDSN(info["dsn"].(string))
	require.NoError(t, err)
	assert.Equal(t, "LEASE_0", scoped.Schema)

	rec.stmts = nil
	require.NoError(t, h.ResetResource(ctx, e))
	require.NoError(t, h.StopResource(ctx, e))
	assert.Equal(t, []string{
		`CREATE OR REPLACE SCHEMA "LEASE_0"`,
		`DROP SCHEMA IF EXISTS "LEASE_0" CASCADE`,
	}, rec.stmts)
}

func TestCreateFailure(t *testing.T) {
	h, rec := fakeHook(t, MySQL, "root@tcp(localhost:3306)/")
	rec.failOn = "CREATE DATABASE `lease_0`"

	_, err := h.CreateResource(context.Background(), 0)
	require.Error(t, err)
	assert.True(t, poolerrors.IsType(err, poolerrors.ErrorTypeCreation))
}

func TestRegisteredDialects(t *testing.T) {
	for _, name := range []string{"mysql", "snowflake"} {
		_, ok := registry.Describe(name)
		assert.True(t, ok, name)
	}
}

func TestFactory_RejectsBadSettings(t *testing.T) {
	log := zaptest.NewLogger(t)
	_, err := registry.Create(config.BackendConfig{Type: "mysql", Settings: map[string]string{}}, log)
	assert.True(t, poolerrors.IsType(err, poolerrors.ErrorTypeConfig))

	_, err = registry.Create(config.BackendConfig{Type: "mysql", Settings: map[string]string{
		"dsn": "not a dsn",
	}}, log)
	assert.True(t, poolerrors.IsType(err, poolerrors.ErrorTypeConfig))
}
