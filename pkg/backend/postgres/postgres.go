// Package postgres leases scratch databases on a PostgreSQL server. Slot i is
// the database {prefix}_{i}; reset drops and recreates its public schema and
// stop drops the database, terminating any sessions still attached.
package postgres

import (
	"context"
	"net"
	"net/url"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ajitpratap0/leasepool/pkg/backend"
	"github.com/ajitpratap0/leasepool/pkg/backend/registry"
	"github.com/ajitpratap0/leasepool/pkg/config"
	"github.com/ajitpratap0/leasepool/pkg/poolerrors"
	"github.com/ajitpratap0/leasepool/pkg/resource"
)

// Name is the backend type.
const Name = "postgres"

func init() {
	registry.MustRegister(registry.Info{
		Name:        Name,
		Description: "scratch PostgreSQL databases created from an admin connection",
		Settings:    []string{"dsn", "prefix", "template", "owner", "sslmode"},
	}, New)
}

// Settings configures the postgres backend.
type Settings struct {
	// DSN of a role allowed to create databases
	DSN      string `mapstructure:"dsn"`
	Prefix   string `mapstructure:"prefix"`
	Template string `mapstructure:"template"`
	Owner    string `mapstructure:"owner"`
	// SSLMode is copied into the DSN handed to lessees
	SSLMode string `mapstructure:"sslmode"`
}

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

type scratchConn interface {
	execer
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Hook implements resource.Hook for scratch databases.
type Hook struct {
	settings Settings
	base     *pgx.ConnConfig
	admin    execer
	closer   func()
	connect  func(ctx context.Context, database string) (scratchConn, error)
	logger   *zap.Logger
}

// New builds the hook. The admin pool connects lazily.
func New(cfg config.BackendConfig, log *zap.Logger) (resource.Hook, error) {
	s := Settings{Prefix: "lease"}
	if err := config.DecodeSettings(cfg.Settings, &s); err != nil {
		return nil, err
	}
	if err := backend.Require("dsn", s.DSN); err != nil {
		return nil, err
	}
	if err := backend.ValidatePrefix("prefix", s.Prefix); err != nil {
		return nil, err
	}

	base, err := pgx.ParseConfig(s.DSN)
	if err != nil {
		return nil, poolerrors.Wrap(err, poolerrors.ErrorTypeConfig, "invalid dsn")
	}
	admin, err := pgxpool.New(context.Background(), s.DSN)
	if err != nil {
		return nil, poolerrors.Wrap(err, poolerrors.ErrorTypeConnection, "failed to create admin pool")
	}

	h := &Hook{
		settings: s,
		base:     base,
		admin:    admin,
		closer:   admin.Close,
		logger:   log,
	}
	h.connect = func(ctx context.Context, database string) (scratchConn, error) {
		cc := h.base.Copy()
		cc.Database = database
		return pgx.ConnectConfig(ctx, cc)
	}
	return h, nil
}

func quote(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// CreateResource (re)creates the slot's database.
func (h *Hook) CreateResource(ctx context.Context, index int) (*resource.Entry, error) {
	name := backend.ScratchName(h.settings.Prefix, index)
	if err := h.dropDatabase(ctx, name); err != nil {
		return nil, err
	}

	stmt := "CREATE DATABASE " + quote(name)
	if h.settings.Template != "" {
		stmt += " TEMPLATE " + quote(h.settings.Template)
	}
	if h.settings.Owner != "" {
		stmt += " OWNER " + quote(h.settings.Owner)
	}
	if _, err := h.admin.Exec(ctx, stmt); err != nil {
		return nil, poolerrors.Wrap(err, poolerrors.ErrorTypeCreation, "create database failed").
			WithDetail("database", name)
	}

	h.logger.Debug("scratch database created", zap.String("database", name))
	return resource.NewEntry(name, map[string]string{"database": name}), nil
}

// ValidateResource connects to the database and pings it.
func (h *Hook) ValidateResource(ctx context.Context, entry *resource.Entry) bool {
	conn, err := h.connect(ctx, entry.Config["database"])
	if err != nil {
		h.logger.Debug("scratch database unreachable", zap.String("resource_id", entry.ID), zap.Error(err))
		return false
	}
	defer conn.Close(ctx)
	return conn.Ping(ctx) == nil
}

// ConnectionInfo returns the connection parameters and a DSN for the database.
func (h *Hook) ConnectionInfo(_ context.Context, entry *resource.Entry) (resource.ConnectionInfo, error) {
	database := entry.Config["database"]
	port := strconv.Itoa(int(h.base.Port))

	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(h.base.Host, port),
		Path:   "/" + database,
	}
	if h.base.Password != "" {
		u.User = url.UserPassword(h.base.User, h.base.Password)
	} else {
		u.User = url.User(h.base.User)
	}
	if h.settings.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {h.settings.SSLMode}}.Encode()
	}

	return resource.ConnectionInfo{
		"host":     h.base.Host,
		"port":     port,
		"user":     h.base.User,
		"database": database,
		"dsn":      u.String(),
	}, nil
}

// ResetResource drops and recreates the public schema.
func (h *Hook) ResetResource(ctx context.Context, entry *resource.Entry) error {
	conn, err := h.connect(ctx, entry.Config["database"])
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	for _, stmt := range []string{
		"DROP SCHEMA IF EXISTS public CASCADE",
		"CREATE SCHEMA public",
	} {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// StopResource drops the database.
func (h *Hook) StopResource(ctx context.Context, entry *resource.Entry) error {
	return h.dropDatabase(ctx, entry.Config["database"])
}

func (h *Hook) dropDatabase(ctx context.Context, name string) error {
	if _, err := h.admin.Exec(ctx, "DROP DATABASE IF EXISTS "+quote(name)+" WITH (FORCE)"); err != nil {
		return poolerrors.Wrap(err, poolerrors.ErrorTypeBackend, "drop database failed").
			WithDetail("database", name)
	}
	return nil
}

// Close closes the admin pool.
func (h *Hook) Close() error {
	if h.closer != nil {
		h.closer()
	}
	return nil
}
