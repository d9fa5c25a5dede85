// Package sqldb leases scratch namespaces on database/sql servers: databases
// on MySQL and schemas on Snowflake. A Dialect supplies the statements and the
// DSN rewriting; the hook runs them against one admin *sql.DB.
package sqldb

import (
	"context"
	"database/sql"

	"go.uber.org/zap"

	"github.com/ajitpratap0/leasepool/pkg/backend"
	"github.com/ajitpratap0/leasepool/pkg/backend/registry"
	"github.com/ajitpratap0/leasepool/pkg/config"
	"github.com/ajitpratap0/leasepool/pkg/poolerrors"
	"github.com/ajitpratap0/leasepool/pkg/resource"
)

// Dialect describes how one server flavour manages scratch namespaces.
type Dialect struct {
	Name        string
	Driver      string
	Description string
	// Ident turns a scratch name into the name the server stores
	Ident func(name string) string
	Quote func(ident string) string
	// ExistsQuery counts namespaces named by its single argument
	ExistsQuery string
	Create      func(quoted string) []string
	Reset       func(quoted string) []string
	Drop        func(quoted string) string
	// Info describes the namespace, including a DSN scoped to it
	Info func(adminDSN, ident string) (resource.ConnectionInfo, error)
}

func init() {
	for _, d := range []*Dialect{MySQL, Snowflake} {
		registry.MustRegister(registry.Info{
			Name:        d.Name,
			Description: d.Description,
			Settings:    []string{"dsn", "prefix"},
		}, factory(d))
	}
}

// Settings configures a sqldb backend.
type Settings struct {
	DSN    string `mapstructure:"dsn"`
	Prefix string `mapstructure:"prefix"`
}

// Hook implements resource.Hook for one dialect.
type Hook struct {
	dialect  *Dialect
	settings Settings
	db       *sql.DB
	exec     func(ctx context.Context, query string) error
	count    func(ctx context.Context, query, arg string) (int, error)
	logger   *zap.Logger
}

func factory(d *Dialect) registry.Factory {
	return func(cfg config.BackendConfig, log *zap.Logger) (resource.Hook, error) {
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
		// validates the DSN before any connection is attempted
		if _, err := d.Info(s.DSN, d.Ident(s.Prefix)); err != nil {
			return nil, poolerrors.Wrap(err, poolerrors.ErrorTypeConfig, "invalid dsn")
		}

		db, err := sql.Open(d.Driver, s.DSN)
		if err != nil {
			return nil, poolerrors.Wrap(err, poolerrors.ErrorTypeConnection, "failed to open database")
		}
		h := newHook(d, s, log)
		h.db = db
		h.exec = func(ctx context.Context, query string) error {
			_, err := db.ExecContext(ctx, query)
			return err
		}
		h.count = func(ctx context.Context, query, arg string) (int, error) {
			var n int
			err := db.QueryRowContext(ctx, query, arg).Scan(&n)
			return n, err
		}
		return h, nil
	}
}

func newHook(d *Dialect, s Settings, log *zap.Logger) *Hook {
	return &Hook{
		dialect:  d,
		settings: s,
		logger:   log.With(zap.String("dialect", d.Name)),
	}
}

func (h *Hook) run(ctx context.Context, stmts ...string) error {
	for _, stmt := range stmts {
		h.logger.Debug("exec", zap.String("sql", stmt))
		if err := h.exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// CreateResource creates a fresh namespace for slot index.
func (h *Hook) CreateResource(ctx context.Context, index int) (*resource.Entry, error) {
	ident := h.dialect.Ident(backend.ScratchName(h.settings.Prefix, index))
	if err := h.run(ctx, h.dialect.Create(h.dialect.Quote(ident))...); err != nil {
		return nil, poolerrors.Wrap(err, poolerrors.ErrorTypeCreation, "create failed").
			WithDetail("namespace", ident)
	}
	return resource.NewEntry(ident, map[string]string{"namespace": ident}), nil
}

// ValidateResource checks the namespace still exists.
func (h *Hook) ValidateResource(ctx context.Context, entry *resource.Entry) bool {
	n, err := h.count(ctx, h.dialect.ExistsQuery, entry.Config["namespace"])
	if err != nil {
		h.logger.Debug("existence check failed", zap.String("resource_id", entry.ID), zap.Error(err))
		return false
	}
	return n > 0
}

// ConnectionInfo delegates to the dialect.
func (h *Hook) ConnectionInfo(_ context.Context, entry *resource.Entry) (resource.ConnectionInfo, error) {
	return h.dialect.Info(h.settings.DSN, entry.Config["namespace"])
}

// ResetResource empties the namespace.
func (h *Hook) ResetResource(ctx context.Context, entry *resource.Entry) error {
	return h.run(ctx, h.dialect.Reset(h.dialect.Quote(entry.Config["namespace"]))...)
}

// StopResource drops the namespace.
func (h *Hook) StopResource(ctx context.Context, entry *resource.Entry) error {
	return h.run(ctx, h.dialect.Drop(h.dialect.Quote(entry.Config["namespace"])))
}

// Close closes the admin connection pool.
func (h *Hook) Close() error {
	if h.db == nil {
		return nil
	}
	return h.db.Close()
}
