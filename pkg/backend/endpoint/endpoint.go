// Package endpoint leases pre-provisioned network services (build hosts,
// device farms, licensed servers) listed in configuration. Slot i is the i-th
// endpoint; a slot is usable when a TCP connection to it succeeds.
package endpoint

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/leasepool/pkg/backend"
	"github.com/ajitpratap0/leasepool/pkg/backend/registry"
	"github.com/ajitpratap0/leasepool/pkg/config"
	"github.com/ajitpratap0/leasepool/pkg/resource"
)

// Name is the backend type.
const Name = "endpoint"

func init() {
	registry.MustRegister(registry.Info{
		Name:        Name,
		Description: "pre-provisioned host:port endpoints checked by TCP dial",
		Settings:    []string{"endpoints", "dial_timeout", "prefix"},
	}, New)
}

// Settings configures the endpoint backend.
type Settings struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Prefix      string        `mapstructure:"prefix"`
}

type dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Hook implements resource.Hook for static endpoints.
type Hook struct {
	settings Settings
	dialer   dialer
	logger   *zap.Logger
}

// New builds the hook from backend settings.
func New(cfg config.BackendConfig, log *zap.Logger) (resource.Hook, error) {
	s := Settings{DialTimeout: 2 * time.Second, Prefix: Name}
	if err := config.DecodeSettings(cfg.Settings, &s); err != nil {
		return nil, err
	}
	if len(s.Endpoints) == 0 {
		return nil, backend.Require("endpoints", "")
	}
	return &Hook{
		settings: s,
		dialer:   &net.Dialer{Timeout: s.DialTimeout},
		logger:   log,
	}, nil
}

// CreateResource binds slot index to its configured endpoint.
func (h *Hook) CreateResource(ctx context.Context, index int) (*resource.Entry, error) {
	id := resource.SlotID(h.settings.Prefix, index)
	if index >= len(h.settings.Endpoints) {
		return backend.Failed(id, nil, "no endpoint configured for this slot"), nil
	}

	address := h.settings.Endpoints[index]
	cfg := map[string]string{"address": address}
	if err := h.probe(ctx, address); err != nil {
		h.logger.Warn("endpoint unreachable", zap.String("address", address), zap.Error(err))
		return backend.Failed(id, cfg, "unreachable: "+err.Error()), nil
	}
	return resource.NewEntry(id, cfg), nil
}

// ValidateResource re-dials the endpoint.
func (h *Hook) ValidateResource(ctx context.Context, entry *resource.Entry) bool {
	if err := h.probe(ctx, entry.Config["address"]); err != nil {
		h.logger.Debug("endpoint validation failed",
			zap.String("resource_id", entry.ID),
			zap.Error(err))
		return false
	}
	return true
}

// ConnectionInfo returns the address split into host and port.
func (h *Hook) ConnectionInfo(_ context.Context, entry *resource.Entry) (resource.ConnectionInfo, error) {
	address := entry.Config["address"]
	info := resource.ConnectionInfo{"address": address}
	if host, port, err := net.SplitHostPort(address); err == nil {
		info["host"] = host
		info["port"] = port
	}
	return info, nil
}

// ResetResource is a no-op; endpoints are not owned by the pool.
func (h *Hook) ResetResource(context.Context, *resource.Entry) error { return nil }

// StopResource is a no-op; endpoints outlive the pool.
func (h *Hook) StopResource(context.Context, *resource.Entry) error { return nil }

func (h *Hook) probe(ctx context.Context, address string) error {
	ctx, cancel := context.WithTimeout(ctx, h.settings.DialTimeout)
	defer cancel()
	conn, err := h.dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return err
	}
	return conn.Close()
}
