// Package httpvm leases virtual machines from a REST control plane:
//
//	POST   {base_url}/vms              create a VM for a slot
//	GET    {base_url}/vms/{id}/health  200 when the VM is usable
//	POST   {base_url}/vms/{id}/reset   restore the VM to its image
//	DELETE {base_url}/vms/{id}         destroy the VM
//
// Requests go through the shared HTTP client, so they are rate limited and
// guarded by a circuit breaker. When token_url is set, requests carry an
// OAuth2 client-credentials bearer token.
package httpvm

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/ajitpratap0/leasepool/pkg/backend"
	"github.com/ajitpratap0/leasepool/pkg/backend/registry"
	"github.com/ajitpratap0/leasepool/pkg/clients"
	"github.com/ajitpratap0/leasepool/pkg/config"
	"github.com/ajitpratap0/leasepool/pkg/poolerrors"
	"github.com/ajitpratap0/leasepool/pkg/resource"
)

// Name is the backend type.
const Name = "httpvm"

// VM states reported by the control plane.
const (
	StateRunning = "running"
	StateFailed  = "failed"
)

func init() {
	registry.MustRegister(registry.Info{
		Name:        Name,
		Description: "virtual machines managed through a REST control plane",
		Settings: []string{"base_url", "image", "size", "request_timeout", "rate_limit",
			"enable_http2", "insecure_skip_verify", "token_url", "client_id", "client_secret", "scopes"},
	}, New)
}

// Settings configures the httpvm backend.
type Settings struct {
	BaseURL            string        `mapstructure:"base_url"`
	Image              string        `mapstructure:"image"`
	Size               string        `mapstructure:"size"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	RateLimit          float64       `mapstructure:"rate_limit"`
	EnableHTTP2        bool          `mapstructure:"enable_http2"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
	TokenURL           string        `mapstructure:"token_url"`
	ClientID           string        `mapstructure:"client_id"`
	ClientSecret       string        `mapstructure:"client_secret"`
	Scopes             []string      `mapstructure:"scopes"`
}

// CreateRequest is the body of POST /vms.
type CreateRequest struct {
	Slot  int    `json:"slot"`
	Image string `json:"image,omitempty"`
	Size  string `json:"size,omitempty"`
}

// VM is the control plane's view of a machine.
type VM struct {
	ID       string            `json:"id"`
	Address  string            `json:"address"`
	State    string            `json:"state"`
	Message  string            `json:"message,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Hook implements resource.Hook against the control plane.
type Hook struct {
	settings Settings
	baseURL  string
	client   *clients.HTTPClient
	logger   *zap.Logger
}

// New builds the hook from backend settings.
func New(cfg config.BackendConfig, log *zap.Logger) (resource.Hook, error) {
	s := Settings{RequestTimeout: 60 * time.Second}
	if err := config.DecodeSettings(cfg.Settings, &s); err != nil {
		return nil, err
	}
	if err := backend.Require("base_url", s.BaseURL); err != nil {
		return nil, err
	}
	if _, err := url.Parse(s.BaseURL); err != nil {
		return nil, poolerrors.Wrap(err, poolerrors.ErrorTypeConfig, "invalid base_url")
	}

	httpCfg := clients.DefaultHTTPConfig()
	httpCfg.RequestTimeout = s.RequestTimeout
	httpCfg.RateLimit = s.RateLimit
	httpCfg.EnableHTTP2 = s.EnableHTTP2
	httpCfg.InsecureSkipVerify = s.InsecureSkipVerify

	var opts []clients.HTTPOption
	if s.TokenURL != "" {
		cc := &clientcredentials.Config{
			ClientID:     s.ClientID,
			ClientSecret: s.ClientSecret,
			TokenURL:     s.TokenURL,
			Scopes:       s.Scopes,
		}
		opts = append(opts, clients.WithTokenSource(cc.TokenSource(context.Background())))
	}

	return &Hook{
		settings: s,
		baseURL:  strings.TrimRight(s.BaseURL, "/"),
		client:   clients.NewHTTPClient(httpCfg, log, opts...),
		logger:   log,
	}, nil
}

func (h *Hook) vmURL(id string, parts ...string) string {
	u := h.baseURL + "/vms/" + url.PathEscape(id)
	for _, p := range parts {
		u += "/" + p
	}
	return u
}

// CreateResource asks the control plane for a VM. A VM that is not running
// becomes an ERROR slot.
func (h *Hook) CreateResource(ctx context.Context, index int) (*resource.Entry, error) {
	var vm VM
	req := CreateRequest{Slot: index, Image: h.settings.Image, Size: h.settings.Size}
	if err := h.client.DoJSON(ctx, http.MethodPost, h.baseURL+"/vms", req, &vm); err != nil {
		return nil, err
	}
	if vm.ID == "" {
		return nil, poolerrors.New(poolerrors.ErrorTypeCreation, "control plane returned a VM without id").
			WithDetail("slot", index)
	}

	cfg := map[string]string{
		"address": vm.Address,
		"slot":    strconv.Itoa(index),
	}
	if h.settings.Image != "" {
		cfg["image"] = h.settings.Image
	}
	for k, v := range vm.Metadata {
		cfg["meta."+k] = v
	}

	if vm.State != StateRunning {
		reason := "vm state " + vm.State
		if vm.Message != "" {
			reason += ": " + vm.Message
		}
		return backend.Failed(vm.ID, cfg, reason), nil
	}
	return resource.NewEntry(vm.ID, cfg), nil
}

// ValidateResource calls the health endpoint.
func (h *Hook) ValidateResource(ctx context.Context, entry *resource.Entry) bool {
	if err := h.client.DoJSON(ctx, http.MethodGet, h.vmURL(entry.ID, "health"), nil, nil); err != nil {
		h.logger.Debug("vm health check failed", zap.String("resource_id", entry.ID), zap.Error(err))
		return false
	}
	return true
}

// ConnectionInfo returns the address captured at creation plus any metadata.
func (h *Hook) ConnectionInfo(_ context.Context, entry *resource.Entry) (resource.ConnectionInfo, error) {
	address := entry.Config["address"]
	if address == "" {
		return nil, poolerrors.New(poolerrors.ErrorTypeBackend, "vm has no address").
			WithDetail("resource_id", entry.ID)
	}
	info := resource.ConnectionInfo{"address": address, "vm_id": entry.ID}
	for k, v := range entry.Config {
		if strings.HasPrefix(k, "meta.") {
			info[strings.TrimPrefix(k, "meta.")] = v
		}
	}
	return info, nil
}

// ResetResource reverts the VM to its image.
func (h *Hook) ResetResource(ctx context.Context, entry *resource.Entry) error {
	return h.client.DoJSON(ctx, http.MethodPost, h.vmURL(entry.ID, "reset"), nil, nil)
}

// StopResource destroys the VM. A VM the control plane no longer knows is
// already gone.
func (h *Hook) StopResource(ctx context.Context, entry *resource.Entry) error {
	err := h.client.DoJSON(ctx, http.MethodDelete, h.vmURL(entry.ID), nil, nil)
	var se *clients.StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

// Close releases idle control plane connections.
func (h *Hook) Close() error {
	return h.client.Close()
}
