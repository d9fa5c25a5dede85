package remote

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/ajitpratap0/leasepool/pkg/clients"
	"github.com/ajitpratap0/leasepool/pkg/config"
	"github.com/ajitpratap0/leasepool/pkg/logger"
	"github.com/ajitpratap0/leasepool/pkg/pool"
	"github.com/ajitpratap0/leasepool/pkg/poolerrors"
	"github.com/ajitpratap0/leasepool/pkg/resource"
)

// Client is a pool.Leaser backed by a remote pool server.
type Client struct {
	baseURL string
	cfg     config.ClientConfig
	http    *clients.HTTPClient
	logger  *zap.Logger
}

var _ pool.Leaser = (*Client)(nil)

// NewClient builds a client for the server at cfg.BaseURL. Per-call
// deadlines replace the transport-wide request timeout, since allocate calls
// legitimately outlast ordinary ones.
func NewClient(cfg config.ClientConfig, log *zap.Logger, opts ...clients.HTTPOption) *Client {
	log = logger.OrGlobal(log).With(zap.String("component", "remote_client"))

	hc := clients.DefaultHTTPConfig()
	hc.RequestTimeout = 0
	hc.EnableHTTP2 = cfg.EnableHTTP2
	hc.RateLimit = cfg.RateLimitPerSec
	hc.RateBurst = cfg.RateLimitBurst
	hc.CircuitBreakerEnabled = cfg.BreakerThreshold > 0
	hc.FailureThreshold = cfg.BreakerThreshold
	hc.BreakerTimeout = cfg.BreakerTimeout
	// an exhausted pool is a healthy answer
	hc.NeutralStatuses = []int{http.StatusServiceUnavailable}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/") + APIPrefix,
		cfg:     cfg,
		http:    clients.NewHTTPClient(hc, log, opts...),
		logger:  log,
	}
}

func (c *Client) call(ctx context.Context, timeout time.Duration, method, route string, in, out interface{}) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	err := c.http.DoJSON(ctx, method, c.baseURL+route, in, out)
	var se *clients.StatusError
	if errors.As(err, &se) {
		var resp ErrorResponse
		if jerr := json.Unmarshal(se.Body, &resp); jerr != nil || resp.Error.Type == "" {
			return poolerrors.Wrap(err, poolerrors.ErrorTypeInternal, "unexpected server response").
				WithDetail("status", se.StatusCode)
		}
		return resp.Error.rebuild()
	}
	return err
}

// Initialize asks the server to populate its pool.
func (c *Client) Initialize(ctx context.Context) (bool, error) {
	var resp InitializeResponse
	// creation can take as long as the slowest backend call
	if err := c.call(ctx, 0, http.MethodPost, RouteInitialize, struct{}{}, &resp); err != nil {
		return false, err
	}
	return resp.Ready, nil
}

// Allocate leases a resource, waiting up to timeout on the server side.
func (c *Client) Allocate(ctx context.Context, workerID string, timeout time.Duration) (resource.ConnectionInfo, error) {
	ms := timeout.Milliseconds()
	req := AllocateRequest{WorkerID: workerID, TimeoutMS: &ms}

	var resp AllocateResponse
	if err := c.call(ctx, timeout+c.cfg.AllocateGrace, http.MethodPost, RouteAllocate, req, &resp); err != nil {
		return nil, err
	}
	c.logger.Debug("lease granted",
		zap.String("worker_id", workerID),
		zap.String("resource_id", resp.Connection.ResourceID()))
	return resp.Connection, nil
}

// Release returns a lease; the reset option is forwarded.
func (c *Client) Release(ctx context.Context, resourceID, workerID string, opts ...pool.ReleaseOption) error {
	_, err := c.ReleaseDetailed(ctx, resourceID, workerID, opts...)
	return err
}

// ReleaseDetailed is Release returning the branch the server took.
func (c *Client) ReleaseDetailed(ctx context.Context, resourceID, workerID string, opts ...pool.ReleaseOption) (pool.ReleaseResult, error) {
	reset := pool.ReleaseWants(opts)
	req := ReleaseRequest{ResourceID: resourceID, WorkerID: workerID, Reset: &reset}

	var resp ReleaseResponse
	if err := c.call(ctx, c.cfg.Timeout, http.MethodPost, RouteRelease, req, &resp); err != nil {
		return "", err
	}
	return resp.Result, nil
}

// Stats fetches the server's pool snapshot.
func (c *Client) Stats(ctx context.Context) (pool.Stats, error) {
	var stats pool.Stats
	err := c.call(ctx, c.cfg.Timeout, http.MethodGet, RouteStatus, nil, &stats)
	return stats, err
}

// Stop stops the server's pool.
func (c *Client) Stop(ctx context.Context) error {
	return c.call(ctx, 0, http.MethodPost, RouteStop, struct{}{}, nil)
}

// TransportStats reports request counters and the breaker state.
func (c *Client) TransportStats() clients.HTTPStats {
	return c.http.Stats()
}

// Close releases idle connections.
func (c *Client) Close() error {
	return c.http.Close()
}
