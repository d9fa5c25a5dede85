// Package clients provides the HTTP plumbing shared by the remote pool client
// and HTTP-driven backends: a tuned transport, a circuit breaker and a token
// bucket rate limiter.
package clients

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"slices"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/oauth2"

	"github.com/ajitpratap0/leasepool/pkg/poolerrors"
)

// HTTPConfig configures the HTTP client
type HTTPConfig struct {
	// Connection settings
	MaxIdleConns        int           `json:"max_idle_conns"`
	MaxIdleConnsPerHost int           `json:"max_idle_conns_per_host"`
	IdleConnTimeout     time.Duration `json:"idle_conn_timeout"`

	// HTTP/2 settings
	EnableHTTP2 bool `json:"enable_http2"`

	// Timeouts
	DialTimeout           time.Duration `json:"dial_timeout"`
	TLSHandshakeTimeout   time.Duration `json:"tls_handshake_timeout"`
	ResponseHeaderTimeout time.Duration `json:"response_header_timeout"`
	RequestTimeout        time.Duration `json:"request_timeout"`
	KeepAlive             time.Duration `json:"keep_alive"`

	// TLS settings
	InsecureSkipVerify bool `json:"insecure_skip_verify"`

	// Rate limiting (0 = unlimited)
	RateLimit float64 `json:"rate_limit"`
	RateBurst int     `json:"rate_burst"`

	// Circuit breaker
	CircuitBreakerEnabled bool          `json:"circuit_breaker_enabled"`
	FailureThreshold      int           `json:"failure_threshold"`
	SuccessThreshold      int           `json:"success_threshold"`
	BreakerTimeout        time.Duration `json:"breaker_timeout"`
	// NeutralStatuses are answers that neither trip nor heal the breaker,
	// e.g. 503 from a server reporting an exhausted pool
	NeutralStatuses []int `json:"neutral_statuses,omitempty"`

	UserAgent string `json:"user_agent"`
}

// DefaultHTTPConfig returns the default client configuration.
func DefaultHTTPConfig() *HTTPConfig {
	return &HTTPConfig{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		EnableHTTP2:           false,
		DialTimeout:           10 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 0,
		RequestTimeout:        30 * time.Second,
		KeepAlive:             30 * time.Second,
		RateLimit:             0,
		RateBurst:             10,
		CircuitBreakerEnabled: true,
		FailureThreshold:      5,
		SuccessThreshold:      2,
		BreakerTimeout:        30 * time.Second,
		UserAgent:             "leasepool-client/1.0",
	}
}

// HTTPOption customizes an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithTokenSource authenticates every request with a bearer token from ts.
func WithTokenSource(ts oauth2.TokenSource) HTTPOption {
	return func(c *HTTPClient) {
		c.tokens = ts
	}
}

// HTTPClient is an http.Client guarded by a rate limiter and a circuit
// breaker. Transport errors and 5xx responses count as breaker failures.
type HTTPClient struct {
	config     *HTTPConfig
	logger     *zap.Logger
	httpClient *http.Client
	transport  *http.Transport
	breaker    *CircuitBreaker
	limiter    RateLimiter
	tokens     oauth2.TokenSource

	totalRequests  int64
	failedRequests int64
}

// NewHTTPClient creates a client from config; a nil config means defaults.
func NewHTTPClient(config *HTTPConfig, logger *zap.Logger, opts ...HTTPOption) *HTTPClient {
	if config == nil {
		config = DefaultHTTPConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := &HTTPClient{
		config: config,
		logger: logger.With(zap.String("component", "http_client")),
	}

	client.transport = &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   config.DialTimeout,
			KeepAlive: config.KeepAlive,
		}).DialContext,
		MaxIdleConns:          config.MaxIdleConns,
		MaxIdleConnsPerHost:   config.MaxIdleConnsPerHost,
		IdleConnTimeout:       config.IdleConnTimeout,
		TLSHandshakeTimeout:   config.TLSHandshakeTimeout,
		ResponseHeaderTimeout: config.ResponseHeaderTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: config.InsecureSkipVerify, //nolint:gosec // opt-in for test control planes
			MinVersion:         tls.VersionTLS12,
		},
	}

	if config.EnableHTTP2 {
		if err := http2.ConfigureTransport(client.transport); err != nil {
			client.logger.Warn("failed to configure HTTP/2", zap.Error(err))
		} else {
			client.logger.Debug("HTTP/2 enabled")
		}
	}

	client.httpClient = &http.Client{
		Transport: client.transport,
		Timeout:   config.RequestTimeout,
	}

	if config.RateLimit > 0 {
		client.limiter = NewTokenBucketRateLimiter(config.RateLimit, config.RateBurst)
	}
	if config.CircuitBreakerEnabled {
		client.breaker = NewCircuitBreaker(CircuitBreakerConfig{
			FailureThreshold: config.FailureThreshold,
			SuccessThreshold: config.SuccessThreshold,
			Timeout:          config.BreakerTimeout,
		}, logger)
	}

	for _, opt := range opts {
		opt(client)
	}
	return client
}

// Do performs req after the limiter and breaker admit it.
func (c *HTTPClient) Do(req *http.Request) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			atomic.AddInt64(&c.failedRequests, 1)
			return nil, poolerrors.Wrap(err, poolerrors.ErrorTypeRateLimit, "rate limit wait aborted")
		}
	}

	if c.breaker != nil && !c.breaker.Allow() {
		atomic.AddInt64(&c.failedRequests, 1)
		return nil, poolerrors.New(poolerrors.ErrorTypeUnavailable, "circuit breaker open").
			WithDetail("host", req.URL.Host)
	}

	if c.tokens != nil {
		token, err := c.tokens.Token()
		if err != nil {
			c.recordFailure()
			return nil, poolerrors.Wrap(err, poolerrors.ErrorTypeConnection, "failed to obtain access token")
		}
		token.SetAuthHeader(req)
	}
	if req.Header.Get("User-Agent") == "" && c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	atomic.AddInt64(&c.totalRequests, 1)
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.recordFailure()
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, poolerrors.Wrap(ctxErr, poolerrors.ErrorTypeTimeout, "request cancelled").
				WithDetail("url", req.URL.String())
		}
		return nil, poolerrors.Wrap(err, poolerrors.ErrorTypeConnection, "request failed").
			WithDetail("url", req.URL.String())
	}

	switch {
	case slices.Contains(c.config.NeutralStatuses, resp.StatusCode):
	case resp.StatusCode >= http.StatusInternalServerError:
		c.recordFailure()
	case c.breaker != nil:
		c.breaker.RecordSuccess()
	}

	c.logger.Debug("http request",
		zap.String("method", req.Method),
		zap.String("url", req.URL.String()),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))
	return resp, nil
}

func (c *HTTPClient) recordFailure() {
	atomic.AddInt64(&c.failedRequests, 1)
	if c.breaker != nil {
		c.breaker.RecordFailure()
	}
}

// StatusError is returned by DoJSON for responses with status >= 400.
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, bytes.TrimSpace(e.Body))
}

// DoJSON sends in (if non-nil) as a JSON body and decodes a successful
// response into out (if non-nil). Responses with status >= 400 yield a
// *StatusError carrying the body.
func (c *HTTPClient) DoJSON(ctx context.Context, method, url string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return poolerrors.Wrap(err, poolerrors.ErrorTypeInternal, "failed to encode request")
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return poolerrors.Wrap(err, poolerrors.ErrorTypeValidation, "failed to build request")
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return poolerrors.Wrap(err, poolerrors.ErrorTypeConnection, "failed to read response")
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return &StatusError{StatusCode: resp.StatusCode, Body: data}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return poolerrors.Wrap(err, poolerrors.ErrorTypeInternal, "failed to decode response").
			WithDetail("url", url)
	}
	return nil
}

// HTTPStats represents HTTP client statistics
type HTTPStats struct {
	TotalRequests  int64  `json:"total_requests"`
	FailedRequests int64  `json:"failed_requests"`
	BreakerState   string `json:"breaker_state,omitempty"`
}

// Stats returns request counters and the breaker state.
func (c *HTTPClient) Stats() HTTPStats {
	stats := HTTPStats{
		TotalRequests:  atomic.LoadInt64(&c.totalRequests),
		FailedRequests: atomic.LoadInt64(&c.failedRequests),
	}
	if c.breaker != nil {
		stats.BreakerState = c.breaker.State().String()
	}
	return stats
}

// Close releases idle connections.
func (c *HTTPClient) Close() error {
	c.transport.CloseIdleConnections()
	return nil
}
