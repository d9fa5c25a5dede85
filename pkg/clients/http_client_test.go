package clients

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/oauth2"

	"github.com/ajitpratap0/leasepool/pkg/poolerrors"
)

type payload struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestHTTPClient_DoJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"name":"vm","count":1}`, string(body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"name":"vm-0","count":2}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(nil, zaptest.NewLogger(t),
		WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "secret"})))
	defer c.Close()

	var out payload
	err := c.DoJSON(context.Background(), http.MethodPost, srv.URL, payload{Name: "vm", Count: 1}, &out)
	require.NoError(t, err)
	assert.Equal(t, payload{Name: "vm-0", Count: 2}, out)
	assert.Equal(t, int64(1), c.Stats().TotalRequests)
}

func TestHTTPClient_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusConflict)
	}))
	defer srv.Close()

	c := NewHTTPClient(nil, zaptest.NewLogger(t))
	err := c.DoJSON(context.Background(), http.MethodGet, srv.URL, nil, nil)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusConflict, se.StatusCode)
	assert.Contains(t, se.Error(), "nope")
	assert.Equal(t, "closed", c.Stats().BreakerState, "4xx is not a breaker failure")
}

func TestHTTPClient_BreakerOpensOn5xx(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := DefaultHTTPConfig()
	cfg.FailureThreshold = 2
	cfg.BreakerTimeout = time.Hour
	c := NewHTTPClient(cfg, zaptest.NewLogger(t))

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		var se *StatusError
		assert.ErrorAs(t, c.DoJSON(ctx, http.MethodGet, srv.URL, nil, nil), &se)
	}

	err := c.DoJSON(ctx, http.MethodGet, srv.URL, nil, nil)
	assert.True(t, poolerrors.IsType(err, poolerrors.ErrorTypeUnavailable))
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
	assert.Equal(t, "open", c.Stats().BreakerState)
}

func TestHTTPClient_ConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewHTTPClient(nil, zaptest.NewLogger(t))
	err := c.DoJSON(context.Background(), http.MethodGet, url, nil, nil)
	assert.True(t, poolerrors.IsType(err, poolerrors.ErrorTypeConnection))
	assert.True(t, poolerrors.IsRetryable(err))
	assert.Equal(t, int64(1), c.Stats().FailedRequests)
}
