// Package remote serves a pool.Leaser over HTTP and provides the matching
// client. The client is itself a pool.Leaser, so workers can lease from an
// in-process pool or from a pool server without code changes.
package remote

import (
	"errors"
	"net/http"

	"github.com/ajitpratap0/leasepool/pkg/pool"
	"github.com/ajitpratap0/leasepool/pkg/poolerrors"
	"github.com/ajitpratap0/leasepool/pkg/resource"
)

// Routes served under the API prefix.
const (
	APIPrefix       = "/v1/pool"
	RouteInitialize = "/initialize"
	RouteAllocate   = "/allocate"
	RouteRelease    = "/release"
	RouteStatus     = "/status"
	RouteStop       = "/stop"

	HeaderRequestID = "X-Request-ID"
)

// InitializeResponse reports whether at least one resource is usable.
type InitializeResponse struct {
	Ready bool `json:"ready"`
}

// AllocateRequest asks for a lease. A nil TimeoutMS means the server default;
// zero means a single non-blocking attempt.
type AllocateRequest struct {
	WorkerID  string `json:"worker_id"`
	TimeoutMS *int64 `json:"timeout_ms,omitempty"`
}

// AllocateResponse carries the leased resource's connection info.
type AllocateResponse struct {
	Connection resource.ConnectionInfo `json:"connection"`
}

// ReleaseRequest returns a lease. A nil Reset means reset.
type ReleaseRequest struct {
	ResourceID string `json:"resource_id"`
	WorkerID   string `json:"worker_id"`
	Reset      *bool  `json:"reset,omitempty"`
}

// ReleaseResponse tells which branch the release took.
type ReleaseResponse struct {
	Result pool.ReleaseResult `json:"result"`
}

// ErrorBody is the error half of every failed response.
type ErrorBody struct {
	Type    poolerrors.ErrorType   `json:"type"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ErrorResponse wraps ErrorBody.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// StatusCode maps an error type to the HTTP status the server answers with.
func StatusCode(t poolerrors.ErrorType) int {
	switch t {
	case poolerrors.ErrorTypeUnavailable:
		return http.StatusServiceUnavailable
	case poolerrors.ErrorTypeConflict, poolerrors.ErrorTypeStopped:
		return http.StatusConflict
	case poolerrors.ErrorTypeValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(err error) ErrorBody {
	body := ErrorBody{Type: poolerrors.TypeOf(err), Message: err.Error()}
	var pe *poolerrors.Error
	if errors.As(err, &pe) {
		body.Message = pe.Message
		if pe.Cause != nil {
			body.Message += ": " + pe.Cause.Error()
		}
		body.Details = pe.Details
	}
	return body
}

// rebuild turns a decoded ErrorBody back into a typed error.
func (b ErrorBody) rebuild() error {
	e := poolerrors.New(b.Type, b.Message)
	for k, v := range b.Details {
		e.WithDetail(k, v)
	}
	return e
}
