package pool

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/leasepool/pkg/metrics"
	"github.com/ajitpratap0/leasepool/pkg/observability"
)

// DefaultPollInterval bounds how late Allocate may return after its timeout.
const DefaultPollInterval = 100 * time.Millisecond

// ResetFailurePolicy decides what happens to a resource whose reset hook
// fails during Release.
type ResetFailurePolicy string

const (
	// ResetFailureKeep logs the failure and returns the resource to FREE.
	ResetFailureKeep ResetFailurePolicy = "keep"
	// ResetFailureQuarantine moves the resource to ERROR, out of rotation.
	ResetFailureQuarantine ResetFailurePolicy = "quarantine"
)

// ParseResetFailurePolicy converts a config string; "" means keep.
func ParseResetFailurePolicy(s string) (ResetFailurePolicy, error) {
	switch ResetFailurePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", ResetFailureKeep:
		return ResetFailureKeep, nil
	case ResetFailureQuarantine:
		return ResetFailureQuarantine, nil
	default:
		return "", fmt.Errorf("unknown reset failure policy %q", s)
	}
}

// Option configures a Pool.
type Option func(*Pool)

// WithName sets the pool name used in logs, metrics and spans.
func WithName(name string) Option {
	return func(p *Pool) {
		if name != "" {
			p.name = name
		}
	}
}

// WithLogger sets the logger. The pool adds its own component fields.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pool) {
		p.logger = l
	}
}

// WithPollInterval sets how often Allocate re-checks the free queue.
func WithPollInterval(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithHookTimeout bounds every backend hook call. Zero means no bound
// beyond the caller's context.
func WithHookTimeout(d time.Duration) Option {
	return func(p *Pool) {
		p.hookTimeout = d
	}
}

// WithResetFailurePolicy chooses how Release treats a failed reset.
func WithResetFailurePolicy(policy ResetFailurePolicy) Option {
	return func(p *Pool) {
		p.resetPolicy = policy
	}
}

// WithCreateConcurrency lets Initialize create up to n resources at once.
// The default of 1 creates them one by one in slot order.
func WithCreateConcurrency(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.createConcurrency = n
		}
	}
}

// WithMetrics overrides the Prometheus collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(p *Pool) {
		p.metrics = c
	}
}

// WithTracer overrides the span tracer.
func WithTracer(t *observability.PoolTracer) Option {
	return func(p *Pool) {
		p.tracer = t
	}
}

// ReleaseOption configures a single Release call.
type ReleaseOption func(*releaseOptions)

type releaseOptions struct {
	reset bool
}

// WithoutReset returns the resource to rotation without calling the reset hook.
func WithoutReset() ReleaseOption {
	return func(o *releaseOptions) {
		o.reset = false
	}
}

// WithReset sets whether the reset hook runs; true is the default.
func WithReset(reset bool) ReleaseOption {
	return func(o *releaseOptions) {
		o.reset = reset
	}
}

func buildReleaseOptions(opts []ReleaseOption) releaseOptions {
	o := releaseOptions{reset: true}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
