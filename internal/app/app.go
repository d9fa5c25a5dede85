// Package app assembles a pool, its backend and the HTTP server from a
// loaded configuration. The CLI and the bench tool share it.
package app

import (
	"context"

	"go.uber.org/zap"

	"github.com/ajitpratap0/leasepool/pkg/backend"
	"github.com/ajitpratap0/leasepool/pkg/backend/registry"
	"github.com/ajitpratap0/leasepool/pkg/config"
	"github.com/ajitpratap0/leasepool/pkg/logger"
	"github.com/ajitpratap0/leasepool/pkg/observability"
	"github.com/ajitpratap0/leasepool/pkg/pool"
	"github.com/ajitpratap0/leasepool/pkg/poolerrors"
	"github.com/ajitpratap0/leasepool/pkg/remote"
	"github.com/ajitpratap0/leasepool/pkg/resource"
)

// Setup installs the global logger and the tracer provider described by cfg.
// The returned function flushes both.
func Setup(cfg *config.Config, version string) (*zap.Logger, func(context.Context) error, error) {
	if err := logger.Init(cfg.Logging); err != nil {
		return nil, nil, poolerrors.Wrap(err, poolerrors.ErrorTypeConfig, "invalid logging config")
	}

	oc := observability.DefaultConfig()
	oc.Enabled = cfg.Observability.TracingEnabled
	oc.ServiceVersion = version
	if cfg.Observability.ServiceName != "" {
		oc.ServiceName = cfg.Observability.ServiceName
	}
	if cfg.Observability.Environment != "" {
		oc.Environment = cfg.Observability.Environment
	}
	if cfg.Observability.SamplingRate > 0 {
		oc.SamplingRate = cfg.Observability.SamplingRate
	}
	if err := observability.Initialize(oc); err != nil {
		return nil, nil, poolerrors.Wrap(err, poolerrors.ErrorTypeConfig, "failed to initialize tracing")
	}

	flush := func(ctx context.Context) error {
		_ = logger.Sync()
		return observability.Shutdown(ctx)
	}
	return logger.Get(), flush, nil
}

// Instance is a ready-to-initialize Leaser with the backend it owns.
type Instance struct {
	Leaser pool.Leaser
	// Pool is nil when the null backend is configured
	Pool   *pool.Pool
	hook   resource.Hook
	logger *zap.Logger
}

// Build creates the Leaser for cfg: a NullPool for the null backend,
// otherwise a Pool over the registered backend.
func Build(cfg *config.Config, log *zap.Logger) (*Instance, error) {
	log = logger.OrGlobal(log)
	if cfg.IsNull() {
		return &Instance{Leaser: pool.NewNullPool(cfg.Pool.Name, log), logger: log}, nil
	}

	policy, err := pool.ParseResetFailurePolicy(cfg.Pool.ResetFailurePolicy)
	if err != nil {
		return nil, poolerrors.Wrap(err, poolerrors.ErrorTypeConfig, "invalid pool.reset_failure_policy")
	}

	hook, err := registry.Create(cfg.Backend, log)
	if err != nil {
		return nil, err
	}

	p, err := pool.New(cfg.Pool.Size, hook,
		pool.WithName(cfg.Pool.Name),
		pool.WithLogger(log),
		pool.WithPollInterval(cfg.Pool.PollInterval),
		pool.WithHookTimeout(cfg.Pool.HookTimeout),
		pool.WithCreateConcurrency(cfg.Pool.CreateConcurrency),
		pool.WithResetFailurePolicy(policy))
	if err != nil {
		_ = backend.Close(hook)
		return nil, err
	}
	return &Instance{Leaser: p, Pool: p, hook: hook, logger: log}, nil
}

// Shutdown stops the pool, then closes the backend's clients.
func (i *Instance) Shutdown(ctx context.Context) error {
	err := i.Leaser.Stop(ctx)
	if i.hook != nil {
		if cerr := backend.Close(i.hook); cerr != nil {
			i.logger.Warn("failed to close backend", zap.Error(cerr))
		}
	}
	return err
}

// Serve builds and initializes the pool for cfg and serves it until ctx is
// cancelled. On cancellation the pool is stopped first, so waiting allocate
// calls return before the server drains.
func Serve(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	inst, err := Build(cfg, log)
	if err != nil {
		return err
	}
	log = logger.OrGlobal(log).With(zap.String("component", "app"))

	ready, err := inst.Leaser.Initialize(ctx)
	if err != nil {
		_ = inst.Shutdown(context.Background())
		return err
	}
	if !ready {
		log.Warn("no usable resources after initialization; serving anyway")
	}

	srv := remote.NewServer(inst.Leaser, log, remote.ServerOptions{
		DefaultAllocateTimeout: cfg.Pool.AllocateTimeout,
		MaxAllocateTimeout:     cfg.Server.MaxAllocateTimeout,
		DisableMetrics:         !cfg.Observability.MetricsEnabled,
	})

	serverCtx, stopServer := context.WithCancel(context.Background())
	defer stopServer()
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(serverCtx, cfg.Server)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		_ = inst.Shutdown(context.Background())
		return err
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := inst.Shutdown(stopCtx); err != nil {
		log.Warn("pool stop reported an error", zap.Error(err))
	}
	stopServer()
	return <-errCh
}
