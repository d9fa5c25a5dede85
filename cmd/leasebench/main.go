// Command leasebench drives a pool with concurrent workers that allocate,
// hold and release resources, then reports grant counts and wait percentiles.
// It runs against an in-process pool built from the config file, or against a
// pool server when -url is given.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/leasepool/internal/app"
	"github.com/ajitpratap0/leasepool/pkg/config"
	"github.com/ajitpratap0/leasepool/pkg/metrics"
	"github.com/ajitpratap0/leasepool/pkg/pool"
	"github.com/ajitpratap0/leasepool/pkg/poolerrors"
	"github.com/ajitpratap0/leasepool/pkg/remote"

	_ "github.com/ajitpratap0/leasepool/pkg/backend/endpoint"
	_ "github.com/ajitpratap0/leasepool/pkg/backend/httpvm"
	_ "github.com/ajitpratap0/leasepool/pkg/backend/local"
)

var (
	configFile = flag.String("config", "", "Path to YAML configuration file")
	serverURL  = flag.String("url", "", "Benchmark a pool server instead of an in-process pool")
	workers    = flag.Int("workers", 16, "Number of concurrent workers")
	duration   = flag.Duration("duration", 10*time.Second, "Benchmark duration")
	hold       = flag.Duration("hold", 10*time.Millisecond, "How long each lease is held")
	timeout    = flag.Duration("timeout", time.Second, "Allocate timeout")
	noReset    = flag.Bool("no-reset", false, "Release without reset")
)

type result struct {
	granted     int64
	unavailable int64
	failed      int64
	waits       *metrics.LatencyTracker
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Logging.Level == "info" {
		cfg.Logging.Level = "warn"
	}
	log, flush, err := app.Setup(cfg, "bench")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = flush(context.Background()) }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		fmt.Fprintf(os.Stderr, "Benchmark failed: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	var leaser pool.Leaser
	if *serverURL != "" {
		cfg.Client.BaseURL = *serverURL
		client := remote.NewClient(cfg.Client, log)
		defer client.Close()
		leaser = client
	} else {
		inst, err := app.Build(cfg, log)
		if err != nil {
			return err
		}
		defer func() { _ = inst.Shutdown(context.Background()) }()
		ready, err := inst.Leaser.Initialize(ctx)
		if err != nil {
			return err
		}
		if !ready {
			return poolerrors.New(poolerrors.ErrorTypeUnavailable, "no usable resources")
		}
		leaser = inst.Leaser
	}

	fmt.Println("=== Leasepool Contention Benchmark ===")
	fmt.Printf("Target: %s\n", target(cfg))
	fmt.Printf("Workers: %d, hold: %s, timeout: %s, duration: %s\n\n", *workers, *hold, *timeout, *duration)

	res := &result{waits: metrics.NewLatencyTracker(100_000)}
	benchCtx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	start := time.Now()
	g, gctx := errgroup.WithContext(benchCtx)
	for i := 0; i < *workers; i++ {
		workerID := fmt.Sprintf("bench-%d", i)
		g.Go(func() error {
			return work(gctx, leaser, workerID, res)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	report(res, time.Since(start))

	if stats, err := leaser.Stats(ctx); err == nil {
		fmt.Printf("\nPool %s: %d free, %d occupied, %d error, %d validation failures\n",
			stats.Pool, stats.Free, stats.Occupied, stats.Error, stats.ValidationFailures)
	}
	return nil
}

func target(cfg *config.Config) string {
	if *serverURL != "" {
		return *serverURL
	}
	return fmt.Sprintf("in-process %s pool of %d", cfg.Backend.Type, cfg.Pool.Size)
}

func work(ctx context.Context, leaser pool.Leaser, workerID string, res *result) error {
	for ctx.Err() == nil {
		start := time.Now()
		info, err := leaser.Allocate(ctx, workerID, *timeout)
		wait := time.Since(start)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return nil
		case poolerrors.IsRetryable(err):
			atomic.AddInt64(&res.unavailable, 1)
			continue
		default:
			atomic.AddInt64(&res.failed, 1)
			if poolerrors.IsType(err, poolerrors.ErrorTypeStopped) {
				return nil
			}
			continue
		}

		atomic.AddInt64(&res.granted, 1)
		res.waits.Record(wait)

		select {
		case <-time.After(*hold):
		case <-ctx.Done():
		}
		// release with a fresh context so the lease is not leaked at the deadline
		if err := leaser.Release(context.Background(), info.ResourceID(), workerID, pool.WithReset(!*noReset)); err != nil {
			atomic.AddInt64(&res.failed, 1)
		}
	}
	return nil
}

func report(res *result, elapsed time.Duration) {
	granted := atomic.LoadInt64(&res.granted)
	fmt.Printf("Granted:     %d (%.1f/s)\n", granted, float64(granted)/elapsed.Seconds())
	fmt.Printf("Unavailable: %d\n", atomic.LoadInt64(&res.unavailable))
	fmt.Printf("Failed:      %d\n", atomic.LoadInt64(&res.failed))
	fmt.Printf("Wait p50:    %s\n", res.waits.Percentile(50))
	fmt.Printf("Wait p99:    %s\n", res.waits.Percentile(99))
	fmt.Printf("Wait max:    %s\n", res.waits.Percentile(100))
}
