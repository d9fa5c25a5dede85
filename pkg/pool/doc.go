// Package pool implements the resource leasing pool: a concurrency-safe arbiter
// that hands out exclusive, temporary ownership of a fixed set of expensive
// resources to concurrent workers and reclaims them afterwards.
//
// # Lifecycle
//
// A Pool is built around a resource.Hook supplied by a backend:
//
//	p, err := pool.New(4, hook,
//	    pool.WithName("vm"),
//	    pool.WithLogger(log),
//	    pool.WithPollInterval(50*time.Millisecond),
//	)
//	ok, err := p.Initialize(ctx) // ok is false on a degraded pool
//
//	info, err := p.Allocate(ctx, "worker-1", 30*time.Second)
//	if poolerrors.IsType(err, poolerrors.ErrorTypeUnavailable) {
//	    // nothing usable within the timeout; retry later
//	}
//	defer p.Release(ctx, info.ResourceID(), "worker-1")
//
//	p.Stop(ctx) // once, at shutdown
//
// # State machine
//
//	INITIALIZING -> FREE | ERROR          (Initialize)
//	FREE -> INITIALIZING -> OCCUPIED      (Allocate, validating)
//	FREE -> INITIALIZING -> ERROR         (Allocate, validation failed)
//	OCCUPIED -> INITIALIZING -> FREE      (Release with reset)
//	OCCUPIED -> FREE                      (Release without reset)
//	any -> STOPPED                        (Stop, terminal)
//
// INITIALIZING doubles as the in-transition state while a backend hook runs
// outside the pool lock, so a resource being validated or reset is neither
// queued nor owned and per-status counts always add up to the pool size.
//
// # Concurrency
//
// A single pool-wide mutex guards every status transition. Free resource ids
// sit in a FIFO queue; Allocate polls it at a short interval so the caller's
// timeout is honoured with bounded slack. Release, Stats and Stop only wait
// for the mutex and for their own hook calls.
package pool
