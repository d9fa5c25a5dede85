// Package leasepool hands out exclusive, temporary leases on a fixed set of
// expensive resources (hosts, VMs, scratch databases, bucket prefixes, topics)
// to concurrent workers, validating each resource before it is handed out and
// resetting it when it comes back.
//
// # Architecture
//
// The engine in pkg/pool owns every resource entry and moves it through
// INITIALIZING, FREE, OCCUPIED, ERROR and STOPPED. Everything that touches the
// real resource goes through a resource.Hook supplied by a backend:
//
//	hook, _ := registry.Create(cfg.Backend, log)
//	p, _ := pool.New(cfg.Pool.Size, hook, pool.WithName("ci"))
//	ok, _ := p.Initialize(ctx)
//
//	info, err := p.Allocate(ctx, "worker-1", 30*time.Second)
//	...
//	p.Release(ctx, info.ResourceID(), "worker-1")
//
// pool.Leaser is the facade workers code against. *pool.Pool, the virtual
// *pool.NullPool and the HTTP *remote.Client all implement it.
//
// # Key Packages
//
//	pkg/pool          - Allocation engine, pool table, free queue, null pool
//	pkg/resource      - Resource entries, statuses and the Hook contract
//	pkg/backend/...   - Hook implementations and their registry
//	pkg/remote        - HTTP server and client for a shared pool
//	pkg/clients       - HTTP transport with circuit breaker and rate limiter
//	pkg/config        - YAML/env configuration via viper
//	pkg/poolerrors    - Structured, typed errors
//	pkg/logger        - Structured logging with zap
//	pkg/metrics       - Prometheus collectors and latency tracking
//	pkg/observability - OpenTelemetry tracing
//
// # Backends
//
//	endpoint   pre-provisioned host:port endpoints
//	local      local compute slots gated on host load
//	httpvm     VMs behind a REST control plane
//	postgres   scratch PostgreSQL databases
//	mysql      scratch MySQL databases
//	snowflake  scratch Snowflake schemas
//	mongodb    scratch MongoDB databases
//	bigquery   scratch BigQuery datasets
//	s3, gcs    key prefixes inside a bucket
//	kafka      scratch Kafka topics
//
// Configure backend.type: null to serve virtual resources instead.
//
// # Running
//
//	leasepool serve --config pool.yaml
//	leasepool allocate worker-1 --timeout 1m
//	leasepool release vm-0 worker-1
//	leasepool status
package leasepool
