package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/leasepool/pkg/logger"
	"github.com/ajitpratap0/leasepool/pkg/metrics"
	"github.com/ajitpratap0/leasepool/pkg/observability"
	"github.com/ajitpratap0/leasepool/pkg/poolerrors"
	"github.com/ajitpratap0/leasepool/pkg/resource"
)

// Hook operation names used in logs and metrics.
const (
	opCreate         = "create"
	opValidate       = "validate"
	opConnectionInfo = "connection_info"
	opReset          = "reset"
	opStop           = "stop"
)

// ReleaseResult tells which branch a Release call took.
type ReleaseResult string

const (
	// ReleaseReleased means the resource went back to FREE
	ReleaseReleased ReleaseResult = "released"
	// ReleaseResetFailed means the reset hook failed and the resource went back to FREE anyway
	ReleaseResetFailed ReleaseResult = "reset_failed"
	// ReleaseQuarantined means the reset hook failed and the resource moved to ERROR
	ReleaseQuarantined ReleaseResult = "quarantined"
	// ReleaseUnknownResource means the id is not in the pool; nothing changed
	ReleaseUnknownResource ReleaseResult = "unknown_resource"
	// ReleaseOwnerMismatch means the caller does not hold the lease; nothing changed
	ReleaseOwnerMismatch ReleaseResult = "owner_mismatch"
	// ReleasePoolStopped means the pool is stopped; nothing changed
	ReleasePoolStopped ReleaseResult = "pool_stopped"
)

// Pool is the allocation engine. It owns the pool table and the free queue
// and is the only writer of resource entries.
type Pool struct {
	name              string
	size              int
	hook              resource.Hook
	pollInterval      time.Duration
	hookTimeout       time.Duration
	resetPolicy       ResetFailurePolicy
	createConcurrency int
	logger            *zap.Logger
	metrics           *metrics.Collector
	tracer            *observability.PoolTracer

	mu                 sync.Mutex
	table              *table
	free               *freeQueue
	validationFailures int64
	initialized        bool
	stopped            bool
	stopCh             chan struct{}
}

// New creates a pool of size resources backed by hook. Resources are not
// created until Initialize.
func New(size int, hook resource.Hook, opts ...Option) (*Pool, error) {
	if size <= 0 {
		return nil, poolerrors.New(poolerrors.ErrorTypeValidation, "pool size must be positive").
			WithDetail("size", size)
	}
	if hook == nil {
		return nil, poolerrors.New(poolerrors.ErrorTypeValidation, "backend hook cannot be nil")
	}

	p := &Pool{
		name:              "default",
		size:              size,
		hook:              hook,
		pollInterval:      DefaultPollInterval,
		resetPolicy:       ResetFailureKeep,
		createConcurrency: 1,
		table:             newTable(size),
		free:              newFreeQueue(size),
		stopCh:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.logger = logger.OrGlobal(p.logger).With(
		zap.String("component", "resource_pool"),
		zap.String("pool", p.name))
	if p.metrics == nil {
		p.metrics = metrics.NewCollector(p.name)
	}
	if p.tracer == nil {
		p.tracer = observability.NewPoolTracer(p.name)
	}

	return p, nil
}

// Name returns the pool name.
func (p *Pool) Name() string {
	return p.name
}

// Size returns the configured number of resources.
func (p *Pool) Size() int {
	return p.size
}

// Initialize asks the backend to create every slot. It returns true only if
// all of them came up FREE; a degraded pool is reported through Stats, not
// as an error. The error return is reserved for calling Initialize twice or
// on a stopped pool.
func (p *Pool) Initialize(ctx context.Context) (bool, error) {
	var ok bool
	err := p.tracer.Trace(ctx, "initialize", func(ctx context.Context) error {
		var err error
		ok, err = p.initialize(ctx)
		return err
	}, attribute.Int("pool.size", p.size))
	return ok, err
}

func (p *Pool) initialize(ctx context.Context) (bool, error) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return false, poolerrors.New(poolerrors.ErrorTypeStopped, "pool is stopped").
			WithDetail("pool", p.name)
	}
	if p.initialized {
		p.mu.Unlock()
		return false, poolerrors.New(poolerrors.ErrorTypeConflict, "pool already initialized").
			WithDetail("pool", p.name)
	}
	p.initialized = true
	p.mu.Unlock()

	start := time.Now()
	created := make([]*resource.Entry, p.size)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.createConcurrency)
	for i := 0; i < p.size; i++ {
		index := i
		g.Go(func() error {
			created[index] = p.createSlot(gctx, index)
			return nil
		})
	}
	_ = g.Wait()

	p.mu.Lock()
	free := 0
	for index, entry := range created {
		if !p.table.insert(entry) {
			original := entry.ID
			entry.ID = p.uniqueSlotID(index)
			entry.Status = resource.StatusError
			entry.ErrorMessage = fmt.Sprintf("duplicate resource id %q", original)
			p.table.insert(entry)
			p.logger.Error("backend returned duplicate resource id",
				zap.Int("index", index),
				zap.String("resource_id", original),
				zap.String("renamed_to", entry.ID))
		}
		if entry.Status == resource.StatusFree && !p.stopped {
			p.free.push(entry.ID)
			free++
		}
	}

	if p.stopped {
		// Stop ran while the backend was creating; it saw an empty table, so
		// the teardown of these entries falls to us.
		targets := make([]*resource.Entry, 0, len(created))
		for _, entry := range created {
			targets = append(targets, entry.Clone())
		}
		p.publishLocked()
		p.mu.Unlock()

		failures := p.teardown(ctx, targets)
		p.logger.Warn("pool stopped during initialize, created resources torn down",
			zap.Int("resources", len(targets)),
			zap.Int("stop_failures", failures))
		return false, poolerrors.New(poolerrors.ErrorTypeStopped, "pool stopped during initialize").
			WithDetail("pool", p.name)
	}
	defer p.mu.Unlock()
	p.publishLocked()

	allFree := free == p.size
	fields := []zap.Field{
		zap.Int("size", p.size),
		zap.Int("free", free),
		zap.Int("error", p.size-free),
		zap.Duration("duration", time.Since(start)),
	}
	if allFree {
		p.logger.Info("pool initialized", fields...)
	} else {
		p.logger.Warn("pool initialized degraded", fields...)
	}
	return allFree, nil
}

// createSlot runs the create hook for index and normalizes the result into
// either a FREE or an ERROR entry.
func (p *Pool) createSlot(ctx context.Context, index int) *resource.Entry {
	var entry *resource.Entry
	err := p.callHook(ctx, opCreate, func(ctx context.Context) error {
		var err error
		entry, err = p.hook.CreateResource(ctx, index)
		return err
	})

	if entry == nil {
		entry = resource.NewEntry(p.fallbackSlotID(index), nil)
		if err == nil {
			err = poolerrors.New(poolerrors.ErrorTypeCreation, "backend returned no resource")
		}
	}
	if entry.ID == "" {
		entry.ID = p.fallbackSlotID(index)
	}
	if entry.Config == nil {
		entry.Config = make(map[string]string)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	entry.Owner = ""
	entry.AllocatedAt = time.Time{}

	switch {
	case err != nil:
		entry.Status = resource.StatusError
		entry.ErrorMessage = err.Error()
		p.metrics.HookFailed(opCreate)
		p.logger.Warn("resource creation failed",
			zap.Int("index", index),
			zap.String("resource_id", entry.ID),
			zap.Error(err))
	case entry.Status != resource.StatusFree:
		if entry.ErrorMessage == "" {
			entry.ErrorMessage = fmt.Sprintf("backend reported status %s", entry.Status)
		}
		entry.Status = resource.StatusError
		p.logger.Warn("resource not usable after creation",
			zap.Int("index", index),
			zap.String("resource_id", entry.ID),
			zap.String("reason", entry.ErrorMessage))
	default:
		entry.ErrorMessage = ""
		p.logger.Debug("resource created",
			zap.Int("index", index),
			zap.String("resource_id", entry.ID))
	}
	return entry
}

func (p *Pool) fallbackSlotID(index int) string {
	return resource.SlotID(p.name+"-slot", index)
}

// uniqueSlotID returns an id not yet in the table. Callers hold p.mu.
func (p *Pool) uniqueSlotID(index int) string {
	id := p.fallbackSlotID(index)
	for n := 1; p.table.has(id); n++ {
		id = fmt.Sprintf("%s-dup%d", p.fallbackSlotID(index), n)
	}
	return id
}

// Allocate leases one FREE resource to workerID, waiting at most timeout.
// Candidates are re-validated right before the lease; one that fails is moved
// to ERROR and the next candidate is tried. When the timeout elapses the call
// fails with a retryable ErrorTypeUnavailable error.
func (p *Pool) Allocate(ctx context.Context, workerID string, timeout time.Duration) (resource.ConnectionInfo, error) {
	var info resource.ConnectionInfo
	err := p.tracer.Trace(ctx, "allocate", func(ctx context.Context) error {
		var err error
		info, err = p.allocate(ctx, workerID, timeout)
		return err
	}, attribute.String("worker.id", workerID), attribute.String("timeout", timeout.String()))
	return info, err
}

func (p *Pool) allocate(ctx context.Context, workerID string, timeout time.Duration) (resource.ConnectionInfo, error) {
	if workerID == "" {
		return nil, poolerrors.New(poolerrors.ErrorTypeValidation, "worker id cannot be empty")
	}
	if timeout < 0 {
		timeout = 0
	}

	log := logger.Enrich(ctx, p.logger).With(zap.String("worker_id", workerID))
	start := time.Now()
	deadline := start.Add(timeout)

	for {
		if p.isStopped() {
			p.metrics.AllocationFailed(metrics.OutcomeStopped, time.Since(start))
			return nil, poolerrors.New(poolerrors.ErrorTypeStopped, "pool is stopped").
				WithDetail("pool", p.name).
				WithDetail("worker_id", workerID)
		}

		wait := time.Until(deadline)
		if wait > p.pollInterval {
			wait = p.pollInterval
		}

		id, ok, err := p.free.pop(ctx, p.stopCh, wait)
		if err != nil {
			p.metrics.AllocationFailed(metrics.OutcomeCancelled, time.Since(start))
			return nil, poolerrors.Wrap(err, poolerrors.ErrorTypeTimeout, "allocate cancelled").
				WithDetail("worker_id", workerID)
		}
		if !ok {
			if !time.Now().Before(deadline) {
				p.metrics.AllocationFailed(metrics.OutcomeUnavailable, time.Since(start))
				log.Debug("no resource available within timeout", zap.Duration("timeout", timeout))
				return nil, poolerrors.New(poolerrors.ErrorTypeUnavailable, "no resource available within timeout").
					WithDetail("pool", p.name).
					WithDetail("worker_id", workerID).
					WithDetail("timeout", timeout.String())
			}
			continue
		}

		candidate, claimed := p.claim(id)
		if !claimed {
			continue
		}

		if !p.validate(ctx, candidate) {
			p.demote(id, "validation failed at allocation time", true)
			log.Warn("resource failed validation, moved to error",
				zap.String("resource_id", id))
			continue
		}

		leased, committed := p.commit(id, workerID)
		if !committed {
			continue
		}

		var info resource.ConnectionInfo
		err = p.callHook(ctx, opConnectionInfo, func(ctx context.Context) error {
			var err error
			info, err = p.hook.ConnectionInfo(ctx, leased)
			return err
		})
		if err != nil {
			p.metrics.HookFailed(opConnectionInfo)
			p.demote(id, "connection info failed: "+err.Error(), false)
			log.Warn("connection info failed, moved to error",
				zap.String("resource_id", id),
				zap.Error(err))
			continue
		}

		result := make(resource.ConnectionInfo, len(info)+1)
		for k, v := range info {
			result[k] = v
		}
		result[resource.KeyResourceID] = id

		wait = time.Since(start)
		p.metrics.AllocationGranted(wait)
		log.Info("resource allocated",
			zap.String("resource_id", id),
			zap.Duration("wait", wait))
		return result, nil
	}
}

// claim moves a popped FREE entry into INITIALIZING so it can be validated
// outside the lock. It returns a clone for the hook.
func (p *Pool) claim(id string) (*resource.Entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.table.get(id)
	if !ok || entry.Status != resource.StatusFree || p.stopped {
		p.logger.Debug("discarding stale free queue entry", zap.String("resource_id", id))
		return nil, false
	}
	entry.Status = resource.StatusInitializing
	p.publishLocked()
	return entry.Clone(), true
}

// commit turns a claimed entry into a lease. It fails if Stop ran meanwhile.
func (p *Pool) commit(id, workerID string) (*resource.Entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.table.get(id)
	if !ok || entry.Status != resource.StatusInitializing {
		return nil, false
	}
	entry.Status = resource.StatusOccupied
	entry.Owner = workerID
	entry.AllocatedAt = time.Now()
	entry.ErrorMessage = ""
	p.publishLocked()
	return entry.Clone(), true
}

// demote moves an entry out of rotation into ERROR. Terminal entries are left alone.
func (p *Pool) demote(id, reason string, validation bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.table.get(id)
	if !ok || entry.Status.Terminal() {
		return
	}
	entry.Status = resource.StatusError
	entry.Owner = ""
	entry.AllocatedAt = time.Time{}
	entry.ErrorMessage = reason
	if validation {
		p.validationFailures++
		p.metrics.ValidationFailed()
	}
	p.publishLocked()
}

func (p *Pool) validate(ctx context.Context, entry *resource.Entry) bool {
	var valid bool
	err := p.callHook(ctx, opValidate, func(ctx context.Context) error {
		valid = p.hook.ValidateResource(ctx, entry)
		return nil
	})
	if err != nil {
		p.logger.Warn("validate hook failed",
			zap.String("resource_id", entry.ID),
			zap.Error(err))
		return false
	}
	return valid
}

// Release returns a leased resource to the pool. Releasing an unknown id or
// a resource held by another worker is logged and ignored; the only error
// source is a remote transport, never the local pool.
func (p *Pool) Release(ctx context.Context, resourceID, workerID string, opts ...ReleaseOption) error {
	_, err := p.ReleaseDetailed(ctx, resourceID, workerID, opts...)
	return err
}

// ReleaseDetailed is Release returning which branch was taken.
func (p *Pool) ReleaseDetailed(ctx context.Context, resourceID, workerID string, opts ...ReleaseOption) (ReleaseResult, error) {
	var result ReleaseResult
	o := buildReleaseOptions(opts)
	err := p.tracer.Trace(ctx, "release", func(ctx context.Context) error {
		result = p.release(ctx, resourceID, workerID, o)
		return nil
	}, attribute.String("resource.id", resourceID),
		attribute.String("worker.id", workerID),
		attribute.Bool("reset", o.reset))
	return result, err
}

func (p *Pool) release(ctx context.Context, resourceID, workerID string, o releaseOptions) ReleaseResult {
	log := logger.Enrich(ctx, p.logger).With(
		zap.String("resource_id", resourceID),
		zap.String("worker_id", workerID))

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		log.Warn("release on stopped pool ignored")
		p.metrics.ReleaseRecorded(metrics.OutcomePoolStopped, 0)
		return ReleasePoolStopped
	}

	entry, ok := p.table.get(resourceID)
	if !ok {
		p.mu.Unlock()
		log.Warn("release of unknown resource ignored")
		p.metrics.ReleaseRecorded(metrics.OutcomeUnknown, 0)
		return ReleaseUnknownResource
	}

	if entry.Status != resource.StatusOccupied || entry.Owner != workerID {
		owner, status := entry.Owner, entry.Status
		p.mu.Unlock()
		log.Warn("release refused: worker does not hold the lease",
			zap.String("owner", owner),
			zap.String("status", string(status)))
		p.metrics.ReleaseRecorded(metrics.OutcomeMismatch, 0)
		return ReleaseOwnerMismatch
	}

	held := time.Since(entry.AllocatedAt)
	entry.Owner = ""
	entry.AllocatedAt = time.Time{}

	if !o.reset {
		entry.Status = resource.StatusFree
		p.free.push(entry.ID)
		p.publishLocked()
		p.mu.Unlock()
		log.Info("resource released", zap.Duration("held", held), zap.Bool("reset", false))
		p.metrics.ReleaseRecorded(metrics.OutcomeReleased, held)
		return ReleaseReleased
	}

	entry.Status = resource.StatusInitializing
	snapshot := entry.Clone()
	p.publishLocked()
	p.mu.Unlock()

	resetErr := p.callHook(ctx, opReset, func(ctx context.Context) error {
		return p.hook.ResetResource(ctx, snapshot)
	})
	if resetErr != nil {
		p.metrics.HookFailed(opReset)
		observability.Event(ctx, "reset_failed", attribute.String("error", resetErr.Error()))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped || entry.Status != resource.StatusInitializing {
		// Stop ran while the reset hook was in flight; it owns the entry now.
		log.Warn("resource stopped during reset", zap.String("status", string(entry.Status)))
		p.metrics.ReleaseRecorded(metrics.OutcomePoolStopped, held)
		return ReleasePoolStopped
	}

	if resetErr != nil && p.resetPolicy == ResetFailureQuarantine {
		entry.Status = resource.StatusError
		entry.ErrorMessage = "reset failed: " + resetErr.Error()
		p.publishLocked()
		log.Error("reset failed, resource quarantined", zap.Error(resetErr))
		p.metrics.ReleaseRecorded(metrics.OutcomeQuarantined, held)
		return ReleaseQuarantined
	}

	entry.Status = resource.StatusFree
	p.free.push(entry.ID)
	p.publishLocked()
	p.metrics.ReleaseRecorded(metrics.OutcomeReleased, held)

	if resetErr != nil {
		log.Error("reset failed, resource returned to pool anyway", zap.Error(resetErr))
		return ReleaseResetFailed
	}
	log.Info("resource released", zap.Duration("held", held), zap.Bool("reset", true))
	return ReleaseReleased
}

// Stop tears down every resource, whatever its status, and marks it STOPPED.
// Backend failures are logged per resource and never interrupt the loop.
// Holders of leases are not notified. Calling Stop again is a no-op.
func (p *Pool) Stop(ctx context.Context) error {
	return p.tracer.Trace(ctx, "stop", func(ctx context.Context) error {
		p.stop(ctx)
		return nil
	})
}

func (p *Pool) stop(ctx context.Context) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.stopCh)
	p.free.drain()

	targets := make([]*resource.Entry, 0, p.table.len())
	p.table.each(func(e *resource.Entry) {
		targets = append(targets, e.Clone())
	})
	p.mu.Unlock()

	start := time.Now()
	failures := p.teardown(ctx, targets)

	p.logger.Info("pool stopped",
		zap.Int("resources", len(targets)),
		zap.Int("stop_failures", failures),
		zap.Duration("duration", time.Since(start)))
}

// teardown runs the stop hook for every target and marks its entry STOPPED,
// returning the number of hook failures. Teardown is detached from ctx
// cancellation; only the hook timeout bounds each call.
func (p *Pool) teardown(ctx context.Context, targets []*resource.Entry) int {
	ctx = context.WithoutCancel(ctx)
	failures := 0
	for _, target := range targets {
		err := p.callHook(ctx, opStop, func(ctx context.Context) error {
			return p.hook.StopResource(ctx, target)
		})
		if err != nil {
			failures++
			p.metrics.HookFailed(opStop)
			p.logger.Error("failed to stop resource",
				zap.String("resource_id", target.ID),
				zap.String("status", string(target.Status)),
				zap.Error(err))
		}

		p.mu.Lock()
		if entry, ok := p.table.get(target.ID); ok {
			entry.Status = resource.StatusStopped
			entry.Owner = ""
			entry.AllocatedAt = time.Time{}
		}
		p.publishLocked()
		p.mu.Unlock()
	}
	return failures
}

func (p *Pool) isStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// callHook runs fn with the hook timeout applied and turns a panic inside the
// backend into an error.
func (p *Pool) callHook(ctx context.Context, op string, fn func(ctx context.Context) error) (err error) {
	if p.hookTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.hookTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = poolerrors.Newf(poolerrors.ErrorTypeBackend, "%s hook panicked: %v", op, r).
				WithDetail("operation", op)
		}
	}()

	if err := fn(ctx); err != nil {
		return poolerrors.Wrap(err, hookErrorType(op), op+" hook failed")
	}
	return nil
}

func hookErrorType(op string) poolerrors.ErrorType {
	switch op {
	case opCreate:
		return poolerrors.ErrorTypeCreation
	case opReset:
		return poolerrors.ErrorTypeReset
	case opStop:
		return poolerrors.ErrorTypeStop
	default:
		return poolerrors.ErrorTypeBackend
	}
}

// publishLocked pushes per-status gauges. Callers hold p.mu.
func (p *Pool) publishLocked() {
	p.metrics.SetResources(p.table.counts())
}
