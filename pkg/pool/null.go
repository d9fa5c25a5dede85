package pool

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/leasepool/pkg/logger"
	"github.com/ajitpratap0/leasepool/pkg/poolerrors"
	"github.com/ajitpratap0/leasepool/pkg/resource"
)

// NullPool stands in when no backend is configured. Every allocation succeeds
// at once with a virtual resource derived from the worker id; nothing is
// tracked.
type NullPool struct {
	name   string
	logger *zap.Logger
}

// NewNullPool creates a virtual pool.
func NewNullPool(name string, l *zap.Logger) *NullPool {
	if name == "" {
		name = "null"
	}
	return &NullPool{
		name:   name,
		logger: logger.OrGlobal(l).With(zap.String("component", "null_pool"), zap.String("pool", name)),
	}
}

// VirtualResourceID returns the id NullPool hands to workerID.
func VirtualResourceID(workerID string) string {
	return "virtual-" + workerID
}

// Initialize always succeeds.
func (n *NullPool) Initialize(_ context.Context) (bool, error) {
	n.logger.Info("virtual pool active")
	return true, nil
}

// Allocate returns a virtual resource immediately.
func (n *NullPool) Allocate(_ context.Context, workerID string, _ time.Duration) (resource.ConnectionInfo, error) {
	if workerID == "" {
		return nil, poolerrors.New(poolerrors.ErrorTypeValidation, "worker id cannot be empty")
	}
	return resource.ConnectionInfo{
		resource.KeyResourceID: VirtualResourceID(workerID),
		"virtual":              true,
	}, nil
}

// Release is a no-op.
func (n *NullPool) Release(_ context.Context, _, _ string, _ ...ReleaseOption) error {
	return nil
}

// Stats reports a static active state.
func (n *NullPool) Stats(_ context.Context) (Stats, error) {
	return Stats{
		Pool:      n.name,
		Mode:      ModeVirtual,
		State:     StateActive,
		Resources: map[string]ResourceStatus{},
	}, nil
}

// Stop is a no-op.
func (n *NullPool) Stop(_ context.Context) error {
	return nil
}
