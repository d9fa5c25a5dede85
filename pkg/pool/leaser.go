package pool

import (
	"context"
	"time"

	"github.com/ajitpratap0/leasepool/pkg/resource"
)

// Leaser is the pool facade: the operation set a remote proxy forwards.
// *Pool, *NullPool and remote.Client implement it.
type Leaser interface {
	Initialize(ctx context.Context) (bool, error)
	Allocate(ctx context.Context, workerID string, timeout time.Duration) (resource.ConnectionInfo, error)
	Release(ctx context.Context, resourceID, workerID string, opts ...ReleaseOption) error
	Stats(ctx context.Context) (Stats, error)
	Stop(ctx context.Context) error
}

var (
	_ Leaser = (*Pool)(nil)
	_ Leaser = (*NullPool)(nil)
)

// ReleaseWants reports whether opts request a reset. Remote proxies use it to
// forward the flag.
func ReleaseWants(opts []ReleaseOption) (reset bool) {
	return buildReleaseOptions(opts).reset
}
