package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/leasepool/pkg/resource"
	"github.com/ajitpratap0/leasepool/pkg/testutil"
)

// scriptedHook is a backend whose behaviour per slot or id is set by the test.
type scriptedHook struct {
	mu sync.Mutex

	unusable     map[int]bool
	createErr    map[int]error
	createPanic  map[int]bool
	fixedID      map[int]string
	invalid      map[string]bool
	infoErr      map[string]error
	stopErr      map[string]error
	resetErr     error
	resetDelay   time.Duration
	validateWait time.Duration
	createDelay  time.Duration
	stopWait     time.Duration

	creates   int

	validated []string
	resets    []string
	stops     []string
}

func newScriptedHook() *scriptedHook {
	return &scriptedHook{
		unusable:    map[int]bool{},
		createErr:   map[int]error{},
		createPanic: map[int]bool{},
		fixedID:     map[int]string{},
		invalid:     map[string]bool{},
		infoErr:     map[string]error{},
		stopErr:     map[string]error{},
	}
}

func (h *scriptedHook) CreateResource(_ context.Context, index int) (*resource.Entry, error) {
	h.mu.Lock()
	h.creates++
	h.mu.Unlock()
	if h.createDelay > 0 {
		time.Sleep(h.createDelay)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.createPanic[index] {
		panic(fmt.Sprintf("slot %d exploded", index))
	}
	id := resource.SlotID("r", index)
	if fixed, ok := h.fixedID[index]; ok {
		id = fixed
	}
	if err := h.createErr[index]; err != nil {
		return nil, err
	}
	e := resource.NewEntry(id, map[string]string{"host": fmt.Sprintf("10.0.0.%d", index+1)})
	if h.unusable[index] {
		e.Status = resource.StatusError
		e.ErrorMessage = "unreachable"
	}
	return e, nil
}

func (h *scriptedHook) ValidateResource(ctx context.Context, e *resource.Entry) bool {
	if h.validateWait > 0 {
		select {
		case <-time.After(h.validateWait):
		case <-ctx.Done():
			return false
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.validated = append(h.validated, e.ID)
	return !h.invalid[e.ID]
}

func (h *scriptedHook) ConnectionInfo(_ context.Context, e *resource.Entry) (resource.ConnectionInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.infoErr[e.ID]; err != nil {
		return nil, err
	}
	return resource.ConnectionInfo{"host": e.Config["host"], "owner": e.Owner}, nil
}

func (h *scriptedHook) ResetResource(_ context.Context, e *resource.Entry) error {
	if h.resetDelay > 0 {
		time.Sleep(h.resetDelay)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resets = append(h.resets, e.ID)
	return h.resetErr
}

// StopResource records the teardown only once stopWait has elapsed without
// ctx ending, the way a real backend call would be abandoned.
func (h *scriptedHook) StopResource(ctx context.Context, e *resource.Entry) error {
	if h.stopWait > 0 {
		select {
		case <-time.After(h.stopWait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stops = append(h.stops, e.ID)
	if e.Status == resource.StatusOccupied && h.stopErr["occupied"] != nil {
		return h.stopErr["occupied"]
	}
	return h.stopErr[e.ID]
}

func (h *scriptedHook) resetCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.resets)
}

func (h *scriptedHook) createCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.creates
}

func (h *scriptedHook) stopCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.stops)
}

var errBackend = errors.New("backend exploded")

// newTestPool builds and initializes a pool with a short poll interval.
func newTestPool(t *testing.T, size int, hook resource.Hook, opts ...Option) *Pool {
	t.Helper()
	base := []Option{
		WithName(t.Name()),
		WithLogger(testutil.TestLogger(t)),
		WithPollInterval(20 * time.Millisecond),
	}
	p, err := New(size, hook, append(base, opts...)...)
	require.NoError(t, err)
	_, err = p.Initialize(context.Background())
	require.NoError(t, err)
	return p
}
