package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/leasepool/pkg/metrics"
	"github.com/ajitpratap0/leasepool/pkg/poolerrors"
	"github.com/ajitpratap0/leasepool/pkg/resource"
	"github.com/ajitpratap0/leasepool/pkg/testutil"
)

func TestNew(t *testing.T) {
	t.Run("non-positive size", func(t *testing.T) {
		p, err := New(0, newScriptedHook())
		assert.Nil(t, p)
		assert.True(t, poolerrors.IsType(err, poolerrors.ErrorTypeValidation))
	})

	t.Run("nil hook", func(t *testing.T) {
		p, err := New(2, nil)
		assert.Nil(t, p)
		assert.Error(t, err)
	})

	t.Run("uninitialized stats", func(t *testing.T) {
		p, err := New(2, newScriptedHook(), WithName("fresh"))
		require.NoError(t, err)
		stats := p.Status()
		assert.Equal(t, StateUninitialized, stats.State)
		assert.Equal(t, 0, stats.Total)
	})
}

func TestInitialize(t *testing.T) {
	t.Run("all resources free", func(t *testing.T) {
		p, err := New(3, newScriptedHook(), WithName(t.Name()), WithLogger(testutil.TestLogger(t)))
		require.NoError(t, err)

		ok, err := p.Initialize(context.Background())
		require.NoError(t, err)
		assert.True(t, ok)

		stats := p.Status()
		assert.Equal(t, StateActive, stats.State)
		assert.Equal(t, 3, stats.Total)
		assert.Equal(t, 3, stats.Free)
		assert.Equal(t, 3, p.FreeQueueLen())
		assert.True(t, stats.Conserved())
	})

	t.Run("degraded pool", func(t *testing.T) {
		hook := newScriptedHook()
		hook.unusable[1] = true
		p, err := New(4, hook, WithName(t.Name()), WithLogger(testutil.TestLogger(t)))
		require.NoError(t, err)

		ok, err := p.Initialize(context.Background())
		require.NoError(t, err)
		assert.False(t, ok)

		stats := p.Status()
		assert.Equal(t, 4, stats.Total)
		assert.Equal(t, 3, stats.Free)
		assert.Equal(t, 1, stats.Error)
		assert.Equal(t, resource.StatusError, stats.Resources["r-1"].Status)
		assert.Equal(t, "unreachable", stats.Resources["r-1"].ErrorMessage)
	})

	t.Run("create error and panic", func(t *testing.T) {
		hook := newScriptedHook()
		hook.createErr[0] = errBackend
		hook.createPanic[2] = true
		p, err := New(3, hook, WithName("broken"), WithLogger(testutil.TestLogger(t)))
		require.NoError(t, err)

		ok, err := p.Initialize(context.Background())
		require.NoError(t, err)
		assert.False(t, ok)

		stats := p.Status()
		assert.Equal(t, 3, stats.Total)
		assert.Equal(t, 1, stats.Free)
		assert.Equal(t, 2, stats.Error)
		assert.Contains(t, stats.Resources["broken-slot-0"].ErrorMessage, "backend exploded")
		assert.Contains(t, stats.Resources["broken-slot-2"].ErrorMessage, "panicked")
	})

	t.Run("duplicate ids are renamed", func(t *testing.T) {
		hook := newScriptedHook()
		hook.fixedID[1] = "r-0"
		p, err := New(2, hook, WithName("dup"), WithLogger(testutil.TestLogger(t)))
		require.NoError(t, err)

		ok, err := p.Initialize(context.Background())
		require.NoError(t, err)
		assert.False(t, ok)

		stats := p.Status()
		assert.Equal(t, 2, stats.Total)
		assert.Equal(t, resource.StatusFree, stats.Resources["r-0"].Status)
		assert.Equal(t, resource.StatusError, stats.Resources["dup-slot-1"].Status)
	})

	t.Run("concurrent creation keeps slot order", func(t *testing.T) {
		p := newTestPool(t, 6, newScriptedHook(), WithCreateConcurrency(4))
		entries := p.Entries()
		require.Len(t, entries, 6)
		for i, e := range entries {
			assert.Equal(t, resource.SlotID("r", i), e.ID)
		}
	})

	t.Run("second call refused", func(t *testing.T) {
		p := newTestPool(t, 1, newScriptedHook())
		ok, err := p.Initialize(context.Background())
		assert.False(t, ok)
		assert.True(t, poolerrors.IsType(err, poolerrors.ErrorTypeConflict))
		assert.Equal(t, 1, p.Status().Total)
	})
}

func TestAllocateRelease_Scenarios(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(t, 2, newScriptedHook())

	// Scenario 1: two leases succeed, the third times out.
	info1, err := p.Allocate(ctx, "w1", time.Second)
	require.NoError(t, err)
	info2, err := p.Allocate(ctx, "w2", time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, info1.ResourceID(), info2.ResourceID())

	_, err = p.Allocate(ctx, "w3", 200*time.Millisecond)
	require.Error(t, err)
	assert.True(t, poolerrors.IsType(err, poolerrors.ErrorTypeUnavailable))
	assert.True(t, poolerrors.IsRetryable(err))

	// Scenario 2: w1's resource goes to w3.
	require.NoError(t, p.Release(ctx, info1.ResourceID(), "w1"))
	info3, err := p.Allocate(ctx, "w3", time.Second)
	require.NoError(t, err)
	assert.Equal(t, info1.ResourceID(), info3.ResourceID())

	stats := p.Status()
	assert.Equal(t, 2, stats.Occupied)
	assert.Equal(t, "w3", stats.Resources[info3.ResourceID()].Owner)
	assert.True(t, stats.Conserved())
}

func TestAllocate_ConnectionInfo(t *testing.T) {
	p := newTestPool(t, 1, newScriptedHook())

	info, err := p.Allocate(context.Background(), "w1", time.Second)
	require.NoError(t, err)

	assert.Equal(t, "r-0", info.ResourceID())
	assert.Equal(t, "10.0.0.1", info["host"])
	assert.Equal(t, "w1", info["owner"], "hook sees the committed owner")

	stats := p.Status()
	rs := stats.Resources["r-0"]
	assert.Equal(t, resource.StatusOccupied, rs.Status)
	require.NotNil(t, rs.AllocatedAt)
	assert.WithinDuration(t, time.Now(), *rs.AllocatedAt, time.Second)
}

func TestAllocate_TimeoutBoundary(t *testing.T) {
	const (
		timeout = 150 * time.Millisecond
		poll    = 20 * time.Millisecond
		slack   = 80 * time.Millisecond
	)
	p := newTestPool(t, 1, newScriptedHook(), WithPollInterval(poll))

	_, err := p.Allocate(context.Background(), "w1", time.Second)
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Allocate(context.Background(), "w2", timeout)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.LessOrEqual(t, elapsed, timeout+poll+slack)
}

func TestAllocate_ZeroTimeout(t *testing.T) {
	p := newTestPool(t, 1, newScriptedHook())

	info, err := p.Allocate(context.Background(), "w1", 0)
	require.NoError(t, err, "a free resource is handed out without waiting")
	assert.Equal(t, "r-0", info.ResourceID())

	_, err = p.Allocate(context.Background(), "w2", 0)
	assert.True(t, poolerrors.IsType(err, poolerrors.ErrorTypeUnavailable))
}

func TestAllocate_EmptyWorker(t *testing.T) {
	p := newTestPool(t, 1, newScriptedHook())
	_, err := p.Allocate(context.Background(), "", time.Second)
	assert.True(t, poolerrors.IsType(err, poolerrors.ErrorTypeValidation))
	assert.Equal(t, 1, p.Status().Free)
}

func TestAllocate_ValidationFailure(t *testing.T) {
	// Scenario 4: r-0 fails validation, the caller transparently gets r-1.
	hook := newScriptedHook()
	hook.invalid["r-0"] = true
	p := newTestPool(t, 2, hook)

	info, err := p.Allocate(context.Background(), "w1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "r-1", info.ResourceID())

	stats := p.Status()
	assert.Equal(t, resource.StatusError, stats.Resources["r-0"].Status)
	assert.NotEmpty(t, stats.Resources["r-0"].ErrorMessage)
	assert.Equal(t, int64(1), stats.ValidationFailures)
	assert.Equal(t, 0, stats.Free)
	assert.True(t, stats.Conserved())

	// r-0 never comes back into rotation.
	require.NoError(t, p.Release(context.Background(), "r-1", "w1"))
	info, err = p.Allocate(context.Background(), "w2", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "r-1", info.ResourceID())
}

func TestAllocate_ConnectionInfoFailureDemotes(t *testing.T) {
	hook := newScriptedHook()
	hook.infoErr["r-0"] = errBackend
	p := newTestPool(t, 2, hook)

	info, err := p.Allocate(context.Background(), "w1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "r-1", info.ResourceID())

	stats := p.Status()
	assert.Equal(t, resource.StatusError, stats.Resources["r-0"].Status)
	assert.Empty(t, stats.Resources["r-0"].Owner)
}

func TestAllocate_ContextCancelled(t *testing.T) {
	p := newTestPool(t, 1, newScriptedHook())
	_, err := p.Allocate(context.Background(), "w1", time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = p.Allocate(ctx, "w2", 10*time.Second)
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, poolerrors.IsType(err, poolerrors.ErrorTypeTimeout))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRelease_OwnershipEnforced(t *testing.T) {
	// Scenario 3: w2 cannot release w1's lease.
	p := newTestPool(t, 1, newScriptedHook())
	ctx := context.Background()

	_, err := p.Allocate(ctx, "w1", time.Second)
	require.NoError(t, err)

	result, err := p.ReleaseDetailed(ctx, "r-0", "w2")
	require.NoError(t, err)
	assert.Equal(t, ReleaseOwnerMismatch, result)

	rs := p.Status().Resources["r-0"]
	assert.Equal(t, resource.StatusOccupied, rs.Status)
	assert.Equal(t, "w1", rs.Owner)
}

func TestRelease_UnknownResource(t *testing.T) {
	p := newTestPool(t, 1, newScriptedHook())
	result, err := p.ReleaseDetailed(context.Background(), "r-99", "w1")
	require.NoError(t, err)
	assert.Equal(t, ReleaseUnknownResource, result)
}

func TestRelease_DoubleRelease(t *testing.T) {
	hook := newScriptedHook()
	p := newTestPool(t, 1, hook)
	ctx := context.Background()

	_, err := p.Allocate(ctx, "w1", time.Second)
	require.NoError(t, err)

	first, err := p.ReleaseDetailed(ctx, "r-0", "w1")
	require.NoError(t, err)
	second, err := p.ReleaseDetailed(ctx, "r-0", "w1")
	require.NoError(t, err)

	assert.Equal(t, ReleaseReleased, first)
	assert.Equal(t, ReleaseOwnerMismatch, second)
	assert.Equal(t, 1, hook.resetCount())
	assert.Equal(t, 1, p.FreeQueueLen(), "id queued once")
}

func TestRelease_Reset(t *testing.T) {
	ctx := context.Background()

	t.Run("reset runs by default", func(t *testing.T) {
		hook := newScriptedHook()
		p := newTestPool(t, 1, hook)
		_, err := p.Allocate(ctx, "w1", time.Second)
		require.NoError(t, err)

		require.NoError(t, p.Release(ctx, "r-0", "w1"))
		assert.Equal(t, 1, hook.resetCount())
		rs := p.Status().Resources["r-0"]
		assert.Equal(t, resource.StatusFree, rs.Status)
		assert.Empty(t, rs.Owner)
		assert.Nil(t, rs.AllocatedAt)
	})

	t.Run("without reset", func(t *testing.T) {
		hook := newScriptedHook()
		p := newTestPool(t, 1, hook)
		_, err := p.Allocate(ctx, "w1", time.Second)
		require.NoError(t, err)

		require.NoError(t, p.Release(ctx, "r-0", "w1", WithoutReset()))
		assert.Equal(t, 0, hook.resetCount())
		assert.Equal(t, 1, p.Status().Free)
	})

	t.Run("failure kept in rotation by default", func(t *testing.T) {
		hook := newScriptedHook()
		hook.resetErr = errBackend
		p := newTestPool(t, 1, hook)
		_, err := p.Allocate(ctx, "w1", time.Second)
		require.NoError(t, err)

		result, err := p.ReleaseDetailed(ctx, "r-0", "w1")
		require.NoError(t, err)
		assert.Equal(t, ReleaseResetFailed, result)
		assert.Equal(t, resource.StatusFree, p.Status().Resources["r-0"].Status)
	})

	t.Run("failure quarantined", func(t *testing.T) {
		hook := newScriptedHook()
		hook.resetErr = errBackend
		p := newTestPool(t, 1, hook, WithResetFailurePolicy(ResetFailureQuarantine))
		_, err := p.Allocate(ctx, "w1", time.Second)
		require.NoError(t, err)

		result, err := p.ReleaseDetailed(ctx, "r-0", "w1")
		require.NoError(t, err)
		assert.Equal(t, ReleaseQuarantined, result)

		rs := p.Status().Resources["r-0"]
		assert.Equal(t, resource.StatusError, rs.Status)
		assert.Contains(t, rs.ErrorMessage, "reset failed")
		assert.Equal(t, 0, p.FreeQueueLen())
	})

	t.Run("resetting resource is neither owned nor free", func(t *testing.T) {
		hook := newScriptedHook()
		hook.resetDelay = 100 * time.Millisecond
		p := newTestPool(t, 1, hook)
		_, err := p.Allocate(ctx, "w1", time.Second)
		require.NoError(t, err)

		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = p.Release(ctx, "r-0", "w1")
		}()

		testutil.AssertEventually(t, func() bool {
			return p.Status().Initializing == 1
		}, time.Second, "resource enters reset")
		stats := p.Status()
		assert.Empty(t, stats.Resources["r-0"].Owner)
		assert.True(t, stats.Conserved())

		<-done
		assert.Equal(t, 1, p.Status().Free)
	})
}

func TestStop(t *testing.T) {
	// Scenario 5: the occupied resource's stop hook fails; both end STOPPED.
	hook := newScriptedHook()
	hook.stopErr["occupied"] = errBackend
	p := newTestPool(t, 2, hook)
	ctx := context.Background()

	_, err := p.Allocate(ctx, "w1", time.Second)
	require.NoError(t, err)

	require.NoError(t, p.Stop(ctx))
	assert.Equal(t, 2, hook.stopCount())

	stats := p.Status()
	assert.Equal(t, StateStopped, stats.State)
	assert.Equal(t, 2, stats.Stopped)
	for id, rs := range stats.Resources {
		assert.Equal(t, resource.StatusStopped, rs.Status, id)
		assert.Empty(t, rs.Owner, id)
	}

	t.Run("idempotent", func(t *testing.T) {
		require.NoError(t, p.Stop(ctx))
		assert.Equal(t, 2, hook.stopCount())
	})

	t.Run("allocate refused", func(t *testing.T) {
		_, err := p.Allocate(ctx, "w2", time.Second)
		assert.True(t, poolerrors.IsType(err, poolerrors.ErrorTypeStopped))
	})

	t.Run("release ignored", func(t *testing.T) {
		result, err := p.ReleaseDetailed(ctx, "r-0", "w1")
		require.NoError(t, err)
		assert.Equal(t, ReleasePoolStopped, result)
		assert.Equal(t, 2, p.Status().Stopped, "STOPPED is terminal")
	})

	t.Run("initialize refused", func(t *testing.T) {
		_, err := p.Initialize(ctx)
		assert.True(t, poolerrors.IsType(err, poolerrors.ErrorTypeStopped))
	})
}

func TestStop_WakesWaitingAllocate(t *testing.T) {
	p := newTestPool(t, 1, newScriptedHook(), WithPollInterval(time.Second))
	ctx := context.Background()
	_, err := p.Allocate(ctx, "w1", time.Second)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Allocate(ctx, "w2", 30*time.Second)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, p.Stop(ctx))

	select {
	case err := <-errCh:
		assert.True(t, poolerrors.IsType(err, poolerrors.ErrorTypeStopped))
	case <-time.After(2 * time.Second):
		t.Fatal("allocate did not return after stop")
	}
}

func TestStop_DuringValidation(t *testing.T) {
	hook := newScriptedHook()
	hook.validateWait = 100 * time.Millisecond
	p := newTestPool(t, 1, hook)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Allocate(context.Background(), "w1", time.Second)
		errCh <- err
	}()

	testutil.AssertEventually(t, func() bool {
		return p.Status().Initializing == 1
	}, time.Second, "allocation starts validating")
	require.NoError(t, p.Stop(context.Background()))

	err := <-errCh
	assert.True(t, poolerrors.IsType(err, poolerrors.ErrorTypeStopped))
	assert.Equal(t, resource.StatusStopped, p.Status().Resources["r-0"].Status)
}

func TestStop_DuringInitialize(t *testing.T) {
	hook := newScriptedHook()
	hook.createDelay = 100 * time.Millisecond
	p, err := New(2, hook,
		WithName(t.Name()),
		WithLogger(testutil.TestLogger(t)),
		WithPollInterval(20*time.Millisecond))
	require.NoError(t, err)

	type initResult struct {
		ok  bool
		err error
	}
	done := make(chan initResult, 1)
	go func() {
		ok, err := p.Initialize(context.Background())
		done <- initResult{ok, err}
	}()

	testutil.AssertEventually(t, func() bool {
		return hook.createCount() == 2
	}, time.Second, "backend starts creating")
	require.NoError(t, p.Stop(context.Background()))

	res := <-done
	assert.False(t, res.ok)
	assert.True(t, poolerrors.IsType(res.err, poolerrors.ErrorTypeStopped))

	stats := p.Status()
	assert.Equal(t, StateStopped, stats.State)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.Stopped)
	assert.Zero(t, stats.Free)
	assert.Equal(t, 2, hook.stopCount())
	assert.Zero(t, p.free.len())
}

func TestStop_IgnoresCallerCancellation(t *testing.T) {
	hook := newScriptedHook()
	hook.stopWait = 50 * time.Millisecond
	p := newTestPool(t, 3, hook)

	ctx, cancel := context.WithTimeout(context.Background(), 70*time.Millisecond)
	defer cancel()
	require.NoError(t, p.Stop(ctx))

	assert.Equal(t, 3, hook.stopCount(), "every teardown runs to completion")
	assert.Equal(t, 3, p.Status().Stopped)
}

func TestStop_HookTimeoutStillBoundsTeardown(t *testing.T) {
	hook := newScriptedHook()
	hook.stopWait = time.Second
	p := newTestPool(t, 2, hook, WithHookTimeout(30*time.Millisecond))

	start := time.Now()
	require.NoError(t, p.Stop(context.Background()))

	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Zero(t, hook.stopCount())
	assert.Equal(t, 2, p.Status().Stopped)
}

func TestRelease_StoppedPoolOutcomeLabel(t *testing.T) {
	p := newTestPool(t, 1, newScriptedHook())
	ctx := context.Background()

	info, err := p.Allocate(ctx, "w1", time.Second)
	require.NoError(t, err)
	require.NoError(t, p.Stop(ctx))

	res, err := p.ReleaseDetailed(ctx, info.ResourceID(), "w1")
	require.NoError(t, err)
	assert.Equal(t, ReleasePoolStopped, res)
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.Releases.WithLabelValues(p.Name(), metrics.OutcomePoolStopped)))
}

func TestRelease_ResetFinishingAfterStopBegins(t *testing.T) {
	hook := newScriptedHook()
	hook.resetDelay = 50 * time.Millisecond
	hook.stopWait = 150 * time.Millisecond
	p := newTestPool(t, 2, hook)
	ctx := context.Background()

	_, err := p.Allocate(ctx, "w0", time.Second)
	require.NoError(t, err)
	info, err := p.Allocate(ctx, "w1", time.Second)
	require.NoError(t, err)
	require.Equal(t, "r-1", info.ResourceID())

	released := make(chan ReleaseResult, 1)
	go func() {
		res, _ := p.ReleaseDetailed(ctx, "r-1", "w1")
		released <- res
	}()
	testutil.AssertEventually(t, func() bool {
		return p.Status().Initializing == 1
	}, time.Second, "reset starts")

	stopped := make(chan struct{})
	go func() {
		_ = p.Stop(ctx)
		close(stopped)
	}()

	// r-0 is torn down first and slowly, so the reset on r-1 completes
	// while Stop is still busy with r-0.
	assert.Equal(t, ReleasePoolStopped, <-released)
	assert.Zero(t, p.free.len())
	assert.NotEqual(t, resource.StatusFree, p.Status().Resources["r-1"].Status)

	<-stopped
	stats := p.Status()
	assert.Equal(t, 2, stats.Stopped)
	assert.Zero(t, p.free.len())
	assert.Equal(t, 2, hook.stopCount())
}

func TestConcurrentMutualExclusion(t *testing.T) {
	const (
		size    = 4
		workers = 16
		rounds  = 25
	)
	p := newTestPool(t, size, newScriptedHook(), WithPollInterval(5*time.Millisecond))
	ctx := context.Background()

	var (
		mu      sync.Mutex
		holders = map[string]string{}
		grants  int64
		wg      sync.WaitGroup
	)
	violations := make(chan string, workers*rounds)

	for w := 0; w < workers; w++ {
		workerID := fmt.Sprintf("w%d", w)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				info, err := p.Allocate(ctx, workerID, 5*time.Second)
				if err != nil {
					continue
				}
				id := info.ResourceID()

				mu.Lock()
				if other, held := holders[id]; held {
					violations <- fmt.Sprintf("%s handed to %s while held by %s", id, workerID, other)
				}
				holders[id] = workerID
				mu.Unlock()
				atomic.AddInt64(&grants, 1)

				time.Sleep(time.Millisecond)

				mu.Lock()
				delete(holders, id)
				mu.Unlock()
				_ = p.Release(ctx, id, workerID, WithReset(r%2 == 0))
			}
		}()
	}

	stopCheck := make(chan struct{})
	checkDone := make(chan struct{})
	go func() {
		defer close(checkDone)
		for {
			select {
			case <-stopCheck:
				return
			default:
			}
			if stats := p.Status(); !stats.Conserved() || stats.Total != size {
				violations <- fmt.Sprintf("counts not conserved: %+v", stats)
			}
			time.Sleep(time.Millisecond)
		}
	}()

	wg.Wait()
	close(stopCheck)
	<-checkDone
	close(violations)

	for v := range violations {
		t.Error(v)
	}
	assert.Equal(t, int64(workers*rounds), atomic.LoadInt64(&grants))

	stats := p.Status()
	assert.Equal(t, size, stats.Free)
	assert.Equal(t, size, p.FreeQueueLen())
}

func TestParseResetFailurePolicy(t *testing.T) {
	policy, err := ParseResetFailurePolicy("")
	require.NoError(t, err)
	assert.Equal(t, ResetFailureKeep, policy)

	policy, err = ParseResetFailurePolicy(" Quarantine ")
	require.NoError(t, err)
	assert.Equal(t, ResetFailureQuarantine, policy)

	_, err = ParseResetFailurePolicy("retry")
	assert.Error(t, err)
}
