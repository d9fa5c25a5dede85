package pool

import (
	"context"
	"time"
)

// freeQueue is the FIFO of resource ids eligible for allocation. It is backed
// by a buffered channel sized to the pool, and an id is queued at most once,
// so push never blocks.
type freeQueue struct {
	ch chan string
}

func newFreeQueue(capacity int) *freeQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &freeQueue{ch: make(chan string, capacity)}
}

// push appends id and reports false if the queue is full.
func (q *freeQueue) push(id string) bool {
	select {
	case q.ch <- id:
		return true
	default:
		return false
	}
}

// pop takes the oldest id, waiting at most wait. A zero wait never blocks.
// ok is false when nothing arrived in time or stop was closed; err is set only
// when ctx ended first.
func (q *freeQueue) pop(ctx context.Context, stop <-chan struct{}, wait time.Duration) (id string, ok bool, err error) {
	if wait <= 0 {
		select {
		case id = <-q.ch:
			return id, true, nil
		default:
			return "", false, nil
		}
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case id = <-q.ch:
		return id, true, nil
	case <-timer.C:
		return "", false, nil
	case <-stop:
		return "", false, nil
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
}

func (q *freeQueue) len() int {
	return len(q.ch)
}

// drain discards every queued id.
func (q *freeQueue) drain() {
drainLoop:
	for len(q.ch) > 0 {
		select {
		case <-q.ch:
		default:
			break drainLoop
		}
	}
}
