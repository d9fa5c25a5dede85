package pool

import (
	"context"
	"time"

	"github.com/ajitpratap0/leasepool/pkg/resource"
)

// Pool modes reported in Stats.
const (
	ModeManaged = "managed"
	ModeVirtual = "virtual"
)

// Pool states reported in Stats.
const (
	StateUninitialized = "uninitialized"
	StateActive        = "active"
	StateStopped       = "stopped"
)

// ResourceStatus is the per-resource part of a Stats snapshot.
type ResourceStatus struct {
	Status       resource.Status `json:"status"`
	Owner        string          `json:"owner,omitempty"`
	AllocatedAt  *time.Time      `json:"allocated_at,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// Stats is a read-only snapshot of a pool.
type Stats struct {
	Pool               string                    `json:"pool"`
	Mode               string                    `json:"mode"`
	State              string                    `json:"state"`
	Total              int                       `json:"total"`
	Free               int                       `json:"free"`
	Occupied           int                       `json:"occupied"`
	Initializing       int                       `json:"initializing"`
	Error              int                       `json:"error"`
	Stopped            int                       `json:"stopped"`
	ValidationFailures int64                     `json:"validation_failures"`
	Resources          map[string]ResourceStatus `json:"resources"`
}

// Conserved reports whether the per-status counts add up to Total.
func (s Stats) Conserved() bool {
	return s.Free+s.Occupied+s.Initializing+s.Error+s.Stopped == s.Total
}

// Status returns a lock-protected snapshot of the pool. It never mutates state.
func (p *Pool) Status() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := Stats{
		Pool:               p.name,
		Mode:               ModeManaged,
		State:              StateUninitialized,
		Total:              p.table.len(),
		ValidationFailures: p.validationFailures,
		Resources:          make(map[string]ResourceStatus, p.table.len()),
	}
	switch {
	case p.stopped:
		stats.State = StateStopped
	case p.initialized:
		stats.State = StateActive
	}

	p.table.each(func(e *resource.Entry) {
		rs := ResourceStatus{
			Status:       e.Status,
			Owner:        e.Owner,
			ErrorMessage: e.ErrorMessage,
		}
		if !e.AllocatedAt.IsZero() {
			at := e.AllocatedAt
			rs.AllocatedAt = &at
		}
		stats.Resources[e.ID] = rs

		switch e.Status {
		case resource.StatusFree:
			stats.Free++
		case resource.StatusOccupied:
			stats.Occupied++
		case resource.StatusInitializing:
			stats.Initializing++
		case resource.StatusError:
			stats.Error++
		case resource.StatusStopped:
			stats.Stopped++
		}
	})

	return stats
}

// Stats implements Leaser.
func (p *Pool) Stats(_ context.Context) (Stats, error) {
	return p.Status(), nil
}

// Entries returns clones of every entry in creation order.
func (p *Pool) Entries() []*resource.Entry {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*resource.Entry, 0, p.table.len())
	p.table.each(func(e *resource.Entry) {
		out = append(out, e.Clone())
	})
	return out
}

// FreeQueueLen returns the number of ids currently queued.
func (p *Pool) FreeQueueLen() int {
	return p.free.len()
}
