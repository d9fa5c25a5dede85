// Package resource defines the leasable resource record, its lifecycle states
// and the hook contract a concrete backend implements.
//
// A backend (VM provisioner, scratch database server, local GPU slots) never
// mutates an Entry after handing it to the pool. The pool's allocation engine
// is the only writer; everyone else observes clones.
package resource

import (
	"context"
	"fmt"
	"time"
)

// Status is the lifecycle state of a resource.
type Status string

const (
	// StatusFree means the resource is queued and eligible for allocation
	StatusFree Status = "FREE"
	// StatusOccupied means a worker currently holds the lease
	StatusOccupied Status = "OCCUPIED"
	// StatusInitializing means the backend is still materializing the resource
	StatusInitializing Status = "INITIALIZING"
	// StatusError means the resource failed creation or validation and is out of rotation
	StatusError Status = "ERROR"
	// StatusStopped is terminal: the backend has torn the resource down
	StatusStopped Status = "STOPPED"
)

// AllStatuses lists every status in reporting order.
var AllStatuses = []Status{StatusFree, StatusOccupied, StatusInitializing, StatusError, StatusStopped}

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusStopped
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Entry is the record for one leasable resource.
type Entry struct {
	// ID is assigned at creation and never changes
	ID string `json:"id"`
	// Status is the current lifecycle state
	Status Status `json:"status"`
	// Owner is the worker holding the lease; non-empty iff Status is OCCUPIED
	Owner string `json:"owner,omitempty"`
	// AllocatedAt is set on allocation and cleared on release
	AllocatedAt time.Time `json:"allocated_at,omitempty"`
	// ErrorMessage carries the diagnostic for ERROR entries
	ErrorMessage string `json:"error_message,omitempty"`
	// Config is opaque backend metadata captured at creation time
	Config map[string]string `json:"config,omitempty"`
	// CreatedAt records when the backend produced the entry
	CreatedAt time.Time `json:"created_at"`
}

// NewEntry returns a FREE entry with the given id and metadata.
func NewEntry(id string, cfg map[string]string) *Entry {
	if cfg == nil {
		cfg = make(map[string]string)
	}
	return &Entry{
		ID:        id,
		Status:    StatusFree,
		Config:    cfg,
		CreatedAt: time.Now(),
	}
}

// Clone returns a deep copy of e.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	if e.Config != nil {
		c.Config = make(map[string]string, len(e.Config))
		for k, v := range e.Config {
			c.Config[k] = v
		}
	}
	return &c
}

// ConnectionInfo holds whatever a worker needs to reach a leased resource.
// It always carries KeyResourceID once returned by the pool.
type ConnectionInfo map[string]interface{}

// KeyResourceID is the ConnectionInfo key holding the resource id.
const KeyResourceID = "resource_id"

// ResourceID returns the id carried in the connection info, or "".
func (c ConnectionInfo) ResourceID() string {
	id, _ := c[KeyResourceID].(string)
	return id
}

// Hook is implemented by every concrete backend. The pool calls it while
// holding no assumptions about how long a call takes; implementations should
// honour ctx.
type Hook interface {
	// CreateResource materializes slot index. The returned entry is FREE when
	// usable and ERROR otherwise. A non-nil error marks the slot ERROR.
	CreateResource(ctx context.Context, index int) (*Entry, error)

	// ValidateResource reports whether the resource is usable right now.
	ValidateResource(ctx context.Context, entry *Entry) bool

	// ConnectionInfo returns the connection details handed to the lessee.
	ConnectionInfo(ctx context.Context, entry *Entry) (ConnectionInfo, error)

	// ResetResource restores the resource to a clean state between leases.
	ResetResource(ctx context.Context, entry *Entry) error

	// StopResource tears the resource down.
	StopResource(ctx context.Context, entry *Entry) error
}

// SlotID builds the conventional id for slot index, e.g. SlotID("vm", 3) == "vm-3".
func SlotID(prefix string, index int) string {
	if prefix == "" {
		prefix = "r"
	}
	return fmt.Sprintf("%s-%d", prefix, index)
}
