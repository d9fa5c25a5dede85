package pool

import (
	"github.com/ajitpratap0/leasepool/pkg/resource"
)

// table is the authoritative map of resource id to entry. Entries are never
// removed; Stop only marks them terminal. Callers hold Pool.mu.
type table struct {
	entries map[string]*resource.Entry
	order   []string
}

func newTable(capacity int) *table {
	return &table{
		entries: make(map[string]*resource.Entry, capacity),
		order:   make([]string, 0, capacity),
	}
}

// insert adds e and reports false when its id is already present.
func (t *table) insert(e *resource.Entry) bool {
	if _, exists := t.entries[e.ID]; exists {
		return false
	}
	t.entries[e.ID] = e
	t.order = append(t.order, e.ID)
	return true
}

func (t *table) get(id string) (*resource.Entry, bool) {
	e, ok := t.entries[id]
	return e, ok
}

func (t *table) has(id string) bool {
	_, ok := t.entries[id]
	return ok
}

func (t *table) len() int {
	return len(t.order)
}

// each visits entries in insertion order.
func (t *table) each(fn func(e *resource.Entry)) {
	for _, id := range t.order {
		fn(t.entries[id])
	}
}

// counts returns the number of entries per status.
func (t *table) counts() map[resource.Status]int {
	counts := make(map[resource.Status]int, len(resource.AllStatuses))
	for _, e := range t.entries {
		counts[e.Status]++
	}
	return counts
}
