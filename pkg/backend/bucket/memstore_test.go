package bucket

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemStore is an in-memory Store.
type MemStore struct {
	mu      sync.Mutex
	name    string
	objects map[string][]byte
}

// NewMemStore returns an empty store named bucket.
func NewMemStore(bucket string) *MemStore {
	return &MemStore{name: bucket, objects: map[string][]byte{}}
}

func (m *MemStore) Bucket() string        { return m.name }
func (m *MemStore) URL(key string) string { return "mem://" + m.name + "/" + key }

func (m *MemStore) Put(_ context.Context, key string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), body...)
	return nil
}

func (m *MemStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *MemStore) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemStore) Delete(_ context.Context, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.objects, k)
	}
	return nil
}

// Get returns the object stored under key.
func (m *MemStore) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[key]
	return b, ok
}
