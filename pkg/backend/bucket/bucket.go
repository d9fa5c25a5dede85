// Package bucket implements a backend hook over any object store: each
// resource is a key prefix {root}/{id}/ inside one bucket, marked by a
// .lease object. Reset deletes everything under the prefix except the marker;
// stop deletes the marker too. The s3 and gcs backends plug their clients in
// through Store.
package bucket

import (
	"context"
	"io"
	"path"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/ajitpratap0/leasepool/pkg/poolerrors"
	"github.com/ajitpratap0/leasepool/pkg/resource"
)

// MarkerName is the object that marks a prefix as a leased resource.
const MarkerName = ".lease"

// Store is the object store surface the hook needs.
type Store interface {
	// Bucket names the bucket, for connection info
	Bucket() string
	// URL renders key as a store URL such as s3://bucket/key
	URL(key string) string
	Put(ctx context.Context, key string, body []byte) error
	Exists(ctx context.Context, key string) (bool, error)
	// List returns every key starting with prefix
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, keys []string) error
}

// Settings shared by object store backends.
type Settings struct {
	Bucket string `mapstructure:"bucket"`
	// Root is the key prefix all resources live under
	Root string `mapstructure:"root"`
	// SlotPrefix names resources, e.g. scratch-0
	SlotPrefix string `mapstructure:"slot_prefix"`
}

// DefaultSettings returns the defaults for object store backends.
func DefaultSettings() Settings {
	return Settings{Root: "leasepool", SlotPrefix: "scratch"}
}

type marker struct {
	ResourceID string    `json:"resource_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// Hook implements resource.Hook over a Store.
type Hook struct {
	store      Store
	root       string
	slotPrefix string
	logger     *zap.Logger
}

// NewHook wraps store.
func NewHook(store Store, s Settings, log *zap.Logger) *Hook {
	return &Hook{
		store:      store,
		root:       strings.Trim(s.Root, "/"),
		slotPrefix: s.SlotPrefix,
		logger:     log,
	}
}

func (h *Hook) prefix(id string) string {
	return path.Join(h.root, id) + "/"
}

func (h *Hook) markerKey(id string) string {
	return h.prefix(id) + MarkerName
}

// CreateResource writes the marker for slot index.
func (h *Hook) CreateResource(ctx context.Context, index int) (*resource.Entry, error) {
	id := resource.SlotID(h.slotPrefix, index)
	body, err := json.Marshal(marker{ResourceID: id, CreatedAt: time.Now().UTC()})
	if err != nil {
		return nil, poolerrors.Wrap(err, poolerrors.ErrorTypeInternal, "failed to encode marker")
	}
	if err := h.store.Put(ctx, h.markerKey(id), body); err != nil {
		return nil, poolerrors.Wrap(err, poolerrors.ErrorTypeCreation, "failed to write marker").
			WithDetail("key", h.markerKey(id))
	}
	return resource.NewEntry(id, map[string]string{"prefix": h.prefix(id)}), nil
}

// ValidateResource checks that the marker still exists.
func (h *Hook) ValidateResource(ctx context.Context, entry *resource.Entry) bool {
	ok, err := h.store.Exists(ctx, h.markerKey(entry.ID))
	if err != nil {
		h.logger.Debug("marker check failed", zap.String("resource_id", entry.ID), zap.Error(err))
		return false
	}
	return ok
}

// ConnectionInfo returns the bucket, the prefix and its URL.
func (h *Hook) ConnectionInfo(_ context.Context, entry *resource.Entry) (resource.ConnectionInfo, error) {
	prefix := h.prefix(entry.ID)
	return resource.ConnectionInfo{
		"bucket": h.store.Bucket(),
		"prefix": prefix,
		"url":    h.store.URL(prefix),
	}, nil
}

// ResetResource deletes every object under the prefix except the marker.
func (h *Hook) ResetResource(ctx context.Context, entry *resource.Entry) error {
	return h.purge(ctx, entry.ID, false)
}

// StopResource deletes every object under the prefix.
func (h *Hook) StopResource(ctx context.Context, entry *resource.Entry) error {
	return h.purge(ctx, entry.ID, true)
}

func (h *Hook) purge(ctx context.Context, id string, withMarker bool) error {
	keys, err := h.store.List(ctx, h.prefix(id))
	if err != nil {
		return err
	}
	keep := h.markerKey(id)
	doomed := keys[:0]
	for _, k := range keys {
		if k == keep && !withMarker {
			continue
		}
		doomed = append(doomed, k)
	}
	if len(doomed) == 0 {
		return nil
	}
	h.logger.Debug("deleting objects", zap.String("resource_id", id), zap.Int("count", len(doomed)))
	return h.store.Delete(ctx, doomed)
}

// Close closes the store client if it holds one.
func (h *Hook) Close() error {
	if c, ok := h.store.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
