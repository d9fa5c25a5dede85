// Package mongo leases scratch MongoDB databases. Each database carries a
// _lease collection holding a marker document; reset drops every other
// collection and stop drops the database.
package mongo

import (
	"context"
	"net/url"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/ajitpratap0/leasepool/pkg/backend"
	"github.com/ajitpratap0/leasepool/pkg/backend/registry"
	"github.com/ajitpratap0/leasepool/pkg/config"
	"github.com/ajitpratap0/leasepool/pkg/poolerrors"
	"github.com/ajitpratap0/leasepool/pkg/resource"
)

// Name is the backend type.
const Name = "mongodb"

// MarkerCollection holds the lease marker in every scratch database.
const MarkerCollection = "_lease"

func init() {
	registry.MustRegister(registry.Info{
		Name:        Name,
		Description: "scratch MongoDB databases",
		Settings:    []string{"uri", "prefix", "connect_timeout"},
	}, New)
}

// Settings configures the mongodb backend.
type Settings struct {
	URI            string        `mapstructure:"uri"`
	Prefix         string        `mapstructure:"prefix"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type store interface {
	Ping(ctx context.Context) error
	InsertMarker(ctx context.Context, db string, doc bson.M) error
	HasMarker(ctx context.Context, db, id string) (bool, error)
	CollectionNames(ctx context.Context, db string) ([]string, error)
	DropCollection(ctx context.Context, db, coll string) error
	DropDatabase(ctx context.Context, db string) error
	Disconnect(ctx context.Context) error
}

// Hook implements resource.Hook for scratch databases.
type Hook struct {
	settings Settings
	base     *url.URL
	store    store
	logger   *zap.Logger
}

// New connects to the deployment named by uri.
func New(cfg config.BackendConfig, log *zap.Logger) (resource.Hook, error) {
	s := Settings{Prefix: "lease", ConnectTimeout: 10 * time.Second}
	if err := config.DecodeSettings(cfg.Settings, &s); err != nil {
		return nil, err
	}
	if err := backend.Require("uri", s.URI); err != nil {
		return nil, err
	}
	if err := backend.ValidatePrefix("prefix", s.Prefix); err != nil {
		return nil, err
	}
	base, err := url.Parse(s.URI)
	if err != nil {
		return nil, poolerrors.Wrap(err, poolerrors.ErrorTypeConfig, "invalid uri")
	}

	opts := options.Client().
		ApplyURI(s.URI).
		SetConnectTimeout(s.ConnectTimeout).
		SetServerSelectionTimeout(s.ConnectTimeout)
	client, err := mongo.Connect(context.Background(), opts)
	if err != nil {
		return nil, poolerrors.Wrap(err, poolerrors.ErrorTypeConnection, "failed to connect to MongoDB")
	}
	return newHook(s, base, &clientStore{client: client}, log), nil
}

func newHook(s Settings, base *url.URL, st store, log *zap.Logger) *Hook {
	return &Hook{settings: s, base: base, store: st, logger: log}
}

// CreateResource drops any leftover database and writes a fresh marker.
func (h *Hook) CreateResource(ctx context.Context, index int) (*resource.Entry, error) {
	db := backend.ScratchName(h.settings.Prefix, index)
	if err := h.store.DropDatabase(ctx, db); err != nil {
		return nil, poolerrors.Wrap(err, poolerrors.ErrorTypeCreation, "failed to drop leftover database").
			WithDetail("database", db)
	}
	marker := bson.M{"_id": db, "created_at": time.Now().UTC()}
	if err := h.store.InsertMarker(ctx, db, marker); err != nil {
		return nil, poolerrors.Wrap(err, poolerrors.ErrorTypeCreation, "failed to write marker").
			WithDetail("database", db)
	}
	return resource.NewEntry(db, map[string]string{"database": db}), nil
}

// ValidateResource pings the deployment and checks the marker.
func (h *Hook) ValidateResource(ctx context.Context, entry *resource.Entry) bool {
	if err := h.store.Ping(ctx); err != nil {
		h.logger.Debug("ping failed", zap.Error(err))
		return false
	}
	ok, err := h.store.HasMarker(ctx, entry.Config["database"], entry.ID)
	if err != nil {
		h.logger.Debug("marker lookup failed", zap.String("resource_id", entry.ID), zap.Error(err))
		return false
	}
	return ok
}

// ConnectionInfo returns the database name and a URI pointing at it.
func (h *Hook) ConnectionInfo(_ context.Context, entry *resource.Entry) (resource.ConnectionInfo, error) {
	db := entry.Config["database"]
	u := *h.base
	u.Path = "/" + db
	return resource.ConnectionInfo{
		"database": db,
		"uri":      u.String(),
	}, nil
}

// ResetResource drops every collection except the marker collection.
func (h *Hook) ResetResource(ctx context.Context, entry *resource.Entry) error {
	db := entry.Config["database"]
	names, err := h.store.CollectionNames(ctx, db)
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == MarkerCollection {
			continue
		}
		if err := h.store.DropCollection(ctx, db, name); err != nil {
			return poolerrors.Wrap(err, poolerrors.ErrorTypeReset, "failed to drop collection").
				WithDetail("collection", db+"."+name)
		}
	}
	return nil
}

// StopResource drops the database.
func (h *Hook) StopResource(ctx context.Context, entry *resource.Entry) error {
	return h.store.DropDatabase(ctx, entry.Config["database"])
}

// Close disconnects the client.
func (h *Hook) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.store.Disconnect(ctx)
}

type clientStore struct {
	client *mongo.Client
}

func (c *clientStore) Ping(ctx context.Context) error {
	return c.client.Ping(ctx, nil)
}

func (c *clientStore) InsertMarker(ctx context.Context, db string, doc bson.M) error {
	_, err := c.client.Database(db).Collection(MarkerCollection).InsertOne(ctx, doc)
	return err
}

func (c *clientStore) HasMarker(ctx context.Context, db, id string) (bool, error) {
	n, err := c.client.Database(db).Collection(MarkerCollection).CountDocuments(ctx, bson.M{"_id": id})
	return n > 0, err
}

func (c *clientStore) CollectionNames(ctx context.Context, db string) ([]string, error) {
	return c.client.Database(db).ListCollectionNames(ctx, bson.D{})
}

func (c *clientStore) DropCollection(ctx context.Context, db, coll string) error {
	return c.client.Database(db).Collection(coll).Drop(ctx)
}

func (c *clientStore) DropDatabase(ctx context.Context, db string) error {
	return c.client.Database(db).Drop(ctx)
}

func (c *clientStore) Disconnect(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}
