// Package gcs leases key prefixes inside a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"errors"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/ajitpratap0/leasepool/pkg/backend"
	"github.com/ajitpratap0/leasepool/pkg/backend/bucket"
	"github.com/ajitpratap0/leasepool/pkg/backend/registry"
	"github.com/ajitpratap0/leasepool/pkg/config"
	"github.com/ajitpratap0/leasepool/pkg/poolerrors"
	"github.com/ajitpratap0/leasepool/pkg/resource"
)

// Name is the backend type.
const Name = "gcs"

func init() {
	registry.MustRegister(registry.Info{
		Name:        Name,
		Description: "key prefixes in a GCS bucket, marked by a .lease object",
		Settings:    []string{"bucket", "root", "slot_prefix", "credentials_file", "endpoint"},
	}, New)
}

// Settings configures the gcs backend.
type Settings struct {
	bucket.Settings `mapstructure:",squash"`
	CredentialsFile string `mapstructure:"credentials_file"`
	// Endpoint points at an emulator such as fake-gcs-server
	Endpoint string `mapstructure:"endpoint"`
}

// Store adapts a storage client to bucket.Store.
type Store struct {
	name   string
	client *storage.Client
	handle *storage.BucketHandle
}

// New builds the hook from application default credentials unless a
// credentials file is given.
func New(cfg config.BackendConfig, log *zap.Logger) (resource.Hook, error) {
	s := Settings{Settings: bucket.DefaultSettings()}
	if err := config.DecodeSettings(cfg.Settings, &s); err != nil {
		return nil, err
	}
	if err := backend.Require("bucket", s.Bucket); err != nil {
		return nil, err
	}

	var opts []option.ClientOption
	if s.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(s.CredentialsFile))
	}
	if s.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(s.Endpoint), option.WithoutAuthentication())
	}
	client, err := storage.NewClient(context.Background(), opts...)
	if err != nil {
		return nil, poolerrors.Wrap(err, poolerrors.ErrorTypeConnection, "failed to create GCS client")
	}

	store := &Store{name: s.Bucket, client: client, handle: client.Bucket(s.Bucket)}
	return bucket.NewHook(store, s.Settings, log.With(zap.String("bucket", s.Bucket))), nil
}

func (s *Store) Bucket() string        { return s.name }
func (s *Store) URL(key string) string { return "gs://" + s.name + "/" + key }

func (s *Store) Put(ctx context.Context, key string, body []byte) error {
	w := s.handle.Object(key).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.handle.Object(key).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	it := s.handle.Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return keys, nil
		}
		if err != nil {
			return nil, err
		}
		keys = append(keys, attrs.Name)
	}
}

func (s *Store) Delete(ctx context.Context, keys []string) error {
	for _, k := range keys {
		err := s.handle.Object(k).Delete(ctx)
		if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			return err
		}
	}
	return nil
}

// Close closes the storage client.
func (s *Store) Close() error {
	return s.client.Close()
}
