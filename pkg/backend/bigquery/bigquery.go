// Package bigquery leases scratch datasets in a BigQuery project. Reset drops
// every table in the dataset; stop deletes the dataset with its contents.
package bigquery

import (
	"context"
	"errors"
	"net/http"
	"time"

	"cloud.google.com/go/bigquery"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/ajitpratap0/leasepool/pkg/backend"
	"github.com/ajitpratap0/leasepool/pkg/backend/registry"
	"github.com/ajitpratap0/leasepool/pkg/config"
	"github.com/ajitpratap0/leasepool/pkg/poolerrors"
	"github.com/ajitpratap0/leasepool/pkg/resource"
)

// Name is the backend type.
const Name = "bigquery"

func init() {
	registry.MustRegister(registry.Info{
		Name:        Name,
		Description: "scratch BigQuery datasets",
		Settings:    []string{"project_id", "location", "credentials_file", "prefix", "table_expiration"},
	}, New)
}

// Settings configures the bigquery backend.
type Settings struct {
	ProjectID       string `mapstructure:"project_id"`
	Location        string `mapstructure:"location"`
	CredentialsFile string `mapstructure:"credentials_file"`
	Prefix          string `mapstructure:"prefix"`
	// TableExpiration bounds the life of tables lessees forget to drop
	TableExpiration time.Duration `mapstructure:"table_expiration"`
}

// datasets is the slice of the BigQuery API the hook drives.
type datasets interface {
	Create(ctx context.Context, id string, md *bigquery.DatasetMetadata) error
	Exists(ctx context.Context, id string) (bool, error)
	Tables(ctx context.Context, id string) ([]string, error)
	DeleteTable(ctx context.Context, id, table string) error
	Drop(ctx context.Context, id string) error
	Close() error
}

// Hook implements resource.Hook for scratch datasets.
type Hook struct {
	settings Settings
	ds       datasets
	logger   *zap.Logger
}

// New builds the hook.
func New(cfg config.BackendConfig, log *zap.Logger) (resource.Hook, error) {
	s := Settings{Location: "US", Prefix: "lease"}
	if err := config.DecodeSettings(cfg.Settings, &s); err != nil {
		return nil, err
	}
	if err := backend.Require("project_id", s.ProjectID); err != nil {
		return nil, err
	}
	if err := backend.ValidatePrefix("prefix", s.Prefix); err != nil {
		return nil, err
	}

	var opts []option.ClientOption
	if s.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(s.CredentialsFile))
	}
	client, err := bigquery.NewClient(context.Background(), s.ProjectID, opts...)
	if err != nil {
		return nil, poolerrors.Wrap(err, poolerrors.ErrorTypeConnection, "failed to create BigQuery client")
	}
	return newHook(s, &clientDatasets{client: client}, log), nil
}

func newHook(s Settings, ds datasets, log *zap.Logger) *Hook {
	return &Hook{settings: s, ds: ds, logger: log.With(zap.String("project", s.ProjectID))}
}

// CreateResource creates a fresh dataset, dropping any leftover one first.
func (h *Hook) CreateResource(ctx context.Context, index int) (*resource.Entry, error) {
	id := backend.ScratchName(h.settings.Prefix, index)
	if err := h.ds.Drop(ctx, id); err != nil {
		return nil, poolerrors.Wrap(err, poolerrors.ErrorTypeCreation, "failed to drop leftover dataset").
			WithDetail("dataset", id)
	}
	md := &bigquery.DatasetMetadata{
		Location:               h.settings.Location,
		DefaultTableExpiration: h.settings.TableExpiration,
		Labels:                 map[string]string{"managed-by": "leasepool"},
	}
	if err := h.ds.Create(ctx, id, md); err != nil {
		return nil, poolerrors.Wrap(err, poolerrors.ErrorTypeCreation, "failed to create dataset").
			WithDetail("dataset", id)
	}
	h.logger.Debug("scratch dataset created", zap.String("dataset", id))
	return resource.NewEntry(id, map[string]string{"dataset": id}), nil
}

// ValidateResource checks the dataset still exists.
func (h *Hook) ValidateResource(ctx context.Context, entry *resource.Entry) bool {
	ok, err := h.ds.Exists(ctx, entry.Config["dataset"])
	if err != nil {
		h.logger.Debug("dataset lookup failed", zap.String("resource_id", entry.ID), zap.Error(err))
		return false
	}
	return ok
}

// ConnectionInfo returns the dataset coordinates.
func (h *Hook) ConnectionInfo(_ context.Context, entry *resource.Entry) (resource.ConnectionInfo, error) {
	dataset := entry.Config["dataset"]
	return resource.ConnectionInfo{
		"project":  h.settings.ProjectID,
		"dataset":  dataset,
		"location": h.settings.Location,
		"full_id":  h.settings.ProjectID + "." + dataset,
	}, nil
}

// ResetResource drops every table in the dataset.
func (h *Hook) ResetResource(ctx context.Context, entry *resource.Entry) error {
	dataset := entry.Config["dataset"]
	tables, err := h.ds.Tables(ctx, dataset)
	if err != nil {
		return err
	}
	for _, t := range tables {
		if err := h.ds.DeleteTable(ctx, dataset, t); err != nil {
			return poolerrors.Wrap(err, poolerrors.ErrorTypeReset, "failed to drop table").
				WithDetail("table", dataset+"."+t)
		}
	}
	return nil
}

// StopResource deletes the dataset and its contents.
func (h *Hook) StopResource(ctx context.Context, entry *resource.Entry) error {
	return h.ds.Drop(ctx, entry.Config["dataset"])
}

// Close closes the BigQuery client.
func (h *Hook) Close() error {
	return h.ds.Close()
}

type clientDatasets struct {
	client *bigquery.Client
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}

func (c *clientDatasets) Create(ctx context.Context, id string, md *bigquery.DatasetMetadata) error {
	return c.client.Dataset(id).Create(ctx, md)
}

func (c *clientDatasets) Exists(ctx context.Context, id string) (bool, error) {
	_, err := c.client.Dataset(id).Metadata(ctx)
	switch {
	case err == nil:
		return true, nil
	case isNotFound(err):
		return false, nil
	default:
		return false, err
	}
}

func (c *clientDatasets) Tables(ctx context.Context, id string) ([]string, error) {
	var names []string
	it := c.client.Dataset(id).Tables(ctx)
	for {
		t, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return names, nil
		}
		if err != nil {
			return nil, err
		}
		names = append(names, t.TableID)
	}
}

func (c *clientDatasets) DeleteTable(ctx context.Context, id, table string) error {
	err := c.client.Dataset(id).Table(table).Delete(ctx)
	if isNotFound(err) {
		return nil
	}
	return err
}

func (c *clientDatasets) Drop(ctx context.Context, id string) error {
	err := c.client.Dataset(id).DeleteWithContents(ctx)
	if isNotFound(err) {
		return nil
	}
	return err
}

func (c *clientDatasets) Close() error {
	return c.client.Close()
}
