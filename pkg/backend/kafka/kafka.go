// Package kafka leases scratch Kafka topics. Reset truncates every partition
// to its high water mark; stop deletes the topic.
package kafka

import (
	"context"
	"errors"
	"strings"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/ajitpratap0/leasepool/pkg/backend"
	"github.com/ajitpratap0/leasepool/pkg/backend/registry"
	"github.com/ajitpratap0/leasepool/pkg/config"
	"github.com/ajitpratap0/leasepool/pkg/poolerrors"
	"github.com/ajitpratap0/leasepool/pkg/resource"
)

// Name is the backend type.
const Name = "kafka"

func init() {
	registry.MustRegister(registry.Info{
		Name:        Name,
		Description: "scratch Kafka topics",
		Settings:    []string{"brokers", "prefix", "partitions", "replication_factor", "version", "client_id"},
	}, New)
}

// Settings configures the kafka backend.
type Settings struct {
	Brokers           []string `mapstructure:"brokers"`
	Prefix            string   `mapstructure:"prefix"`
	Partitions        int32    `mapstructure:"partitions"`
	ReplicationFactor int16    `mapstructure:"replication_factor"`
	Version           string   `mapstructure:"version"`
	ClientID          string   `mapstructure:"client_id"`
}

type topicAdmin interface {
	CreateTopic(topic string, detail *sarama.TopicDetail, validateOnly bool) error
	DescribeTopics(topics []string) ([]*sarama.TopicMetadata, error)
	DeleteRecords(topic string, partitionOffsets map[int32]int64) error
	DeleteTopic(topic string) error
	Close() error
}

type offsetReader interface {
	GetOffset(topic string, partitionID int32, time int64) (int64, error)
}

// Hook implements resource.Hook for scratch topics.
type Hook struct {
	settings Settings
	admin    topicAdmin
	offsets  offsetReader
	logger   *zap.Logger
}

// New connects a cluster admin to the brokers.
func New(cfg config.BackendConfig, log *zap.Logger) (resource.Hook, error) {
	s := Settings{Prefix: "lease", Partitions: 1, ReplicationFactor: 1, ClientID: "leasepool"}
	if err := config.DecodeSettings(cfg.Settings, &s); err != nil {
		return nil, err
	}
	if len(s.Brokers) == 0 {
		return nil, backend.Require("brokers", "")
	}
	if err := backend.ValidatePrefix("prefix", s.Prefix); err != nil {
		return nil, err
	}

	sc := sarama.NewConfig()
	sc.ClientID = s.ClientID
	if s.Version != "" {
		v, err := sarama.ParseKafkaVersion(s.Version)
		if err != nil {
			return nil, poolerrors.Wrap(err, poolerrors.ErrorTypeConfig, "invalid kafka version")
		}
		sc.Version = v
	}

	client, err := sarama.NewClient(s.Brokers, sc)
	if err != nil {
		return nil, poolerrors.Wrap(err, poolerrors.ErrorTypeConnection, "failed to connect to kafka").
			WithDetail("brokers", s.Brokers)
	}
	// closing the admin closes the client
	admin, err := sarama.NewClusterAdminFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, poolerrors.Wrap(err, poolerrors.ErrorTypeConnection, "failed to create cluster admin")
	}
	return newHook(s, admin, client, log), nil
}

func newHook(s Settings, admin topicAdmin, offsets offsetReader, log *zap.Logger) *Hook {
	return &Hook{settings: s, admin: admin, offsets: offsets, logger: log}
}

// CreateResource creates the topic, or truncates it when it survived a
// previous run.
func (h *Hook) CreateResource(ctx context.Context, index int) (*resource.Entry, error) {
	topic := backend.ScratchName(h.settings.Prefix, index)
	entry := resource.NewEntry(topic, map[string]string{"topic": topic})

	err := h.admin.CreateTopic(topic, &sarama.TopicDetail{
		NumPartitions:     h.settings.Partitions,
		ReplicationFactor: h.settings.ReplicationFactor,
	}, false)
	switch {
	case err == nil:
		h.logger.Debug("topic created", zap.String("topic", topic))
	case topicExists(err):
		if err := h.ResetResource(ctx, entry); err != nil {
			return nil, poolerrors.Wrap(err, poolerrors.ErrorTypeCreation, "failed to truncate existing topic").
				WithDetail("topic", topic)
		}
	default:
		return nil, poolerrors.Wrap(err, poolerrors.ErrorTypeCreation, "failed to create topic").
			WithDetail("topic", topic)
	}
	return entry, nil
}

func topicExists(err error) bool {
	var te *sarama.TopicError
	if errors.As(err, &te) {
		return te.Err == sarama.ErrTopicAlreadyExists
	}
	return errors.Is(err, sarama.ErrTopicAlreadyExists)
}

func (h *Hook) describe(topic string) (*sarama.TopicMetadata, error) {
	mds, err := h.admin.DescribeTopics([]string{topic})
	if err != nil {
		return nil, err
	}
	if len(mds) != 1 {
		return nil, poolerrors.Newf(poolerrors.ErrorTypeBackend, "describe %s returned %d topics", topic, len(mds))
	}
	if mds[0].Err != sarama.ErrNoError {
		return nil, mds[0].Err
	}
	return mds[0], nil
}

// ValidateResource checks that the topic exists with its partitions.
func (h *Hook) ValidateResource(_ context.Context, entry *resource.Entry) bool {
	md, err := h.describe(entry.Config["topic"])
	if err != nil {
		h.logger.Debug("describe failed", zap.String("resource_id", entry.ID), zap.Error(err))
		return false
	}
	return len(md.Partitions) > 0
}

// ConnectionInfo returns the brokers and topic.
func (h *Hook) ConnectionInfo(_ context.Context, entry *resource.Entry) (resource.ConnectionInfo, error) {
	md, err := h.describe(entry.Config["topic"])
	if err != nil {
		return nil, err
	}
	return resource.ConnectionInfo{
		"brokers":    strings.Join(h.settings.Brokers, ","),
		"topic":      md.Name,
		"partitions": len(md.Partitions),
	}, nil
}

// ResetResource deletes every record below each partition's newest offset.
func (h *Hook) ResetResource(_ context.Context, entry *resource.Entry) error {
	topic := entry.Config["topic"]
	md, err := h.describe(topic)
	if err != nil {
		return err
	}
	offsets := make(map[int32]int64, len(md.Partitions))
	for _, p := range md.Partitions {
		newest, err := h.offsets.GetOffset(topic, p.ID, sarama.OffsetNewest)
		if err != nil {
			return err
		}
		if newest > 0 {
			offsets[p.ID] = newest
		}
	}
	if len(offsets) == 0 {
		return nil
	}
	return h.admin.DeleteRecords(topic, offsets)
}

// StopResource deletes the topic.
func (h *Hook) StopResource(_ context.Context, entry *resource.Entry) error {
	err := h.admin.DeleteTopic(entry.Config["topic"])
	if errors.Is(err, sarama.ErrUnknownTopicOrPartition) {
		return nil
	}
	return err
}

// Close closes the admin and its client.
func (h *Hook) Close() error {
	return h.admin.Close()
}
