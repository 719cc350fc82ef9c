package redpanda

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Topics written by the outbox relay.
const (
	TopicPrescriptionEvents = "prescription.events"
	TopicDeadLetter         = "dead.letter"
)

// TopicConfig holds configuration for a Kafka topic
type TopicConfig struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	Configs           map[string]*string
}

// DefaultTopicConfigs returns the topics the relay needs. Records are keyed
// by prescription id, so partitions only bound consumer parallelism.
func DefaultTopicConfigs(partitions int32, replication int16) []TopicConfig {
	ptr := func(s string) *string { return &s }
	if partitions <= 0 {
		partitions = 6
	}
	if replication <= 0 {
		replication = 1
	}
	minISR := "1"
	if replication > 2 {
		minISR = strconv.Itoa(int(replication) - 1)
	}

	return []TopicConfig{
		{
			Name:              TopicPrescriptionEvents,
			Partitions:        partitions,
			ReplicationFactor: replication,
			Configs: map[string]*string{
				"retention.ms":        ptr("2592000000"), // 30 days
				"cleanup.policy":      ptr("delete"),
				"compression.type":    ptr("lz4"),
				"min.insync.replicas": ptr(minISR),
			},
		},
		{
			Name:              TopicDeadLetter,
			Partitions:        1,
			ReplicationFactor: replication,
			Configs: map[string]*string{
				"retention.ms":     ptr("604800000"), // 7 days
				"cleanup.policy":   ptr("delete"),
				"compression.type": ptr("lz4"),
			},
		},
	}
}

// Admin creates the relay's topics.
type Admin struct {
	client *kadm.Client
	logger *zap.Logger
}

func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	kgoClient, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Admin{
		client: kadm.NewClient(kgoClient),
		logger: logger,
	}, nil
}

// EnsureTopics creates the topics in configs that do not exist yet. Existing
// topics are never altered; a partition count that differs from the config
// is only logged.
func (a *Admin) EnsureTopics(ctx context.Context, configs []TopicConfig) error {
	names := make([]string, len(configs))
	for i, c := range configs {
		names[i] = c.Name
	}

	details, err := a.client.ListTopics(ctx, names...)
	if err != nil {
		return fmt.Errorf("failed to describe topics: %w", err)
	}
	existing := make(map[string]int, len(details))
	for name, d := range details {
		if d.Err == nil {
			existing[name] = len(d.Partitions)
		}
	}

	missing, drifted := planTopics(configs, existing)
	for _, name := range drifted {
		a.logger.Warn("topic partition count differs from config",
			zap.String("topic", name),
			zap.Int("partitions", existing[name]))
	}

	for _, cfg := range missing {
		resp, err := a.client.CreateTopics(ctx, cfg.Partitions, cfg.ReplicationFactor, cfg.Configs, cfg.Name)
		if err != nil {
			return fmt.Errorf("failed to create topic %s: %w", cfg.Name, err)
		}
		for _, r := range resp {
			switch {
			case IsTopicExists(r.Err):
				// Created by another relay instance since ListTopics.
			case r.Err != nil:
				return fmt.Errorf("failed to create topic %s: %w", r.Topic, r.Err)
			default:
				a.logger.Info("topic created",
					zap.String("topic", r.Topic),
					zap.Int32("partitions", cfg.Partitions),
					zap.Int16("replication", cfg.ReplicationFactor))
			}
		}
	}
	return nil
}

// planTopics splits configs into topics to create and existing topics whose
// partition count does not match.
func planTopics(configs []TopicConfig, existing map[string]int) (missing []TopicConfig, drifted []string) {
	for _, c := range configs {
		n, ok := existing[c.Name]
		switch {
		case !ok:
			missing = append(missing, c)
		case n != int(c.Partitions):
			drifted = append(drifted, c.Name)
		}
	}
	return missing, drifted
}

func (a *Admin) Close() {
	a.client.Close()
}

// IsTopicExists reports whether err is the broker's topic-exists error.
func IsTopicExists(err error) bool {
	return errors.Is(err, kerr.TopicAlreadyExists)
}
