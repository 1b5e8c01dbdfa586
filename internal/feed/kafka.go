package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/odin-broadcast/engine/internal/metrics"
)

// KafkaConfig controls the upstream Kafka/Redpanda consumer.
type KafkaConfig struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
}

// KafkaSource is the alternate upstream feed adapter for deployments
// backed by Kafka/Redpanda instead of NATS, behind the same Source
// interface.
type KafkaSource struct {
	cfg        KafkaConfig
	dispatcher Dispatcher
	logger     zerolog.Logger

	client *kgo.Client

	mu       sync.Mutex
	processed uint64
	failed    uint64
}

// NewKafkaSource builds a source that does not connect until Start is
// called.
func NewKafkaSource(cfg KafkaConfig, dispatcher Dispatcher, logger zerolog.Logger) *KafkaSource {
	return &KafkaSource{
		cfg:        cfg,
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "feed_kafka").Logger(),
	}
}

// Start connects to the brokers, joins the consumer group and polls
// until ctx is canceled.
func (s *KafkaSource) Start(ctx context.Context) error {
	if len(s.cfg.Brokers) == 0 {
		return fmt.Errorf("kafka feed: at least one broker is required")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(s.cfg.Brokers...),
		kgo.ConsumerGroup(s.cfg.ConsumerGroup),
		kgo.ConsumeTopics(s.cfg.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.FetchMaxWait(500*time.Millisecond),
		kgo.FetchMinBytes(1),
		kgo.FetchMaxBytes(10*1024*1024),
		kgo.SessionTimeout(30*time.Second),
		kgo.RebalanceTimeout(60*time.Second),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			s.logger.Info().Interface("partitions", assigned).Msg("partitions assigned")
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			s.logger.Info().Interface("partitions", revoked).Msg("partitions revoked")
		}),
	)
	if err != nil {
		return fmt.Errorf("creating kafka client: %w", err)
	}
	s.client = client

	s.logger.Info().Strs("brokers", s.cfg.Brokers).Str("topic", s.cfg.Topic).Msg("subscribed to upstream feed")
	s.consumeLoop(ctx)
	return s.Stop(context.Background())
}

func (s *KafkaSource) consumeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		fetches := s.client.PollFetches(ctx)
		if ctx.Err() != nil {
			return
		}

		for _, err := range fetches.Errors() {
			s.logger.Error().Err(err.Err).Str("topic", err.Topic).Int32("partition", err.Partition).Msg("fetch error")
		}

		fetches.EachRecord(func(record *kgo.Record) {
			s.processRecord(record)
		})
	}
}

func (s *KafkaSource) processRecord(record *kgo.Record) {
	var env Envelope
	if err := json.Unmarshal(record.Value, &env); err != nil {
		s.logger.Warn().Err(err).Str("topic", record.Topic).Msg("dropping unparseable feed record")
		s.incrementFailed()
		metrics.BatchErrors.Inc()
		return
	}
	if env.EventType == "" {
		env.EventType = record.Topic
	}

	if _, err := s.dispatcher.BroadcastEvent(context.Background(), env.EventType, env.EventData, env.TargetingCriteria); err != nil {
		s.logger.Error().Err(err).Str("event_type", env.EventType).Msg("broadcast from feed failed")
		s.incrementFailed()
		metrics.BatchErrors.Inc()
		return
	}
	s.incrementProcessed()
}

func (s *KafkaSource) incrementProcessed() {
	s.mu.Lock()
	s.processed++
	s.mu.Unlock()
}

func (s *KafkaSource) incrementFailed() {
	s.mu.Lock()
	s.failed++
	s.mu.Unlock()
}

// Metrics returns cumulative processed/failed record counts.
func (s *KafkaSource) Metrics() (processed, failed uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processed, s.failed
}

// Stop closes the Kafka client.
func (s *KafkaSource) Stop(_ context.Context) error {
	if s.client != nil {
		s.client.Close()
	}
	s.logger.Info().Msg("kafka feed stopped")
	return nil
}
