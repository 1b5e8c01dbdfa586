package feed

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/twmb/franz-go/pkg/kgo"
)

func TestKafkaProcessRecordDecodesEnvelope(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	src := NewKafkaSource(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "odin.events"}, dispatcher, zerolog.Nop())

	record := &kgo.Record{
		Topic: "odin.events",
		Value: []byte(`{"event_type":"trade.executed","event_data":{"symbol":"AAPL"}}`),
	}
	src.processRecord(record)

	assert.Len(t, dispatcher.calls, 1)
	assert.Equal(t, "trade.executed", dispatcher.calls[0].eventType)

	processed, failed := src.Metrics()
	assert.Equal(t, uint64(1), processed)
	assert.Equal(t, uint64(0), failed)
}

func TestKafkaProcessRecordFallsBackToTopicWhenEventTypeMissing(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	src := NewKafkaSource(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "odin.events"}, dispatcher, zerolog.Nop())

	record := &kgo.Record{Topic: "odin.events", Value: []byte(`{"event_data":{}}`)}
	src.processRecord(record)

	assert.Equal(t, "odin.events", dispatcher.calls[0].eventType)
}

func TestKafkaProcessRecordCountsFailureOnBadPayload(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	src := NewKafkaSource(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "odin.events"}, dispatcher, zerolog.Nop())

	record := &kgo.Record{Topic: "odin.events", Value: []byte("not json")}
	src.processRecord(record)

	processed, failed := src.Metrics()
	assert.Equal(t, uint64(0), processed)
	assert.Equal(t, uint64(1), failed)
}

func TestKafkaStartRequiresBrokers(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	src := NewKafkaSource(KafkaConfig{Topic: "odin.events"}, dispatcher, zerolog.Nop())

	err := src.Start(context.Background())
	assert.Error(t, err)
}

func TestKafkaStopWithoutStartIsSafe(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	src := NewKafkaSource(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "odin.events"}, dispatcher, zerolog.Nop())
	assert.NoError(t, src.Stop(context.Background()))
}
