package feed

import (
	"context"
	"sync"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type recordedBroadcast struct {
	eventType string
	eventData map[string]any
	criteria  map[string]any
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []recordedBroadcast
	err   error
}

func (f *fakeDispatcher) BroadcastEvent(ctx context.Context, eventType string, eventData map[string]any, targetingCriteria map[string]any) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recordedBroadcast{eventType, eventData, targetingCriteria})
	return 1, f.err
}

func TestNATSHandleMessageDecodesEnvelope(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	src := NewNATSSource(DefaultNATSConfig("nats://localhost:4222"), dispatcher, zerolog.Nop())

	msg := &nats.Msg{
		Subject: "odin.events.trade",
		Data:    []byte(`{"event_type":"trade.executed","event_data":{"symbol":"AAPL"},"targeting_criteria":{"symbol":"AAPL"}}`),
	}
	src.handleMessage(msg)

	assert.Len(t, dispatcher.calls, 1)
	assert.Equal(t, "trade.executed", dispatcher.calls[0].eventType)
	assert.Equal(t, "AAPL", dispatcher.calls[0].eventData["symbol"])
}

func TestNATSHandleMessageFallsBackToSubjectWhenEventTypeMissing(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	src := NewNATSSource(DefaultNATSConfig("nats://localhost:4222"), dispatcher, zerolog.Nop())

	msg := &nats.Msg{
		Subject: "odin.events.trade.executed",
		Data:    []byte(`{"event_data":{"symbol":"AAPL"}}`),
	}
	src.handleMessage(msg)

	assert.Len(t, dispatcher.calls, 1)
	assert.Equal(t, "odin.events.trade.executed", dispatcher.calls[0].eventType)
}

func TestNATSHandleMessageDropsUnparseablePayload(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	src := NewNATSSource(DefaultNATSConfig("nats://localhost:4222"), dispatcher, zerolog.Nop())

	msg := &nats.Msg{Subject: "odin.events.trade", Data: []byte("not json")}
	src.handleMessage(msg)

	assert.Empty(t, dispatcher.calls)
}

func TestNATSStopWithoutStartIsSafe(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	src := NewNATSSource(DefaultNATSConfig("nats://localhost:4222"), dispatcher, zerolog.Nop())
	assert.NoError(t, src.Stop(context.Background()))
}
