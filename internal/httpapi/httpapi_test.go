package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odin-broadcast/engine/internal/broadcast"
	"github.com/odin-broadcast/engine/internal/coordinator"
	"github.com/odin-broadcast/engine/internal/router"
	"github.com/odin-broadcast/engine/internal/subscription"
)

type noopTransport struct{}

func (noopTransport) Emit(ctx context.Context, eventName string, payload []byte, room string) error {
	return nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	idx := subscription.New()
	r, err := router.New(router.DefaultConfig(), idx, zerolog.Nop())
	require.NoError(t, err)
	b := broadcast.New(broadcast.DefaultConfig(), noopTransport{}, zerolog.Nop())
	coord := coordinator.New(idx, r, b, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	coord.Start(ctx)

	return New(coord, zerolog.Nop())
}

func fakeTransportHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusSwitchingProtocols)
}

func TestMuxRoutesHealthEndpoint(t *testing.T) {
	s := newTestServer(t)
	mux := s.Mux(fakeTransportHandler)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["Status"])
}

func TestMuxRoutesSubscriptionStats(t *testing.T) {
	s := newTestServer(t)
	mux := s.Mux(fakeTransportHandler)

	req := httptest.NewRequest(http.MethodGet, "/stats/subscriptions", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestMuxRoutesBroadcastStats(t *testing.T) {
	s := newTestServer(t)
	mux := s.Mux(fakeTransportHandler)

	req := httptest.NewRequest(http.MethodGet, "/stats/broadcast", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMuxRoutesRoutingStats(t *testing.T) {
	s := newTestServer(t)
	mux := s.Mux(fakeTransportHandler)

	req := httptest.NewRequest(http.MethodGet, "/stats/routing", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMuxRoutesMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	mux := s.Mux(fakeTransportHandler)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMuxDelegatesWebsocketRouteToTransportHandler(t *testing.T) {
	s := newTestServer(t)
	mux := s.Mux(fakeTransportHandler)

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusSwitchingProtocols, rec.Code)
}

