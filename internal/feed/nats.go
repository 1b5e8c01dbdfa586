package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/odin-broadcast/engine/internal/metrics"
)

// NATSConfig controls the upstream NATS connection and which subjects
// are consumed.
type NATSConfig struct {
	URL             string
	SubjectPrefix   string // e.g. "odin.events" -> subscribes to "odin.events.>"
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
	MaxPingsOut     int
	PingInterval    time.Duration
}

// DefaultNATSConfig mirrors the reference fleet's reconnect posture:
// unlimited retries, short jittered backoff, aggressive ping interval
// so dead connections are detected quickly.
func DefaultNATSConfig(url string) NATSConfig {
	return NATSConfig{
		URL:             url,
		SubjectPrefix:   "odin.events",
		MaxReconnects:   -1,
		ReconnectWait:   2 * time.Second,
		ReconnectJitter: 500 * time.Millisecond,
		MaxPingsOut:     3,
		PingInterval:    20 * time.Second,
	}
}

// NATSSource subscribes to a subject hierarchy and forwards decoded
// envelopes to a Dispatcher.
type NATSSource struct {
	cfg        NATSConfig
	dispatcher Dispatcher
	logger     zerolog.Logger

	mu   sync.Mutex
	conn *nats.Conn
	sub  *nats.Subscription
}

// NewNATSSource builds a source that does not connect until Start is
// called.
func NewNATSSource(cfg NATSConfig, dispatcher Dispatcher, logger zerolog.Logger) *NATSSource {
	return &NATSSource{
		cfg:        cfg,
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "feed_nats").Logger(),
	}
}

// Start connects to NATS and subscribes to cfg.SubjectPrefix + ".>".
// It blocks until ctx is canceled.
func (s *NATSSource) Start(ctx context.Context) error {
	opts := []nats.Option{
		nats.MaxReconnects(s.cfg.MaxReconnects),
		nats.ReconnectWait(s.cfg.ReconnectWait),
		nats.ReconnectJitter(s.cfg.ReconnectJitter, s.cfg.ReconnectJitter),
		nats.MaxPingsOutstanding(s.cfg.MaxPingsOut),
		nats.PingInterval(s.cfg.PingInterval),
		nats.ConnectHandler(func(c *nats.Conn) {
			s.logger.Info().Str("url", c.ConnectedUrl()).Msg("connected to nats")
		}),
		nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
			if err != nil {
				s.logger.Warn().Err(err).Msg("disconnected from nats")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			s.logger.Info().Str("url", c.ConnectedUrl()).Msg("reconnected to nats")
		}),
		nats.ErrorHandler(func(c *nats.Conn, sub *nats.Subscription, err error) {
			s.logger.Error().Err(err).Msg("nats error")
			metrics.RoutingErrors.Inc()
		}),
	}

	conn, err := nats.Connect(s.cfg.URL, opts...)
	if err != nil {
		return fmt.Errorf("connecting to nats: %w", err)
	}

	subject := s.cfg.SubjectPrefix + ".>"
	sub, err := conn.Subscribe(subject, s.handleMessage)
	if err != nil {
		conn.Close()
		return fmt.Errorf("subscribing to %s: %w", subject, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.sub = sub
	s.mu.Unlock()

	s.logger.Info().Str("subject", subject).Msg("subscribed to upstream feed")

	<-ctx.Done()
	return s.Stop(context.Background())
}

func (s *NATSSource) handleMessage(msg *nats.Msg) {
	start := time.Now()
	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		s.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping unparseable feed message")
		metrics.BatchErrors.Inc()
		return
	}
	if env.EventType == "" {
		env.EventType = msg.Subject
	}

	if _, err := s.dispatcher.BroadcastEvent(context.Background(), env.EventType, env.EventData, env.TargetingCriteria); err != nil {
		s.logger.Error().Err(err).Str("event_type", env.EventType).Msg("broadcast from feed failed")
		metrics.BatchErrors.Inc()
		return
	}
	_ = time.Since(start)
}

// Stop unsubscribes and closes the connection.
func (s *NATSSource) Stop(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
		s.sub = nil
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	return nil
}
