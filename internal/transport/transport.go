// Package transport implements the WebSocket connection layer: upgrade
// handling with connection-accept admission control, room-scoped
// fan-out, and the per-connection write pumps that deliver batches
// assembled by the broadcaster. It satisfies broadcast.Transport.
package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/odin-broadcast/engine/internal/audit"
	"github.com/odin-broadcast/engine/internal/metrics"
)

// Config controls connection admission limits.
type Config struct {
	MaxConnections int

	AcceptPerSecond float64
	AcceptBurst     int

	CPURejectThreshold    float64
	MemoryRejectThreshold float64
	ResourceCheckInterval time.Duration
}

// DefaultConfig matches the engine's documented connection-layer
// defaults.
func DefaultConfig() Config {
	return Config{
		MaxConnections:        5000,
		AcceptPerSecond:       200,
		AcceptBurst:           50,
		CPURejectThreshold:    85.0,
		MemoryRejectThreshold: 90.0,
		ResourceCheckInterval: 2 * time.Second,
	}
}

// UserResolver extracts the subscribing user's identity from an
// upgrade request, e.g. from a query parameter or a verified token.
// The engine itself does not perform authentication.
type UserResolver func(r *http.Request) (userID string, err error)

// Server accepts WebSocket upgrades and fans out broadcaster payloads
// to room members. It implements broadcast.Transport.
type Server struct {
	cfg      Config
	resolve  UserResolver
	logger   zerolog.Logger
	rooms    *roomRegistry
	accept   *acceptLimiter
	connSeq  atomic.Int64
	active   atomic.Int64
	shutdown atomic.Bool
	audit    *audit.Logger

	resourceCache atomic.Pointer[resourceSample]
	stopSampler   chan struct{}
}

type resourceSample struct {
	cpuPercent float64
	memPercent float64
	sampledAt  time.Time
}

// New builds a Server. resolve may be nil, in which case the user ID is
// read from the user_id query parameter (empty if absent). auditLogger may be
// nil, in which case slow-client disconnects are only counted in
// metrics, not separately logged.
func New(cfg Config, resolve UserResolver, logger zerolog.Logger, auditLogger *audit.Logger) *Server {
	if resolve == nil {
		resolve = func(r *http.Request) (string, error) {
			return r.URL.Query().Get("user_id"), nil
		}
	}
	s := &Server{
		cfg:         cfg,
		resolve:     resolve,
		logger:      logger.With().Str("component", "transport").Logger(),
		rooms:       newRoomRegistry(),
		accept:      newAcceptLimiter(cfg.AcceptPerSecond, cfg.AcceptBurst, logger),
		audit:       auditLogger,
		stopSampler: make(chan struct{}),
	}
	s.resourceCache.Store(&resourceSample{})
	go s.sampleResources()
	return s
}

// sampleResources periodically refreshes the cached CPU/memory
// utilization so the hot upgrade path never blocks on a syscall.
func (s *Server) sampleResources() {
	ticker := time.NewTicker(s.cfg.ResourceCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			sample := &resourceSample{sampledAt: time.Now()}
			if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
				sample.cpuPercent = pct[0]
			}
			if vm, err := mem.VirtualMemory(); err == nil {
				sample.memPercent = vm.UsedPercent
			}
			s.resourceCache.Store(sample)
		case <-s.stopSampler:
			return
		}
	}
}

// admit applies the connection-accept policy: shutdown check, global
// connection cap, resource-pressure rejection, then the per-IP/global
// rate limiter, mirroring the reference fleet's layered admission
// guard ahead of the actual upgrade.
func (s *Server) admit(ip string) (reject bool, reason string) {
	if s.shutdown.Load() {
		return true, "shutting_down"
	}
	if s.cfg.MaxConnections > 0 && s.active.Load() >= int64(s.cfg.MaxConnections) {
		return true, "max_connections"
	}
	sample := s.resourceCache.Load()
	if s.cfg.CPURejectThreshold > 0 && sample.cpuPercent >= s.cfg.CPURejectThreshold {
		return true, "cpu_pressure"
	}
	if s.cfg.MemoryRejectThreshold > 0 && sample.memPercent >= s.cfg.MemoryRejectThreshold {
		return true, "memory_pressure"
	}
	if !s.accept.Allow(ip) {
		return true, "rate_limited"
	}
	return false, ""
}

// ConnectHook is invoked once a connection has been upgraded and
// joined its user room, so callers can track the connection against a
// Coordinator (TrackConnection) and establish whatever subscriptions
// the session needs before traffic starts flowing. The returned
// cleanup func, if non-nil, runs when the connection closes.
type ConnectHook func(userID string, conn *Conn) (cleanup func())

// HandleUpgrade is the http.HandlerFunc that accepts a subscriber
// connection. Every connection is auto-joined to room "user_<id>" (the
// room the broadcaster targets for per-recipient delivery, see
// Broadcaster.BroadcastToUsers); onConnect may join additional rooms
// (e.g. content-based pattern rooms) via JoinRoom/LeaveRoom.
func (s *Server) HandleUpgrade(onConnect ConnectHook) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if reject, reason := s.admit(ip); reject {
			metrics.EventsDropped.WithLabelValues("connection_" + reason).Inc()
			if s.audit != nil && reason != "rate_limited" {
				s.audit.Warning("connection_rejected", "upgrade rejected by admission control", map[string]any{
					"reason": reason,
					"ip":     ip,
				})
			}
			http.Error(w, "connection rejected: "+reason, http.StatusServiceUnavailable)
			return
		}

		userID, err := s.resolve(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		raw, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			s.logger.Debug().Err(err).Str("ip", ip).Msg("websocket upgrade failed")
			return
		}

		id := s.connSeq.Add(1)
		conn := newConn(id, userID, raw, s.logger, s.onSlowClient)
		s.active.Add(1)
		s.rooms.Join("user_"+userID, conn)

		var cleanup func()
		if onConnect != nil {
			cleanup = onConnect(userID, conn)
		}

		go func() {
			defer func() {
				s.rooms.LeaveAll(conn)
				s.active.Add(-1)
				if cleanup != nil {
					cleanup()
				}
			}()
			done := make(chan struct{})
			go func() {
				conn.readPump()
				close(done)
			}()
			conn.writePump()
			<-done
		}()
	}
}

// onSlowClient records a disconnect forced by a full send buffer.
func (s *Server) onSlowClient(connID int64, userID string) {
	if s.audit == nil {
		return
	}
	s.audit.WithConnectionID(connID).Warning("slow_client_disconnected", "connection could not keep up with delivery rate", map[string]any{
		"user_id": userID,
	})
}

// JoinRoom adds an already-upgraded connection's room membership. Used
// when a subscriber's room set changes after the initial upgrade
// (e.g. a new subscription is added mid-session) rather than on every
// reconnect.
func (s *Server) JoinRoom(room string, conn *Conn) { s.rooms.Join(room, conn) }

// LeaveRoom removes a connection from a room.
func (s *Server) LeaveRoom(room string, conn *Conn) { s.rooms.Leave(room, conn) }

// ErrNoMembers names the no-members condition. Emit does not return it:
// for a room with no joined connections Emit returns nil.
var ErrNoMembers = errors.New("transport: room has no members")

// Emit implements broadcast.Transport: it pushes payload to every
// connection currently joined to room. A context deadline bounds how
// long the non-blocking enqueue loop may run, but enqueueing itself
// never blocks per connection (see Conn.Enqueue).
func (s *Server) Emit(ctx context.Context, eventName string, payload []byte, room string) error {
	members := s.rooms.Members(room)
	if len(members) == 0 {
		return nil
	}
	for conn := range members {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		conn.Enqueue(payload)
	}
	return nil
}

// ActiveConnections reports the current connection count.
func (s *Server) ActiveConnections() int { return int(s.active.Load()) }

// RoomCount reports how many distinct rooms currently have members.
func (s *Server) RoomCount() int { return s.rooms.RoomCount() }

// Shutdown stops admitting new connections and the background resource
// sampler. It does not forcibly close existing connections; callers
// drain the broadcaster first so in-flight batches still have a chance
// to deliver before the process exits.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Store(true)
	s.accept.Stop()
	close(s.stopSampler)
	return nil
}

// clientIP prefers a load balancer's X-Forwarded-For header, falling
// back to the raw remote address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
