// Package coordinator is the thin façade composing the Subscription
// Index, Event Router, and Scalable Broadcaster into the engine's
// public surface: subscribe/unsubscribe, disconnect cleanup, broadcast,
// optimization, and health/statistics introspection.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/odin-broadcast/engine/internal/broadcast"
	"github.com/odin-broadcast/engine/internal/metrics"
	"github.com/odin-broadcast/engine/internal/model"
	"github.com/odin-broadcast/engine/internal/router"
	"github.com/odin-broadcast/engine/internal/subscription"
)

// filteringLatency accumulates FindMatchingUsers timings for
// GetSubscriptionStats' avg_filtering_latency_ms, behind its own lock
// so it never contends with the index's lock-free reads.
type filteringLatency struct {
	mu    sync.Mutex
	sumMS float64
	count int64
}

func (f *filteringLatency) observe(ms float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sumMS += ms
	f.count++
}

func (f *filteringLatency) avg() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.count == 0 {
		return 0
	}
	return f.sumMS / float64(f.count)
}

// Coordinator owns connection tracking (for disconnect cleanup) on top
// of the composed Index/Router/Broadcaster.
type Coordinator struct {
	index       *subscription.Index
	router      *router.Router
	broadcaster *broadcast.Broadcaster
	logger      zerolog.Logger

	connMu      sync.Mutex
	connections map[string]map[string]struct{} // userID -> connectionID set

	filtering filteringLatency
}

// New composes the given components. Callers build the Index, Router
// and Broadcaster first (each has its own construction-time
// configuration) and hand them to the Coordinator, which adds no
// further configuration of its own.
func New(idx *subscription.Index, r *router.Router, b *broadcast.Broadcaster, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		index:       idx,
		router:      r,
		broadcaster: b,
		logger:      logger.With().Str("component", "coordinator").Logger(),
		connections: make(map[string]map[string]struct{}),
	}
}

// SubscribeUser installs or replaces userID's subscription to
// subscriptionType with the given filters.
func (c *Coordinator) SubscribeUser(userID, subscriptionType string, filters map[string]any) (bool, error) {
	now := time.Now()
	c.index.Upsert(&model.Subscription{
		UserID:         userID,
		Type:           subscriptionType,
		Filters:        filters,
		CreatedAt:      now,
		LastActivityAt: now,
	})
	metrics.SubscribedUsers.Set(float64(c.index.TotalUsers()))
	metrics.SubscriptionsTotal.Set(float64(c.index.TotalSubscriptions()))
	return true, nil
}

// UnsubscribeUser removes userID's subscription to subscriptionType, if
// any. Idempotent: unsubscribing from a type the user never held is not
// an error.
func (c *Coordinator) UnsubscribeUser(userID, subscriptionType string) (bool, error) {
	c.index.RemoveType(userID, subscriptionType)
	metrics.SubscribedUsers.Set(float64(c.index.TotalUsers()))
	metrics.SubscriptionsTotal.Set(float64(c.index.TotalSubscriptions()))
	return true, nil
}

// TrackConnection records that connectionID belongs to userID, called
// when a transport-level session is established.
func (c *Coordinator) TrackConnection(userID, connectionID string) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	conns, ok := c.connections[userID]
	if !ok {
		conns = make(map[string]struct{})
		c.connections[userID] = conns
	}
	conns[connectionID] = struct{}{}
}

// HandleUserDisconnection drops connectionID from userID's tracked
// connections and, if none remain, removes every subscription the user
// held.
func (c *Coordinator) HandleUserDisconnection(userID, connectionID string) {
	c.connMu.Lock()
	conns, ok := c.connections[userID]
	if ok {
		delete(conns, connectionID)
	}
	noneRemain := !ok || len(conns) == 0
	if noneRemain {
		delete(c.connections, userID)
	}
	c.connMu.Unlock()

	if noneRemain {
		c.index.Remove(userID)
		metrics.SubscribedUsers.Set(float64(c.index.TotalUsers()))
		metrics.SubscriptionsTotal.Set(float64(c.index.TotalSubscriptions()))
	}
}

// BroadcastEvent routes eventType/eventData against the installed
// rules, resolves the audience from targetingCriteria via the
// subscription index, merges in any recipient sets the matched rules
// themselves resolved, and hands the union to the broadcaster at the
// matched rules' highest priority (PriorityMedium if none matched).
// After the broadcaster has shut down it returns 0 with no error.
func (c *Coordinator) BroadcastEvent(ctx context.Context, eventType string, eventData map[string]any, targetingCriteria map[string]any) (int, error) {
	start := time.Now()
	audience := c.index.FindMatchingUsers(targetingCriteria)
	c.filtering.observe(float64(time.Since(start)) / float64(time.Millisecond))

	result := c.router.Route(eventType, eventData, targetingCriteria)
	for _, users := range result.Destinations {
		for u := range users {
			audience[u] = struct{}{}
		}
	}

	if len(audience) == 0 {
		return 0, nil
	}

	n, err := c.broadcaster.BroadcastToUsers(ctx, eventType, eventData, audience, result.Priority)
	if errors.Is(err, broadcast.ErrClosed) {
		return 0, nil
	}
	return n, err
}

// BroadcastToRoom is a direct pass-through to the broadcaster for
// callers that already know the destination room (e.g. a content-based
// room computed upstream). After the broadcaster has shut down it
// returns false with no error.
func (c *Coordinator) BroadcastToRoom(ctx context.Context, room, eventType string, eventData map[string]any, priority model.Priority) (bool, error) {
	ok, err := c.broadcaster.BroadcastToRoom(ctx, room, eventType, eventData, priority)
	if errors.Is(err, broadcast.ErrClosed) {
		return false, nil
	}
	return ok, err
}

// CleanupInactiveSubscriptions removes subscriptions idle longer than
// maxInactive.
func (c *Coordinator) CleanupInactiveSubscriptions(maxInactive time.Duration) int {
	removed := c.index.CleanupStale(maxInactive)
	metrics.SubscribedUsers.Set(float64(c.index.TotalUsers()))
	metrics.SubscriptionsTotal.Set(float64(c.index.TotalSubscriptions()))
	return removed
}

// OptimizePerformance force-flushes pending batches and reaps idle rate
// limiters, delegating to the broadcaster.
func (c *Coordinator) OptimizePerformance() broadcast.OptimizationSummary {
	return c.broadcaster.OptimizePerformance()
}

// SubscriptionStats backs GetSubscriptionStats.
type SubscriptionStats struct {
	TotalUsers             int
	TotalSubscriptions     int
	AvgFilteringLatencyMS  float64
}

func (c *Coordinator) GetSubscriptionStats() SubscriptionStats {
	return SubscriptionStats{
		TotalUsers:            c.index.TotalUsers(),
		TotalSubscriptions:    c.index.TotalSubscriptions(),
		AvgFilteringLatencyMS: c.filtering.avg(),
	}
}

func (c *Coordinator) GetBroadcastStats() broadcast.Stats {
	return c.broadcaster.Snapshot()
}

func (c *Coordinator) GetRoutingStats() router.Stats {
	return c.router.Snapshot()
}

// PerformanceTargets documents the SLA this engine is held to, surfaced
// verbatim inside GetHealthStatus.
type PerformanceTargets struct {
	DeliveryLatencyTargetMS    float64
	BatchEfficiencyTarget      float64
	SuccessRateTargetPercent   float64
}

// HealthStatus backs GetHealthStatus.
type HealthStatus struct {
	Service            string
	Status             string
	Message            string
	Timestamp          time.Time
	BroadcastStats     broadcast.Stats
	RoutingStats       router.Stats
	SubscriptionStats  SubscriptionStats
	PerformanceTargets PerformanceTargets
}

func (c *Coordinator) GetHealthStatus() HealthStatus {
	bstats := c.broadcaster.Snapshot()
	status := bstats.HealthStatus()

	message := "operating normally"
	switch status {
	case "warning":
		message = "degraded: elevated latency, backlog, or error rate"
	case "error":
		message = "unhealthy: delivery latency or success rate outside SLA"
	}

	return HealthStatus{
		Service:           "broadcast-engine",
		Status:            status,
		Message:           message,
		Timestamp:         time.Now(),
		BroadcastStats:    bstats,
		RoutingStats:      c.router.Snapshot(),
		SubscriptionStats: c.GetSubscriptionStats(),
		PerformanceTargets: PerformanceTargets{
			DeliveryLatencyTargetMS:  100,
			BatchEfficiencyTarget:    0.8,
			SuccessRateTargetPercent: 99,
		},
	}
}

// GetUserRateStatus exposes one recipient's rate-limiter state.
func (c *Coordinator) GetUserRateStatus(userID string) broadcast.UserRateStatus {
	return c.broadcaster.GetUserRateStatus(userID)
}

// Start launches the broadcaster's worker pools. Call once before
// accepting traffic.
func (c *Coordinator) Start(ctx context.Context) {
	c.broadcaster.Start(ctx)
}

// Shutdown drains the broadcaster within ctx's deadline.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.broadcaster.Shutdown(ctx)
}
