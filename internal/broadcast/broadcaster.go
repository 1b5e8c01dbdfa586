// Package broadcast implements the Scalable Broadcaster: it coalesces
// routed events into per-destination batches within a short time
// window, enforces per-recipient rate limits, and dispatches batches
// through a bounded worker pool in priority order.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/odin-broadcast/engine/internal/metrics"
	"github.com/odin-broadcast/engine/internal/model"
	"github.com/odin-broadcast/engine/internal/ratelimit"
	"github.com/odin-broadcast/engine/internal/workerpool"
)

// ErrClosed is returned by Broadcast* calls made after Shutdown.
var ErrClosed = errors.New("broadcast: broadcaster is shut down")

// Transport is the only thing the broadcaster requires from the
// connection layer: a best-effort push to every socket joined to room.
// A returned error is treated as recoverable; it never implies the
// transport itself is dead.
type Transport interface {
	Emit(ctx context.Context, eventName string, payload []byte, room string) error
}

// Config controls batching, rate limiting and pool sizing. Zero value
// is not usable; start from DefaultConfig.
type Config struct {
	BatchWindow     time.Duration
	MaxBatchSize    int
	MaxBatchBytes   int
	DeliveryTimeout time.Duration

	MaxEventsPerUser    int
	RateLimiterWindow   time.Duration
	RateLimiterIdleTime time.Duration

	BatchWorkerCount    int
	DeliveryWorkerCount int
	BatchQueueSize      int
	DeliveryQueueSize   int
}

// DefaultConfig matches the documented defaults in the external
// interface section.
func DefaultConfig() Config {
	return Config{
		BatchWindow:         100 * time.Millisecond,
		MaxBatchSize:        50,
		MaxBatchBytes:       65536,
		DeliveryTimeout:     5 * time.Second,
		MaxEventsPerUser:    100,
		RateLimiterWindow:   time.Second,
		RateLimiterIdleTime: time.Hour,
		BatchWorkerCount:    10,
		DeliveryWorkerCount: 20,
		BatchQueueSize:      1000,
		DeliveryQueueSize:   1000,
	}
}

type pendingBatch struct {
	batch *model.EventBatch
	timer *time.Timer
}

// latencyStats accumulates the running avg/max delivery latency behind
// a small dedicated lock, separate from the pending-batches lock.
type latencyStats struct {
	mu       sync.Mutex
	sumMS    float64
	count    int64
	maxMS    float64
	sizeSum  int64
	sizeObs  int64
}

func (s *latencyStats) observe(latencyMS float64, batchSize int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sumMS += latencyMS
	s.count++
	if latencyMS > s.maxMS {
		s.maxMS = latencyMS
	}
	s.sizeSum += int64(batchSize)
	s.sizeObs++
}

func (s *latencyStats) snapshot() (avgMS, maxMS, avgSize float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count > 0 {
		avgMS = s.sumMS / float64(s.count)
	}
	maxMS = s.maxMS
	if s.sizeObs > 0 {
		avgSize = float64(s.sizeSum) / float64(s.sizeObs)
	}
	return avgMS, maxMS, avgSize
}

// Broadcaster owns pending batches, per-recipient rate limiters, the
// assembly and delivery worker pools, and running statistics.
type Broadcaster struct {
	cfg       Config
	transport Transport
	limiter   *ratelimit.Limiter
	logger    zerolog.Logger

	assemblePool *workerpool.Pool
	deliveryPool *workerpool.Pool

	mu      sync.Mutex
	pending map[string]*pendingBatch

	latency latencyStats

	startedAt time.Time
	closed    atomic.Bool

	totalEvents          int64
	eventsDelivered      int64
	eventsRateLimited    int64
	eventsDropped        int64
	batchesCreated       int64
	batchesDelivered     int64
	rateLimitViolations  int64
	transformationErrors int64
	batchErrors          int64
	deliveryErrors       int64
}

// New builds a Broadcaster. Start must be called before any
// Broadcast* call is admitted.
func New(cfg Config, transport Transport, logger zerolog.Logger) *Broadcaster {
	b := &Broadcaster{
		cfg:       cfg,
		transport: transport,
		limiter:   ratelimit.New(cfg.MaxEventsPerUser, cfg.RateLimiterWindow),
		logger:    logger.With().Str("component", "broadcaster").Logger(),
		pending:   make(map[string]*pendingBatch),
	}
	b.assemblePool = workerpool.New("broadcast-assemble", cfg.BatchWorkerCount, cfg.BatchQueueSize, logger)
	b.deliveryPool = workerpool.New("broadcast-deliver", cfg.DeliveryWorkerCount, cfg.DeliveryQueueSize, logger)
	return b
}

// Start launches the assembly and delivery worker pools.
func (b *Broadcaster) Start(ctx context.Context) {
	b.startedAt = time.Now()
	b.assemblePool.Start(ctx)
	b.deliveryPool.Start(ctx)
}

// Shutdown stops admitting new events, flushes every pending batch,
// and waits for both pools to drain within ctx's deadline.
func (b *Broadcaster) Shutdown(ctx context.Context) {
	b.closed.Store(true)
	b.FlushAllBatches()
	b.assemblePool.Stop(ctx)
	b.deliveryPool.Stop(ctx)
}

// BroadcastToUsers admits as many of userSet as the per-recipient rate
// limiter allows, enqueues one event per admitted user's dedicated
// room, and returns the admitted count. An empty admitted set after
// rate limiting returns 0 with no batch created.
func (b *Broadcaster) BroadcastToUsers(ctx context.Context, eventType string, eventData map[string]any, userSet map[string]struct{}, priority model.Priority) (int, error) {
	if b.closed.Load() {
		return 0, ErrClosed
	}
	if len(userSet) == 0 {
		return 0, nil
	}

	admitted := make([]string, 0, len(userSet))
	for u := range userSet {
		if b.limiter.Allow(u) {
			admitted = append(admitted, u)
		} else {
			atomic.AddInt64(&b.eventsRateLimited, 1)
			atomic.AddInt64(&b.rateLimitViolations, 1)
			metrics.EventsRateLimited.Inc()
			metrics.RateLimitViolations.Inc()
		}
	}
	if len(admitted) == 0 {
		return 0, nil
	}

	estimate := estimateBytes(eventData)
	now := time.Now()
	for _, u := range admitted {
		room := "user_" + u
		msg := &model.EventMessage{
			MessageID:    fmt.Sprintf("%s_%s_%d", eventType, u, now.UnixNano()),
			EventType:    eventType,
			EventData:    eventData,
			TargetUsers:  map[string]struct{}{u: {}},
			Priority:     priority,
			Timestamp:    now,
			ByteEstimate: estimate,
		}
		b.submitAssemble(room, msg, estimate)
	}

	atomic.AddInt64(&b.totalEvents, int64(len(admitted)))
	metrics.EventsTotal.Add(float64(len(admitted)))
	return len(admitted), nil
}

// BroadcastToRoom enqueues a single event directly into room, with no
// rate-limit filtering (room broadcasts are not per-recipient).
func (b *Broadcaster) BroadcastToRoom(ctx context.Context, room, eventType string, eventData map[string]any, priority model.Priority) (bool, error) {
	if b.closed.Load() {
		return false, ErrClosed
	}

	estimate := estimateBytes(eventData)
	msg := &model.EventMessage{
		MessageID:    fmt.Sprintf("%s_%s_%d", eventType, room, time.Now().UnixNano()),
		EventType:    eventType,
		EventData:    eventData,
		Priority:     priority,
		Timestamp:    time.Now(),
		ByteEstimate: estimate,
	}
	b.submitAssemble(room, msg, estimate)

	atomic.AddInt64(&b.totalEvents, 1)
	metrics.EventsTotal.Inc()
	return true, nil
}

func (b *Broadcaster) submitAssemble(room string, msg *model.EventMessage, estimate int) {
	b.assemblePool.Submit(func() {
		b.admit(room, msg, estimate)
	})
}

// admit runs the batch-admission algorithm for a single event: append
// to an existing batch with capacity, or flush-and-replace on overflow,
// or create a fresh batch with a one-shot flush timer armed.
func (b *Broadcaster) admit(room string, msg *model.EventMessage, estimate int) {
	b.mu.Lock()

	pb, exists := b.pending[room]
	if !exists {
		newPB := b.newPendingBatch(room, msg)
		b.pending[room] = newPB
		b.mu.Unlock()

		atomic.AddInt64(&b.batchesCreated, 1)
		metrics.BatchesCreated.Inc()
		metrics.PendingBatches.Inc()
		return
	}

	if len(pb.batch.Events) < b.cfg.MaxBatchSize && pb.batch.TotalBytes()+estimate <= b.cfg.MaxBatchBytes {
		if msg.Priority > pb.batch.Priority {
			pb.batch.Priority = msg.Priority
		}
		pb.batch.Events = append(pb.batch.Events, msg)
		b.mu.Unlock()
		return
	}

	// Overflow: detach the full batch, flush it, and start fresh.
	pb.timer.Stop()
	delete(b.pending, room)
	full := pb.batch

	newPB := b.newPendingBatch(room, msg)
	b.pending[room] = newPB
	b.mu.Unlock()

	atomic.AddInt64(&b.batchesCreated, 1)
	metrics.BatchesCreated.Inc()
	metrics.PendingBatches.Inc()
	b.submitDeliver(full)
}

// newPendingBatch must be called with mu held.
func (b *Broadcaster) newPendingBatch(room string, msg *model.EventMessage) *pendingBatch {
	batch := &model.EventBatch{
		RoomName:  room,
		BatchID:   fmt.Sprintf("%s_%d", room, time.Now().UnixNano()),
		CreatedAt: time.Now(),
		Priority:  msg.Priority,
		Events:    []*model.EventMessage{msg},
	}
	pb := &pendingBatch{batch: batch}
	pb.timer = time.AfterFunc(b.cfg.BatchWindow, func() { b.timerFired(room, pb) })
	return pb
}

// timerFired flushes room's batch on timer expiry. A no-op if the
// batch was already detached by an overflow flush or FlushAllBatches.
func (b *Broadcaster) timerFired(room string, owner *pendingBatch) {
	b.mu.Lock()
	pb, exists := b.pending[room]
	if !exists || pb != owner {
		b.mu.Unlock()
		return
	}
	delete(b.pending, room)
	b.mu.Unlock()

	b.submitDeliver(pb.batch)
}

// FlushAllBatches detaches and dispatches every pending batch
// immediately, bypassing the batch window. Returns the number flushed.
func (b *Broadcaster) FlushAllBatches() int {
	b.mu.Lock()
	toFlush := make([]*model.EventBatch, 0, len(b.pending))
	for room, pb := range b.pending {
		pb.timer.Stop()
		toFlush = append(toFlush, pb.batch)
		delete(b.pending, room)
	}
	b.mu.Unlock()

	for _, batch := range toFlush {
		b.submitDeliver(batch)
	}
	return len(toFlush)
}

func (b *Broadcaster) submitDeliver(batch *model.EventBatch) {
	metrics.PendingBatches.Dec()
	b.deliveryPool.Submit(func() { b.deliver(batch) })
}

// deliver sorts a detached batch's events by priority descending
// (stable, so ties keep insertion order), encodes it, and emits it
// through the transport. Any failure is caught, counted, and does not
// propagate.
func (b *Broadcaster) deliver(batch *model.EventBatch) {
	start := time.Now()

	sort.SliceStable(batch.Events, func(i, j int) bool {
		return batch.Events[i].Priority > batch.Events[j].Priority
	})

	eventName, payload, err := encode(batch)
	if err != nil {
		atomic.AddInt64(&b.batchErrors, 1)
		metrics.BatchErrors.Inc()
		b.logger.Error().Err(err).Str("room", batch.RoomName).Msg("failed to encode batch")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.DeliveryTimeout)
	defer cancel()

	err = b.transport.Emit(ctx, eventName, payload, batch.RoomName)
	latencyMS := float64(time.Since(start)) / float64(time.Millisecond)
	b.latency.observe(latencyMS, len(batch.Events))
	metrics.DeliveryLatency.Observe(latencyMS)

	if err != nil {
		atomic.AddInt64(&b.deliveryErrors, 1)
		atomic.AddInt64(&b.batchErrors, 1)
		atomic.AddInt64(&b.eventsDropped, int64(len(batch.Events)))
		metrics.BatchErrors.Inc()
		metrics.EventsDropped.WithLabelValues("transport_error").Add(float64(len(batch.Events)))
		b.logger.Warn().Err(err).Str("room", batch.RoomName).Msg("transport emit failed")
		return
	}

	atomic.AddInt64(&b.batchesDelivered, 1)
	atomic.AddInt64(&b.eventsDelivered, int64(len(batch.Events)))
	metrics.BatchesDelivered.Inc()
	metrics.BatchSize.Observe(float64(len(batch.Events)))
}

// OptimizationSummary is the result of a manual optimization pass.
type OptimizationSummary struct {
	BatchesFlushed       int
	RateLimitersCleaned  int
}

// OptimizePerformance force-flushes every pending batch and reaps rate
// limiters idle longer than the configured threshold.
func (b *Broadcaster) OptimizePerformance() OptimizationSummary {
	flushed := b.FlushAllBatches()
	cleaned := b.limiter.Reap(b.cfg.RateLimiterIdleTime)
	return OptimizationSummary{BatchesFlushed: flushed, RateLimitersCleaned: cleaned}
}

// UserRateStatus is one recipient's rate-limiter introspection.
type UserRateStatus struct {
	CurrentRate       int
	MaxRate           int
	RateLimited       bool
	UtilizationPercent float64
	Tracked           bool
}

// GetUserRateStatus reports userID's current admission window state.
func (b *Broadcaster) GetUserRateStatus(userID string) UserRateStatus {
	rate, tracked := b.limiter.CurrentRate(userID)
	maxRate := b.limiter.MaxPerWindow()
	status := UserRateStatus{CurrentRate: rate, MaxRate: maxRate, Tracked: tracked}
	if maxRate > 0 {
		status.UtilizationPercent = float64(rate) / float64(maxRate) * 100
	}
	status.RateLimited = tracked && rate >= maxRate
	return status
}

// Stats is a point-in-time snapshot for GetBroadcastStats.
type Stats struct {
	TotalEvents          int64
	EventsDelivered      int64
	EventsRateLimited    int64
	EventsDropped        int64
	BatchesCreated       int64
	BatchesDelivered     int64
	AvgBatchSize         float64
	AvgDeliveryLatencyMS float64
	MaxDeliveryLatencyMS float64
	RateLimitViolations  int64
	TransformationErrors int64
	BatchErrors          int64
	DeliveryErrors       int64
	UptimeSeconds        float64
	PendingBatches       int
}

// Snapshot returns the current broadcast statistics.
func (b *Broadcaster) Snapshot() Stats {
	avgMS, maxMS, avgSize := b.latency.snapshot()

	b.mu.Lock()
	pending := len(b.pending)
	b.mu.Unlock()

	uptime := time.Duration(0)
	if !b.startedAt.IsZero() {
		uptime = time.Since(b.startedAt)
	}

	return Stats{
		TotalEvents:          atomic.LoadInt64(&b.totalEvents),
		EventsDelivered:      atomic.LoadInt64(&b.eventsDelivered),
		EventsRateLimited:    atomic.LoadInt64(&b.eventsRateLimited),
		EventsDropped:        atomic.LoadInt64(&b.eventsDropped),
		BatchesCreated:       atomic.LoadInt64(&b.batchesCreated),
		BatchesDelivered:     atomic.LoadInt64(&b.batchesDelivered),
		AvgBatchSize:         avgSize,
		AvgDeliveryLatencyMS: avgMS,
		MaxDeliveryLatencyMS: maxMS,
		RateLimitViolations:  atomic.LoadInt64(&b.rateLimitViolations),
		TransformationErrors: atomic.LoadInt64(&b.transformationErrors),
		BatchErrors:          atomic.LoadInt64(&b.batchErrors),
		DeliveryErrors:       atomic.LoadInt64(&b.deliveryErrors),
		UptimeSeconds:        uptime.Seconds(),
		PendingBatches:       pending,
	}
}

// SuccessRate returns the fraction of delivered-or-attempted batches
// that succeeded, 1 if nothing has been attempted yet.
func (s Stats) SuccessRate() float64 {
	attempted := s.BatchesDelivered + s.BatchErrors
	if attempted == 0 {
		return 1
	}
	return float64(s.BatchesDelivered) / float64(attempted)
}

// HealthStatus classifies Stats per the documented thresholds.
func (s Stats) HealthStatus() string {
	switch {
	case s.AvgDeliveryLatencyMS > 200 || s.SuccessRate() < 0.95:
		return "error"
	case s.AvgDeliveryLatencyMS > 100 || s.PendingBatches > 50 || s.SuccessRate() < 0.99:
		return "warning"
	default:
		return "healthy"
	}
}

// AssembleQueueDepth and DeliverQueueDepth expose pool introspection
// for metrics collection.
func (b *Broadcaster) AssembleQueueDepth() int { return b.assemblePool.QueueDepth() }
func (b *Broadcaster) DeliverQueueDepth() int  { return b.deliveryPool.QueueDepth() }
func (b *Broadcaster) AssembleQueueCapacity() int { return b.assemblePool.QueueCapacity() }
func (b *Broadcaster) DeliverQueueCapacity() int  { return b.deliveryPool.QueueCapacity() }
