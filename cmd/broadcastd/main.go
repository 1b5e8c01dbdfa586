// Command broadcastd runs the real-time event broadcasting engine:
// it loads configuration, wires the subscription index, router,
// broadcaster, transport and upstream feed together, and serves HTTP
// until an interrupt or SIGTERM asks it to drain and exit.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/odin-broadcast/engine/internal/audit"
	"github.com/odin-broadcast/engine/internal/broadcast"
	"github.com/odin-broadcast/engine/internal/config"
	"github.com/odin-broadcast/engine/internal/coordinator"
	"github.com/odin-broadcast/engine/internal/feed"
	"github.com/odin-broadcast/engine/internal/httpapi"
	"github.com/odin-broadcast/engine/internal/logging"
	"github.com/odin-broadcast/engine/internal/router"
	"github.com/odin-broadcast/engine/internal/subscription"
	"github.com/odin-broadcast/engine/internal/transport"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load(nil)
	if err != nil {
		panic("failed to load configuration: " + err.Error())
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	maxProcs := runtime.GOMAXPROCS(0)
	logger.Info().Int("gomaxprocs", maxProcs).Msg("starting broadcast engine")
	cfg.LogConfig(logger)

	idx := subscription.New()

	r, err := router.New(router.Config{
		CacheSize:      cfg.CacheSize,
		CacheEnabled:   cfg.CacheEnabled,
		CacheThreshold: cfg.CacheThreshold,
	}, idx, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create router")
	}

	auditLogger := audit.New(logger, audit.Info)

	transportCfg := transport.DefaultConfig()
	transportCfg.MaxConnections = cfg.MaxConnections
	transportCfg.AcceptPerSecond = cfg.ConnectionAcceptPerSec
	transportCfg.AcceptBurst = cfg.ConnectionAcceptBurst
	transportCfg.CPURejectThreshold = cfg.CPURejectThreshold
	transportCfg.MemoryRejectThreshold = cfg.MemoryRejectThreshold

	ts := transport.New(transportCfg, nil, logger, auditLogger)

	b := broadcast.New(broadcast.Config{
		BatchWindow:         cfg.BatchWindow(),
		MaxBatchSize:        cfg.MaxBatchSize,
		MaxBatchBytes:       cfg.MaxBatchBytes,
		DeliveryTimeout:     5 * time.Second,
		MaxEventsPerUser:    cfg.MaxEventsPerUser,
		RateLimiterWindow:   time.Second,
		RateLimiterIdleTime: cfg.RateLimiterIdleTimeout,
		BatchWorkerCount:    cfg.BatchWorkerCount,
		DeliveryWorkerCount: cfg.DeliveryWorkerCount,
		BatchQueueSize:      cfg.BatchQueueSize,
		DeliveryQueueSize:   cfg.DeliveryQueueSize,
	}, ts, logger)

	coord := coordinator.New(idx, r, b, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coord.Start(ctx)

	var src feed.Source
	switch cfg.FeedSource {
	case "kafka":
		src = feed.NewKafkaSource(feed.KafkaConfig{
			Brokers:       cfg.KafkaBrokerList(),
			Topic:         cfg.KafkaTopic,
			ConsumerGroup: cfg.KafkaConsumerGroup,
		}, coord, logger)
	default:
		natsCfg := feed.DefaultNATSConfig(cfg.NATSURL)
		natsCfg.SubjectPrefix = cfg.NATSSubjectPrefix
		src = feed.NewNATSSource(natsCfg, coord, logger)
	}

	feedCtx, feedCancel := context.WithCancel(context.Background())
	feedDone := make(chan struct{})
	go func() {
		defer close(feedDone)
		if err := src.Start(feedCtx); err != nil {
			logger.Error().Err(err).Msg("upstream feed stopped")
		}
	}()

	onConnect := func(userID string, conn *transport.Conn) func() {
		connID := strconv.FormatInt(conn.ID(), 10)
		coord.TrackConnection(userID, connID)
		return func() { coord.HandleUserDisconnection(userID, connID) }
	}

	api := httpapi.New(coord, logger)
	mux := api.Mux(ts.HandleUpgrade(onConnect))

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: mux,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	optimizeTicker := time.NewTicker(cfg.OptimizeInterval)
	defer optimizeTicker.Stop()
	cleanupTicker := time.NewTicker(cfg.OptimizeInterval)
	defer cleanupTicker.Stop()
	go func() {
		for {
			select {
			case <-optimizeTicker.C:
				summary := coord.OptimizePerformance()
				logger.Debug().
					Int("batches_flushed", summary.BatchesFlushed).
					Int("rate_limiters_cleaned", summary.RateLimitersCleaned).
					Msg("optimization pass complete")
			case <-cleanupTicker.C:
				removed := coord.CleanupInactiveSubscriptions(cfg.SubscriptionMaxInactive)
				if removed > 0 {
					logger.Info().Int("removed", removed).Msg("cleaned up inactive subscriptions")
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down broadcast engine")
	feedCancel()
	<-feedDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = httpServer.Shutdown(shutdownCtx)
	_ = ts.Shutdown(shutdownCtx)
	coord.Shutdown(shutdownCtx)
	cancel()

	logger.Info().Msg("broadcast engine stopped")
}
