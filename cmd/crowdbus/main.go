package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"crowdbus/internal/archive"
	"crowdbus/internal/broadcast"
	"crowdbus/internal/cache"
	"crowdbus/internal/config"
	"crowdbus/internal/coordinator"
	"crowdbus/internal/engine"
	"crowdbus/internal/handler"
	"crowdbus/internal/hub"
	"crowdbus/internal/ingestor"
	"crowdbus/internal/metrics"
	"crowdbus/internal/middleware"
	"crowdbus/internal/snapshot"
	"crowdbus/internal/store"
	"crowdbus/internal/trust"
	"crowdbus/internal/validation"
)

const fleetReloadInterval = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("starting crowdbus server",
		"log_level", cfg.LogLevel.String(),
		"http_addr", cfg.HTTPAddr,
		"fleet_file", cfg.FleetFile,
		"gtfs_enabled", cfg.GTFSEnabled,
		"redis_enabled", cfg.RedisEnabled,
		"mqtt_enabled", cfg.MQTTEnabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()

	routes := store.NewRouteStore()
	fleetIng := ingestor.NewFleetIngestor(cfg.FleetFile, cfg.Tracking, routes, logger)

	var gtfsIng *ingestor.GTFSIngestor
	if cfg.GTFSEnabled {
		gtfsIng = ingestor.NewGTFSIngestor(cfg.GTFSURL, routes, fleetIng.Fleet, cfg.Tracking, cfg.GTFSUpdateInterval, logger)
		fleetIng.SetOnLoad(func(*config.Fleet) { gtfsIng.Trigger() })
	}

	if err := fleetIng.Load(); err != nil {
		// Without a fleet every bus id is accepted.
		logger.Warn("fleet not loaded, tracking any bus", "path", cfg.FleetFile, "error", err)
	}

	trustStore := trust.NewStore(cfg.Trust, logger)
	trustStore.SetRecorder(m)

	var trustSnap *snapshot.Store
	if cfg.TrustDBPath != "" {
		trustSnap, err = snapshot.Open(cfg.TrustDBPath)
		if err != nil {
			logger.Error("failed to open trust snapshot, trust starts empty", "path", cfg.TrustDBPath, "error", err)
		} else {
			devices, skipped, err := trustSnap.LoadDevices()
			if err != nil {
				logger.Error("failed to load trust snapshot", "error", err)
			} else {
				trustStore.Restore(devices)
				savedAt, _ := trustSnap.SavedAt()
				logger.Info("trust snapshot restored", "devices", len(devices), "skipped", skipped, "saved_at", savedAt)
			}
		}
	}

	var tripArchive *archive.Store
	if cfg.ArchiveDBPath != "" {
		tripArchive, err = archive.Open(cfg.ArchiveDBPath, logger)
		if err == nil {
			err = tripArchive.InitSchema(ctx)
		}
		if err != nil {
			logger.Error("trip archive unavailable", "path", cfg.ArchiveDBPath, "error", err)
			if tripArchive != nil {
				tripArchive.Close()
				tripArchive = nil
			}
		}
	}

	var engineOpts []engine.Option
	if tripArchive != nil {
		engineOpts = append(engineOpts, engine.WithTripArchive(tripArchive))
	}
	eng := engine.New(cfg, trustStore, routes, logger, engineOpts...)

	var redisCache *cache.RedisCache
	if cfg.RedisEnabled {
		redisCache, err = cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.PositionTTL, logger)
		if err != nil {
			logger.Warn("redis unavailable, continuing without position cache", "error", err)
			redisCache = nil
		} else {
			warmCtx, warmCancel := context.WithTimeout(ctx, 5*time.Second)
			cache.NewWarmer(redisCache, eng.Positions(), logger).Warm(warmCtx)
			warmCancel()
		}
	}

	wsHub := hub.NewHub(logger)

	coordOpts := []coordinator.Option{
		coordinator.WithBroadcaster(wsHub),
		coordinator.WithRecorder(m),
	}

	var mqttPub *broadcast.MQTT
	if cfg.MQTTEnabled {
		mqttCfg := broadcast.Config{
			Broker:      cfg.MQTTBroker,
			ClientID:    cfg.MQTTClientID,
			TopicPrefix: cfg.MQTTTopicPrefix,
			QoS:         byte(cfg.MQTTQoS),
			Retain:      cfg.MQTTRetain,
		}
		client, err := broadcast.Connect(mqttCfg, logger)
		if err != nil {
			logger.Warn("mqtt unavailable, continuing without it", "broker", cfg.MQTTBroker, "error", err)
		} else {
			defer client.Disconnect(250)
			mqttPub = broadcast.NewMQTT(client, mqttCfg, logger)
			coordOpts = append(coordOpts, coordinator.WithBroadcaster(mqttPub))
		}
	}
	if tripArchive != nil {
		coordOpts = append(coordOpts, coordinator.WithArchiveSink(tripArchive))
	}
	if redisCache != nil {
		coordOpts = append(coordOpts, coordinator.WithPositionCache(redisCache))
	}
	if trustSnap != nil {
		coordOpts = append(coordOpts, coordinator.WithTrustCheckpoint(trustSnap, trustStore.Snapshot))
	}

	coord := coordinator.New(eng, coordinator.Config{
		FusionInterval: cfg.FusionInterval,
		SweepInterval:  cfg.SweepInterval,
	}, logger, coordOpts...)

	hasher, err := validation.NewDeviceHasher(cfg.DeviceHashKey)
	if err != nil {
		logger.Error("invalid device hash key", "error", err)
		os.Exit(1)
	}

	limiter := middleware.NewRateLimiter(cfg.RateLimitPerWindow, cfg.RateLimitWindow, cfg.RateLimitWhitelist, m, logger)

	var trips handler.TripLister
	if tripArchive != nil {
		trips = tripArchive
	}

	httpHandler := handler.NewHTTPHandler(eng, hasher, trips, m, logger)
	gtfsHandler := handler.NewGTFSHandler(eng, logger)
	wsHandler := handler.NewWSHandler(wsHub, eng.Positions(), m, logger)
	statsHandler := handler.NewStatsHandler(eng, wsHub.ClientCount)

	checks := map[string]handler.ReadinessSource{
		"fleet":  fleetIng,
		"fusion": coord,
	}
	if gtfsIng != nil {
		checks["gtfs"] = gtfsIng
	}
	healthHandler := handler.NewHealthHandler(checks, eng.Positions().Count)

	api := http.NewServeMux()
	httpHandler.Register(api, limiter.Middleware)
	gtfsHandler.Register(api)
	api.HandleFunc("GET /v1/stats", statsHandler.GetStats)

	mux := http.NewServeMux()
	mux.Handle("/v1/", handler.LoggingMiddleware(logger)(handler.CORSMiddleware(handler.GzipMiddleware(api))))
	mux.HandleFunc("/v1/ws", wsHandler.ServeWS)
	mux.Handle("GET /metrics", m.Handler())
	mux.HandleFunc("GET /healthz", healthHandler.Healthz)
	mux.HandleFunc("GET /readyz", healthHandler.Readyz)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go wsHub.Run(ctx)
	go limiter.Run(ctx)
	go fleetIng.Run(ctx, fleetReloadInterval)
	if gtfsIng != nil {
		go gtfsIng.Start(ctx)
	}
	if mqttPub != nil {
		go mqttPub.Run(ctx)
	}

	coordDone := make(chan struct{})
	go func() {
		coord.Run(ctx)
		close(coordDone)
	}()

	go func() {
		logger.Info("starting HTTP server", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	cancel()

	select {
	case <-coordDone:
	case <-shutdownCtx.Done():
		logger.Warn("coordinator did not drain before shutdown timeout")
	}

	if redisCache != nil {
		redisCache.Close()
	}
	if tripArchive != nil {
		tripArchive.Close()
	}
	if trustSnap != nil {
		trustSnap.Close()
	}

	logger.Info("shutdown complete")
}
