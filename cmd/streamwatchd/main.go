package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"streamwatch/internal/api"
	"streamwatch/internal/config"
	"streamwatch/internal/kvstore"
	"streamwatch/internal/notify"
	"streamwatch/internal/orchestrator"
	"streamwatch/internal/platform"
	"streamwatch/internal/quota"
	"streamwatch/internal/results"
	"streamwatch/internal/roster"
	"streamwatch/internal/schedule"
	"streamwatch/internal/stream"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := kvstore.NewRedisClient(cfg.RedisURL, cfg.RedisPassword)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer func() { _ = rdb.Close() }()
	kv := kvstore.NewRedis(rdb)

	// The roster database is optional: without it YouTube needs an OAuth
	// token and TwitCasting falls back to the configured user list.
	var channelSource platform.ChannelSource
	var userSource platform.UserSource = platform.StaticUsers(cfg.TwitCasting.UserIDs)
	if cfg.DatabaseURL != "" {
		pool, err := roster.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("postgres", zap.Error(err))
		}
		defer pool.Close()
		r := roster.New(pool)
		if err := r.ApplySchema(ctx); err != nil {
			logger.Fatal("schema", zap.Error(err))
		}
		channelSource = r
		userSource = r
	}

	ledger := quota.New(kv, cfg.YouTube.QuotaBudget, cfg.YouTube.QuotaResetHourUTC, logger)

	var clients []platform.Client
	if cfg.Twitch.Enabled {
		clients = append(clients, platform.NewTwitch(cfg.Twitch.ClientID, cfg.Twitch.AccessToken, cfg.ChunkDelay, logger))
	}
	if cfg.YouTube.Enabled {
		clients = append(clients, platform.NewYouTube(cfg.YouTube.APIKey, cfg.YouTube.AccessToken, ledger, channelSource, cfg.ChunkDelay, logger))
	}
	if cfg.TwitCasting.Enabled {
		clients = append(clients, platform.NewTwitCasting(cfg.TwitCasting.ClientID, cfg.TwitCasting.ClientSecret, "", userSource, cfg.ChunkDelay, logger))
	}
	registry := platform.NewRegistry(clients...)

	hub := api.NewHub(logger)
	alerter := notify.Multi{hub, &notify.RedisAlerter{Client: rdb, Logger: logger}}

	res := results.New(kv, cfg.ValidityWindow, logger)
	dedup := notify.NewDeduplicator(kv, logger)
	scheds := schedule.New(kv, alerter, logger)
	defer scheds.Close()

	orch := orchestrator.New(orchestrator.Config{
		Order:            cfg.UpdateOrder,
		MinInterval:      cfg.MinInterval,
		MinIntervalShort: cfg.MinIntervalShort,
		BoostCooldown:    cfg.BoostCooldown,
		FlagValidity:     cfg.FlagValidity,
	}, registry, res, dedup, alerter, scheds, ledger, kv, logger)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	api.NewHandler(orch, scheds, hub, logger).Register(router)

	srv := &http.Server{Addr: ":" + cfg.HTTPPort, Handler: router}
	go func() {
		logger.Info("http: listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http", zap.Error(err))
		}
	}()

	// Run immediately at startup, then on the configured intervals.
	go pollLoop(ctx, logger, "streams", cfg.UpdateInterval, func() {
		orch.CheckStreams(ctx, stream.All, false)
	})
	go pollLoop(ctx, logger, "schedules", cfg.ScheduleInterval, func() {
		orch.CheckSchedules(ctx)
	})

	<-ctx.Done()
	logger.Info("shutdown: signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http: shutdown", zap.Error(err))
	}
}

func pollLoop(ctx context.Context, logger *zap.Logger, name string, interval time.Duration, run func()) {
	logger.Info("poll: loop started", zap.String("loop", name), zap.Duration("interval", interval))
	run()

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("poll: loop stopped", zap.String("loop", name))
			return
		case <-t.C:
			run()
		}
	}
}
