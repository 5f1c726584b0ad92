package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"outreach-coordinator/internal/config"
	"outreach-coordinator/internal/dispatch"
	"outreach-coordinator/internal/notify"
	"outreach-coordinator/internal/router"
	"outreach-coordinator/internal/store"
	"outreach-coordinator/internal/telemetry"
)

func main() {
	cfg := config.Load()
	log := newLogger(cfg.Env)
	defer func() { _ = log.Sync() }()

	if len(cfg.Accounts) == 0 {
		log.Fatal("no worker accounts configured, set ACCOUNTS")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal("migrations", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	var notifier notify.Notifier = notify.NewRedis(rdb, cfg.NotifyChannel)
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warn("redis unreachable, completion events disabled", zap.Error(err))
		notifier = notify.Noop{}
	}

	rt := router.New(router.Config{
		MaxInflight:    cfg.RouterMaxInflight,
		TokensCapacity: cfg.RouterTokensCapacity,
		RefillPerSec:   cfg.RouterRefillPerSec,
		BaseBackoff:    cfg.RouterBaseBackoff,
		MaxBackoff:     cfg.RouterMaxBackoff,
		BackoffJitter:  cfg.RouterBackoffJitter,
	})
	rt.Register(cfg.Accounts...)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	d := dispatch.New(st, rt, notifier, log, dispatch.Config{
		Interval:         cfg.DispatchInterval,
		SweepLimit:       cfg.SweepLimit,
		LeaseTTL:         cfg.LeaseTTL,
		DefaultBatchSize: cfg.DefaultBatchSize,
	})
	log.Info("dispatcher starting",
		zap.Strings("accounts", cfg.Accounts),
		zap.Duration("interval", cfg.DispatchInterval))
	if err := d.Run(ctx); err != nil {
		log.Error("dispatcher stopped", zap.Error(err))
	}
}

func newLogger(env string) *zap.Logger {
	var (
		log *zap.Logger
		err error
	)
	if env == "dev" {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	return log
}
