package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"outreach-coordinator/internal/config"
	"outreach-coordinator/internal/store"
	"outreach-coordinator/internal/telemetry"
	"outreach-coordinator/internal/worker"
)

func main() {
	cfg := config.Load()
	log := newLogger(cfg.Env)
	defer func() { _ = log.Sync() }()

	if cfg.WorkerAccount == "" {
		log.Fatal("no account configured, set WORKER_ACCOUNT to the account this agent drives")
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

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	runner := worker.NewRunner(st, worker.SimExecutor{}, log, worker.Config{
		AccountID:    cfg.WorkerAccount,
		WorkerID:     workerID,
		PollInterval: cfg.WorkerPollInterval,
		BatchSize:    cfg.WorkerBatchSize,
		LeaseTTL:     cfg.LeaseTTL,
		PacePerSec:   cfg.RouterRefillPerSec,
	})
	log.Info("worker starting",
		zap.String("account", cfg.WorkerAccount),
		zap.String("worker_id", workerID))
	if err := runner.Run(ctx); err != nil {
		log.Error("worker stopped", zap.Error(err))
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
