package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/deaddrop/internal/app"
	"github.com/dharsanguruparan/deaddrop/internal/config"
	"github.com/dharsanguruparan/deaddrop/internal/logging"
	"github.com/dharsanguruparan/deaddrop/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logging.Setup("deaddrop-worker", false).WithError(err).Fatal("load config")
	}
	log := logging.Setup("deaddrop-worker", cfg.Verbose)
	if cfg.InMemory() {
		log.Fatal("the worker needs DEADDROP_DATABASE_URL; in-memory servers delete in process")
	}

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("init app")
	}
	defer a.Close()

	server := asynq.NewServer(app.RedisOpt(cfg), asynq.Config{
		Concurrency: cfg.Workers,
		Logger:      log,
	})
	processor := worker.NewProcessor(a.Service.Orchestrator(), log)
	mux := processor.Handler()

	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()

	if err := server.Run(mux); err != nil {
		log.WithError(err).Error("worker stopped")
		os.Exit(1)
	}
}
