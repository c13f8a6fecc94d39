// Package main runs the DeadDrop HTTP API. Without DEADDROP_DATABASE_URL it
// serves everything from memory, including the signed blob URLs, and runs
// deletions in process.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dharsanguruparan/deaddrop/internal/api"
	"github.com/dharsanguruparan/deaddrop/internal/app"
	"github.com/dharsanguruparan/deaddrop/internal/config"
	"github.com/dharsanguruparan/deaddrop/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logging.Setup("deaddrop-api", false).WithError(err).Fatal("load config")
	}
	log := logging.Setup("deaddrop-api", cfg.Verbose)

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("init app")
	}
	defer a.Close()
	if a.Dispatcher != nil {
		a.Dispatcher.Start(ctx)
	}

	srv := api.New(cfg, a.Service, a.Blobs, log)
	if err := srv.Run(ctx); err != nil {
		log.WithError(err).Error("server stopped")
		os.Exit(1)
	}
	if a.Dispatcher != nil {
		a.Dispatcher.Wait()
	}
}
