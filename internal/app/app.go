// Package app assembles the drop service from configuration, choosing between
// the in-memory stores and the PostgreSQL, MinIO and asynq stack.
package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/dharsanguruparan/deaddrop/internal/config"
	"github.com/dharsanguruparan/deaddrop/internal/database"
	"github.com/dharsanguruparan/deaddrop/internal/drops"
	"github.com/dharsanguruparan/deaddrop/internal/kvstore"
	"github.com/dharsanguruparan/deaddrop/internal/objectstore"
	"github.com/dharsanguruparan/deaddrop/internal/processing"
	"github.com/dharsanguruparan/deaddrop/internal/queue"
	"github.com/dharsanguruparan/deaddrop/internal/repository"
	"github.com/dharsanguruparan/deaddrop/internal/s3storage"
	"github.com/dharsanguruparan/deaddrop/internal/signing"
)

// App holds the wired components of one process.
type App struct {
	Service *drops.Service
	// Blobs serves signed URLs of the in-memory object store. Nil with S3.
	Blobs http.Handler
	// Dispatcher runs deletions in process. Nil when asynq is used.
	Dispatcher *processing.Dispatcher
	closers    []func()
}

// New builds an App for cfg. Close must be called once the App is no longer
// used.
func New(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*App, error) {
	if cfg.InMemory() {
		return newInMemory(cfg, log), nil
	}
	return newBacked(ctx, cfg, log)
}

func newInMemory(cfg *config.Config, log *logrus.Logger) *App {
	objects := objectstore.NewMemory(signing.NewSigner(cfg.SigningSecret), publicURL(cfg))
	a := &App{Blobs: objects}
	a.Dispatcher = processing.New(processing.DeleterFunc(func(ctx context.Context, dropID string) (int, error) {
		return a.Service.Purge(ctx, dropID)
	}), cfg.Workers, log)
	a.Service = drops.NewService(drops.Deps{
		Store:     kvstore.NewMemoryStore(),
		Objects:   objects,
		Presigner: objects,
		Publisher: a.Dispatcher,
		Logger:    log,
	}, drops.OptionsFromConfig(cfg))
	log.Warn("DEADDROP_DATABASE_URL not set, running with in-memory stores")
	return a
}

func newBacked(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*App, error) {
	a := &App{}
	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	a.closers = append(a.closers, pool.Close)
	if err := database.Migrate(ctx, pool, log); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	store, err := s3storage.New(cfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init storage: %w", err)
	}
	if err := store.EnsureBucket(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("ensure bucket: %w", err)
	}

	client := asynq.NewClient(RedisOpt(cfg))
	a.closers = append(a.closers, func() { _ = client.Close() })

	a.Service = drops.NewService(drops.Deps{
		Store:     repository.NewDropRepository(pool),
		Objects:   store,
		Presigner: store,
		Publisher: queue.NewPublisher(client),
		Logger:    log,
	}, drops.OptionsFromConfig(cfg))
	return a, nil
}

// RedisOpt returns the asynq connection settings from cfg.
func RedisOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
}

// Close releases connections in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func publicURL(cfg *config.Config) string {
	if cfg.PublicURL != "" {
		return cfg.PublicURL
	}
	if strings.HasPrefix(cfg.Address, ":") {
		return "http://localhost" + cfg.Address
	}
	return "http://" + cfg.Address
}
