package cli

import (
	"context"
	"log/slog"
	"time"

	"github.com/BradenHooton/keystone/internal/config"
	"github.com/BradenHooton/keystone/internal/database"
	"github.com/BradenHooton/keystone/internal/repositories"
	"github.com/BradenHooton/keystone/internal/repositories/memstore"
	"github.com/BradenHooton/keystone/internal/repositories/mongostore"
)

// Backend is an opened identity store with its schema and shutdown hooks
type Backend struct {
	Store   repositories.Store
	Migrate func(ctx context.Context) error
	Close   func()
}

// MemoryBackend wraps an in-memory store
func MemoryBackend(store *memstore.Store) *Backend {
	return &Backend{
		Store:   store,
		Migrate: func(context.Context) error { return nil },
		Close:   func() {},
	}
}

// OpenBackend connects to the store selected by cfg.Store.Backend
func OpenBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Backend, error) {
	switch cfg.Store.Backend {
	case config.BackendMongo:
		store, err := mongostore.Connect(ctx, cfg.Mongo, logger)
		if err != nil {
			return nil, err
		}
		return &Backend{
			Store:   store,
			Migrate: store.EnsureIndexes,
			Close: func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := store.Close(ctx); err != nil {
					logger.Warn("failed to close mongo client", slog.Any("error", err))
				}
			},
		}, nil

	case config.BackendMemory:
		logger.Warn("using in-memory identity store, nothing will be persisted")
		return MemoryBackend(memstore.New()), nil

	default:
		db, err := database.NewConnection(&cfg.Database, logger)
		if err != nil {
			return nil, err
		}
		return &Backend{
			Store:   repositories.NewPostgresStore(db),
			Migrate: db.Migrate,
			Close:   db.Close,
		}, nil
	}
}
