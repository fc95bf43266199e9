package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"evigraph/internal/config"
	"evigraph/internal/engine"
	"evigraph/internal/logging"
	"evigraph/internal/store"
	"evigraph/internal/store/badger"
	"evigraph/internal/store/postgres"
	"evigraph/internal/store/sqlite"
)

// openBackend opens the backend named by the DSN scheme. memory:// returns a
// nil backend, which keeps the graph in process memory.
func openBackend(ctx context.Context, dsn string, logger *slog.Logger) (store.Backend, error) {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return nil, fmt.Errorf("database dsn %q has no scheme", dsn)
	}
	switch scheme {
	case "sqlite":
		path, _, _ := strings.Cut(rest, "?")
		if path != "" && path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("creating database directory: %w", err)
			}
		}
		return sqlite.New(ctx, dsn)
	case "postgres", "postgresql":
		return postgres.New(ctx, dsn)
	case "badger":
		return badger.New(ctx, dsn, logger)
	case "memory":
		return nil, nil
	}
	return nil, fmt.Errorf("unsupported database scheme %q", scheme)
}

// loadEngine reads the project config, configures logging and opens the
// engine over the configured backend. The backend is nil for memory://.
func loadEngine(ctx context.Context) (*engine.Engine, store.Backend, error) {
	cfg, err := config.LoadProjectConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, nil, err
	}
	logging.Init(level, cfg.Log.Format)

	backend, err := openBackend(ctx, cfg.Database.DSN, logging.New("badger"))
	if err != nil {
		return nil, nil, err
	}
	eng, err := engine.New(ctx, cfg, engine.Options{Backend: backend, Logger: logging.New("engine")})
	if err != nil {
		if backend != nil {
			backend.Close(ctx)
		}
		return nil, nil, err
	}
	return eng, backend, nil
}
