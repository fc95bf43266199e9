// Package badger persists the evidence graph in an embedded BadgerDB
// key-value store.
//
// Each record set lives under its own key prefix and holds the JSON
// encoding of the record. Journal keys carry a zero-padded sequence so
// prefix iteration yields events in commit order.
package badger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"evigraph/internal/store"
)

var _ store.Backend = (*Client)(nil)

// Config configures the underlying BadgerDB.
type Config struct {
	// Path is the data directory. Ignored when InMemory is set.
	Path string

	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// Logger receives Badger's internal log lines. Nil silences them.
	Logger *slog.Logger
}

// DefaultConfig returns a durable on-disk configuration for path.
func DefaultConfig(path string) Config {
	return Config{Path: path, SyncWrites: true}
}

// InMemoryConfig returns a configuration for tests and scratch runs.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

type Client struct {
	db *badger.DB
}

// New opens the store named by a badger:// DSN.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*Client, error) {
	cfg, err := parseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing badger DSN: %w", err)
	}
	cfg.Logger = logger
	return Open(cfg)
}

func Open(cfg Config) (*Client, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, fmt.Errorf("badger path must not be empty")
		}
		opts = badger.DefaultOptions(cfg.Path).WithSyncWrites(cfg.SyncWrites)
	}
	opts = opts.WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger: %w", err)
	}
	return &Client{db: db}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.db.Close()
}

// EnsureSchema is a no-op; key prefixes need no setup.
func (c *Client) EnsureSchema(ctx context.Context) error {
	return nil
}

func parseDSN(dsn string) (Config, error) {
	if !strings.HasPrefix(dsn, "badger://") {
		return Config{}, fmt.Errorf("invalid badger DSN scheme, expected badger://")
	}
	rest := strings.TrimPrefix(dsn, "badger://")
	switch {
	case rest == "":
		return Config{}, fmt.Errorf("badger DSN has no path")
	case rest == ":memory:":
		return InMemoryConfig(), nil
	case strings.HasPrefix(rest, "/"), strings.HasPrefix(rest, "./"):
		return DefaultConfig(rest), nil
	default:
		return DefaultConfig("./" + rest), nil
	}
}

// badgerLogger routes Badger's printf-style logging into slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
