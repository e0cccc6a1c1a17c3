package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/nsqio/go-nsq"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/auth"

	"bbgodb/internal/adapter/cache"
	"bbgodb/internal/adapter/pgvector"
	wstore "bbgodb/internal/adapter/weaviate"
	"bbgodb/internal/config"
	"bbgodb/internal/vector"
)

// VectorStore is a vector index whose schema can also be dropped.
type VectorStore interface {
	vector.Index
	DropSchema(ctx context.Context) error
}

type Dependencies struct {
	DB          *sql.DB
	VectorStore VectorStore
	NSQProducer *nsq.Producer
	QueryCache  cache.Store

	closers []io.Closer
}

// Close releases everything Bootstrap opened.
func (d *Dependencies) Close() error {
	var errs []error
	if d.NSQProducer != nil {
		d.NSQProducer.Stop()
	}
	for _, c := range d.closers {
		errs = append(errs, c.Close())
	}
	if d.DB != nil {
		errs = append(errs, d.DB.Close())
	}
	return errors.Join(errs...)
}

func Bootstrap(ctx context.Context, cfg *config.Config) (*Dependencies, error) {
	retryDelay := time.Duration(cfg.BootstrapRetryDelaySeconds) * time.Second

	db, err := OpenDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db, cfg.MigrationPath); err != nil {
		db.Close()
		return nil, err
	}

	vecStore, err := NewVectorStore(cfg, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := EnsureSchemaWithRetry(ctx, vecStore, cfg.BootstrapRetryAttempts, retryDelay); err != nil {
		db.Close()
		return nil, fmt.Errorf("vector schema error: %w", err)
	}

	producer, err := nsq.NewProducer(cfg.NSQDHost, nsq.NewConfig())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("nsq producer error: %w", err)
	}
	createTopics(cfg.NSQDHTTP)

	deps := &Dependencies{
		DB:          db,
		VectorStore: vecStore,
		NSQProducer: producer,
	}
	deps.QueryCache = newQueryCache(ctx, cfg, deps)
	return deps, nil
}

// OpenDB connects to Postgres, pinging until it answers or the bootstrap
// attempts run out.
func OpenDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	retryDelay := time.Duration(cfg.BootstrapRetryDelaySeconds) * time.Second
	for i := 0; i < cfg.BootstrapRetryAttempts; i++ {
		if err = db.PingContext(ctx); err == nil {
			return db, nil
		}
		slog.WarnContext(ctx, "failed to ping db, retrying...", "attempt", i+1, "error", err)
		if i < cfg.BootstrapRetryAttempts-1 {
			time.Sleep(retryDelay)
		}
	}
	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}
	return db, nil
}

func Migrate(db *sql.DB, migrationPath string) error {
	m, err := newMigrator(db, migrationPath)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up error: %w", err)
	}
	return nil
}

// MigrateDown reverts every migration.
func MigrateDown(db *sql.DB, migrationPath string) error {
	m, err := newMigrator(db, migrationPath)
	if err != nil {
		return err
	}
	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration down error: %w", err)
	}
	return nil
}

func newMigrator(db *sql.DB, migrationPath string) (*migrate.Migrate, error) {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration driver error: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(migrationPath, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("migration instance error: %w", err)
	}
	return m, nil
}

// NewVectorStore selects the vector index backend named in cfg.
func NewVectorStore(cfg *config.Config, db *sql.DB) (VectorStore, error) {
	switch cfg.VectorBackend {
	case config.BackendPGVector:
		return pgvector.NewStore(db), nil
	case config.BackendWeaviate, "":
		wCfg := weaviate.Config{Host: cfg.WeaviateHost, Scheme: cfg.WeaviateScheme}
		if cfg.WeaviateAPIKey != "" {
			wCfg.AuthConfig = auth.ApiKey{Value: cfg.WeaviateAPIKey}
		}
		client, err := weaviate.NewClient(wCfg)
		if err != nil {
			return nil, fmt.Errorf("weaviate client error: %w", err)
		}
		return wstore.NewStore(client), nil
	default:
		return nil, fmt.Errorf("%w: unknown VECTOR_BACKEND %q", config.ErrInvalidConfig, cfg.VectorBackend)
	}
}

// newQueryCache prefers Redis when configured so cached query embeddings
// survive restarts and are shared between replicas. An unreachable Redis
// degrades to the in-process cache.
func newQueryCache(ctx context.Context, cfg *config.Config, deps *Dependencies) cache.Store {
	if cfg.RedisURL != "" {
		r, err := cache.NewRedis(ctx, cfg.RedisURL, cfg.QueryCacheTTL)
		if err == nil {
			deps.closers = append(deps.closers, r)
			return r
		}
		slog.WarnContext(ctx, "redis unavailable, using in-process query cache", "error", err)
	}
	return cache.NewLRU(cfg.QueryCacheSize, cfg.QueryCacheTTL)
}

func createTopics(nsqdHTTP string) {
	create := func(topic string) {
		url := fmt.Sprintf("http://%s/topic/create?topic=%s", nsqdHTTP, topic)
		resp, err := http.Post(url, "application/json", nil) // #nosec G107 -- URL is built from internal NSQ config, not user input
		if err != nil {
			slog.Warn("failed to create NSQ topic", "topic", topic, "error", err)
			return
		}
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Warn("failed to close NSQ topic creation response body", "error", closeErr)
		}
	}

	go func() {
		time.Sleep(2 * time.Second)
		create(config.TopicIngestRun)
		create(config.TopicIngestReconcile)
	}()
}

// EnsureSchemaWithRetry retries schema creation while the index starts up.
func EnsureSchemaWithRetry(ctx context.Context, store vector.Index, attempts int, delay time.Duration) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = store.EnsureSchema(ctx); err == nil {
			return nil
		}
		slog.WarnContext(ctx, "failed to ensure vector schema, retrying...", "attempt", i+1, "error", err)
		if i < attempts-1 {
			time.Sleep(delay)
		}
	}
	return err
}
