package cli

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"

	"bbgodb/internal/app"
	"bbgodb/internal/config"
	"bbgodb/internal/logger"
)

// envBackend connects to the services named by the environment
// configuration.
type envBackend struct {
	cfg  *config.Config
	db   *sql.DB
	deps *app.Dependencies
}

func NewEnvBackend() (Backend, error) {
	slog.SetDefault(logger.New(os.Stderr, slog.LevelInfo))
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return &envBackend{cfg: cfg}, nil
}

func (b *envBackend) Schema(ctx context.Context) (SchemaManager, error) {
	db, err := app.OpenDB(ctx, b.cfg)
	if err != nil {
		return nil, err
	}
	b.db = db
	vectors, err := app.NewVectorStore(b.cfg, db)
	if err != nil {
		return nil, err
	}
	return &schemaManager{db: db, vectors: vectors, migrations: b.cfg.MigrationPath}, nil
}

func (b *envBackend) Pipeline(ctx context.Context) (Pipeline, error) {
	deps, err := app.Bootstrap(ctx, b.cfg)
	if err != nil {
		return nil, err
	}
	b.deps = deps
	a, err := app.New(b.cfg, deps.DB, deps.VectorStore, deps.NSQProducer, slog.Default(), &app.Options{
		QueryCache: deps.QueryCache,
	})
	if err != nil {
		return nil, err
	}
	return a.Pipeline, nil
}

func (b *envBackend) Close() error {
	var errs []error
	if b.deps != nil {
		errs = append(errs, b.deps.Close())
	}
	if b.db != nil {
		errs = append(errs, b.db.Close())
	}
	return errors.Join(errs...)
}

type schemaManager struct {
	db         *sql.DB
	vectors    app.VectorStore
	migrations string
}

func (s *schemaManager) Init(ctx context.Context) error {
	if err := app.Migrate(s.db, s.migrations); err != nil {
		return err
	}
	return s.vectors.EnsureSchema(ctx)
}

// Drop removes the vector schema first so a failure there leaves the
// metadata store intact.
func (s *schemaManager) Drop(ctx context.Context) error {
	if err := s.vectors.DropSchema(ctx); err != nil {
		return err
	}
	return app.MigrateDown(s.db, s.migrations)
}
