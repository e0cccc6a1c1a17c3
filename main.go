package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nsqio/go-nsq"

	"bbgodb/internal/app"
	"bbgodb/internal/config"
	"bbgodb/internal/logger"
)

func main() {
	log := logger.New(os.Stdout, slog.LevelInfo)
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		slog.Error("bbgodb exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	deps, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to bootstrap dependencies: %w", err)
	}
	defer deps.Close()
	log.Info("dependencies ready", "vector_backend", cfg.VectorBackend, "embedding_provider", cfg.EmbeddingProvider)

	application, err := app.New(cfg, deps.DB, deps.VectorStore, deps.NSQProducer, log, &app.Options{
		QueryCache: deps.QueryCache,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize app: %w", err)
	}

	if cfg.EnableIngestWorker {
		for _, c := range []*nsq.Consumer{
			startConsumer(cfg, config.TopicIngestRun, application.RunConsumer),
			startConsumer(cfg, config.TopicIngestReconcile, application.ReconcileConsumer),
		} {
			if c != nil {
				defer c.Stop()
			}
		}
	}

	go application.Scheduler.Start(ctx)

	if !cfg.EnableAPI {
		log.Info("api disabled, running worker only")
		<-ctx.Done()
		return nil
	}
	return application.Run(ctx)
}

// startConsumer subscribes handler to topic on the "backend" channel. A
// failed subscription is logged; the API keeps serving.
func startConsumer(cfg *config.Config, topic string, handler nsq.Handler) *nsq.Consumer {
	nsqCfg := nsq.NewConfig()
	nsqCfg.MaxInFlight = 1

	consumer, err := nsq.NewConsumer(topic, "backend", nsqCfg)
	if err != nil {
		slog.Error("failed to create NSQ consumer", "topic", topic, "error", err)
		return nil
	}
	consumer.AddHandler(handler)
	if err := consumer.ConnectToNSQLookupd(cfg.NSQLookupd); err != nil {
		slog.Error("failed to connect to NSQLookupd", "topic", topic, "error", err)
		consumer.Stop()
		return nil
	}
	slog.Info("NSQ consumer connected", "topic", topic)
	return consumer
}
