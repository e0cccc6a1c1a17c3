// Package worker adapts NSQ messages onto the ingestion pipeline.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"

	"bbgodb/features/job"
	"bbgodb/features/run"
	"bbgodb/internal/apperr"
	"bbgodb/internal/ingest"
	"bbgodb/internal/middleware"
)

type Runner interface {
	Run(ctx context.Context) (*ingest.RunSummary, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context, urls ...string) (*ingest.ReconcileSummary, error)
}

// RunConsumer handles ingest.run. A message is acknowledged whenever the run
// reached a recorded outcome; only a run that could not start its audit log is
// requeued.
type RunConsumer struct {
	runner  Runner
	timeout time.Duration
}

func NewRunConsumer(r Runner, timeout time.Duration) *RunConsumer {
	return &RunConsumer{runner: r, timeout: timeout}
}

func (c *RunConsumer) HandleMessage(m *nsq.Message) error {
	var payload run.TriggerPayload
	if len(m.Body) > 0 {
		if err := json.Unmarshal(m.Body, &payload); err != nil {
			slog.Error("poison pill: invalid run trigger", "error", err)
			return nil
		}
	}

	ctx, cancel := messageContext(payload.CorrelationID, c.timeout)
	defer cancel()

	summary, err := c.runner.Run(ctx)
	switch {
	case err == nil:
		slog.InfoContext(ctx, "ingestion run finished", "run_id", summary.RunID, "status", summary.Status)
		return nil
	case errors.Is(err, ingest.ErrRunInProgress):
		slog.InfoContext(ctx, "ingestion already running, dropping trigger")
		return nil
	case errors.Is(err, ingest.ErrRunFailed), errors.Is(err, apperr.ErrPipelinePartialFailure):
		slog.WarnContext(ctx, "ingestion run did not complete cleanly", "error", err)
		return nil
	default:
		slog.ErrorContext(ctx, "ingestion run could not start", "error", err)
		return err
	}
}

// ReconcileConsumer handles ingest.reconcile. Articles that fail again are
// dead-lettered by the pipeline, so a partial result is acknowledged. A busy
// pipeline requeues the message.
type ReconcileConsumer struct {
	reconciler Reconciler
	timeout    time.Duration
}

func NewReconcileConsumer(r Reconciler, timeout time.Duration) *ReconcileConsumer {
	return &ReconcileConsumer{reconciler: r, timeout: timeout}
}

func (c *ReconcileConsumer) HandleMessage(m *nsq.Message) error {
	var payload job.ReconcilePayload
	if len(m.Body) > 0 {
		if err := json.Unmarshal(m.Body, &payload); err != nil {
			slog.Error("poison pill: invalid reconcile payload", "error", err)
			return nil
		}
	}

	ctx, cancel := messageContext(payload.CorrelationID, c.timeout)
	defer cancel()

	summary, err := c.reconciler.Reconcile(ctx, payload.URLs...)
	switch {
	case err == nil:
		slog.InfoContext(ctx, "reconcile finished", "articles", summary.Articles, "vectors", summary.VectorsWritten)
		return nil
	case errors.Is(err, apperr.ErrPipelinePartialFailure):
		slog.WarnContext(ctx, "reconcile left failures", "error", err)
		return nil
	case errors.Is(err, ingest.ErrRunInProgress):
		slog.InfoContext(ctx, "pipeline busy, requeueing reconcile")
		return err
	default:
		slog.ErrorContext(ctx, "reconcile failed", "error", err)
		return err
	}
}

func messageContext(correlationID string, timeout time.Duration) (context.Context, context.CancelFunc) {
	if correlationID == "" || correlationID == "unknown" {
		correlationID = uuid.New().String()
	}
	ctx := middleware.WithCorrelationID(context.Background(), correlationID)
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
