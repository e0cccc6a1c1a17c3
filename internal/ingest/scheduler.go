package ingest

import (
	"context"
	"errors"
	"time"
)

// Scheduler runs the pipeline on a fixed interval.
type Scheduler struct {
	pipeline *Pipeline
	interval time.Duration
}

func NewScheduler(p *Pipeline, interval time.Duration) *Scheduler {
	return &Scheduler{pipeline: p, interval: interval}
}

// Start runs once immediately, then every interval until ctx is done. A
// non-positive interval disables scheduling.
func (s *Scheduler) Start(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	logger := s.pipeline.deps.Logger
	logger.InfoContext(ctx, "ingestion scheduler started", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.tick(ctx)
		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "ingestion scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	_, err := s.pipeline.Run(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrRunInProgress):
		s.pipeline.deps.Logger.InfoContext(ctx, "scheduled run skipped, previous run still active")
	default:
		s.pipeline.deps.Logger.WarnContext(ctx, "scheduled run finished with errors", "error", err)
	}
}
