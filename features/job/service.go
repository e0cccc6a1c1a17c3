package job

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"bbgodb/internal/config"
)

// ErrPublishTimeout is returned when the broker does not accept a retry in time.
var ErrPublishTimeout = errors.New("timeout waiting for NSQ publish")

type EventPublisher interface {
	Publish(topic string, body []byte) error
}

type Service struct {
	repo           Repository
	pub            EventPublisher
	logger         *slog.Logger
	publishTimeout time.Duration
}

func NewService(repo Repository, pub EventPublisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, pub: pub, logger: logger, publishTimeout: 5 * time.Second}
}

// WithPublishTimeout overrides how long Retry waits for the broker.
func (s *Service) WithPublishTimeout(d time.Duration) *Service {
	s.publishTimeout = d
	return s
}

func (s *Service) List(ctx context.Context) ([]Job, error) {
	return s.repo.List(ctx)
}

// Record dead-letters an article failure. Errors are logged, not returned:
// losing a dead-letter row must not change the run outcome.
func (s *Service) Record(ctx context.Context, runID, articleURL, stage string, cause error) {
	payload, _ := json.Marshal(ReconcilePayload{URLs: []string{articleURL}})
	j := &Job{
		ArticleURL: articleURL,
		RunID:      runID,
		Stage:      stage,
		Payload:    payload,
		Error:      cause.Error(),
	}
	if err := s.repo.Save(ctx, j); err != nil {
		s.logger.ErrorContext(ctx, "failed to save failed job", "url", articleURL, "stage", stage, "error", err)
	}
}

// Retry republishes the job's article to the reconcile topic and removes
// the dead-letter row once the broker accepted it.
func (s *Service) Retry(ctx context.Context, id int64) error {
	job, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}

	body, err := json.Marshal(ReconcilePayload{URLs: []string{job.ArticleURL}})
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- s.pub.Publish(config.TopicIngestReconcile, body)
	}()

	select {
	case err := <-done:
		if err != nil {
			return err
		}
	case <-time.After(s.publishTimeout):
		return ErrPublishTimeout
	case <-ctx.Done():
		return ctx.Err()
	}

	s.logger.InfoContext(ctx, "failed job republished", "id", id, "url", job.ArticleURL, "stage", job.Stage)
	return s.repo.Delete(ctx, id)
}

func (s *Service) Count(ctx context.Context) (int, error) {
	return s.repo.Count(ctx)
}
