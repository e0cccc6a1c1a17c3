package run

import "time"

const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusPartial   = "partial"
)

// Log is one ingestion run. It is created in StatusRunning and frozen once
// finalized.
type Log struct {
	ID              int64                  `json:"id"`
	RunID           string                 `json:"run_id"`
	StartedAt       time.Time              `json:"started_at"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
	ArticlesFound   int                    `json:"articles_found"`
	ArticlesNew     int                    `json:"articles_new"`
	ArticlesUpdated int                    `json:"articles_updated"`
	ArticlesFailed  int                    `json:"articles_failed"`
	Status          string                 `json:"status"`
	ErrorMessage    string                 `json:"error_message,omitempty"`
	Details         map[string]interface{} `json:"details,omitempty"`
}

// Counts is a set of counter deltas or totals.
type Counts struct {
	Found   int
	New     int
	Updated int
	Failed  int
}

func (c Counts) IsZero() bool {
	return c == Counts{}
}

// Final is what a run writes when it reaches a terminal status.
type Final struct {
	Status       string
	Counts       Counts
	ErrorMessage string
	Details      map[string]interface{}
}

// TriggerPayload is the body of an ingest.run message.
type TriggerPayload struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	RequestedBy   string `json:"requested_by,omitempty"`
}
