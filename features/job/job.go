package job

import (
	"encoding/json"
	"time"
)

// Stages an article can fail in.
const (
	StageFetch   = "fetch"
	StageExtract = "extract"
	StagePersist = "persist"
	StageChunk   = "chunk"
	StageEmbed   = "embed"
)

// Job is a dead-lettered article: the stage that failed and enough payload
// to retry it through the reconcile topic.
type Job struct {
	ID         int64           `json:"id"`
	ArticleURL string          `json:"article_url"`
	RunID      string          `json:"run_id"`
	Stage      string          `json:"stage"`
	Payload    json.RawMessage `json:"payload"`
	Error      string          `json:"error"`
	Retries    int             `json:"retries"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ReconcilePayload is the body published to the reconcile topic.
type ReconcilePayload struct {
	URLs          []string `json:"urls"`
	CorrelationID string   `json:"correlation_id,omitempty"`
}
