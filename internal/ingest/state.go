package ingest

import (
	"context"
	"log/slog"
)

// State is a run's position in the ingestion state machine.
type State string

const (
	StateStarted    State = "STARTED"
	StateFetching   State = "FETCHING"
	StateDiffing    State = "DIFFING"
	StatePersisting State = "PERSISTING"
	StateChunking   State = "CHUNKING"
	StateEmbedding  State = "EMBEDDING"
	StateCompleted  State = "COMPLETED"
	StatePartial    State = "PARTIAL"
	StateFailed     State = "FAILED"
)

func (s State) Terminal() bool {
	return s == StateCompleted || s == StatePartial || s == StateFailed
}

func transition(ctx context.Context, logger *slog.Logger, to State, args ...any) {
	logger.InfoContext(ctx, "ingestion state", append([]any{"state", string(to)}, args...)...)
}
