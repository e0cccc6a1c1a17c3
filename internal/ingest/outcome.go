package ingest

import (
	"sync"
	"unicode/utf8"

	"bbgodb/features/run"
)

// Kind classifies what a run did with one feed entry.
type Kind string

const (
	KindNew       Kind = "new"
	KindUpdated   Kind = "updated"
	KindUnchanged Kind = "unchanged"
	KindRetried   Kind = "retried"
	KindFailed    Kind = "failed"
)

// maxErrorLen bounds the error text kept in article metadata and run details.
const maxErrorLen = 500

// ArticleOutcome is the result value of processing one article. Failures
// carry the stage and reason instead of escaping as errors.
type ArticleOutcome struct {
	URL            string
	GUID           string
	Kind           Kind
	Attempted      Kind
	Stage          string
	Err            error
	ChunkCount     int
	VectorsWritten int
}

func failed(o ArticleOutcome, stage string, err error) ArticleOutcome {
	if o.Kind != KindFailed {
		o.Attempted = o.Kind
	}
	o.Kind = KindFailed
	o.Stage = stage
	o.Err = err
	return o
}

// Failure is the serialized form of a failed outcome in the run details.
type Failure struct {
	URL   string `json:"url"`
	Stage string `json:"stage"`
	Error string `json:"error"`
}

// RunSummary is what a finished run reports to its caller.
type RunSummary struct {
	RunID          string
	Status         string
	Found          int
	New            int
	Updated        int
	Unchanged      int
	Retried        int
	Failed         int
	Skipped        int
	VectorsWritten int
	Cancelled      bool
	Failures       []Failure
}

// Attempted is the number of articles the run started work on.
func (s *RunSummary) Attempted() int {
	return s.New + s.Updated + s.Unchanged + s.Retried + s.Failed
}

func (s *RunSummary) counts() run.Counts {
	return run.Counts{Found: s.Found, New: s.New, Updated: s.Updated, Failed: s.Failed}
}

func (s *RunSummary) details() map[string]interface{} {
	failures := s.Failures
	if failures == nil {
		failures = []Failure{}
	}
	return map[string]interface{}{
		"unchanged":       s.Unchanged,
		"retried":         s.Retried,
		"skipped":         s.Skipped,
		"cancelled":       s.Cancelled,
		"vectors_written": s.VectorsWritten,
		"failures":        failures,
	}
}

// tally collects outcomes from concurrent article workers.
type tally struct {
	mu      sync.Mutex
	summary RunSummary
}

// add records o and returns the counter delta it contributes.
func (t *tally) add(o ArticleOutcome) run.Counts {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := &t.summary
	s.VectorsWritten += o.VectorsWritten
	var delta run.Counts
	switch o.Kind {
	case KindNew:
		s.New++
		delta.New = 1
	case KindUpdated:
		s.Updated++
		delta.Updated = 1
	case KindUnchanged:
		s.Unchanged++
	case KindRetried:
		s.Retried++
	case KindFailed:
		s.Failed++
		delta.Failed = 1
		s.Failures = append(s.Failures, Failure{URL: o.URL, Stage: o.Stage, Error: truncate(errString(o.Err))})
	}
	return delta
}

func (t *tally) snapshot() RunSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.summary
	s.Failures = append([]Failure(nil), t.summary.Failures...)
	return s
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func truncate(s string) string {
	if utf8.RuneCountInString(s) <= maxErrorLen {
		return s
	}
	r := []rune(s)
	return string(r[:maxErrorLen])
}
