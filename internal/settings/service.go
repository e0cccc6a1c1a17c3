package settings

import (
	"context"
	"log/slog"
)

type Settings struct {
	ID                   int    `json:"-"`
	GeminiAPIKey         string `json:"gemini_api_key"`
	SearchTopK           int    `json:"search_top_k"`
	RRFK                 int    `json:"rrf_k"`
	DenseCandidateFactor int    `json:"dense_candidate_factor"`
}

type Repository interface {
	Get(ctx context.Context) (*Settings, error)
	Update(ctx context.Context, s *Settings) error
}

type Service struct {
	repo     Repository
	defaults Settings
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, defaults: Settings{SearchTopK: 10, RRFK: 60, DenseCandidateFactor: 4}}
}

// WithDefaults sets the values Effective falls back to.
func (s *Service) WithDefaults(d Settings) *Service {
	s.defaults = d
	return s
}

func (s *Service) Get(ctx context.Context) (*Settings, error) {
	return s.repo.Get(ctx)
}

func (s *Service) Update(ctx context.Context, set *Settings) error {
	return s.repo.Update(ctx, set)
}

// Effective returns the stored settings with unset numeric fields filled from
// the defaults. A failing repository yields the defaults.
func (s *Service) Effective(ctx context.Context) Settings {
	out := s.defaults
	stored, err := s.repo.Get(ctx)
	if err != nil {
		slog.WarnContext(ctx, "failed to load settings, using defaults", "error", err)
		return out
	}
	out.ID = stored.ID
	out.GeminiAPIKey = stored.GeminiAPIKey
	if stored.SearchTopK > 0 {
		out.SearchTopK = stored.SearchTopK
	}
	if stored.RRFK > 0 {
		out.RRFK = stored.RRFK
	}
	if stored.DenseCandidateFactor > 0 {
		out.DenseCandidateFactor = stored.DenseCandidateFactor
	}
	return out
}
