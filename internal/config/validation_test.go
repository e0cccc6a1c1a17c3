package config_test

import (
	"errors"
	"testing"

	"bbgodb/internal/config"

	"github.com/stretchr/testify/assert"
)

func validConfig() config.Config {
	return config.Config{
		DBHost:               "localhost",
		DBUser:               "user",
		DBName:               "db",
		FeedURL:              "https://example.com/feed",
		MaxArticlesPerRun:    100,
		ChunkSize:            1000,
		ChunkOverlap:         200,
		ChunkSnapFraction:    0.1,
		RRFK:                 60,
		DenseCandidateFactor: 4,
		EmbeddingProvider:    config.ProviderGemini,
		VectorBackend:        config.BackendWeaviate,
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr bool
		errIs   error
	}{
		{
			name:   "Valid Config",
			mutate: func(c *config.Config) {},
		},
		{
			name:    "Missing DBHost",
			mutate:  func(c *config.Config) { c.DBHost = "" },
			wantErr: true,
			errIs:   config.ErrMissingRequired,
		},
		{
			name:    "Missing DBUser",
			mutate:  func(c *config.Config) { c.DBUser = "" },
			wantErr: true,
			errIs:   config.ErrMissingRequired,
		},
		{
			name:    "Missing DBName",
			mutate:  func(c *config.Config) { c.DBName = "" },
			wantErr: true,
			errIs:   config.ErrMissingRequired,
		},
		{
			name:    "Missing Feed URL",
			mutate:  func(c *config.Config) { c.FeedURL = "" },
			wantErr: true,
			errIs:   config.ErrMissingRequired,
		},
		{
			name:    "Overlap Equals Chunk Size",
			mutate:  func(c *config.Config) { c.ChunkOverlap = 1000 },
			wantErr: true,
			errIs:   config.ErrInvalidConfig,
		},
		{
			name:    "Zero Chunk Size",
			mutate:  func(c *config.Config) { c.ChunkSize = 0 },
			wantErr: true,
			errIs:   config.ErrInvalidConfig,
		},
		{
			name:    "Snap Fraction Out Of Range",
			mutate:  func(c *config.Config) { c.ChunkSnapFraction = 1.5 },
			wantErr: true,
			errIs:   config.ErrInvalidConfig,
		},
		{
			name:    "Unknown Embedding Provider",
			mutate:  func(c *config.Config) { c.EmbeddingProvider = "word2vec" },
			wantErr: true,
			errIs:   config.ErrInvalidConfig,
		},
		{
			name:    "Unknown Vector Backend",
			mutate:  func(c *config.Config) { c.VectorBackend = "faiss" },
			wantErr: true,
			errIs:   config.ErrInvalidConfig,
		},
		{
			name:    "Zero Candidate Factor",
			mutate:  func(c *config.Config) { c.DenseCandidateFactor = 0 },
			wantErr: true,
			errIs:   config.ErrInvalidConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				assert.True(t, errors.Is(err, tt.errIs))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_DSN(t *testing.T) {
	cfg := validConfig()
	cfg.DBPort = 5433
	cfg.DBPass = "secret"
	assert.Equal(t, "host=localhost port=5433 user=user password=secret dbname=db sslmode=disable", cfg.DSN())
}
