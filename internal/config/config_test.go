package config_test

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"bbgodb/internal/config"
)

func TestLoadConfig(t *testing.T) {
	os.Setenv("DB_HOST", "test-host")
	defer os.Unsetenv("DB_HOST")

	cfg, err := config.Load()
	assert.NoError(t, err)
	assert.Equal(t, "test-host", cfg.DBHost)
	assert.Equal(t, 1000, cfg.ChunkSize)
	assert.Equal(t, 200, cfg.ChunkOverlap)
	assert.Equal(t, 100, cfg.MaxArticlesPerRun)
	assert.Equal(t, 60, cfg.RRFK)
	assert.Equal(t, 3, cfg.RetryMaxAttempts)
}

func TestLoadConfig_FromEnvFile(t *testing.T) {
	content := []byte("DB_HOST=loaded-from-file\nRSS_FEED_URL=https://feeds.example.org/rss")
	err := os.WriteFile(".env", content, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(".env")

	cfg, err := config.Load()
	assert.NoError(t, err)
	assert.Equal(t, "loaded-from-file", cfg.DBHost)
	assert.Equal(t, "https://feeds.example.org/rss", cfg.FeedURL)
}

func TestLoadConfig_Toggles(t *testing.T) {
	t.Setenv("ENABLE_API", "false")
	t.Setenv("ENABLE_INGEST_WORKER", "true")
	t.Setenv("INGESTION_CONCURRENCY", "10")
	t.Setenv("INGEST_INTERVAL", "15m")

	cfg, err := config.Load()
	assert.NoError(t, err)
	assert.False(t, cfg.EnableAPI)
	assert.True(t, cfg.EnableIngestWorker)
	assert.Equal(t, 10, cfg.IngestionConcurrency)
	assert.Equal(t, 15*time.Minute, cfg.IngestInterval)
}

func TestLoadConfig_InvalidChunking(t *testing.T) {
	t.Setenv("CHUNK_SIZE", "100")
	t.Setenv("CHUNK_OVERLAP", "100")

	cfg, err := config.Load()
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
	assert.Nil(t, cfg)
}
