package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var (
	ErrMissingRequired = errors.New("missing required configuration")
	ErrInvalidConfig   = errors.New("invalid configuration")
)

const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
	ProviderCohere = "cohere"

	BackendWeaviate = "weaviate"
	BackendPGVector = "pgvector"
)

type Config struct {
	DBHost string `envconfig:"DB_HOST" default:"postgres"`
	DBPort int    `envconfig:"DB_PORT" default:"5432"`
	DBUser string `envconfig:"DB_USER" default:"bbgodb"`
	DBPass string `envconfig:"DB_PASS" default:"password"`
	DBName string `envconfig:"DB_NAME" default:"bbgodb"`

	VectorBackend  string `envconfig:"VECTOR_BACKEND" default:"weaviate"`
	WeaviateHost   string `envconfig:"WEAVIATE_HOST" default:"localhost:8080"`
	WeaviateScheme string `envconfig:"WEAVIATE_SCHEME" default:"http"`
	WeaviateAPIKey string `envconfig:"WEAVIATE_API_KEY"`

	NSQLookupd string `envconfig:"NSQ_LOOKUPD" default:"nsqlookupd:4161"`
	NSQDHost   string `envconfig:"NSQD_HOST" default:"nsqd:4150"`
	NSQDHTTP   string `envconfig:"NSQD_HTTP" default:"nsqd:4151"`

	RedisURL string `envconfig:"REDIS_URL"`

	// Providers
	EmbeddingProvider string `envconfig:"EMBEDDING_PROVIDER" default:"gemini"`
	EmbeddingModel    string `envconfig:"EMBEDDING_MODEL"`
	GeminiAPIKey      string `envconfig:"GEMINI_API_KEY"`
	OpenAIAPIKey      string `envconfig:"OPENAI_API_KEY"`
	CohereAPIKey      string `envconfig:"COHERE_API_KEY"`
	ChatModel         string `envconfig:"CHAT_MODEL" default:"gpt-4o-mini"`

	// Ingestion
	FeedURL              string        `envconfig:"RSS_FEED_URL" default:"https://www.bbgo.com/feed"`
	MaxArticlesPerRun    int           `envconfig:"MAX_ARTICLES_PER_RUN" default:"100"`
	ChunkSize            int           `envconfig:"CHUNK_SIZE" default:"1000"`
	ChunkOverlap         int           `envconfig:"CHUNK_OVERLAP" default:"200"`
	ChunkSnapFraction    float64       `envconfig:"CHUNK_SNAP_FRACTION" default:"0.1"`
	EmbedBatchSize       int           `envconfig:"EMBED_BATCH_SIZE" default:"32"`
	EmbedConcurrency     int64         `envconfig:"EMBED_CONCURRENCY" default:"4"`
	EmbedRatePerSecond   float64       `envconfig:"EMBED_RATE_PER_SECOND" default:"5"`
	IngestionConcurrency int           `envconfig:"INGESTION_CONCURRENCY" default:"8"`
	RetryMaxAttempts     int           `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	ArticleTimeout       time.Duration `envconfig:"ARTICLE_TIMEOUT" default:"5m"`
	FetchFullPage        bool          `envconfig:"FETCH_FULL_PAGE" default:"true"`
	IngestInterval       time.Duration `envconfig:"INGEST_INTERVAL" default:"0s"`

	// Retrieval
	RRFK                 int           `envconfig:"RRF_K" default:"60"`
	DenseCandidateFactor int           `envconfig:"DENSE_CANDIDATE_FACTOR" default:"4"`
	SearchTopK           int           `envconfig:"SEARCH_TOP_K" default:"10"`
	QueryCacheSize       int           `envconfig:"QUERY_CACHE_SIZE" default:"1024"`
	QueryCacheTTL        time.Duration `envconfig:"QUERY_CACHE_TTL" default:"24h"`
	AnswerContextChars   int           `envconfig:"ANSWER_CONTEXT_CHARS" default:"12000"`

	EnableAPI          bool   `envconfig:"ENABLE_API" default:"true"`
	EnableIngestWorker bool   `envconfig:"ENABLE_INGEST_WORKER" default:"false"`
	MigrationPath      string `envconfig:"MIGRATION_PATH" default:"file://migrations"`

	// Server
	ServerPort   int    `envconfig:"SERVER_PORT" default:"8081"`
	QueryLogPath string `envconfig:"QUERY_LOG_PATH" default:"data/logs/query.log"`

	// Resilience
	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
}

func Load() (*Config, error) {
	// Ignore errors, as env vars might be set in the shell
	_ = godotenv.Load(".env")

	cwd, _ := os.Getwd()
	_ = godotenv.Load(filepath.Join(cwd, "../../.env"))

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DBHost == "" {
		return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
	}
	if c.DBUser == "" {
		return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
	}
	if c.DBName == "" {
		return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
	}
	if c.FeedURL == "" {
		return fmt.Errorf("%w: RSS_FEED_URL", ErrMissingRequired)
	}

	if c.ChunkSize <= 0 {
		return fmt.Errorf("%w: CHUNK_SIZE must be positive", ErrInvalidConfig)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("%w: CHUNK_OVERLAP must be in [0, CHUNK_SIZE)", ErrInvalidConfig)
	}
	if c.ChunkSnapFraction < 0 || c.ChunkSnapFraction >= 1 {
		return fmt.Errorf("%w: CHUNK_SNAP_FRACTION must be in [0, 1)", ErrInvalidConfig)
	}
	if c.MaxArticlesPerRun <= 0 {
		return fmt.Errorf("%w: MAX_ARTICLES_PER_RUN must be positive", ErrInvalidConfig)
	}
	if c.RRFK < 0 {
		return fmt.Errorf("%w: RRF_K must not be negative", ErrInvalidConfig)
	}
	if c.DenseCandidateFactor < 1 {
		return fmt.Errorf("%w: DENSE_CANDIDATE_FACTOR must be at least 1", ErrInvalidConfig)
	}

	switch c.EmbeddingProvider {
	case ProviderGemini, ProviderOpenAI, ProviderCohere:
	default:
		return fmt.Errorf("%w: unknown EMBEDDING_PROVIDER %q", ErrInvalidConfig, c.EmbeddingProvider)
	}
	switch c.VectorBackend {
	case BackendWeaviate, BackendPGVector:
	default:
		return fmt.Errorf("%w: unknown VECTOR_BACKEND %q", ErrInvalidConfig, c.VectorBackend)
	}
	return nil
}

// DSN builds the lib/pq connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBUser, c.DBPass, c.DBName)
}
