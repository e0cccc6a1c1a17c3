package testutils

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/nsqio/go-nsq"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"bbgodb/internal/config"
)

// IntegrationSuite starts the backing services the bbgodb packages talk to.
// Postgres is always started and migrated; the others are opt-in.
type IntegrationSuite struct {
	T        *testing.T
	DB       *sql.DB
	DSN      string
	Weaviate *weaviate.Client
	NSQ      *nsq.Producer
	NSQAddr  string
	RedisURL string

	withWeaviate bool
	withNSQ      bool
	withRedis    bool
	withPGVector bool

	weaviateAddr string
	nsqHTTPAddr  string

	pgContainer       *postgres.PostgresContainer
	weaviateContainer testcontainers.Container
	nsqContainer      testcontainers.Container
	redisContainer    testcontainers.Container
}

type Option func(*IntegrationSuite)

func WithWeaviate() Option { return func(s *IntegrationSuite) { s.withWeaviate = true } }
func WithNSQ() Option      { return func(s *IntegrationSuite) { s.withNSQ = true } }
func WithRedis() Option    { return func(s *IntegrationSuite) { s.withRedis = true } }

// WithPGVector runs Postgres from an image that ships the vector extension.
func WithPGVector() Option { return func(s *IntegrationSuite) { s.withPGVector = true } }

// WithAll starts every service.
func WithAll() Option {
	return func(s *IntegrationSuite) {
		s.withWeaviate, s.withNSQ, s.withRedis = true, true, true
	}
}

func NewIntegrationSuite(t *testing.T, opts ...Option) *IntegrationSuite {
	s := &IntegrationSuite{T: t}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *IntegrationSuite) Setup() {
	ctx := context.Background()

	// 1. Postgres
	image := "postgres:16-alpine"
	if s.withPGVector {
		image = "pgvector/pgvector:pg16"
	}
	pgContainer, err := postgres.Run(ctx,
		image,
		postgres.WithDatabase("bbgodb_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(s.T, err)
	s.pgContainer = pgContainer

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(s.T, err)
	s.DSN = connStr

	s.DB, err = sql.Open("postgres", connStr)
	require.NoError(s.T, err)

	m, err := migrate.New(MigrationsURL(), connStr)
	require.NoError(s.T, err)
	require.NoError(s.T, m.Up())

	if s.withWeaviate {
		s.startWeaviate(ctx)
	}
	if s.withNSQ {
		s.startNSQ(ctx)
	}
	if s.withRedis {
		s.startRedis(ctx)
	}
}

// MigrationsURL locates the repository's migrations directory.
func MigrationsURL() string {
	_, b, _, _ := runtime.Caller(0)
	return fmt.Sprintf("file://%s/../../migrations", filepath.Dir(b))
}

func (s *IntegrationSuite) startWeaviate(ctx context.Context) {
	req := testcontainers.ContainerRequest{
		Image:        "semitechnologies/weaviate:latest",
		ExposedPorts: []string{"8080/tcp", "50051/tcp"},
		Env: map[string]string{
			"AUTHENTICATION_ANONYMOUS_ACCESS_ENABLED": "true",
			"DEFAULT_VECTORIZER_MODULE":                 "none",
			"PERSISTENCE_DATA_PATH":                     "/var/lib/weaviate",
		},
		WaitingFor: wait.ForHTTP("/v1/meta").WithPort("8080/tcp").WithStartupTimeout(60 * time.Second),
	}
	weaviateC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(s.T, err)
	s.weaviateContainer = weaviateC

	host, err := weaviateC.Host(ctx)
	require.NoError(s.T, err)
	port, err := weaviateC.MappedPort(ctx, "8080")
	require.NoError(s.T, err)

	s.weaviateAddr = fmt.Sprintf("%s:%s", host, port.Port())
	cfg := weaviate.Config{
		Host:   s.weaviateAddr,
		Scheme: "http",
	}
	s.Weaviate, err = weaviate.NewClient(cfg)
	require.NoError(s.T, err)
}

func (s *IntegrationSuite) startNSQ(ctx context.Context) {
	nsqReq := testcontainers.ContainerRequest{
		Image:        "nsqio/nsq:v1.3.0",
		ExposedPorts: []string{"4150/tcp", "4151/tcp"},
		Cmd:          []string{"/nsqd", "--broadcast-address=localhost"}, // Simplified for test
		WaitingFor:   wait.ForLog("TCP: listening on").WithStartupTimeout(60 * time.Second),
	}
	nsqC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: nsqReq,
		Started:          true,
	})
	require.NoError(s.T, err)
	s.nsqContainer = nsqC

	nsqHost, err := nsqC.Host(ctx)
	require.NoError(s.T, err)
	nsqPort, err := nsqC.MappedPort(ctx, "4150")
	require.NoError(s.T, err)

	httpPort, err := nsqC.MappedPort(ctx, "4151")
	require.NoError(s.T, err)

	s.NSQAddr = fmt.Sprintf("%s:%s", nsqHost, nsqPort.Port())
	s.nsqHTTPAddr = fmt.Sprintf("%s:%s", nsqHost, httpPort.Port())
	s.NSQ, err = nsq.NewProducer(s.NSQAddr, nsq.NewConfig())
	require.NoError(s.T, err)
}

func (s *IntegrationSuite) startRedis(ctx context.Context) {
	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(s.T, err)
	s.redisContainer = redisC

	host, err := redisC.Host(ctx)
	require.NoError(s.T, err)
	port, err := redisC.MappedPort(ctx, "6379")
	require.NoError(s.T, err)
	s.RedisURL = fmt.Sprintf("redis://%s:%s/0", host, port.Port())
}

// AppConfig returns a valid configuration pointing at the started services.
func (s *IntegrationSuite) AppConfig() *config.Config {
	ctx := context.Background()
	host, err := s.pgContainer.Host(ctx)
	require.NoError(s.T, err)
	port, err := s.pgContainer.MappedPort(ctx, "5432/tcp")
	require.NoError(s.T, err)

	return &config.Config{
		DBHost:                     host,
		DBPort:                     port.Int(),
		DBUser:                     "test",
		DBPass:                     "test",
		DBName:                     "bbgodb_test",
		VectorBackend:              config.BackendWeaviate,
		WeaviateHost:               s.weaviateAddr,
		WeaviateScheme:             "http",
		NSQDHost:                   s.NSQAddr,
		NSQDHTTP:                   s.nsqHTTPAddr,
		RedisURL:                   s.RedisURL,
		EmbeddingProvider:          config.ProviderGemini,
		FeedURL:                    "http://127.0.0.1/feed",
		MaxArticlesPerRun:          10,
		ChunkSize:                  200,
		ChunkOverlap:               20,
		ChunkSnapFraction:          0.1,
		EmbedBatchSize:             8,
		EmbedConcurrency:           2,
		IngestionConcurrency:       2,
		RetryMaxAttempts:           2,
		ArticleTimeout:             time.Minute,
		RRFK:                       60,
		DenseCandidateFactor:       4,
		SearchTopK:                 5,
		QueryCacheSize:             64,
		QueryCacheTTL:              time.Minute,
		AnswerContextChars:         4000,
		MigrationPath:              MigrationsURL(),
		QueryLogPath:               filepath.Join(s.T.TempDir(), "query.log"),
		BootstrapRetryAttempts:     5,
		BootstrapRetryDelaySeconds: 1,
	}
}

func (s *IntegrationSuite) Teardown() {
	ctx := context.Background()
	if s.pgContainer != nil {
		s.pgContainer.Terminate(ctx)
	}
	if s.weaviateContainer != nil {
		s.weaviateContainer.Terminate(ctx)
	}
	if s.nsqContainer != nil {
		s.nsqContainer.Terminate(ctx)
	}
	if s.redisContainer != nil {
		s.redisContainer.Terminate(ctx)
	}
	if s.DB != nil {
		s.DB.Close()
	}
}
