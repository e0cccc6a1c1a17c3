package config

const (
	// TopicIngestRun triggers one ingestion pipeline run.
	TopicIngestRun = "ingest.run"

	// TopicIngestReconcile asks the pipeline to re-chunk and re-embed articles
	// whose embeddings are missing.
	TopicIngestReconcile = "ingest.reconcile"
)
