package app

import (
	"context"

	"bbgodb/internal/vector"
)

// MockVectorStore is an in-memory VectorStore for bootstrap tests.
type MockVectorStore struct {
	EnsureSchemaErr error
	Records         map[string]vector.Record
}

func (m *MockVectorStore) EnsureSchema(ctx context.Context) error { return m.EnsureSchemaErr }

func (m *MockVectorStore) DropSchema(ctx context.Context) error {
	m.Records = nil
	return nil
}

func (m *MockVectorStore) Upsert(ctx context.Context, records ...vector.Record) error {
	if m.Records == nil {
		m.Records = make(map[string]vector.Record)
	}
	for _, r := range records {
		m.Records[r.ChunkID] = r
	}
	return nil
}

func (m *MockVectorStore) Delete(ctx context.Context, chunkIDs ...string) error {
	for _, id := range chunkIDs {
		delete(m.Records, id)
	}
	return nil
}

func (m *MockVectorStore) SearchNearest(ctx context.Context, vec []float32, topN int, filter vector.Filter) ([]vector.Match, error) {
	return nil, nil
}

func (m *MockVectorStore) CountChunks(ctx context.Context) (int, error) {
	return len(m.Records), nil
}
