package ingest

import (
	"context"
	"errors"
	"testing"

	"fhirag/internal/chunker"
	"fhirag/internal/embedding"
	"fhirag/internal/model"
	"fhirag/internal/obs"
)

type fakeStore struct {
	upserted []model.Chunk
	err      error
}

func (f *fakeStore) UpsertBatch(ctx context.Context, chunks []model.Chunk) error {
	if f.err != nil {
		return f.err
	}
	f.upserted = append(f.upserted, chunks...)
	return nil
}

func TestPipeline_ProcessChunksEmbedsAndStores(t *testing.T) {
	store := &fakeStore{}
	p := NewPipeline(chunker.DefaultConfig(), embedding.NewDeterministic(32), store, obs.NewMockMetrics())

	sub := model.ResourceSubmission{
		ResourceID:   "obs-1",
		ResourceType: "Observation",
		PatientID:    "patient-1",
		Content:      "Cholesterol panel result 180 mg/dL, status final.",
		ResourceJSON: `{"resourceType":"Observation","id":"obs-1","status":"final","effectiveDateTime":"2024-01-01T00:00:00Z"}`,
	}

	if err := p.Process(context.Background(), sub); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(store.upserted) == 0 {
		t.Fatalf("expected at least one chunk upserted")
	}
	for i, c := range store.upserted {
		if c.ChunkID == "" {
			t.Fatalf("chunk %d missing chunk id", i)
		}
		if len(c.Vector) != 32 {
			t.Fatalf("chunk %d expected vector dimension 32, got %d", i, len(c.Vector))
		}
		if c.Metadata.ResourceID != "obs-1" {
			t.Fatalf("chunk %d expected resource id obs-1, got %s", i, c.Metadata.ResourceID)
		}
	}
}

func TestPipeline_StoreErrorPropagatesClassified(t *testing.T) {
	store := &fakeStore{err: model.Classify(model.ErrorClassRetryable, errors.New("pool exhausted"))}
	p := NewPipeline(chunker.DefaultConfig(), embedding.NewDeterministic(32), store, obs.NewMockMetrics())

	sub := model.ResourceSubmission{
		ResourceID:   "obs-2",
		ResourceType: "Observation",
		Content:      "text",
		ResourceJSON: `{"resourceType":"Observation","id":"obs-2"}`,
	}
	err := p.Process(context.Background(), sub)
	if err == nil {
		t.Fatalf("expected error")
	}
	if model.ClassOf(err) != model.ErrorClassRetryable {
		t.Fatalf("expected retryable class, got %s", model.ClassOf(err))
	}
}
