package ingest

import (
	"context"
	"fmt"
	"time"

	"fhirag/internal/chunker"
	"fhirag/internal/embedding"
	"fhirag/internal/metadata"
	"fhirag/internal/model"
	"fhirag/internal/obs"
)

// ChunkWriter is the minimal store capability the pipeline needs: an
// atomic, idempotent batch commit.
type ChunkWriter interface {
	UpsertBatch(ctx context.Context, chunks []model.Chunk) error
}

// Pipeline runs the per-item ingestion processing steps (parse,
// chunk, extract metadata, embed, assemble, upsert) and is handed to the
// queue as its queue.ProcessFunc. It stays in this package rather than the
// queue package because it is domain logic (C4/C5/C1/C3 composition), not
// queue mechanics.
type Pipeline struct {
	chunkerCfg chunker.Config
	embedder   embedding.Embedder
	store      ChunkWriter
	metrics    obs.Metrics
}

// NewPipeline constructs a Pipeline.
func NewPipeline(chunkerCfg chunker.Config, embedder embedding.Embedder, store ChunkWriter, metrics obs.Metrics) *Pipeline {
	if metrics == nil {
		metrics = obs.NoopMetrics{}
	}
	return &Pipeline{chunkerCfg: chunkerCfg, embedder: embedder, store: store, metrics: metrics}
}

// Process implements queue.ProcessFunc.
func (p *Pipeline) Process(ctx context.Context, sub model.ResourceSubmission) error {
	start := time.Now()

	texts, err := chunker.Chunk(sub.ResourceJSON, sub.Content, p.chunkerCfg)
	if err != nil {
		return model.Classify(model.ErrorClassValidation, fmt.Errorf("chunk: %w", err))
	}
	if len(texts) == 0 {
		return model.Classify(model.ErrorClassValidation, fmt.Errorf("no chunks produced for resource %s", sub.ResourceID))
	}
	p.metrics.ObserveHistogram(obs.MetricIngestChunkCount, float64(len(texts)), map[string]string{"resource_type": sub.ResourceType})

	chunks := make([]model.Chunk, 0, len(texts))
	for i, text := range texts {
		md := metadata.Extract(sub, text, i, len(texts))
		vec, err := p.embedder.Embed(ctx, text)
		if err != nil {
			return model.Classify(model.ErrorClassRetryable, fmt.Errorf("embed chunk %d: %w", i, err))
		}
		chunks = append(chunks, model.Chunk{
			ChunkID:  md.ChunkID,
			Content:  text,
			Vector:   vec,
			Metadata: md,
		})
	}

	if err := p.store.UpsertBatch(ctx, chunks); err != nil {
		return err // already classified by the store
	}

	p.metrics.ObserveHistogram(obs.MetricIngestPipelineMS, float64(time.Since(start).Milliseconds()),
		map[string]string{"resource_type": sub.ResourceType})
	return nil
}
