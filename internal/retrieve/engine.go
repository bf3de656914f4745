// Package retrieve implements the Retrieval Engine (C8) and the Rerank
// Orchestrator (C9). The orchestrator lives here rather than in
// internal/rerank because it depends on Hybrid; internal/rerank owns only
// the Cache and Provider types this package composes.
package retrieve

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"fhirag/internal/embedding"
	"fhirag/internal/model"
	"fhirag/internal/obs"
	"fhirag/internal/rerank"
	"fhirag/internal/store"
)

// Store is the narrow vector-store capability the engine depends on.
type Store interface {
	DenseSearch(ctx context.Context, vector []float32, k int, filter map[string]any) ([]store.Result, error)
	SparseSearch(ctx context.Context, queryText string, k int, filter map[string]any) ([]store.Result, error)
	FilteredScan(ctx context.Context, filter map[string]any, orderBy string, k int) ([]model.Chunk, error)
}

// Item is one scored retrieval result returned by every engine operation.
type Item struct {
	ChunkID  string         `json:"id"`
	Content  string         `json:"content"`
	Metadata model.ChunkMetadata `json:"metadata"`
	Score    float64        `json:"score,omitempty"`
}

// Weights controls hybrid fusion weighting.
type Weights struct {
	Sparse float64
	Dense  float64
}

// DefaultKeywordMap is the auto resource-type detection table.
var DefaultKeywordMap = map[string][]string{
	"Condition":         {"condition", "diagnosis", "disease", "problem", "illness", "disorder"},
	"Observation":       {"lab", "test", "vital", "blood pressure", "glucose", "cholesterol"},
	"MedicationRequest": {"medication", "drug", "prescription", "rx"},
	"Procedure":         {"surgery", "surgical", "operation", "intervention"},
	"Immunization":      {"vaccine", "vaccination", "immunized"},
	"Encounter":         {"visit", "appointment", "admission", "hospitalization"},
	"DiagnosticReport":  {"imaging", "radiology", "xray", "mri", "ct scan"},
}

// Engine is the C8 Retrieval Engine plus the C9 Rerank Orchestrator.
type Engine struct {
	store       Store
	embedder    embedding.Embedder
	rerankCache *rerank.Cache
	provider    rerank.Provider
	keywordMap  map[string][]string
	defaultKRetrieve int
	metrics     obs.Metrics
}

// New constructs an Engine. keywordMap, if nil, defaults to DefaultKeywordMap.
func New(st Store, embedder embedding.Embedder, cache *rerank.Cache, provider rerank.Provider, keywordMap map[string][]string, defaultKRetrieve int, metrics obs.Metrics) *Engine {
	if keywordMap == nil {
		keywordMap = DefaultKeywordMap
	}
	if provider == nil {
		provider = rerank.Noop{}
	}
	if defaultKRetrieve <= 0 {
		defaultKRetrieve = 50
	}
	if metrics == nil {
		metrics = obs.NoopMetrics{}
	}
	return &Engine{
		store: st, embedder: embedder, rerankCache: cache, provider: provider,
		keywordMap: keywordMap, defaultKRetrieve: defaultKRetrieve, metrics: metrics,
	}
}

// Dense runs a pure vector-similarity search.
func (e *Engine) Dense(ctx context.Context, query string, k int, filter map[string]any) ([]Item, error) {
	if k <= 0 {
		k = 10
	}
	filter = e.withAutoFilter(query, filter)
	vec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	kRetrieve := k
	if kRetrieve < 50 {
		kRetrieve = 50
	}
	results, err := e.store.DenseSearch(ctx, vec, kRetrieve, filter)
	if err != nil {
		return nil, err
	}
	if len(results) > k {
		results = results[:k]
	}
	return toItems(results), nil
}

// Sparse runs a full-text ranked search.
func (e *Engine) Sparse(ctx context.Context, query string, k int, filter map[string]any) ([]Item, error) {
	if k <= 0 {
		k = 10
	}
	filter = e.withAutoFilter(query, filter)
	results, err := e.store.SparseSearch(ctx, query, k, filter)
	if err != nil {
		return nil, err
	}
	if len(results) > k {
		results = results[:k]
	}
	return toItems(results), nil
}

// Hybrid fuses parallel dense+sparse candidate
// retrieval, each normalized to [0,1], merged by chunk_id, combined by
// weighted sum, with a deterministic tie-break.
func (e *Engine) Hybrid(ctx context.Context, query string, k int, filter map[string]any, weights Weights) ([]Item, error) {
	if k <= 0 {
		k = 10
	}
	if weights.Sparse == 0 && weights.Dense == 0 {
		weights = Weights{Sparse: 0.5, Dense: 0.5}
	}
	filter = e.withAutoFilter(query, filter)

	var denseResults, sparseResults []store.Result
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		vec, err := e.embedder.Embed(gctx, query)
		if err != nil {
			return fmt.Errorf("embed query: %w", err)
		}
		res, err := e.store.DenseSearch(gctx, vec, e.defaultKRetrieve, filter)
		if err != nil {
			return err
		}
		denseResults = res
		return nil
	})
	g.Go(func() error {
		res, err := e.store.SparseSearch(gctx, query, e.defaultKRetrieve, filter)
		if err != nil {
			return err
		}
		sparseResults = res
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return fuse(denseResults, sparseResults, weights, k), nil
}

// PatientTimeline runs an equality-filtered
// scan ordered by effective_date descending, with no vector or sparse
// scoring involved.
func (e *Engine) PatientTimeline(ctx context.Context, patientID string, k int, resourceTypes []string) ([]Item, error) {
	if k <= 0 {
		k = 10
	}
	filter := map[string]any{"patientId": patientID}
	chunks, err := e.store.FilteredScan(ctx, filter, "effectiveDate", k)
	if err != nil {
		return nil, err
	}
	if len(resourceTypes) > 0 {
		allowed := make(map[string]bool, len(resourceTypes))
		for _, rt := range resourceTypes {
			allowed[rt] = true
		}
		filtered := chunks[:0]
		for _, c := range chunks {
			if allowed[c.Metadata.ResourceType] {
				filtered = append(filtered, c)
			}
		}
		chunks = filtered
	}
	items := make([]Item, 0, len(chunks))
	for _, c := range chunks {
		items = append(items, Item{ChunkID: c.ChunkID, Content: c.Content, Metadata: c.Metadata})
	}
	return items, nil
}

// Rerank implements the C9 orchestrator: hybrid retrieval, then a
// cache-checked rerank pass, degrading to hybrid order on provider failure.
func (e *Engine) Rerank(ctx context.Context, query string, kRetrieve, kReturn int, filter map[string]any) ([]Item, error) {
	if kRetrieve <= 0 {
		kRetrieve = e.defaultKRetrieve
	}
	if kReturn <= 0 {
		kReturn = 10
	}

	candidates, err := e.Hybrid(ctx, query, kRetrieve, filter, Weights{Sparse: 0.5, Dense: 0.5})
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return candidates, nil
	}

	chunkIDs := make([]string, len(candidates))
	for i, c := range candidates {
		chunkIDs[i] = c.ChunkID
	}
	fingerprint := rerank.Fingerprint(query, chunkIDs)

	scores, hit := (map[string]float32)(nil), false
	if e.rerankCache != nil {
		scores, hit = e.rerankCache.Get(fingerprint)
	}

	if !hit {
		texts := make([]string, len(candidates))
		for i, c := range candidates {
			texts[i] = c.Content
		}
		raw, err := e.provider.Rerank(ctx, query, texts)
		if err != nil {
			e.metrics.IncCounter(obs.MetricRerankDegraded, nil)
			if len(candidates) > kReturn {
				candidates = candidates[:kReturn]
			}
			return candidates, nil
		}
		scores = make(map[string]float32, len(candidates))
		for i, c := range candidates {
			if i < len(raw) {
				scores[c.ChunkID] = raw[i]
			}
		}
		if e.rerankCache != nil {
			e.rerankCache.Set(fingerprint, scores)
		}
	}

	for i := range candidates {
		candidates[i].Score = float64(scores[candidates[i].ChunkID])
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	if len(candidates) > kReturn {
		candidates = candidates[:kReturn]
	}
	return candidates, nil
}

// RerankCacheStats reports the rerank cache's hit/miss statistics for
// GET /stats/rerank-cache; safe to call when no cache is configured.
func (e *Engine) RerankCacheStats() rerank.Stats {
	if e.rerankCache == nil {
		return rerank.Stats{}
	}
	return e.rerankCache.Stats()
}

// withAutoFilter applies keyword-based auto resource-type
// detection when the caller has not already supplied a resource_type
// filter.
func (e *Engine) withAutoFilter(query string, filter map[string]any) map[string]any {
	if filter != nil {
		if _, ok := filter["resourceType"]; ok {
			return filter
		}
	}
	lower := strings.ToLower(query)
	for resourceType, keywords := range e.keywordMap {
		for _, kw := range keywords {
			if wholeWordMatch(lower, kw) {
				out := make(map[string]any, len(filter)+1)
				for k, v := range filter {
					out[k] = v
				}
				out["resourceType"] = resourceType
				return out
			}
		}
	}
	return filter
}

func wholeWordMatch(text, phrase string) bool {
	pattern := `(?i)\b` + regexp.QuoteMeta(phrase) + `\b`
	matched, _ := regexp.MatchString(pattern, text)
	return matched
}

func toItems(results []store.Result) []Item {
	items := make([]Item, len(results))
	for i, r := range results {
		items[i] = Item{ChunkID: r.Chunk.ChunkID, Content: r.Chunk.Content, Metadata: r.Chunk.Metadata, Score: r.Score}
	}
	return items
}

// fuse applies the normalization and tie-break rules for hybrid scoring.
func fuse(dense, sparse []store.Result, weights Weights, k int) []Item {
	sparseNorm := normalizeSparse(sparse)
	denseNorm := normalizeDenseByRank(dense)

	type merged struct {
		chunk      model.Chunk
		sparseNorm float64
		denseNorm  float64
	}
	byID := make(map[string]*merged)
	order := make([]string, 0, len(dense)+len(sparse))
	for _, r := range dense {
		byID[r.Chunk.ChunkID] = &merged{chunk: r.Chunk, denseNorm: denseNorm[r.Chunk.ChunkID]}
		order = append(order, r.Chunk.ChunkID)
	}
	for _, r := range sparse {
		if m, ok := byID[r.Chunk.ChunkID]; ok {
			m.sparseNorm = sparseNorm[r.Chunk.ChunkID]
		} else {
			byID[r.Chunk.ChunkID] = &merged{chunk: r.Chunk, sparseNorm: sparseNorm[r.Chunk.ChunkID]}
			order = append(order, r.Chunk.ChunkID)
		}
	}

	items := make([]Item, 0, len(order))
	for _, id := range order {
		m := byID[id]
		combined := weights.Sparse*m.sparseNorm + weights.Dense*m.denseNorm
		items = append(items, Item{
			ChunkID:  id,
			Content:  m.chunk.Content,
			Metadata: m.chunk.Metadata,
			Score:    combined,
		})
	}

	sparseOf := func(id string) float64 { return sparseNorm[id] }
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Score != items[j].Score {
			return items[i].Score > items[j].Score
		}
		si, sj := sparseOf(items[i].ChunkID), sparseOf(items[j].ChunkID)
		if si != sj {
			return si > sj
		}
		return items[i].ChunkID < items[j].ChunkID
	})
	if k > 0 && len(items) > k {
		items = items[:k]
	}
	return items
}

// normalizeSparse divides every score by the maximum in the set; if the max
// is 0, every normalized score is 0.
func normalizeSparse(results []store.Result) map[string]float64 {
	out := make(map[string]float64, len(results))
	var max float64
	for _, r := range results {
		if r.Score > max {
			max = r.Score
		}
	}
	for _, r := range results {
		if max == 0 {
			out[r.Chunk.ChunkID] = 0
		} else {
			out[r.Chunk.ChunkID] = r.Score / max
		}
	}
	return out
}

// normalizeDenseByRank assigns score_i = 1 - i/n by input rank position,
// robust to similarity-scale drift across embedding models.
func normalizeDenseByRank(results []store.Result) map[string]float64 {
	out := make(map[string]float64, len(results))
	n := len(results)
	for i, r := range results {
		out[r.Chunk.ChunkID] = 1 - float64(i)/float64(n)
	}
	return out
}
