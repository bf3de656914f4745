// Package store implements the Vector Store (C3): one durable Postgres
// table carrying chunk content, vector, and metadata together, with dense
// (pgvector ANN), sparse (tsvector full-text), and filtered-scan access
// paths plus a bounded, pre-validated connection pool.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"fhirag/internal/model"
	"fhirag/internal/obs"
)

// Result pairs a chunk with its similarity/rank score.
type Result struct {
	Chunk model.Chunk
	Score float64
}

// Config controls pool sizing and connection parameters.
type Config struct {
	DSN             string
	Dimensions      int
	PoolSize        int
	PoolOverflow    int
	AcquireTimeoutS int
	Metrics         obs.Metrics
}

// Store is the C3 Vector Store, backed by one Postgres table.
type Store struct {
	pool       *pgxpool.Pool
	dimensions int
	acquireTO  time.Duration
	metrics    obs.Metrics
}

const tableDDL = `
CREATE TABLE IF NOT EXISTS chunks (
  chunk_id TEXT PRIMARY KEY,
  resource_id TEXT NOT NULL,
  content TEXT NOT NULL,
  vector vector(%d) NOT NULL,
  metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
  ts tsvector GENERATED ALWAYS AS (to_tsvector('simple', coalesce(content,''))) STORED,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// Open creates the connection pool and bootstraps the schema (extension,
// table, ANN index, full-text index, metadata index), following the
// pre-validated-pool pattern of this codebase's Postgres factory.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}
	total := int32(cfg.PoolSize + cfg.PoolOverflow)
	if total <= 0 {
		total = 15
	}
	poolCfg.MaxConns = total
	poolCfg.MinConns = 0
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = 30 * time.Second
	poolCfg.BeforeAcquire = func(ctx context.Context, conn *pgx.Conn) bool {
		return conn.Ping(ctx) == nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	acquireTO := time.Duration(cfg.AcquireTimeoutS) * time.Second
	if acquireTO <= 0 {
		acquireTO = 30 * time.Second
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	dims := cfg.Dimensions
	if dims <= 0 {
		dims = 1024
	}

	bootstrap := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(tableDDL, dims),
		`CREATE INDEX IF NOT EXISTS chunks_vector_idx ON chunks USING hnsw (vector vector_cosine_ops)`,
		`CREATE INDEX IF NOT EXISTS chunks_ts_idx ON chunks USING GIN (ts)`,
		`CREATE INDEX IF NOT EXISTS chunks_metadata_idx ON chunks USING GIN (metadata)`,
	}
	for _, stmt := range bootstrap {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("bootstrap schema: %w", err)
		}
	}

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = obs.NoopMetrics{}
	}
	return &Store{pool: pool, dimensions: dims, acquireTO: acquireTO, metrics: metrics}, nil
}

func (s *Store) Close() { s.pool.Close() }

// UpsertBatch commits all chunks as one unit, idempotent by chunk_id. A
// re-ingested chunk_id is detected via `RETURNING (xmax = 0)` (false means
// the row already existed and was overwritten rather than inserted) and
// counted against obs.MetricStoreDuplicateUpsert; it is not treated as a
// failure, since the write itself still succeeds.
func (s *Store) UpsertBatch(ctx context.Context, chunks []model.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	acquireCtx, cancel := context.WithTimeout(ctx, s.acquireTO)
	defer cancel()

	tx, err := s.pool.BeginTx(acquireCtx, pgx.TxOptions{})
	if err != nil {
		return classifyPgError(err)
	}
	defer tx.Rollback(ctx)

	for _, c := range chunks {
		vecLit := toVectorLiteral(c.Vector)
		var wasInsert bool
		err := tx.QueryRow(ctx, `
INSERT INTO chunks (chunk_id, resource_id, content, vector, metadata)
VALUES ($1, $2, $3, $4::vector, $5)
ON CONFLICT (chunk_id) DO UPDATE SET
  content = EXCLUDED.content,
  vector = EXCLUDED.vector,
  metadata = EXCLUDED.metadata
RETURNING (xmax = 0)
`, c.ChunkID, c.Metadata.ResourceID, c.Content, vecLit, c.Metadata.ToMap()).Scan(&wasInsert)
		if err != nil {
			return classifyPgError(err)
		}
		recordUpsertOutcome(s.metrics, wasInsert, c.Metadata.ResourceType)
	}

	if err := tx.Commit(ctx); err != nil {
		return classifyPgError(err)
	}
	return nil
}

// recordUpsertOutcome increments obs.MetricStoreDuplicateUpsert when
// wasInsert is false, meaning the row already existed and this write
// overwrote it rather than creating a new chunk.
func recordUpsertOutcome(metrics obs.Metrics, wasInsert bool, resourceType string) {
	if wasInsert {
		return
	}
	metrics.IncCounter(obs.MetricStoreDuplicateUpsert, map[string]string{"resourceType": resourceType})
}

// DenseSearch ranks by cosine similarity (higher is better), optionally
// filtered by metadata equality.
func (s *Store) DenseSearch(ctx context.Context, vector []float32, k int, filter map[string]any) ([]Result, error) {
	if k <= 0 {
		k = 10
	}
	vecLit := toVectorLiteral(vector)
	args := []any{vecLit, k}
	where := ""
	if len(filter) > 0 {
		where = "WHERE metadata @> $3"
		args = append(args, filter)
	}
	query := fmt.Sprintf(`
SELECT chunk_id, content, metadata, 1 - (vector <=> $1::vector) AS score
FROM chunks
%s
ORDER BY vector <=> $1::vector
LIMIT $2`, where)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classifyPgError(err)
	}
	defer rows.Close()
	return scanResults(rows)
}

// SparseSearch ranks by Postgres native ts_rank over the generated
// tsvector column (the BM25-equivalent full-text ranker used for sparse search;
// see DESIGN.md for why ts_rank satisfies the contract without fixing
// external k1/b parameters).
func (s *Store) SparseSearch(ctx context.Context, queryText string, k int, filter map[string]any) ([]Result, error) {
	q := strings.TrimSpace(queryText)
	if q == "" {
		return nil, nil
	}
	if k <= 0 {
		k = 10
	}
	args := []any{q, k}
	where := "WHERE ts @@ websearch_to_tsquery('simple', $1)"
	if len(filter) > 0 {
		where += " AND metadata @> $3"
		args = append(args, filter)
	}
	query := fmt.Sprintf(`
SELECT chunk_id, content, metadata, ts_rank(ts, websearch_to_tsquery('simple', $1)) AS score
FROM chunks
%s
ORDER BY score DESC
LIMIT $2`, where)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classifyPgError(err)
	}
	defer rows.Close()
	return scanResults(rows)
}

// FilteredScan applies exact-equality metadata filtering, optionally
// ordered by a metadata key descending with nulls last, k-limited. Used by
// patient_timeline, which does not rank by score.
func (s *Store) FilteredScan(ctx context.Context, filter map[string]any, orderBy string, k int) ([]model.Chunk, error) {
	if k <= 0 {
		k = 10
	}
	args := []any{filter, k}
	order := ""
	if orderBy != "" {
		order = fmt.Sprintf("ORDER BY (metadata->>'%s') DESC NULLS LAST", sanitizeKey(orderBy))
	}
	query := fmt.Sprintf(`
SELECT chunk_id, content, metadata
FROM chunks
WHERE metadata @> $1
%s
LIMIT $2`, order)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classifyPgError(err)
	}
	defer rows.Close()

	var out []model.Chunk
	for rows.Next() {
		var chunkID, content string
		var md map[string]any
		if err := rows.Scan(&chunkID, &content, &md); err != nil {
			return nil, classifyPgError(err)
		}
		out = append(out, model.Chunk{ChunkID: chunkID, Content: content, Metadata: model.MetadataFromMap(md)})
	}
	return out, rows.Err()
}

// sanitizeKey allows only identifier-safe characters in a dynamically
// interpolated JSONB key, since parameter binding cannot target an
// expression component.
func sanitizeKey(k string) string {
	var b strings.Builder
	for _, r := range k {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Stats reports store-level statistics for GET /stats/store.
type Stats struct {
	ChunkCount    int64
	PoolSize      int32
	PoolCheckedOut int32
	PoolOverflow  int32
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var count int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM chunks`).Scan(&count); err != nil {
		return Stats{}, classifyPgError(err)
	}
	stat := s.pool.Stat()
	return Stats{
		ChunkCount:     count,
		PoolSize:       stat.TotalConns(),
		PoolCheckedOut: stat.AcquiredConns(),
		PoolOverflow:   stat.IdleConns(),
	}, nil
}

func scanResults(rows pgx.Rows) ([]Result, error) {
	var out []Result
	for rows.Next() {
		var chunkID, content string
		var md map[string]any
		var score float64
		if err := rows.Scan(&chunkID, &content, &md, &score); err != nil {
			return nil, classifyPgError(err)
		}
		out = append(out, Result{
			Chunk: model.Chunk{ChunkID: chunkID, Content: content, Metadata: model.MetadataFromMap(md)},
			Score: score,
		})
	}
	return out, rows.Err()
}

func toVectorLiteral(v []float32) string {
	if len(v) == 0 {
		return "[]"
	}
	var b strings.Builder
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%g", x)
	}
	b.WriteByte(']')
	return b.String()
}

// classifyPgError maps a raw driver error to the closed error taxonomy at
// the store boundary, rather than
// leaving callers to pattern-match error text.
func classifyPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return model.Classify(model.ErrorClassDuplicate, err)
		case "57014", "53300", "08006", "08003", "08000": // query_canceled, too_many_connections, connection errors
			return model.Classify(model.ErrorClassRetryable, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return model.Classify(model.ErrorClassRetryable, err)
	}
	if strings.Contains(err.Error(), "timeout") || strings.Contains(err.Error(), "connection") {
		return model.Classify(model.ErrorClassRetryable, err)
	}
	return model.Classify(model.ErrorClassFatal, err)
}

// SortByChunkID sorts results by chunk_id ascending, the same lexicographic
// order that hybrid fusion uses as its final tie-break (fusion does its own
// sort and does not call this function).
func SortByChunkID(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Chunk.ChunkID < results[j].Chunk.ChunkID
	})
}
