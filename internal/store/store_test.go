package store

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fhirag/internal/model"
	"fhirag/internal/obs"
)

func TestToVectorLiteral(t *testing.T) {
	got := toVectorLiteral([]float32{1, 0.5, -2})
	assert.Equal(t, "[1,0.5,-2]", got)
}

func TestToVectorLiteral_Empty(t *testing.T) {
	assert.Equal(t, "[]", toVectorLiteral(nil))
}

func TestSanitizeKey_StripsUnsafeCharacters(t *testing.T) {
	assert.Equal(t, "effective_date", sanitizeKey("effective_date"))
	assert.Equal(t, "dropTable", sanitizeKey("drop;Table--"))
}

func TestClassifyPgError_UniqueViolationIsDuplicate(t *testing.T) {
	err := classifyPgError(&pgconn.PgError{Code: "23505", Message: "duplicate key"})
	require.Error(t, err)
	assert.Equal(t, model.ErrorClassDuplicate, model.ClassOf(err))
}

func TestClassifyPgError_ConnectionIssueIsRetryable(t *testing.T) {
	err := classifyPgError(&pgconn.PgError{Code: "08006", Message: "connection failure"})
	assert.Equal(t, model.ErrorClassRetryable, model.ClassOf(err))
}

func TestClassifyPgError_UnknownIsFatal(t *testing.T) {
	err := classifyPgError(errors.New("boom"))
	assert.Equal(t, model.ErrorClassFatal, model.ClassOf(err))
}

func TestClassifyPgError_Nil(t *testing.T) {
	assert.NoError(t, classifyPgError(nil))
}

func TestRecordUpsertOutcome_FreshInsertDoesNotCountAsDuplicate(t *testing.T) {
	metrics := obs.NewMockMetrics()
	recordUpsertOutcome(metrics, true, "Observation")
	assert.Equal(t, 0, metrics.Count(obs.MetricStoreDuplicateUpsert))
}

func TestRecordUpsertOutcome_ConflictCountsAsDuplicate(t *testing.T) {
	metrics := obs.NewMockMetrics()
	recordUpsertOutcome(metrics, false, "Observation")
	assert.Equal(t, 1, metrics.Count(obs.MetricStoreDuplicateUpsert))
}

func TestRecordUpsertOutcome_RepeatedConflictAccumulates(t *testing.T) {
	metrics := obs.NewMockMetrics()
	recordUpsertOutcome(metrics, false, "Observation")
	recordUpsertOutcome(metrics, false, "Observation")
	recordUpsertOutcome(metrics, true, "Observation")
	assert.Equal(t, 2, metrics.Count(obs.MetricStoreDuplicateUpsert))
}

func TestSortByChunkID_Deterministic(t *testing.T) {
	results := []Result{
		{Chunk: model.Chunk{ChunkID: "b"}, Score: 0.9},
		{Chunk: model.Chunk{ChunkID: "a"}, Score: 0.9},
		{Chunk: model.Chunk{ChunkID: "c"}, Score: 0.1},
	}
	SortByChunkID(results)
	require.Len(t, results, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{results[0].Chunk.ChunkID, results[1].Chunk.ChunkID, results[2].Chunk.ChunkID})
}
