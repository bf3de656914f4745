// Package config loads runtime configuration for the ingestion and
// retrieval services from the environment, following the env-var-with-
// defaults convention used throughout this codebase's services.
package config

// ChunkerConfig controls the JSON-aware chunker (C4).
type ChunkerConfig struct {
	MinSize int
	MaxSize int
	Overlap int
}

// QueueConfig controls the ingestion queue (C6).
type QueueConfig struct {
	Capacity        int
	WorkerCount     int
	MaxRetries      int
	RetryBaseDelayS int
	RetryMaxDelayS  int
	DrainTimeoutS   int
	JournalPath     string
}

// PoolConfig controls the vector store connection pool (C3).
type PoolConfig struct {
	Size            int
	Overflow        int
	AcquireTimeoutS int
}

// StoreConfig controls the Postgres-backed vector store.
type StoreConfig struct {
	DSN        string
	Dimensions int
	Pool       PoolConfig
}

// CacheConfig controls the rerank cache (C9).
type CacheConfig struct {
	MaxEntries int
	TTLSeconds int
}

// HybridConfig holds the hybrid retrieval budget and fusion weights.
// KRetrieve is passed to the retrieval engine. WeightSparse and WeightDense
// are loaded but not passed to the engine or the HTTP handlers, which use
// 0.5/0.5 whenever a request gives no weights.
type HybridConfig struct {
	KRetrieve    int
	WeightSparse float64
	WeightDense  float64
}

// ProviderConfig controls an HTTP-backed C1/C2 provider client.
type ProviderConfig struct {
	BaseURL   string
	APIKey    string
	Model     string
	TimeoutS  int
	Dimension int
}

// HTTPConfig controls the HTTP listener.
type HTTPConfig struct {
	Addr string
}

// Config is the fully resolved runtime configuration.
type Config struct {
	Chunker   ChunkerConfig
	Queue     QueueConfig
	Store     StoreConfig
	Cache     CacheConfig
	Hybrid    HybridConfig
	Embedding ProviderConfig
	Rerank    ProviderConfig
	HTTP      HTTPConfig
	LogLevel  string

	// KeywordMap overlays retrieve.DefaultKeywordMap per resource type: an
	// entry here replaces the default keyword list for that type, and types
	// not listed keep their defaults. When empty, the defaults apply as-is.
	KeywordMap map[string][]string
}
