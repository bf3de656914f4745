package config

import (
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v3"
)

// Load reads configuration from the environment (optionally .env) and
// applies the documented defaults.
func Load() (Config, error) {
	_ = godotenv.Overload()

	cfg := Config{}

	cfg.Chunker.MinSize = envInt("CHUNK_MIN_SIZE", 500)
	cfg.Chunker.MaxSize = envInt("CHUNK_MAX_SIZE", 1000)
	cfg.Chunker.Overlap = envInt("CHUNK_OVERLAP", 200)

	cfg.Queue.Capacity = envInt("QUEUE_CAPACITY", 1000)
	cfg.Queue.WorkerCount = envInt("WORKER_COUNT", defaultWorkerCount())
	cfg.Queue.MaxRetries = envInt("MAX_RETRIES", 5)
	cfg.Queue.RetryBaseDelayS = envInt("RETRY_BASE_DELAY_S", 1)
	cfg.Queue.RetryMaxDelayS = envInt("RETRY_MAX_DELAY_S", 60)
	cfg.Queue.DrainTimeoutS = envInt("DRAIN_TIMEOUT_S", 30)
	cfg.Queue.JournalPath = firstNonEmpty(os.Getenv("QUEUE_JOURNAL_PATH"), "fhirag-queue.db")

	cfg.Store.DSN = os.Getenv("DATABASE_URL")
	cfg.Store.Dimensions = envInt("VECTOR_DIMENSIONS", 1024)
	cfg.Store.Pool.Size = envInt("POOL_SIZE", 10)
	cfg.Store.Pool.Overflow = envInt("POOL_OVERFLOW", 5)
	cfg.Store.Pool.AcquireTimeoutS = envInt("POOL_ACQUIRE_TIMEOUT_S", 30)

	cfg.Cache.MaxEntries = envInt("CACHE_MAX_ENTRIES", 10000)
	cfg.Cache.TTLSeconds = envInt("CACHE_TTL_S", 3600)

	cfg.Hybrid.KRetrieve = envInt("HYBRID_K_RETRIEVE", 50)
	cfg.Hybrid.WeightSparse = envFloat("HYBRID_WEIGHT_SPARSE", 0.5)
	cfg.Hybrid.WeightDense = envFloat("HYBRID_WEIGHT_DENSE", 0.5)

	cfg.Embedding.BaseURL = os.Getenv("EMBED_BASE_URL")
	cfg.Embedding.APIKey = os.Getenv("EMBED_API_KEY")
	cfg.Embedding.Model = firstNonEmpty(os.Getenv("EMBED_MODEL"), "deterministic")
	cfg.Embedding.TimeoutS = envInt("PROVIDER_TIMEOUT_S", 30)
	cfg.Embedding.Dimension = cfg.Store.Dimensions

	cfg.Rerank.BaseURL = os.Getenv("RERANK_BASE_URL")
	cfg.Rerank.APIKey = os.Getenv("RERANK_API_KEY")
	cfg.Rerank.Model = os.Getenv("RERANK_MODEL")
	cfg.Rerank.TimeoutS = envInt("PROVIDER_TIMEOUT_S", 30)

	cfg.HTTP.Addr = firstNonEmpty(os.Getenv("HTTP_ADDR"), ":8080")
	cfg.LogLevel = firstNonEmpty(os.Getenv("LOG_LEVEL"), "info")

	if path := os.Getenv("KEYWORD_MAP_PATH"); path != "" {
		m, err := loadKeywordMap(path)
		if err != nil {
			return Config{}, err
		}
		cfg.KeywordMap = m
	}

	return cfg, nil
}

func loadKeywordMap(path string) (map[string][]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m map[string][]string
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func defaultWorkerCount() int {
	n := runtime.GOMAXPROCS(0)
	if n < 2 {
		return 2
	}
	return n
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
