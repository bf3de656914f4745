// Command fhirag runs the FHIR ingestion and retrieval service: an HTTP
// API fronting the ingestion queue, vector store, and retrieval engine.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"fhirag/internal/chunker"
	"fhirag/internal/config"
	"fhirag/internal/embedding"
	"fhirag/internal/httpapi"
	"fhirag/internal/ingest"
	"fhirag/internal/obs"
	"fhirag/internal/queue"
	"fhirag/internal/rerank"
	"fhirag/internal/retrieve"
	"fhirag/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	obs.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := obs.NewOtelMetrics()

	st, err := store.Open(ctx, store.Config{
		DSN:             cfg.Store.DSN,
		Dimensions:      cfg.Store.Dimensions,
		PoolSize:        cfg.Store.Pool.Size,
		PoolOverflow:    cfg.Store.Pool.Overflow,
		AcquireTimeoutS: cfg.Store.Pool.AcquireTimeoutS,
		Metrics:         metrics,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open vector store")
	}
	defer st.Close()

	embedder := newEmbedder(cfg.Embedding)
	rerankProvider := newRerankProvider(cfg.Rerank)
	rerankCache := rerank.NewCache(cfg.Cache.MaxEntries, time.Duration(cfg.Cache.TTLSeconds)*time.Second)
	defer rerankCache.Close()

	pipeline := ingest.NewPipeline(chunker.Config(cfg.Chunker), embedder, st, metrics)

	q, err := queue.New(cfg.Queue, pipeline.Process, metrics)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize ingestion queue")
	}
	q.Start(ctx)

	ingestSvc := ingest.New(q, 0, metrics)

	keywordMap := make(map[string][]string, len(retrieve.DefaultKeywordMap)+len(cfg.KeywordMap))
	for rt, kws := range retrieve.DefaultKeywordMap {
		keywordMap[rt] = kws
	}
	for rt, kws := range cfg.KeywordMap {
		keywordMap[rt] = kws
	}
	engine := retrieve.New(st, embedder, rerankCache, rerankProvider, keywordMap, cfg.Hybrid.KRetrieve, metrics)

	server := httpapi.NewServer(ingestSvc, engine, q, st)
	handler := otelhttp.NewHandler(server, "fhirag")

	httpServer := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: handler,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("fhirag listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Queue.DrainTimeoutS+5)*time.Second)
	defer cancel()

	_ = httpServer.Shutdown(shutdownCtx)
	if err := q.Shutdown(shutdownCtx, time.Duration(cfg.Queue.DrainTimeoutS)*time.Second); err != nil {
		log.Error().Err(err).Msg("queue shutdown error")
	}
	log.Info().Msg("fhirag exited cleanly")
}

func newEmbedder(pc config.ProviderConfig) embedding.Embedder {
	if pc.BaseURL == "" {
		return embedding.NewDeterministic(pc.Dimension)
	}
	return embedding.NewClient(pc.BaseURL, pc.APIKey, pc.Model, pc.Dimension, pc.TimeoutS)
}

func newRerankProvider(pc config.ProviderConfig) rerank.Provider {
	if pc.BaseURL == "" {
		return rerank.Noop{}
	}
	return rerank.NewHTTPProvider(pc.BaseURL, pc.APIKey, pc.Model, pc.TimeoutS)
}
