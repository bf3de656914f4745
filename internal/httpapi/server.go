// Package httpapi exposes the HTTP surface: ingestion,
// retrieval, and observability endpoints.
package httpapi

import (
	"net/http"

	"fhirag/internal/ingest"
	"fhirag/internal/queue"
	"fhirag/internal/retrieve"
	"fhirag/internal/store"
)

// Server wires the ingestion API, retrieval engine, queue, and store to an
// http.ServeMux using Go 1.22+ method-pattern routing.
type Server struct {
	ingestSvc *ingest.Service
	engine    *retrieve.Engine
	queue     *queue.Queue
	store     *store.Store
	mux       *http.ServeMux
}

// NewServer constructs a Server and registers all routes.
func NewServer(ingestSvc *ingest.Service, engine *retrieve.Engine, q *queue.Queue, st *store.Store) *Server {
	s := &Server{ingestSvc: ingestSvc, engine: engine, queue: q, store: st, mux: http.NewServeMux()}
	s.registerRoutes()
	return s
}

// ServeHTTP satisfies http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /ingest", s.handleIngest)

	s.mux.HandleFunc("POST /retrieve/dense", s.handleRetrieveDense)
	s.mux.HandleFunc("POST /retrieve/sparse", s.handleRetrieveSparse)
	s.mux.HandleFunc("POST /retrieve/hybrid", s.handleRetrieveHybrid)
	s.mux.HandleFunc("POST /retrieve/timeline", s.handleRetrieveTimeline)
	s.mux.HandleFunc("POST /retrieve/rerank", s.handleRetrieveRerank)

	s.mux.HandleFunc("GET /stats/store", s.handleStatsStore)
	s.mux.HandleFunc("GET /stats/queue", s.handleStatsQueue)
	s.mux.HandleFunc("GET /stats/rerank-cache", s.handleStatsRerankCache)
}
