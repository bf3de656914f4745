package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"fhirag/internal/model"
	"fhirag/internal/retrieve"
)

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, reason string) {
	respondJSON(w, status, map[string]any{"status": "rejected", "reason": reason})
}

func statusFromErrorClass(err error) int {
	switch model.ClassOf(err) {
	case model.ErrorClassQueueFull:
		return http.StatusServiceUnavailable
	case model.ErrorClassValidation:
		return http.StatusBadRequest
	default:
		if errors.Is(err, model.ErrValidation) {
			return http.StatusBadRequest
		}
		return http.StatusInternalServerError
	}
}

// --- ingestion ------------------------------------------------------------

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var sub model.ResourceSubmission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	outcome, err := s.ingestSvc.Submit(r.Context(), sub)
	if err != nil {
		respondError(w, statusFromErrorClass(err), outcome.Reason)
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]any{
		"status":        "accepted",
		"id":            outcome.ItemID,
		"resourceType":  sub.ResourceType,
		"contentLength": len(sub.Content),
	})
}

// --- retrieval --------------------------------------------------------------

type retrieveRequest struct {
	Query         string         `json:"query"`
	K             int            `json:"k"`
	Filter        map[string]any `json:"filter,omitempty"`
	Weights       *weightsJSON   `json:"weights,omitempty"`
	PatientID     string         `json:"patient_id,omitempty"`
	ResourceTypes []string       `json:"resource_types,omitempty"`
	KRetrieve     int            `json:"k_retrieve,omitempty"`
	KReturn       int            `json:"k_return,omitempty"`
}

type weightsJSON struct {
	Sparse float64 `json:"sparse"`
	Dense  float64 `json:"dense"`
}

type resultsResponse struct {
	Results []retrieve.Item `json:"results"`
}

func (s *Server) decodeRetrieve(w http.ResponseWriter, r *http.Request) (retrieveRequest, bool) {
	var req retrieveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return req, false
	}
	return req, true
}

func (s *Server) handleRetrieveDense(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRetrieve(w, r)
	if !ok {
		return
	}
	items, err := s.engine.Dense(r.Context(), req.Query, req.K, req.Filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, resultsResponse{Results: items})
}

func (s *Server) handleRetrieveSparse(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRetrieve(w, r)
	if !ok {
		return
	}
	items, err := s.engine.Sparse(r.Context(), req.Query, req.K, req.Filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, resultsResponse{Results: items})
}

func (s *Server) handleRetrieveHybrid(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRetrieve(w, r)
	if !ok {
		return
	}
	weights := retrieve.Weights{Sparse: 0.5, Dense: 0.5}
	if req.Weights != nil {
		weights = retrieve.Weights{Sparse: req.Weights.Sparse, Dense: req.Weights.Dense}
	}
	items, err := s.engine.Hybrid(r.Context(), req.Query, req.K, req.Filter, weights)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, resultsResponse{Results: items})
}

func (s *Server) handleRetrieveTimeline(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRetrieve(w, r)
	if !ok {
		return
	}
	if req.PatientID == "" {
		respondError(w, http.StatusBadRequest, "patient_id is required")
		return
	}
	items, err := s.engine.PatientTimeline(r.Context(), req.PatientID, req.K, req.ResourceTypes)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, resultsResponse{Results: items})
}

func (s *Server) handleRetrieveRerank(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRetrieve(w, r)
	if !ok {
		return
	}
	items, err := s.engine.Rerank(r.Context(), req.Query, req.KRetrieve, req.KReturn, req.Filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, resultsResponse{Results: items})
}

// --- observability ----------------------------------------------------------

func (s *Server) handleStatsStore(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"chunk_count":      stats.ChunkCount,
		"pool_size":        stats.PoolSize,
		"pool_checked_out": stats.PoolCheckedOut,
		"pool_overflow":    stats.PoolOverflow,
	})
}

func (s *Server) handleStatsQueue(w http.ResponseWriter, r *http.Request) {
	stats := s.queue.Stats()
	respondJSON(w, http.StatusOK, map[string]any{
		"pending":           stats.Pending,
		"in_flight":         stats.InFlight,
		"retry_scheduled":   stats.RetryScheduled,
		"dead_letter_count": stats.DeadLetterCount,
	})
}

func (s *Server) handleStatsRerankCache(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.engine.RerankCacheStats())
}
