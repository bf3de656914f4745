// Package rerank implements the Rerank Provider (C2) and the bounded
// LRU/TTL Rerank Cache (C9). The rerank orchestrator that composes them
// lives in internal/retrieve.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Provider scores a query against a list of candidate texts, returning one
// float per input text in input order.
type Provider interface {
	Rerank(ctx context.Context, query string, texts []string) ([]float32, error)
}

// Noop returns the identity ranking (descending score by input position),
// used when no rerank provider is configured.
type Noop struct{}

func (Noop) Rerank(_ context.Context, _ string, texts []string) ([]float32, error) {
	scores := make([]float32, len(texts))
	n := len(texts)
	for i := range texts {
		if n <= 1 {
			scores[i] = 1
			continue
		}
		scores[i] = 1 - float32(i)/float32(n)
	}
	return scores, nil
}

// HTTPProvider calls an external cross-encoder reranker service.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	model   string
	timeout time.Duration
	http    *http.Client
}

// NewHTTPProvider constructs an HTTP-backed Provider.
func NewHTTPProvider(baseURL, apiKey, model string, timeoutSeconds int) *HTTPProvider {
	if timeoutSeconds <= 0 {
		timeoutSeconds = 30
	}
	return &HTTPProvider{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		timeout: time.Duration(timeoutSeconds) * time.Second,
		http:    &http.Client{Timeout: time.Duration(timeoutSeconds) * time.Second},
	}
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResult struct {
	Index int     `json:"index"`
	Score float32 `json:"relevance_score"`
}

type rerankResponse struct {
	Results []rerankResult `json:"results"`
}

// Rerank posts (query, texts) to the configured endpoint and returns scores
// in input order, reconstructed from the response's index field the way a
// llama.cpp-style reranker response is shaped.
func (p *HTTPProvider) Rerank(ctx context.Context, query string, texts []string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	body, err := json.Marshal(rerankRequest{Model: p.model, Query: query, Documents: texts})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("rerank provider returned %d: %s", resp.StatusCode, string(b))
	}

	var out rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode rerank response: %w", err)
	}

	scores := make([]float32, len(texts))
	for _, r := range out.Results {
		if r.Index >= 0 && r.Index < len(scores) {
			scores[r.Index] = r.Score
		}
	}
	return scores, nil
}
