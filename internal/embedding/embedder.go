// Package embedding implements the Embedding Provider (C1): an opaque
// function text -> fixed-length float vector, with an HTTP client backend
// for production and a deterministic hash-based backend for tests.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"net/http"
	"time"
)

// Embedder embeds text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// --- HTTP client ---------------------------------------------------------

// Client calls an external embedding service over HTTP.
type Client struct {
	baseURL   string
	apiKey    string
	model     string
	dimension int
	timeout   time.Duration
	http      *http.Client
}

// NewClient constructs an HTTP-backed Embedder.
func NewClient(baseURL, apiKey, model string, dimension int, timeoutSeconds int) *Client {
	if timeoutSeconds <= 0 {
		timeoutSeconds = 30
	}
	return &Client{
		baseURL:   baseURL,
		apiKey:    apiKey,
		model:     model,
		dimension: dimension,
		timeout:   time.Duration(timeoutSeconds) * time.Second,
		http:      &http.Client{Timeout: time.Duration(timeoutSeconds) * time.Second},
	}
}

func (c *Client) Dimension() int { return c.dimension }

type embedReq struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResp struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed posts text to the configured embedding endpoint and decodes the
// first returned vector. The call is bounded by c.timeout and honors ctx
// cancellation.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(embedReq{Model: c.model, Input: text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("embedding provider returned %d: %s", resp.StatusCode, string(b))
	}

	var out embedResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	if len(out.Data) == 0 {
		return nil, fmt.Errorf("embedding provider returned no data")
	}
	return out.Data[0].Embedding, nil
}

// Ping verifies reachability by embedding a trivial probe string.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Embed(ctx, "ping")
	return err
}

// --- deterministic test backend ------------------------------------------

// Deterministic produces a repeatable, seeded hash-based embedding so tests
// can exercise dense search without a live model. Satisfies the
// requirement that embed() be deterministic for identical input.
type Deterministic struct {
	dimension int
}

// NewDeterministic constructs a deterministic Embedder of the given
// dimension.
func NewDeterministic(dimension int) *Deterministic {
	if dimension <= 0 {
		dimension = 1024
	}
	return &Deterministic{dimension: dimension}
}

func (d *Deterministic) Dimension() int { return d.dimension }

func (d *Deterministic) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, d.dimension)
	trigrams := trigramsOf(text)
	if len(trigrams) == 0 {
		trigrams = []string{text}
	}
	for _, tg := range trigrams {
		h := fnv.New64a()
		_, _ = h.Write([]byte(tg))
		sum := h.Sum64()
		idx := int(sum % uint64(d.dimension))
		sign := float32(1)
		if (sum>>63)&1 == 1 {
			sign = -1
		}
		vec[idx] += sign
	}
	normalize(vec)
	return vec, nil
}

func trigramsOf(text string) []string {
	if len(text) < 3 {
		return nil
	}
	var out []string
	for i := 0; i+3 <= len(text); i++ {
		out = append(out, text[i:i+3])
	}
	return out
}

func normalize(v []float32) {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq == 0 {
		return
	}
	norm := float32(math.Sqrt(sumSq))
	for i := range v {
		v[i] /= norm
	}
}
