// Package encoder turns text into dense vectors via a local embedding
// server (a sentence-transformers sidecar exposing a JSON endpoint).
package encoder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"
)

// Encoder produces one unit-norm vector per input text.
type Encoder interface {
	Encode(ctx context.Context, texts []string) ([][]float32, error)
	Dim() int
}

// HTTPEncoder calls a local embedding server:
//
//	POST /embed {"model": "...", "inputs": [...], "normalize": true}
//	→ {"embeddings": [[...], ...]}
type HTTPEncoder struct {
	httpClient *http.Client
	baseURL    string
	model      string
	dim        int
}

func NewHTTPEncoder(baseURL, model string, dim int) *HTTPEncoder {
	return &HTTPEncoder{
		httpClient: &http.Client{Timeout: 120 * time.Second},
		baseURL:    baseURL,
		model:      model,
		dim:        dim,
	}
}

func (e *HTTPEncoder) Dim() int { return e.dim }

type embedRequest struct {
	Model     string   `json:"model"`
	Inputs    []string `json:"inputs"`
	Normalize bool     `json:"normalize"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Encode embeds one batch. The server is asked to normalize, but vectors are
// re-normalized here anyway so distance-to-similarity mapping downstream can
// rely on unit norm.
func (e *HTTPEncoder) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	payload, err := json.Marshal(embedRequest{Model: e.model, Inputs: texts, Normalize: true})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embed", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("encoder request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read encoder response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("encoder HTTP %d: %s", resp.StatusCode, string(body))
	}

	var out embedResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode encoder response: %w", err)
	}
	if len(out.Embeddings) != len(texts) {
		return nil, fmt.Errorf("encoder returned %d vectors for %d inputs", len(out.Embeddings), len(texts))
	}

	for i, vec := range out.Embeddings {
		if e.dim > 0 && len(vec) != e.dim {
			return nil, fmt.Errorf("encoder returned %d-dim vector, want %d", len(vec), e.dim)
		}
		NormalizeL2(out.Embeddings[i])
	}
	return out.Embeddings, nil
}

// NormalizeL2 scales vec to unit length in place. Zero vectors are left
// untouched.
func NormalizeL2(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := math.Sqrt(sum)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
}
