// Package mock provides a deterministic embedder for tests. Vectors are
// derived from a hash of the input text, so equal texts always embed
// identically and no model or network is involved.
package mock

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sync"
)

// Embedder generates deterministic embeddings from text hashes.
type Embedder struct {
	dimensions int

	mu       sync.Mutex
	scripted map[string][]float32
	failures map[string]error
	failAll  error
	calls    int
}

// New creates a mock embedder producing vectors of the given size.
func New(dimensions int) *Embedder {
	if dimensions <= 0 {
		dimensions = 384
	}
	return &Embedder{
		dimensions: dimensions,
		scripted:   make(map[string][]float32),
		failures:   make(map[string]error),
	}
}

// SetVector pins the exact vector returned for text, overriding the hash
// derivation. Useful for scripting similarity orderings in tests.
func (m *Embedder) SetVector(text string, vec []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripted[text] = vec
}

// FailWith makes Embed return err for the given text.
func (m *Embedder) FailWith(text string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[text] = err
}

// FailAll makes every Embed call return err until cleared with nil.
func (m *Embedder) FailAll(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAll = err
}

// Calls reports how many times Embed has been invoked.
func (m *Embedder) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Embed derives a unit vector from the FNV hash of text, unless a scripted
// vector or failure was registered for it.
func (m *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	m.mu.Lock()
	m.calls++
	failAll := m.failAll
	scriptedErr := m.failures[text]
	scripted, hasScripted := m.scripted[text]
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if failAll != nil {
		return nil, failAll
	}
	if scriptedErr != nil {
		return nil, scriptedErr
	}
	if hasScripted {
		if len(scripted) != m.dimensions {
			return nil, fmt.Errorf("scripted vector for %q has %d dimensions, want %d", text, len(scripted), m.dimensions)
		}
		out := make([]float32, len(scripted))
		copy(out, scripted)
		return out, nil
	}

	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	embedding := make([]float32, m.dimensions)
	for i := 0; i < m.dimensions; i++ {
		seed = seed*6364136223846793005 + 1442695040888963407
		embedding[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}

	return normalize(embedding), nil
}

// Dimensions returns the embedding size.
func (m *Embedder) Dimensions() int {
	return m.dimensions
}

// Name identifies the mock provider.
func (m *Embedder) Name() string {
	return fmt.Sprintf("mock:%d", m.dimensions)
}

func normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = float32(math.Sqrt(float64(norm)))
	for i, v := range vec {
		vec[i] = v / norm
	}
	return vec
}
