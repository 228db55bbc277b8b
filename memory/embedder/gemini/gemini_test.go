package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vesperhq/vesper-go/memory"
)

func newTestEmbedder(t *testing.T, handler http.HandlerFunc, dims int) (*Embedder, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	e, err := New(Config{
		APIKey:     "test-key",
		Dimensions: dims,
		MaxRetries: 2,
		BaseURL:    srv.URL,
	}, nil)
	require.NoError(t, err)
	return e, srv
}

func serveVector(t *testing.T, w http.ResponseWriter, dims int) {
	t.Helper()
	values := make([]float32, dims)
	for i := range values {
		values[i] = float32(i)
	}
	resp := map[string]any{"embedding": map[string]any{"values": values}}
	require.NoError(t, json.NewEncoder(w).Encode(resp))
}

func TestEmbedSuccess(t *testing.T) {
	var gotKey atomic.Value
	e, _ := newTestEmbedder(t, func(w http.ResponseWriter, r *http.Request) {
		gotKey.Store(r.Header.Get("x-goog-api-key"))
		serveVector(t, w, 3)
	}, 3)

	vec, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Len(t, vec, 3)
	assert.Equal(t, "test-key", gotKey.Load())
}

func TestEmbedRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	e, _ := newTestEmbedder(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "internal", http.StatusInternalServerError)
			return
		}
		serveVector(t, w, 3)
	}, 3)

	vec, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Len(t, vec, 3)
	assert.Equal(t, int32(2), calls.Load())
}

func TestEmbedDoesNotRetryAuthFailures(t *testing.T) {
	var calls atomic.Int32
	e, _ := newTestEmbedder(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "forbidden", http.StatusForbidden)
	}, 3)

	_, err := e.Embed(context.Background(), "hello")
	require.ErrorIs(t, err, memory.ErrProviderUnavailable)
	assert.Equal(t, int32(1), calls.Load(), "auth failures must not be retried")
}

func TestEmbedDoesNotRetryQuotaExhaustion(t *testing.T) {
	var calls atomic.Int32
	e, _ := newTestEmbedder(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "quota", http.StatusTooManyRequests)
	}, 3)

	_, err := e.Embed(context.Background(), "hello")
	require.ErrorIs(t, err, memory.ErrProviderUnavailable)
	assert.Equal(t, int32(1), calls.Load(), "quota exhaustion must not be retried")
}

func TestEmbedValidatesDimensions(t *testing.T) {
	e, _ := newTestEmbedder(t, func(w http.ResponseWriter, r *http.Request) {
		serveVector(t, w, 5)
	}, 3)

	_, err := e.Embed(context.Background(), "hello")
	require.ErrorIs(t, err, memory.ErrDimensionMismatch)
}

func TestEmbedTimeout(t *testing.T) {
	e, _ := newTestEmbedder(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		serveVector(t, w, 3)
	}, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := e.Embed(ctx, "hello")
	require.ErrorIs(t, err, memory.ErrEmbedTimeout)
}

func TestEmbedSendsRequestShape(t *testing.T) {
	e, _ := newTestEmbedder(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
			TaskType             string `json:"taskType"`
			OutputDimensionality int    `json:"outputDimensionality"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Content.Parts, 1)
		assert.Equal(t, "the text", body.Content.Parts[0].Text)
		assert.Equal(t, 3, body.OutputDimensionality)
		assert.Contains(t, r.URL.Path, "models/gemini-embedding-001:embedContent")
		serveVector(t, w, 3)
	}, 3)

	_, err := e.Embed(context.Background(), "the text")
	require.NoError(t, err)
}
