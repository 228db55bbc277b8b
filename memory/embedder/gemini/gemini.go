// Package gemini embeds text with Google's Gemini embedding API over REST.
// Calls carry a bounded timeout and transient failures (connection resets,
// 5xx) are retried with backoff; auth and quota failures are never retried.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/vesperhq/vesper-go/memory"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Config configures the Gemini embedder.
type Config struct {
	// APIKey authenticates against the API. Required.
	APIKey string

	// Model is the embedding model name (default "gemini-embedding-001").
	Model string

	// Dimensions is the requested output dimensionality (default 768).
	Dimensions int

	// TaskType hints the embedding use, e.g. "RETRIEVAL_DOCUMENT" or
	// "RETRIEVAL_QUERY". Empty omits the hint.
	TaskType string

	// Timeout bounds each HTTP attempt (default 15s).
	Timeout time.Duration

	// MaxRetries is the number of retries after a transient failure
	// (default 2).
	MaxRetries int

	// MaxInFlight bounds concurrent Embed calls (default 4).
	MaxInFlight int

	// BaseURL overrides the API endpoint, for tests.
	BaseURL string
}

// Embedder calls the Gemini embedContent endpoint. Safe for concurrent use.
type Embedder struct {
	cfg    Config
	client *http.Client
	sem    *semaphore.Weighted
	log    *zap.SugaredLogger
}

// New creates the embedder.
func New(cfg Config, logger *zap.SugaredLogger) (*Embedder, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: APIKey is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-embedding-001"
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = 768
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 2
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 4
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}

	return &Embedder{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		sem:    semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		log:    logger,
	}, nil
}

type embedRequest struct {
	Content struct {
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	} `json:"content"`
	TaskType             string `json:"taskType,omitempty"`
	OutputDimensionality int    `json:"outputDimensionality,omitempty"`
}

type embedResponse struct {
	Embedding struct {
		Values []float32 `json:"values"`
	} `json:"embedding"`
}

// Embed calls the API, retrying transient failures up to MaxRetries times.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, e.mapCtxErr(err)
	}
	defer e.sem.Release(1)

	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * 500 * time.Millisecond
			e.log.Warnf("[GEMINI] retrying embed (attempt %d) after: %v", attempt+1, lastErr)
			select {
			case <-ctx.Done():
				return nil, e.mapCtxErr(ctx.Err())
			case <-time.After(backoff):
			}
		}

		vec, retryable, err := e.attempt(ctx, text)
		if err == nil {
			return vec, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// attempt runs one HTTP call. The second return value reports whether the
// failure is transient and worth retrying.
func (e *Embedder) attempt(ctx context.Context, text string) ([]float32, bool, error) {
	var req embedRequest
	req.Content.Parts = []struct {
		Text string `json:"text"`
	}{{Text: text}}
	req.TaskType = e.cfg.TaskType
	req.OutputDimensionality = e.cfg.Dimensions

	body, err := json.Marshal(&req)
	if err != nil {
		return nil, false, fmt.Errorf("gemini: encode request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:embedContent", e.cfg.BaseURL, e.cfg.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("gemini: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", e.cfg.APIKey)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, false, e.mapCtxErr(ctxErr)
		}
		if isTimeout(err) {
			return nil, false, fmt.Errorf("gemini: %v: %w", err, memory.ErrEmbedTimeout)
		}
		// Connection-level failures (reset, refused, DNS) are transient.
		return nil, true, fmt.Errorf("gemini: request failed: %v: %w", err, memory.ErrProviderUnavailable)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, true, fmt.Errorf("gemini: read response: %v: %w", err, memory.ErrProviderUnavailable)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		// Parsed below.
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, false, fmt.Errorf("gemini: auth rejected (%d): %w", resp.StatusCode, memory.ErrProviderUnavailable)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, false, fmt.Errorf("gemini: quota exhausted (429): %w", memory.ErrProviderUnavailable)
	case resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("gemini: server error (%d): %w", resp.StatusCode, memory.ErrProviderUnavailable)
	default:
		return nil, false, fmt.Errorf("gemini: unexpected status %d: %s: %w",
			resp.StatusCode, strings.TrimSpace(string(respBody)), memory.ErrProviderUnavailable)
	}

	var parsed embedResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, false, fmt.Errorf("gemini: decode response: %w", err)
	}
	values := parsed.Embedding.Values
	if len(values) != e.cfg.Dimensions {
		return nil, false, fmt.Errorf("gemini: got %d dimensions, expected %d: %w",
			len(values), e.cfg.Dimensions, memory.ErrDimensionMismatch)
	}
	return values, false, nil
}

// Dimensions returns the requested output dimensionality.
func (e *Embedder) Dimensions() int {
	return e.cfg.Dimensions
}

// Name identifies the provider and model.
func (e *Embedder) Name() string {
	return "gemini:" + e.cfg.Model
}

func (e *Embedder) mapCtxErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("gemini: %w", memory.ErrEmbedTimeout)
	}
	return fmt.Errorf("gemini: %w", err)
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
