// Package onnx embeds text with a local sentence-transformer model through
// ONNX Runtime. The model session is loaded lazily on first use and released
// after a configurable idle period, so a quiet assistant does not hold the
// model in memory; the next call pays the reload.
package onnx

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/vesperhq/vesper-go/memory"
)

// maxSeqLen is the model's input window, including [CLS] and [SEP].
const maxSeqLen = 128

// Config configures the local embedder.
type Config struct {
	// ModelPath is the path to the ONNX model file.
	ModelPath string

	// TokenizerPath is the path to the tokenizer.json file.
	TokenizerPath string

	// LibraryPath is the path to the ONNX Runtime shared library.
	LibraryPath string

	// Dimensions is the embedding vector size (default 384, MiniLM-L6-v2).
	Dimensions int

	// IdleUnload releases the model session after this much inactivity.
	// Zero keeps the session loaded forever. Default 5 minutes.
	IdleUnload time.Duration

	// MaxInFlight bounds concurrent Embed calls. Default 2.
	MaxInFlight int
}

// Embedder runs a MiniLM-style model locally. Safe for concurrent use: up to
// MaxInFlight inferences run in parallel under a read lock, while session
// load, idle unload and Close take the write lock and so never race a
// forward pass.
type Embedder struct {
	cfg       Config
	tokenizer *bertTokenizer
	sem       *semaphore.Weighted
	log       *zap.SugaredLogger

	mu      sync.RWMutex
	session *ort.DynamicAdvancedSession
	closed  bool

	lastUsed atomic.Int64 // unix nanos of the last Embed call

	stopJanitor chan struct{}
}

var (
	ortInitOnce sync.Once
	ortInitErr  error
)

// initRuntime initializes the process-wide ONNX Runtime environment once.
// The environment stays up across session unloads; only sessions cycle.
func initRuntime(libraryPath string) error {
	ortInitOnce.Do(func() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

// New creates the embedder. The tokenizer is loaded eagerly so that
// configuration mistakes surface at startup; the model session is not.
func New(cfg Config, logger *zap.SugaredLogger) (*Embedder, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.ModelPath == "" {
		return nil, errors.New("onnx: ModelPath is required")
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = 384
	}
	if cfg.IdleUnload < 0 {
		cfg.IdleUnload = 0
	} else if cfg.IdleUnload == 0 {
		cfg.IdleUnload = 5 * time.Minute
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 2
	}

	tokenizer, err := loadTokenizer(cfg.TokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("onnx: load tokenizer: %w", err)
	}

	e := &Embedder{
		cfg:         cfg,
		tokenizer:   tokenizer,
		sem:         semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		log:         logger,
		stopJanitor: make(chan struct{}),
	}
	if cfg.IdleUnload > 0 {
		go e.janitor()
	}
	return e, nil
}

// janitor unloads the session after IdleUnload of inactivity.
func (e *Embedder) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopJanitor:
			return
		case <-ticker.C:
			e.mu.Lock()
			idle := time.Since(time.Unix(0, e.lastUsed.Load()))
			if e.session != nil && idle > e.cfg.IdleUnload {
				e.log.Infof("[ONNX] unloading idle model session")
				e.session.Destroy()
				e.session = nil
			}
			e.mu.Unlock()
		}
	}
}

// loadSession loads the model session if it is not already loaded. It takes
// the write lock, so it never runs while an inference is in progress.
func (e *Embedder) loadSession() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("embedder closed: %w", memory.ErrProviderUnavailable)
	}
	if e.session != nil {
		return nil
	}
	if err := initRuntime(e.cfg.LibraryPath); err != nil {
		return fmt.Errorf("initialize runtime: %v: %w", err, memory.ErrProviderUnavailable)
	}

	inputNames := []string{"input_ids", "attention_mask", "token_type_ids"}
	outputNames := []string{"last_hidden_state"}
	session, err := ort.NewDynamicAdvancedSession(e.cfg.ModelPath, inputNames, outputNames, nil)
	if err != nil {
		return fmt.Errorf("load model %s: %v: %w", e.cfg.ModelPath, err, memory.ErrProviderUnavailable)
	}
	e.log.Infof("[ONNX] model session loaded from %s", e.cfg.ModelPath)
	e.session = session
	e.lastUsed.Store(time.Now().UnixNano())
	return nil
}

// Embed tokenizes text, runs the model and mean-pools the hidden states
// into a unit vector. Inferences on a loaded session run concurrently,
// bounded by MaxInFlight; session Run is thread-safe.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("onnx embed: %w", memory.ErrEmbedTimeout)
		}
		return nil, fmt.Errorf("onnx embed: %w", err)
	}
	defer e.sem.Release(1)

	// Hold the read lock with a live session; reload if the janitor
	// unloaded it in between.
	for {
		e.mu.RLock()
		if e.closed {
			e.mu.RUnlock()
			return nil, fmt.Errorf("onnx embed: embedder closed: %w", memory.ErrProviderUnavailable)
		}
		if e.session != nil {
			break
		}
		e.mu.RUnlock()
		if err := e.loadSession(); err != nil {
			return nil, fmt.Errorf("onnx embed: %w", err)
		}
	}
	defer e.mu.RUnlock()
	e.lastUsed.Store(time.Now().UnixNano())

	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("onnx embed: %w", memory.ErrEmbedTimeout)
		}
		return nil, fmt.Errorf("onnx embed: %w", err)
	}

	vec, err := e.infer(text)
	if err != nil {
		return nil, fmt.Errorf("onnx embed: %w", err)
	}
	return vec, nil
}

// infer runs one forward pass. Caller holds the read lock with a live
// session.
func (e *Embedder) infer(text string) ([]float32, error) {
	tokens := e.tokenizer.tokenize(text)

	inputIDs := make([]int64, maxSeqLen)
	attentionMask := make([]int64, maxSeqLen)
	tokenTypeIDs := make([]int64, maxSeqLen)

	inputIDs[0] = int64(e.tokenizer.clsToken)
	attentionMask[0] = 1

	tokenLen := len(tokens)
	if tokenLen > maxSeqLen-2 {
		tokenLen = maxSeqLen - 2
	}
	for i := 0; i < tokenLen; i++ {
		inputIDs[i+1] = tokens[i]
		attentionMask[i+1] = 1
	}
	inputIDs[tokenLen+1] = int64(e.tokenizer.sepToken)
	attentionMask[tokenLen+1] = 1

	shape := ort.NewShape(1, int64(maxSeqLen))
	inputIDsTensor, err := ort.NewTensor(shape, inputIDs)
	if err != nil {
		return nil, fmt.Errorf("create input_ids tensor: %w", err)
	}
	defer inputIDsTensor.Destroy()

	attentionTensor, err := ort.NewTensor(shape, attentionMask)
	if err != nil {
		return nil, fmt.Errorf("create attention_mask tensor: %w", err)
	}
	defer attentionTensor.Destroy()

	tokenTypeTensor, err := ort.NewTensor(shape, tokenTypeIDs)
	if err != nil {
		return nil, fmt.Errorf("create token_type_ids tensor: %w", err)
	}
	defer tokenTypeTensor.Destroy()

	inputs := []ort.Value{inputIDsTensor, attentionTensor, tokenTypeTensor}
	outputs := []ort.Value{nil}
	if err := e.session.Run(inputs, outputs); err != nil {
		return nil, fmt.Errorf("inference: %w", err)
	}
	defer func() {
		for _, out := range outputs {
			if out != nil {
				out.Destroy()
			}
		}
	}()

	if len(outputs) == 0 || outputs[0] == nil {
		return nil, errors.New("inference returned no outputs")
	}
	outputTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, errors.New("unexpected output tensor type")
	}

	return e.pool(outputTensor, attentionMask)
}

// pool reduces the model output to one embedding. Some exported models
// already return a pooled [1, dims] tensor; others return the full
// [1, seq, dims] hidden states and need attention-masked mean pooling.
func (e *Embedder) pool(t *ort.Tensor[float32], attentionMask []int64) ([]float32, error) {
	data := t.GetData()
	shape := t.GetShape()

	switch len(shape) {
	case 2:
		if len(data) < e.cfg.Dimensions {
			return nil, fmt.Errorf("output has %d values, expected %d", len(data), e.cfg.Dimensions)
		}
		embedding := make([]float32, e.cfg.Dimensions)
		copy(embedding, data[:e.cfg.Dimensions])
		return normalize(embedding), nil

	case 3:
		batch, seqLen, hidden := shape[0], shape[1], shape[2]
		if batch != 1 {
			return nil, fmt.Errorf("expected batch size 1, got %d", batch)
		}
		if hidden != int64(e.cfg.Dimensions) {
			return nil, fmt.Errorf("hidden size %d, expected %d: %w",
				hidden, e.cfg.Dimensions, memory.ErrDimensionMismatch)
		}

		embedding := make([]float32, e.cfg.Dimensions)
		var attended float32
		for i := 0; i < int(seqLen); i++ {
			if i >= len(attentionMask) || attentionMask[i] == 0 {
				continue
			}
			attended++
			offset := i * int(hidden)
			for j := 0; j < int(hidden); j++ {
				embedding[j] += data[offset+j]
			}
		}
		if attended == 0 {
			return nil, errors.New("no attended tokens")
		}
		for j := range embedding {
			embedding[j] /= attended
		}
		return normalize(embedding), nil

	default:
		return nil, fmt.Errorf("unexpected output shape %v", shape)
	}
}

// Dimensions returns the embedding vector size.
func (e *Embedder) Dimensions() int {
	return e.cfg.Dimensions
}

// Name identifies the provider and model file.
func (e *Embedder) Name() string {
	return "onnx:" + e.cfg.ModelPath
}

// Close stops the idle janitor and releases the session.
func (e *Embedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	close(e.stopJanitor)
	if e.session != nil {
		e.session.Destroy()
		e.session = nil
	}
	return nil
}

// normalize scales the vector to unit length.
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
