// Package chromem implements the vector index on top of a persistent
// chromem-go collection. The collection holds only derived state: every
// vector here also lives in the durable store, so a damaged or stale index
// is discarded and replayed rather than repaired in place.
package chromem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	chromemgo "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/vesperhq/vesper-go/memory"
)

const (
	collectionName = "records"
	manifestFile   = "manifest.json"
	dbSubdir       = "chromem"
)

// manifest pins the embedding epoch of the on-disk index and keeps the
// insertion-sequence ledger used for deterministic tie-breaking. It lives
// next to the chromem directory and is rewritten on every mutation.
type manifest struct {
	Provider  string            `json:"provider"`
	Dimension int               `json:"dimension"`
	Compact   bool              `json:"compact"`
	NextSeq   uint64            `json:"next_seq"`
	IDs       map[string]uint64 `json:"ids"`
}

// Index is a persistent ANN index over record embeddings. One Index holds
// vectors of exactly one dimension produced by one provider; opening the
// same directory for a different provider or dimension discards the old
// contents instead of mixing epochs.
//
// Reads run concurrently; writes are exclusive.
type Index struct {
	mu  sync.RWMutex
	db  *chromemgo.DB
	col *chromemgo.Collection

	dir     string
	man     manifest
	rebuilt bool
	compact bool
	log     *zap.SugaredLogger
}

// Open loads or creates the index at dir for the given provider and
// dimension. A missing directory starts empty. An existing index whose
// epoch (provider, dimension or precision mode) differs, or whose on-disk
// state cannot be loaded, is wiped; Rebuilt reports that the caller must
// replay vectors from the store.
func Open(dir, provider string, dimension int, compact bool, logger *zap.SugaredLogger) (*Index, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if dimension <= 0 {
		return nil, fmt.Errorf("open index: dimension must be positive, got %d", dimension)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}

	idx := &Index{
		dir:     dir,
		compact: compact,
		log:     logger,
		man: manifest{
			Provider:  provider,
			Dimension: dimension,
			Compact:   compact,
			IDs:       make(map[string]uint64),
		},
	}

	existing, err := loadManifest(filepath.Join(dir, manifestFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
		// Fresh directory, nothing to validate.
	case err != nil:
		logger.Warnf("[INDEX] manifest unreadable, discarding index: %v", err)
		if err := idx.wipe(); err != nil {
			return nil, err
		}
	case existing.Provider != provider || existing.Dimension != dimension || existing.Compact != compact:
		logger.Warnf("[INDEX] epoch changed (%s/%d/compact=%t -> %s/%d/compact=%t), discarding index",
			existing.Provider, existing.Dimension, existing.Compact, provider, dimension, compact)
		if err := idx.wipe(); err != nil {
			return nil, err
		}
	default:
		idx.man = *existing
	}

	if err := idx.openDB(); err != nil {
		logger.Warnf("[INDEX] persistent index unreadable, discarding: %v", err)
		if werr := idx.wipe(); werr != nil {
			return nil, werr
		}
		if err := idx.openDB(); err != nil {
			return nil, fmt.Errorf("open index after wipe: %w", err)
		}
	}

	// The ledger and the collection must agree; if they diverged the
	// cheapest safe state is an empty index replayed from the store.
	if idx.col.Count() != len(idx.man.IDs) {
		logger.Warnf("[INDEX] ledger (%d) and collection (%d) diverged, discarding index",
			len(idx.man.IDs), idx.col.Count())
		if err := idx.wipe(); err != nil {
			return nil, err
		}
		if err := idx.openDB(); err != nil {
			return nil, fmt.Errorf("open index after wipe: %w", err)
		}
	}

	return idx, nil
}

func (x *Index) openDB() error {
	db, err := chromemgo.NewPersistentDB(filepath.Join(x.dir, dbSubdir), x.compact)
	if err != nil {
		return err
	}
	col, err := db.GetOrCreateCollection(collectionName, nil, rejectImplicitEmbedding)
	if err != nil {
		return err
	}
	x.db = db
	x.col = col
	return nil
}

// wipe deletes all on-disk state and resets the manifest to an empty epoch.
func (x *Index) wipe() error {
	if err := os.RemoveAll(filepath.Join(x.dir, dbSubdir)); err != nil {
		return fmt.Errorf("wipe index: %w", err)
	}
	if err := os.RemoveAll(filepath.Join(x.dir, manifestFile)); err != nil {
		return fmt.Errorf("wipe index: %w", err)
	}
	x.man = manifest{
		Provider:  x.man.Provider,
		Dimension: x.man.Dimension,
		Compact:   x.man.Compact,
		IDs:       make(map[string]uint64),
	}
	x.rebuilt = true
	x.db = nil
	x.col = nil
	return nil
}

// Rebuilt reports whether Open discarded previous on-disk state. The caller
// should replay embedded records from the store when this is true.
func (x *Index) Rebuilt() bool {
	return x.rebuilt
}

// Insert adds or replaces the vector for id.
func (x *Index) Insert(ctx context.Context, id string, vector []float32) error {
	if len(vector) != x.man.Dimension {
		return fmt.Errorf("insert %s: vector has %d dimensions, index epoch is %d: %w",
			id, len(vector), x.man.Dimension, memory.ErrDimensionMismatch)
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	vec := vector
	if x.compact {
		vec = quantizeF16(vector)
	}

	_, replacing := x.man.IDs[id]
	if replacing {
		if err := x.col.Delete(ctx, nil, nil, id); err != nil {
			return fmt.Errorf("replace %s: %w", id, err)
		}
	}
	doc := chromemgo.Document{ID: id, Content: id, Embedding: vec}
	if err := x.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("insert %s: %w", id, err)
	}

	if !replacing {
		x.man.IDs[id] = x.man.NextSeq
		x.man.NextSeq++
	}
	return x.saveManifest()
}

// Remove deletes the entry for id. Absent ids yield memory.ErrNotFound.
func (x *Index) Remove(ctx context.Context, id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if _, ok := x.man.IDs[id]; !ok {
		return fmt.Errorf("remove %s: %w", id, memory.ErrNotFound)
	}
	if err := x.col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	delete(x.man.IDs, id)
	return x.saveManifest()
}

// Query returns up to k matches by cosine similarity, descending. Equal
// scores are ordered by insertion sequence, oldest first. Querying an empty
// index returns no matches and no error.
func (x *Index) Query(ctx context.Context, vector []float32, k int) ([]memory.Match, error) {
	if len(vector) != x.man.Dimension {
		return nil, fmt.Errorf("query: vector has %d dimensions, index epoch is %d: %w",
			len(vector), x.man.Dimension, memory.ErrDimensionMismatch)
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	if k <= 0 || len(x.man.IDs) == 0 {
		return nil, nil
	}

	vec := vector
	if x.compact {
		vec = quantizeF16(vector)
	}

	n := k
	if count := x.col.Count(); n > count {
		n = count
	}
	results, err := x.col.QueryEmbedding(ctx, vec, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}

	matches := make([]memory.Match, 0, len(results))
	for _, r := range results {
		matches = append(matches, memory.Match{ID: r.ID, Similarity: r.Similarity})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return x.man.IDs[matches[i].ID] < x.man.IDs[matches[j].ID]
	})
	return matches, nil
}

// Has reports whether id is currently indexed.
func (x *Index) Has(id string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.man.IDs[id]
	return ok
}

// Dimension returns the epoch's vector dimension.
func (x *Index) Dimension() int {
	return x.man.Dimension
}

// Len returns the number of indexed vectors.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.man.IDs)
}

// Close persists the manifest. chromem flushes per operation, so there is
// no separate collection flush.
func (x *Index) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.saveManifest()
}

// saveManifest writes atomically via rename. Caller holds the write lock.
func (x *Index) saveManifest() error {
	data, err := json.MarshalIndent(&x.man, "", "  ")
	if err != nil {
		return fmt.Errorf("save manifest: %w", err)
	}
	path := filepath.Join(x.dir, manifestFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("save manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("save manifest: %w", err)
	}
	return nil
}

func loadManifest(path string) (*manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m.IDs == nil {
		m.IDs = make(map[string]uint64)
	}
	return &m, nil
}

// rejectImplicitEmbedding is installed as the collection's embedding
// function. Every vector must arrive pre-computed; reaching this means a
// caller forgot one.
func rejectImplicitEmbedding(ctx context.Context, text string) ([]float32, error) {
	return nil, errors.New("index requires explicit embeddings")
}
