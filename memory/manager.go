package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config controls context assembly and background reconciliation.
type Config struct {
	// RecentWindow is the number of most recent turns included in every
	// context block.
	RecentWindow int

	// SemanticTopK is the maximum size of the Related Memories section.
	SemanticTopK int

	// MinSimilarity drops semantic matches below this score.
	MinSimilarity float32

	// ReconcileInterval is how often Run re-embeds and re-indexes rows
	// that failed at write time.
	ReconcileInterval time.Duration

	// ReconcileBatch caps how many unembedded rows one pass picks up.
	ReconcileBatch int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		RecentWindow:      10,
		SemanticTopK:      5,
		MinSimilarity:     0.3,
		ReconcileInterval: time.Minute,
		ReconcileBatch:    64,
	}
}

// Manager orchestrates the memory engine: the write path (embed, store,
// index), the read path (context assembly, on-demand search), the fact
// lifecycle, and the reconciliation pass that repairs what write-time
// failures left behind.
//
// One Manager is shared by all concurrent sessions. Reads may run
// concurrently; turn ingestion is expected to be sequential per session.
type Manager struct {
	embedder Embedder
	store    TurnStore
	index    VectorIndex
	cfg      Config
	log      *zap.SugaredLogger
}

// NewManager wires an embedder, a store and an index together. The
// embedder's dimensions must match the index epoch; a mismatch here means
// the index was opened for a different provider and must be rebuilt first.
func NewManager(embedder Embedder, store TurnStore, index VectorIndex, cfg Config, logger *zap.SugaredLogger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = DefaultConfig().RecentWindow
	}
	if cfg.SemanticTopK <= 0 {
		cfg.SemanticTopK = DefaultConfig().SemanticTopK
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = DefaultConfig().ReconcileInterval
	}
	if cfg.ReconcileBatch <= 0 {
		cfg.ReconcileBatch = DefaultConfig().ReconcileBatch
	}
	if embedder.Dimensions() != index.Dimension() {
		return nil, fmt.Errorf("embedder %q produces %d dimensions but index epoch is %d: %w",
			embedder.Name(), embedder.Dimensions(), index.Dimension(), ErrDimensionMismatch)
	}
	return &Manager{
		embedder: embedder,
		store:    store,
		index:    index,
		cfg:      cfg,
		log:      logger,
	}, nil
}

// AppendTurn records one exchange. The turn text is always stored; embedding
// and indexing are best-effort, and a failure there leaves the row for the
// reconciliation pass instead of failing the caller. Only a store write
// failure is returned as an error.
func (m *Manager) AppendTurn(ctx context.Context, userInput, assistantResponse string) (*Turn, error) {
	turn := &Turn{
		ID:                uuid.NewString(),
		UserInput:         userInput,
		AssistantResponse: assistantResponse,
		CreatedAt:         time.Now().UTC(),
	}

	vec, err := m.embedder.Embed(ctx, turn.FormatForEmbedding())
	if err != nil {
		m.log.Warnf("[MEMORY] embedding failed for turn %s, storing unembedded: %v", turn.ID, err)
	} else {
		turn.Embedding = vec
	}

	if err := m.store.AppendTurn(ctx, turn); err != nil {
		return nil, fmt.Errorf("store turn: %w", err)
	}

	if turn.Embedding != nil {
		if err := m.index.Insert(ctx, turn.ID, turn.Embedding); err != nil {
			m.log.Warnf("[MEMORY] index insert failed for turn %s: %v", turn.ID, err)
		}
	}

	return turn, nil
}

// BuildContext assembles the bounded context block for a new query: all
// facts, the recent window, and up to SemanticTopK related turns. When the
// query cannot be embedded the semantic section is skipped and the block
// degrades to facts plus recency; an empty store yields an empty block.
func (m *Manager) BuildContext(ctx context.Context, query string) (string, error) {
	facts, err := m.store.ListFacts(ctx)
	if err != nil {
		return "", fmt.Errorf("list facts: %w", err)
	}
	recent, err := m.store.RecentTurns(ctx, m.cfg.RecentWindow)
	if err != nil {
		return "", fmt.Errorf("recent turns: %w", err)
	}

	related := m.relatedTurns(ctx, query, recent)
	return BuildContextBlock(facts, recent, related), nil
}

// relatedTurns runs the semantic leg of context assembly. Any failure is
// logged and yields an empty section; context assembly never fails on the
// index or the provider.
func (m *Manager) relatedTurns(ctx context.Context, query string, recent []*Turn) []ScoredTurn {
	qvec, err := m.embedder.Embed(ctx, query)
	if err != nil {
		m.log.Warnf("[MEMORY] query embedding failed, degrading to recency-only context: %v", err)
		return nil
	}

	// Overfetch so that recent-window duplicates and fact entries can be
	// filtered out without starving the section.
	k := m.cfg.SemanticTopK + m.cfg.RecentWindow + 5
	matches, err := m.index.Query(ctx, qvec, k)
	if err != nil {
		m.log.Warnf("[MEMORY] index query failed, degrading to recency-only context: %v", err)
		return nil
	}

	ids := make([]string, 0, len(matches))
	for _, match := range matches {
		ids = append(ids, match.ID)
	}
	turns, err := m.store.TurnsByID(ctx, ids)
	if err != nil {
		m.log.Warnf("[MEMORY] turn lookup failed, degrading to recency-only context: %v", err)
		return nil
	}
	byID := make(map[string]*Turn, len(turns))
	for _, t := range turns {
		byID[t.ID] = t
	}

	scored := make([]ScoredTurn, 0, len(matches))
	for _, match := range matches {
		// Fact entries share the index; they are dropped here because
		// facts already appear in their own section.
		if t, ok := byID[match.ID]; ok {
			scored = append(scored, ScoredTurn{Turn: t, Similarity: match.Similarity})
		}
	}
	return FilterRelated(scored, recent, m.cfg.SemanticTopK, m.cfg.MinSimilarity)
}

// SearchMemory runs an explicit semantic search over everything indexed,
// turns and facts alike. Unlike context assembly this surfaces provider and
// index errors to the caller, who chose to search.
func (m *Manager) SearchMemory(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = m.cfg.SemanticTopK
	}

	qvec, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	// Slight overfetch covers index entries whose store row is gone.
	matches, err := m.index.Query(ctx, qvec, limit+5)
	if err != nil {
		return nil, fmt.Errorf("index query: %w", err)
	}

	ids := make([]string, 0, len(matches))
	for _, match := range matches {
		ids = append(ids, match.ID)
	}
	records, err := m.store.Lookup(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("lookup records: %w", err)
	}
	byID := make(map[string]Record, len(records))
	for _, r := range records {
		byID[r.ID] = r
	}

	results := make([]SearchResult, 0, limit)
	for _, match := range matches {
		if match.Similarity < m.cfg.MinSimilarity {
			continue
		}
		rec, ok := byID[match.ID]
		if !ok {
			continue
		}
		results = append(results, SearchResult{
			ID:         rec.ID,
			Kind:       rec.Kind,
			Text:       rec.Text,
			CreatedAt:  rec.CreatedAt,
			Similarity: match.Similarity,
		})
		if len(results) == limit {
			break
		}
	}
	return results, nil
}

// AddFact stores a curated fact. Requires the owner capability. As with
// turns, the fact text is stored even when embedding fails.
func (m *Manager) AddFact(ctx context.Context, content string, cap Capability) (*Fact, error) {
	if !cap.CanManageFacts() {
		return nil, fmt.Errorf("add fact: %w", ErrPermissionDenied)
	}

	fact := &Fact{
		ID:        uuid.NewString()[:8],
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}

	vec, err := m.embedder.Embed(ctx, content)
	if err != nil {
		m.log.Warnf("[MEMORY] embedding failed for fact %s, storing unembedded: %v", fact.ID, err)
	} else {
		fact.Embedding = vec
	}

	if err := m.store.AddFact(ctx, fact); err != nil {
		return nil, fmt.Errorf("store fact: %w", err)
	}

	if fact.Embedding != nil {
		if err := m.index.Insert(ctx, fact.ID, fact.Embedding); err != nil {
			m.log.Warnf("[MEMORY] index insert failed for fact %s: %v", fact.ID, err)
		}
	}

	m.log.Infof("[MEMORY] fact %s added", fact.ID)
	return fact, nil
}

// DeleteFact removes a fact. Requires the owner capability. The store row
// is deleted first; index removal is best-effort because the index can
// always be repaired from the store, never the other way around.
func (m *Manager) DeleteFact(ctx context.Context, id string, cap Capability) error {
	if !cap.CanManageFacts() {
		return fmt.Errorf("delete fact: %w", ErrPermissionDenied)
	}

	if err := m.store.DeleteFact(ctx, id); err != nil {
		return fmt.Errorf("delete fact %s: %w", id, err)
	}

	if err := m.index.Remove(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
		m.log.Warnf("[MEMORY] index remove failed for fact %s: %v", id, err)
	}

	m.log.Infof("[MEMORY] fact %s deleted", id)
	return nil
}

// ListFacts returns all facts, oldest first.
func (m *Manager) ListFacts(ctx context.Context) ([]*Fact, error) {
	return m.store.ListFacts(ctx)
}

// Reconcile repairs divergence between the store and the index. It embeds
// rows that were stored without a vector, re-embeds rows whose vector
// belongs to a previous epoch, and inserts embedded rows the index is
// missing. Run once at startup (this is also the rebuild path after a
// discarded index) and periodically via Run.
func (m *Manager) Reconcile(ctx context.Context) error {
	if err := m.embedPending(ctx); err != nil {
		return err
	}
	return m.replayMissing(ctx)
}

func (m *Manager) embedPending(ctx context.Context) error {
	turns, err := m.store.UnembeddedTurns(ctx, m.cfg.ReconcileBatch)
	if err != nil {
		return fmt.Errorf("unembedded turns: %w", err)
	}
	for _, t := range turns {
		vec, err := m.embedder.Embed(ctx, t.FormatForEmbedding())
		if err != nil {
			// Provider is likely still down; the next pass retries.
			m.log.Warnf("[MEMORY] reconcile: embedding turn %s failed: %v", t.ID, err)
			return nil
		}
		if err := m.store.SetTurnEmbedding(ctx, t.ID, vec); err != nil {
			return fmt.Errorf("set turn embedding %s: %w", t.ID, err)
		}
		if err := m.index.Insert(ctx, t.ID, vec); err != nil {
			m.log.Warnf("[MEMORY] reconcile: indexing turn %s failed: %v", t.ID, err)
		} else {
			m.log.Infof("[MEMORY] reconcile: turn %s embedded and indexed", t.ID)
		}
	}

	facts, err := m.store.UnembeddedFacts(ctx, m.cfg.ReconcileBatch)
	if err != nil {
		return fmt.Errorf("unembedded facts: %w", err)
	}
	for _, f := range facts {
		vec, err := m.embedder.Embed(ctx, f.Content)
		if err != nil {
			m.log.Warnf("[MEMORY] reconcile: embedding fact %s failed: %v", f.ID, err)
			return nil
		}
		if err := m.store.SetFactEmbedding(ctx, f.ID, vec); err != nil {
			return fmt.Errorf("set fact embedding %s: %w", f.ID, err)
		}
		if err := m.index.Insert(ctx, f.ID, vec); err != nil {
			m.log.Warnf("[MEMORY] reconcile: indexing fact %s failed: %v", f.ID, err)
		} else {
			m.log.Infof("[MEMORY] reconcile: fact %s embedded and indexed", f.ID)
		}
	}
	return nil
}

func (m *Manager) replayMissing(ctx context.Context) error {
	records, err := m.store.EmbeddedRecords(ctx)
	if err != nil {
		return fmt.Errorf("embedded records: %w", err)
	}

	replayed := 0
	for _, rec := range records {
		if len(rec.Embedding) != m.index.Dimension() {
			// Stored vector belongs to a previous embedding epoch.
			vec, err := m.embedder.Embed(ctx, rec.Text)
			if err != nil {
				m.log.Warnf("[MEMORY] reconcile: re-embedding %s %s failed: %v", rec.Kind, rec.ID, err)
				continue
			}
			switch rec.Kind {
			case KindFact:
				err = m.store.SetFactEmbedding(ctx, rec.ID, vec)
			default:
				err = m.store.SetTurnEmbedding(ctx, rec.ID, vec)
			}
			if err != nil {
				return fmt.Errorf("update embedding %s: %w", rec.ID, err)
			}
			rec.Embedding = vec
		}
		if m.index.Has(rec.ID) {
			continue
		}
		if err := m.index.Insert(ctx, rec.ID, rec.Embedding); err != nil {
			m.log.Warnf("[MEMORY] reconcile: replaying %s %s failed: %v", rec.Kind, rec.ID, err)
			continue
		}
		replayed++
	}
	if replayed > 0 {
		m.log.Infof("[MEMORY] reconcile: replayed %d records into the index", replayed)
	}
	return nil
}

// Run reconciles on a fixed interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Reconcile(ctx); err != nil {
				m.log.Errorf("[MEMORY] reconcile pass failed: %v", err)
			}
		}
	}
}

// Close flushes the index and closes the store.
func (m *Manager) Close() error {
	ierr := m.index.Close()
	serr := m.store.Close()
	if ierr != nil {
		return ierr
	}
	return serr
}
