package memory

import (
	"context"
	"fmt"
	"time"
)

// Turn is one recorded exchange: the user's input paired with the
// assistant's response. Turns are immutable once stored; normal operation
// never updates or deletes them.
type Turn struct {
	ID                string
	UserInput         string
	AssistantResponse string
	CreatedAt         time.Time

	// Embedding is nil when the embedding provider failed at ingestion
	// time. Such turns are stored anyway and re-embedded by the
	// reconciliation pass.
	Embedding []float32
}

// FormatForEmbedding returns the text representation used to embed the turn.
func (t *Turn) FormatForEmbedding() string {
	return fmt.Sprintf("User: %s\nAssistant: %s", t.UserInput, t.AssistantResponse)
}

// FormatForContext returns the turn as it appears inside a context block.
func (t *Turn) FormatForContext() string {
	return fmt.Sprintf("User: %s\nAssistant: %s", t.UserInput, t.AssistantResponse)
}

// Fact is a curated, persistent statement that is always included in
// assembled context. Facts are created and deleted only by callers holding
// the owner capability; an update is a delete followed by a recreate.
type Fact struct {
	ID        string
	Content   string
	CreatedAt time.Time

	// Embedding is nil when the provider failed at creation time; see Turn.
	Embedding []float32
}

// Capability identifies what a caller is allowed to do. Fact mutation is
// restricted to the owner; everything else is open to regular callers.
// The Manager enforces this, not the caller.
type Capability int

const (
	// CapabilityRegular is an ordinary conversation participant.
	CapabilityRegular Capability = iota

	// CapabilityOwner may create and delete facts.
	CapabilityOwner
)

// CanManageFacts reports whether the capability allows fact mutation.
func (c Capability) CanManageFacts() bool {
	return c == CapabilityOwner
}

// Match is one vector index hit: a record identifier with its similarity
// to the query vector. Higher is more similar.
type Match struct {
	ID         string
	Similarity float32
}

// ScoredTurn pairs a stored turn with the similarity score the index
// assigned it for the current query.
type ScoredTurn struct {
	Turn       *Turn
	Similarity float32
}

// RecordKind distinguishes the two record families sharing the identifier
// space of the store and the index.
type RecordKind string

const (
	KindTurn RecordKind = "turn"
	KindFact RecordKind = "fact"
)

// Record is a store row resolved from an index hit, used to join search
// results back to their text.
type Record struct {
	ID        string
	Kind      RecordKind
	Text      string
	CreatedAt time.Time
}

// EmbeddedRecord is a store row that carries a vector. The reconciliation
// pass replays these into the index after a rebuild, and re-embeds rows
// whose vector belongs to a stale epoch.
type EmbeddedRecord struct {
	ID        string
	Kind      RecordKind
	Text      string
	Embedding []float32
}

// SearchResult is one entry returned by Manager.SearchMemory.
type SearchResult struct {
	ID         string
	Kind       RecordKind
	Text       string
	CreatedAt  time.Time
	Similarity float32
}

// Embedder converts text to vector embeddings.
// Implementations: onnx.Embedder (local model), gemini.Embedder (API),
// cached.Embedder (ristretto decorator), mock.Embedder (testing).
type Embedder interface {
	// Embed converts a single text to an embedding vector of length
	// Dimensions(). Blocking; honors ctx cancellation.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the embedding vector size.
	Dimensions() int

	// Name identifies the provider and model, e.g. "onnx:all-MiniLM-L6-v2".
	// The index manifest records it to pin the embedding epoch.
	Name() string
}

// TurnStore is the durable record keeper for turns and facts.
// It is the source of truth: the vector index is derived from it and can
// always be rebuilt from its rows.
//
// Implementations: sqlite.Store.
type TurnStore interface {
	// AppendTurn durably stores a turn. The turn may or may not carry an
	// embedding; text is stored either way.
	AppendTurn(ctx context.Context, turn *Turn) error

	// RecentTurns returns the min(n, total) most recent turns in
	// chronological (ascending) order.
	RecentTurns(ctx context.Context, n int) ([]*Turn, error)

	// TurnsByID resolves turn identifiers to turns. Unknown identifiers
	// are silently skipped; order follows ids.
	TurnsByID(ctx context.Context, ids []string) ([]*Turn, error)

	// UnembeddedTurns returns up to limit turns stored without a vector,
	// oldest first.
	UnembeddedTurns(ctx context.Context, limit int) ([]*Turn, error)

	// SetTurnEmbedding attaches a vector to a previously stored turn.
	SetTurnEmbedding(ctx context.Context, id string, embedding []float32) error

	// AddFact durably stores a fact.
	AddFact(ctx context.Context, fact *Fact) error

	// ListFacts returns all facts, oldest first.
	ListFacts(ctx context.Context) ([]*Fact, error)

	// DeleteFact removes a fact row. Returns ErrNotFound when absent.
	DeleteFact(ctx context.Context, id string) error

	// UnembeddedFacts returns up to limit facts stored without a vector,
	// oldest first.
	UnembeddedFacts(ctx context.Context, limit int) ([]*Fact, error)

	// SetFactEmbedding attaches a vector to a previously stored fact.
	SetFactEmbedding(ctx context.Context, id string, embedding []float32) error

	// EmbeddedRecords returns every row (turn or fact) that carries a
	// vector. Used to replay the index after a rebuild.
	EmbeddedRecords(ctx context.Context) ([]EmbeddedRecord, error)

	// Lookup resolves identifiers (turns or facts) to records.
	// Unknown identifiers are silently skipped.
	Lookup(ctx context.Context, ids []string) ([]Record, error)

	// Close releases the underlying database.
	Close() error
}

// VectorIndex is the approximate-nearest-neighbor structure mapping record
// identifiers to embedding vectors. All vectors in one index share a single
// dimension (the embedding epoch); operations with a different dimension
// fail with ErrDimensionMismatch and leave the index unchanged.
//
// Writes are serialized (single-writer); reads may proceed concurrently
// with each other but not with a write.
//
// Implementations: chromem.Index.
type VectorIndex interface {
	// Insert adds or replaces the vector for id.
	Insert(ctx context.Context, id string, vector []float32) error

	// Remove deletes the entry for id. Returns ErrNotFound when absent;
	// callers treat that as non-fatal.
	Remove(ctx context.Context, id string) error

	// Query returns up to k matches ordered by similarity descending.
	// Equal scores are broken by insertion order, oldest first. An empty
	// index is valid and returns no matches.
	Query(ctx context.Context, vector []float32, k int) ([]Match, error)

	// Has reports whether id currently has an index entry.
	Has(id string) bool

	// Dimension returns the epoch's vector dimension.
	Dimension() int

	// Len returns the number of indexed vectors.
	Len() int

	// Close flushes index state to disk.
	Close() error
}
