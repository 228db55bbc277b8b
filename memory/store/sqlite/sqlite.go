// Package sqlite implements the durable record store for turns and facts
// on a single SQLite database file. The store is the source of truth: it
// holds the text, the timestamps and the embedding vectors from which the
// derived index can always be rebuilt.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/vesperhq/vesper-go/memory"
)

const schema = `
CREATE TABLE IF NOT EXISTS turns (
	id                 TEXT PRIMARY KEY,
	user_input         TEXT NOT NULL,
	assistant_response TEXT NOT NULL,
	created_at_us      INTEGER NOT NULL,
	embedding          TEXT
);
CREATE INDEX IF NOT EXISTS idx_turns_created ON turns(created_at_us);

CREATE TABLE IF NOT EXISTS facts (
	id            TEXT PRIMARY KEY,
	content       TEXT NOT NULL,
	created_at_us INTEGER NOT NULL,
	embedding     TEXT
);
`

// Store keeps turns and facts in SQLite. Embeddings are stored as JSON text
// columns, NULL when the provider failed at write time.
type Store struct {
	mu  sync.RWMutex
	db  *sql.DB
	log *zap.SugaredLogger
}

// Open opens (or creates) the database at path, enables WAL, verifies
// integrity and applies the schema. An integrity failure returns
// memory.ErrCorruption; the process should stop and the operator restore
// from backup or delete the file, since conversation history cannot be
// reconstructed from the derived index.
func Open(path string, logger *zap.SugaredLogger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	var check string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&check); err != nil {
		db.Close()
		return nil, fmt.Errorf("integrity check failed (%v): restore %s from backup or delete it: %w",
			err, path, memory.ErrCorruption)
	}
	if check != "ok" {
		db.Close()
		return nil, fmt.Errorf("integrity check reported %q: restore %s from backup or delete it: %w",
			check, path, memory.ErrCorruption)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	logger.Infof("[STORE] opened %s", path)
	return &Store{db: db, log: logger}, nil
}

// AppendTurn durably stores a turn, with or without its embedding.
func (s *Store) AppendTurn(ctx context.Context, turn *memory.Turn) error {
	emb, err := encodeVector(turn.Embedding)
	if err != nil {
		return fmt.Errorf("append turn %s: %w", turn.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO turns (id, user_input, assistant_response, created_at_us, embedding)
		 VALUES (?, ?, ?, ?, ?)`,
		turn.ID, turn.UserInput, turn.AssistantResponse, turn.CreatedAt.UnixMicro(), emb)
	if err != nil {
		return fmt.Errorf("append turn %s: %w", turn.ID, err)
	}
	return nil
}

// RecentTurns returns the min(n, total) most recent turns, oldest first.
func (s *Store) RecentTurns(ctx context.Context, n int) ([]*memory.Turn, error) {
	if n <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_input, assistant_response, created_at_us, embedding
		 FROM turns ORDER BY created_at_us DESC, rowid DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("recent turns: %w", err)
	}
	defer rows.Close()

	turns, err := scanTurns(rows)
	if err != nil {
		return nil, fmt.Errorf("recent turns: %w", err)
	}
	// Query order is newest first; callers want chronological.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// TurnsByID resolves turn ids, skipping unknowns. Results follow ids order.
func (s *Store) TurnsByID(ctx context.Context, ids []string) ([]*memory.Turn, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	query := fmt.Sprintf(
		`SELECT id, user_input, assistant_response, created_at_us, embedding
		 FROM turns WHERE id IN (%s)`, placeholders(len(ids)))
	rows, err := s.db.QueryContext(ctx, query, args(ids)...)
	if err != nil {
		return nil, fmt.Errorf("turns by id: %w", err)
	}
	defer rows.Close()

	found, err := scanTurns(rows)
	if err != nil {
		return nil, fmt.Errorf("turns by id: %w", err)
	}
	byID := make(map[string]*memory.Turn, len(found))
	for _, t := range found {
		byID[t.ID] = t
	}
	out := make([]*memory.Turn, 0, len(found))
	for _, id := range ids {
		if t, ok := byID[id]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

// UnembeddedTurns returns up to limit turns stored without a vector,
// oldest first.
func (s *Store) UnembeddedTurns(ctx context.Context, limit int) ([]*memory.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_input, assistant_response, created_at_us, embedding
		 FROM turns WHERE embedding IS NULL ORDER BY created_at_us ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("unembedded turns: %w", err)
	}
	defer rows.Close()

	turns, err := scanTurns(rows)
	if err != nil {
		return nil, fmt.Errorf("unembedded turns: %w", err)
	}
	return turns, nil
}

// SetTurnEmbedding attaches a vector to a stored turn.
func (s *Store) SetTurnEmbedding(ctx context.Context, id string, embedding []float32) error {
	emb, err := encodeVector(embedding)
	if err != nil {
		return fmt.Errorf("set turn embedding %s: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE turns SET embedding = ? WHERE id = ?`, emb, id)
	if err != nil {
		return fmt.Errorf("set turn embedding %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set turn embedding %s: %w", id, memory.ErrNotFound)
	}
	return nil
}

// AddFact durably stores a fact.
func (s *Store) AddFact(ctx context.Context, fact *memory.Fact) error {
	emb, err := encodeVector(fact.Embedding)
	if err != nil {
		return fmt.Errorf("add fact %s: %w", fact.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO facts (id, content, created_at_us, embedding) VALUES (?, ?, ?, ?)`,
		fact.ID, fact.Content, fact.CreatedAt.UnixMicro(), emb)
	if err != nil {
		return fmt.Errorf("add fact %s: %w", fact.ID, err)
	}
	return nil
}

// ListFacts returns all facts, oldest first.
func (s *Store) ListFacts(ctx context.Context) ([]*memory.Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, created_at_us, embedding FROM facts
		 ORDER BY created_at_us ASC, rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("list facts: %w", err)
	}
	defer rows.Close()

	facts, err := scanFacts(rows)
	if err != nil {
		return nil, fmt.Errorf("list facts: %w", err)
	}
	return facts, nil
}

// DeleteFact removes a fact row, memory.ErrNotFound when absent.
func (s *Store) DeleteFact(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM facts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete fact %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete fact %s: %w", id, memory.ErrNotFound)
	}
	return nil
}

// UnembeddedFacts returns up to limit facts stored without a vector,
// oldest first.
func (s *Store) UnembeddedFacts(ctx context.Context, limit int) ([]*memory.Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, created_at_us, embedding FROM facts
		 WHERE embedding IS NULL ORDER BY created_at_us ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("unembedded facts: %w", err)
	}
	defer rows.Close()

	facts, err := scanFacts(rows)
	if err != nil {
		return nil, fmt.Errorf("unembedded facts: %w", err)
	}
	return facts, nil
}

// SetFactEmbedding attaches a vector to a stored fact.
func (s *Store) SetFactEmbedding(ctx context.Context, id string, embedding []float32) error {
	emb, err := encodeVector(embedding)
	if err != nil {
		return fmt.Errorf("set fact embedding %s: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE facts SET embedding = ? WHERE id = ?`, emb, id)
	if err != nil {
		return fmt.Errorf("set fact embedding %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set fact embedding %s: %w", id, memory.ErrNotFound)
	}
	return nil
}

// EmbeddedRecords returns every row that carries a vector, turns then facts,
// each oldest first. Used to replay the index after a rebuild.
func (s *Store) EmbeddedRecords(ctx context.Context) ([]memory.EmbeddedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []memory.EmbeddedRecord

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_input, assistant_response, embedding FROM turns
		 WHERE embedding IS NOT NULL ORDER BY created_at_us ASC, rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("embedded records: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, input, response string
		var emb sql.NullString
		if err := rows.Scan(&id, &input, &response, &emb); err != nil {
			return nil, fmt.Errorf("embedded records: %w", err)
		}
		vec, err := decodeVector(emb)
		if err != nil {
			return nil, fmt.Errorf("embedded records: %w", err)
		}
		turn := memory.Turn{UserInput: input, AssistantResponse: response}
		records = append(records, memory.EmbeddedRecord{
			ID:        id,
			Kind:      memory.KindTurn,
			Text:      turn.FormatForEmbedding(),
			Embedding: vec,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("embedded records: %w", err)
	}

	frows, err := s.db.QueryContext(ctx,
		`SELECT id, content, embedding FROM facts
		 WHERE embedding IS NOT NULL ORDER BY created_at_us ASC, rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("embedded records: %w", err)
	}
	defer frows.Close()
	for frows.Next() {
		var id, content string
		var emb sql.NullString
		if err := frows.Scan(&id, &content, &emb); err != nil {
			return nil, fmt.Errorf("embedded records: %w", err)
		}
		vec, err := decodeVector(emb)
		if err != nil {
			return nil, fmt.Errorf("embedded records: %w", err)
		}
		records = append(records, memory.EmbeddedRecord{
			ID:        id,
			Kind:      memory.KindFact,
			Text:      content,
			Embedding: vec,
		})
	}
	if err := frows.Err(); err != nil {
		return nil, fmt.Errorf("embedded records: %w", err)
	}

	return records, nil
}

// Lookup resolves ids across both tables, skipping unknowns. Results follow
// ids order.
func (s *Store) Lookup(ctx context.Context, ids []string) ([]memory.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	byID := make(map[string]memory.Record, len(ids))

	query := fmt.Sprintf(
		`SELECT id, user_input, assistant_response, created_at_us FROM turns
		 WHERE id IN (%s)`, placeholders(len(ids)))
	rows, err := s.db.QueryContext(ctx, query, args(ids)...)
	if err != nil {
		return nil, fmt.Errorf("lookup: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, input, response string
		var us int64
		if err := rows.Scan(&id, &input, &response, &us); err != nil {
			return nil, fmt.Errorf("lookup: %w", err)
		}
		turn := memory.Turn{UserInput: input, AssistantResponse: response}
		byID[id] = memory.Record{
			ID:        id,
			Kind:      memory.KindTurn,
			Text:      turn.FormatForEmbedding(),
			CreatedAt: time.UnixMicro(us).UTC(),
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lookup: %w", err)
	}

	fquery := fmt.Sprintf(
		`SELECT id, content, created_at_us FROM facts WHERE id IN (%s)`,
		placeholders(len(ids)))
	frows, err := s.db.QueryContext(ctx, fquery, args(ids)...)
	if err != nil {
		return nil, fmt.Errorf("lookup: %w", err)
	}
	defer frows.Close()
	for frows.Next() {
		var id, content string
		var us int64
		if err := frows.Scan(&id, &content, &us); err != nil {
			return nil, fmt.Errorf("lookup: %w", err)
		}
		byID[id] = memory.Record{
			ID:        id,
			Kind:      memory.KindFact,
			Text:      content,
			CreatedAt: time.UnixMicro(us).UTC(),
		}
	}
	if err := frows.Err(); err != nil {
		return nil, fmt.Errorf("lookup: %w", err)
	}

	out := make([]memory.Record, 0, len(byID))
	for _, id := range ids {
		if rec, ok := byID[id]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func scanTurns(rows *sql.Rows) ([]*memory.Turn, error) {
	var turns []*memory.Turn
	for rows.Next() {
		var t memory.Turn
		var us int64
		var emb sql.NullString
		if err := rows.Scan(&t.ID, &t.UserInput, &t.AssistantResponse, &us, &emb); err != nil {
			return nil, err
		}
		vec, err := decodeVector(emb)
		if err != nil {
			return nil, err
		}
		t.CreatedAt = time.UnixMicro(us).UTC()
		t.Embedding = vec
		turns = append(turns, &t)
	}
	return turns, rows.Err()
}

func scanFacts(rows *sql.Rows) ([]*memory.Fact, error) {
	var facts []*memory.Fact
	for rows.Next() {
		var f memory.Fact
		var us int64
		var emb sql.NullString
		if err := rows.Scan(&f.ID, &f.Content, &us, &emb); err != nil {
			return nil, err
		}
		vec, err := decodeVector(emb)
		if err != nil {
			return nil, err
		}
		f.CreatedAt = time.UnixMicro(us).UTC()
		f.Embedding = vec
		facts = append(facts, &f)
	}
	return facts, rows.Err()
}

// encodeVector serializes a vector as JSON text, nil as SQL NULL.
func encodeVector(vec []float32) (any, error) {
	if vec == nil {
		return nil, nil
	}
	data, err := json.Marshal(vec)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func decodeVector(s sql.NullString) ([]float32, error) {
	if !s.Valid {
		return nil, nil
	}
	var vec []float32
	if err := json.Unmarshal([]byte(s.String), &vec); err != nil {
		return nil, err
	}
	return vec, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func args(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}
