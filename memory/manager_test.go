package memory_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vesperhq/vesper-go/memory"
	"github.com/vesperhq/vesper-go/memory/embedder/mock"
	chromemindex "github.com/vesperhq/vesper-go/memory/index/chromem"
	"github.com/vesperhq/vesper-go/memory/store/sqlite"
)

const testDims = 4

func newTestManager(t *testing.T, cfg memory.Config) (*memory.Manager, *mock.Embedder) {
	t.Helper()

	dir := t.TempDir()
	embedder := mock.New(testDims)

	store, err := sqlite.Open(filepath.Join(dir, "memory.db"), nil)
	require.NoError(t, err)

	index, err := chromemindex.Open(filepath.Join(dir, "index"), embedder.Name(), testDims, false, nil)
	require.NoError(t, err)

	mgr, err := memory.NewManager(embedder, store, index, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })

	return mgr, embedder
}

func turnText(input, response string) string {
	return fmt.Sprintf("User: %s\nAssistant: %s", input, response)
}

func TestAppendTurnSurvivesEmbedFailure(t *testing.T) {
	mgr, embedder := newTestManager(t, memory.Config{})
	ctx := context.Background()

	embedder.FailAll(errors.New("provider down"))
	turn, err := mgr.AppendTurn(ctx, "remember my cat is Miso", "Noted, Miso the cat")
	require.NoError(t, err, "turn text must be stored even when embedding fails")
	require.Nil(t, turn.Embedding)
	embedder.FailAll(nil)

	// The text survived and shows up in the recency path.
	block, err := mgr.BuildContext(ctx, "anything")
	require.NoError(t, err)
	assert.Contains(t, block, "remember my cat is Miso")

	// It was never indexed, so semantic search cannot see it yet.
	embedder.SetVector("cat name", []float32{1, 0, 0, 0})
	embedder.SetVector(turnText("remember my cat is Miso", "Noted, Miso the cat"), []float32{1, 0, 0, 0})
	results, err := mgr.SearchMemory(ctx, "cat name", 5)
	require.NoError(t, err)
	assert.Empty(t, results)

	// The reconciliation pass embeds and indexes it.
	require.NoError(t, mgr.Reconcile(ctx))
	results, err = mgr.SearchMemory(ctx, "cat name", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Text, "Miso")
}

func TestBuildContextScenario(t *testing.T) {
	mgr, embedder := newTestManager(t, memory.Config{
		RecentWindow:  5,
		SemanticTopK:  2,
		MinSimilarity: 0.3,
	})
	ctx := context.Background()

	// Three facts, always present.
	for i := 1; i <= 3; i++ {
		content := fmt.Sprintf("fact number %d", i)
		embedder.SetVector(content, []float32{0, 0, 1, 0})
		_, err := mgr.AddFact(ctx, content, memory.CapabilityOwner)
		require.NoError(t, err)
	}

	// Seven turns. The query is similar to turns 1, 2 and 6; turn 6 falls
	// inside the recent window of five.
	vectors := map[int][]float32{
		1: {0.9, 0.1, 0, 0},
		2: {0.8, 0.2, 0, 0},
		6: {0.95, 0.05, 0, 0},
	}
	for i := 1; i <= 7; i++ {
		input := fmt.Sprintf("question %d", i)
		response := fmt.Sprintf("answer %d", i)
		vec, ok := vectors[i]
		if !ok {
			vec = []float32{0, 1, 0, 0}
		}
		embedder.SetVector(turnText(input, response), vec)
		_, err := mgr.AppendTurn(ctx, input, response)
		require.NoError(t, err)
	}

	embedder.SetVector("the query", []float32{1, 0, 0, 0})
	block, err := mgr.BuildContext(ctx, "the query")
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		assert.Contains(t, block, fmt.Sprintf("- fact number %d", i))
	}

	// Recent window holds turns 3..7 in chronological order.
	recentIdx := strings.Index(block, "# Recent Conversation")
	relatedIdx := strings.Index(block, "# Related Memories")
	require.Greater(t, recentIdx, -1)
	require.Greater(t, relatedIdx, -1)
	recentSection := block[recentIdx:relatedIdx]
	for i := 3; i <= 7; i++ {
		assert.Contains(t, recentSection, fmt.Sprintf("question %d", i))
	}
	assert.NotContains(t, recentSection, "question 1")
	assert.NotContains(t, recentSection, "question 2")

	// Related holds turns 1 and 2 by similarity; turn 6 is deduplicated
	// into its recency slot, so it appears exactly once in the block.
	relatedSection := block[relatedIdx:]
	assert.Contains(t, relatedSection, "question 1")
	assert.Contains(t, relatedSection, "question 2")
	assert.NotContains(t, relatedSection, "question 6")
	assert.Equal(t, 1, strings.Count(block, "User: question 6"))

	// Higher similarity first inside the related section.
	assert.Less(t,
		strings.Index(relatedSection, "question 1"),
		strings.Index(relatedSection, "question 2"))
}

func TestBuildContextDegradesWithoutEmbedding(t *testing.T) {
	mgr, embedder := newTestManager(t, memory.Config{RecentWindow: 5, SemanticTopK: 2})
	ctx := context.Background()

	_, err := mgr.AddFact(ctx, "user prefers tea", memory.CapabilityOwner)
	require.NoError(t, err)
	_, err = mgr.AppendTurn(ctx, "hello", "hi")
	require.NoError(t, err)

	embedder.FailAll(errors.New("provider down"))
	block, err := mgr.BuildContext(ctx, "what do I drink")
	require.NoError(t, err, "context assembly must not fail on provider errors")
	assert.Contains(t, block, "- user prefers tea")
	assert.Contains(t, block, "User: hello")
	assert.NotContains(t, block, "# Related Memories")
}

func TestFactPermissions(t *testing.T) {
	mgr, _ := newTestManager(t, memory.Config{})
	ctx := context.Background()

	_, err := mgr.AddFact(ctx, "secret", memory.CapabilityRegular)
	require.ErrorIs(t, err, memory.ErrPermissionDenied)

	fact, err := mgr.AddFact(ctx, "owner fact", memory.CapabilityOwner)
	require.NoError(t, err)
	assert.Len(t, fact.ID, 8)

	err = mgr.DeleteFact(ctx, fact.ID, memory.CapabilityRegular)
	require.ErrorIs(t, err, memory.ErrPermissionDenied)

	// Denied mutations left the fact untouched.
	facts, err := mgr.ListFacts(ctx)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "owner fact", facts[0].Content)
}

func TestDeleteFactRemovesEverywhere(t *testing.T) {
	mgr, embedder := newTestManager(t, memory.Config{MinSimilarity: 0.3})
	ctx := context.Background()

	embedder.SetVector("user speaks Basque", []float32{1, 0, 0, 0})
	embedder.SetVector("languages", []float32{1, 0, 0, 0})

	fact, err := mgr.AddFact(ctx, "user speaks Basque", memory.CapabilityOwner)
	require.NoError(t, err)

	results, err := mgr.SearchMemory(ctx, "languages", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, fact.ID, results[0].ID)

	require.NoError(t, mgr.DeleteFact(ctx, fact.ID, memory.CapabilityOwner))

	facts, err := mgr.ListFacts(ctx)
	require.NoError(t, err)
	assert.Empty(t, facts)

	results, err = mgr.SearchMemory(ctx, "languages", 5)
	require.NoError(t, err)
	assert.Empty(t, results)

	err = mgr.DeleteFact(ctx, fact.ID, memory.CapabilityOwner)
	require.ErrorIs(t, err, memory.ErrNotFound)
}

func TestSearchMemoryLimitAndErrors(t *testing.T) {
	mgr, embedder := newTestManager(t, memory.Config{MinSimilarity: 0.0})
	ctx := context.Background()

	embedder.SetVector("the query", []float32{1, 0, 0, 0})
	for i := 0; i < 4; i++ {
		input := fmt.Sprintf("note %d", i)
		embedder.SetVector(turnText(input, "ok"), []float32{1, float32(i) * 0.01, 0, 0})
		_, err := mgr.AppendTurn(ctx, input, "ok")
		require.NoError(t, err)
	}

	results, err := mgr.SearchMemory(ctx, "the query", 2)
	require.NoError(t, err)
	assert.Len(t, results, 2)

	// Unlike ingestion, explicit search surfaces provider errors.
	embedder.FailAll(memory.ErrProviderUnavailable)
	_, err = mgr.SearchMemory(ctx, "the query", 2)
	require.ErrorIs(t, err, memory.ErrProviderUnavailable)
}

func TestManagerRejectsDimensionMismatch(t *testing.T) {
	dir := t.TempDir()
	embedder := mock.New(8)

	store, err := sqlite.Open(filepath.Join(dir, "memory.db"), nil)
	require.NoError(t, err)
	defer store.Close()

	index, err := chromemindex.Open(filepath.Join(dir, "index"), embedder.Name(), 4, false, nil)
	require.NoError(t, err)
	defer index.Close()

	_, err = memory.NewManager(embedder, store, index, memory.Config{}, nil)
	require.ErrorIs(t, err, memory.ErrDimensionMismatch)
}

func TestReconcileRebuildsDiscardedIndex(t *testing.T) {
	dir := t.TempDir()
	embedder := mock.New(testDims)
	ctx := context.Background()

	store, err := sqlite.Open(filepath.Join(dir, "memory.db"), nil)
	require.NoError(t, err)

	index, err := chromemindex.Open(filepath.Join(dir, "index"), embedder.Name(), testDims, false, nil)
	require.NoError(t, err)

	mgr, err := memory.NewManager(embedder, store, index, memory.Config{MinSimilarity: 0}, nil)
	require.NoError(t, err)

	embedder.SetVector(turnText("alpha", "beta"), []float32{1, 0, 0, 0})
	embedder.SetVector("alpha", []float32{1, 0, 0, 0})
	_, err = mgr.AppendTurn(ctx, "alpha", "beta")
	require.NoError(t, err)
	require.NoError(t, index.Close())
	require.NoError(t, store.Close())

	// Reopen under a different provider name: the epoch changed, so the
	// index is discarded and must be replayed from the store.
	embedder2 := mock.New(testDims)
	embedder2.SetVector(turnText("alpha", "beta"), []float32{1, 0, 0, 0})
	embedder2.SetVector("alpha", []float32{1, 0, 0, 0})

	store2, err := sqlite.Open(filepath.Join(dir, "memory.db"), nil)
	require.NoError(t, err)

	index2, err := chromemindex.Open(filepath.Join(dir, "index"), "other-provider", testDims, false, nil)
	require.NoError(t, err)
	assert.True(t, index2.Rebuilt())
	assert.Equal(t, 0, index2.Len())

	mgr2, err := memory.NewManager(embedder2, store2, index2, memory.Config{MinSimilarity: 0}, nil)
	require.NoError(t, err)
	defer mgr2.Close()

	require.NoError(t, mgr2.Reconcile(ctx))
	assert.Equal(t, 1, index2.Len())

	results, err := mgr2.SearchMemory(ctx, "alpha", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Text, "alpha")
}
