package assistant

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vesperhq/vesper-go/memory"
	"github.com/vesperhq/vesper-go/memory/embedder/mock"
	chromemindex "github.com/vesperhq/vesper-go/memory/index/chromem"
	"github.com/vesperhq/vesper-go/memory/store/sqlite"
)

func newTestAssistant(t *testing.T) (*Assistant, *mock.Embedder) {
	t.Helper()

	dir := t.TempDir()
	embedder := mock.New(4)

	store, err := sqlite.Open(filepath.Join(dir, "memory.db"), nil)
	require.NoError(t, err)

	index, err := chromemindex.Open(filepath.Join(dir, "index"), embedder.Name(), 4, false, nil)
	require.NoError(t, err)

	mgr, err := memory.NewManager(embedder, store, index, memory.Config{MinSimilarity: 0}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })

	// The tool handlers never touch the API client.
	return New(nil, mgr, Config{}, nil), embedder
}

func TestToolListAndRememberFacts(t *testing.T) {
	a, _ := newTestAssistant(t)
	ctx := context.Background()

	out, isErr := a.handleTool(ctx, "list_facts", json.RawMessage(`{}`), memory.CapabilityRegular)
	assert.False(t, isErr)
	assert.Equal(t, "No facts stored.", out)

	out, isErr = a.handleTool(ctx, "remember_fact",
		json.RawMessage(`{"content":"user plays cello"}`), memory.CapabilityOwner)
	assert.False(t, isErr)
	assert.Contains(t, out, "Remembered fact")

	out, isErr = a.handleTool(ctx, "list_facts", json.RawMessage(`{}`), memory.CapabilityRegular)
	assert.False(t, isErr)
	assert.Contains(t, out, "user plays cello")
}

func TestToolPermissionGating(t *testing.T) {
	a, _ := newTestAssistant(t)
	ctx := context.Background()

	out, isErr := a.handleTool(ctx, "remember_fact",
		json.RawMessage(`{"content":"nope"}`), memory.CapabilityRegular)
	assert.True(t, isErr)
	assert.Contains(t, out, "Only the owner")

	out, isErr = a.handleTool(ctx, "forget_fact",
		json.RawMessage(`{"id":"abcd1234"}`), memory.CapabilityRegular)
	assert.True(t, isErr)
	assert.Contains(t, out, "Only the owner")
}

func TestToolSearchMemory(t *testing.T) {
	a, embedder := newTestAssistant(t)
	ctx := context.Background()

	embedder.SetVector("user plays cello", []float32{1, 0, 0, 0})
	embedder.SetVector("instruments", []float32{1, 0, 0, 0})
	_, isErr := a.handleTool(ctx, "remember_fact",
		json.RawMessage(`{"content":"user plays cello"}`), memory.CapabilityOwner)
	require.False(t, isErr)

	out, isErr := a.handleTool(ctx, "search_memory",
		json.RawMessage(`{"query":"instruments"}`), memory.CapabilityRegular)
	assert.False(t, isErr)
	assert.Contains(t, out, "user plays cello")
	assert.Contains(t, out, "similarity")

	out, isErr = a.handleTool(ctx, "search_memory",
		json.RawMessage(`{}`), memory.CapabilityRegular)
	assert.True(t, isErr)
	assert.Contains(t, out, "query is required")
}

func TestToolSearchMemoryCanExcludeFacts(t *testing.T) {
	a, embedder := newTestAssistant(t)
	ctx := context.Background()

	embedder.SetVector("user plays cello", []float32{1, 0, 0, 0})
	embedder.SetVector("User: any concerts coming up\nAssistant: The cello recital is on Friday.",
		[]float32{1, 0, 0, 0})
	embedder.SetVector("instruments", []float32{1, 0, 0, 0})

	_, isErr := a.handleTool(ctx, "remember_fact",
		json.RawMessage(`{"content":"user plays cello"}`), memory.CapabilityOwner)
	require.False(t, isErr)
	_, err := a.manager.AppendTurn(ctx, "any concerts coming up", "The cello recital is on Friday.")
	require.NoError(t, err)

	out, isErr := a.handleTool(ctx, "search_memory",
		json.RawMessage(`{"query":"instruments"}`), memory.CapabilityRegular)
	assert.False(t, isErr)
	assert.Contains(t, out, "user plays cello")
	assert.Contains(t, out, "cello recital")

	out, isErr = a.handleTool(ctx, "search_memory",
		json.RawMessage(`{"query":"instruments","include_facts":false}`), memory.CapabilityRegular)
	assert.False(t, isErr)
	assert.Contains(t, out, "cello recital")
	assert.NotContains(t, out, "user plays cello")
}

func TestToolForgetFact(t *testing.T) {
	a, _ := newTestAssistant(t)
	ctx := context.Background()

	out, isErr := a.handleTool(ctx, "remember_fact",
		json.RawMessage(`{"content":"temp fact"}`), memory.CapabilityOwner)
	require.False(t, isErr)
	id := out[len("Remembered fact ") : len(out)-1]

	out, isErr = a.handleTool(ctx, "forget_fact",
		json.RawMessage(`{"id":"`+id+`"}`), memory.CapabilityOwner)
	assert.False(t, isErr)
	assert.Contains(t, out, "Forgot fact")

	out, isErr = a.handleTool(ctx, "forget_fact",
		json.RawMessage(`{"id":"`+id+`"}`), memory.CapabilityOwner)
	assert.True(t, isErr)
	assert.Contains(t, out, "No fact with id")
}

func TestUnknownTool(t *testing.T) {
	a, _ := newTestAssistant(t)
	out, isErr := a.handleTool(context.Background(), "launch_rockets", json.RawMessage(`{}`), memory.CapabilityOwner)
	assert.True(t, isErr)
	assert.Contains(t, out, "unknown tool")
}

func TestAPIToolDeclarations(t *testing.T) {
	a, _ := newTestAssistant(t)
	apiTools := a.apiTools()
	require.Len(t, apiTools, 4)

	names := make([]string, 0, len(apiTools))
	for _, tool := range apiTools {
		require.NotNil(t, tool.OfTool)
		names = append(names, tool.OfTool.Name)
	}
	assert.ElementsMatch(t, []string{"search_memory", "remember_fact", "forget_fact", "list_facts"}, names)
}
