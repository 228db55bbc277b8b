package memory

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func turn(id, input, response string) *Turn {
	return &Turn{
		ID:                id,
		UserInput:         input,
		AssistantResponse: response,
		CreatedAt:         time.Now().UTC(),
	}
}

func TestFilterRelatedDropsRecentDuplicates(t *testing.T) {
	recent := []*Turn{turn("t6", "q6", "a6"), turn("t7", "q7", "a7")}
	matches := []ScoredTurn{
		{Turn: turn("t6", "q6", "a6"), Similarity: 0.99},
		{Turn: turn("t1", "q1", "a1"), Similarity: 0.95},
		{Turn: turn("t2", "q2", "a2"), Similarity: 0.90},
	}

	related := FilterRelated(matches, recent, 2, 0.3)
	require.Len(t, related, 2)
	assert.Equal(t, "t1", related[0].Turn.ID)
	assert.Equal(t, "t2", related[1].Turn.ID)
}

func TestFilterRelatedAppliesThresholdAndTopK(t *testing.T) {
	matches := []ScoredTurn{
		{Turn: turn("a", "q", "r"), Similarity: 0.2},
		{Turn: turn("b", "q", "r"), Similarity: 0.8},
		{Turn: turn("c", "q", "r"), Similarity: 0.5},
		{Turn: turn("d", "q", "r"), Similarity: 0.6},
	}

	related := FilterRelated(matches, nil, 2, 0.3)
	require.Len(t, related, 2)
	assert.Equal(t, "b", related[0].Turn.ID)
	assert.Equal(t, "d", related[1].Turn.ID)
}

func TestFilterRelatedNeverPads(t *testing.T) {
	matches := []ScoredTurn{
		{Turn: turn("a", "q", "r"), Similarity: 0.9},
	}
	related := FilterRelated(matches, nil, 5, 0.3)
	assert.Len(t, related, 1)

	assert.Empty(t, FilterRelated(nil, nil, 5, 0.3))
}

func TestBuildContextBlockSections(t *testing.T) {
	facts := []*Fact{
		{ID: "f1", Content: "User's name is Ada."},
		{ID: "f2", Content: "User lives in Lisbon."},
	}
	recent := []*Turn{turn("t1", "hello", "hi there")}
	related := []ScoredTurn{{Turn: turn("t0", "old question", "old answer"), Similarity: 0.8}}

	block := BuildContextBlock(facts, recent, related)

	assert.Contains(t, block, "# Important Facts")
	assert.Contains(t, block, "- User's name is Ada.")
	assert.Contains(t, block, "- User lives in Lisbon.")
	assert.Contains(t, block, "# Recent Conversation")
	assert.Contains(t, block, "User: hello\nAssistant: hi there")
	assert.Contains(t, block, "# Related Memories")
	assert.Contains(t, block, "User: old question\nAssistant: old answer")

	// Facts come first, then recency, then semantic recall.
	factsIdx := strings.Index(block, "# Important Facts")
	recentIdx := strings.Index(block, "# Recent Conversation")
	relatedIdx := strings.Index(block, "# Related Memories")
	assert.Less(t, factsIdx, recentIdx)
	assert.Less(t, recentIdx, relatedIdx)
}

func TestBuildContextBlockOmitsEmptySections(t *testing.T) {
	block := BuildContextBlock(nil, []*Turn{turn("t1", "hi", "hello")}, nil)
	assert.NotContains(t, block, "# Important Facts")
	assert.Contains(t, block, "# Recent Conversation")
	assert.NotContains(t, block, "# Related Memories")

	assert.Empty(t, BuildContextBlock(nil, nil, nil))
}
