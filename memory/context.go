package memory

import (
	"sort"
	"strings"
)

// FilterRelated selects the semantic-recall section of a context block.
// Matches below minSimilarity are dropped, matches already present in the
// recent window are dropped (a turn appears at most once, in its recency
// slot), and the first topK survivors are returned in similarity-descending
// order. The result may be shorter than topK; it is never padded.
func FilterRelated(matches []ScoredTurn, recent []*Turn, topK int, minSimilarity float32) []ScoredTurn {
	if topK <= 0 {
		return nil
	}

	recentIDs := make(map[string]struct{}, len(recent))
	for _, t := range recent {
		recentIDs[t.ID] = struct{}{}
	}

	filtered := make([]ScoredTurn, 0, len(matches))
	for _, m := range matches {
		if m.Turn == nil || m.Similarity < minSimilarity {
			continue
		}
		if _, dup := recentIDs[m.Turn.ID]; dup {
			continue
		}
		filtered = append(filtered, m)
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].Similarity > filtered[j].Similarity
	})

	if len(filtered) > topK {
		filtered = filtered[:topK]
	}
	return filtered
}

// BuildContextBlock renders the assembled context as a single text block
// with three fixed sections. Empty sections are omitted entirely rather
// than rendered as bare headers; the block for a fresh system is empty.
func BuildContextBlock(facts []*Fact, recent []*Turn, related []ScoredTurn) string {
	var b strings.Builder

	if len(facts) > 0 {
		b.WriteString("# Important Facts\n\n")
		for _, f := range facts {
			b.WriteString("- ")
			b.WriteString(f.Content)
			b.WriteString("\n")
		}
	}

	if len(recent) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("# Recent Conversation\n\n")
		for _, t := range recent {
			b.WriteString(t.FormatForContext())
			b.WriteString("\n\n")
		}
	}

	if len(related) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("# Related Memories\n\n")
		for _, r := range related {
			b.WriteString(r.Turn.FormatForContext())
			b.WriteString("\n\n")
		}
	}

	return strings.TrimRight(b.String(), "\n")
}
