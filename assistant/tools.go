package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/vesperhq/vesper-go/memory"
	"github.com/vesperhq/vesper-go/tools"
)

// memoryTool pairs a tool declaration with its schema. The schema maps are
// converted to API params at the boundary.
type memoryTool struct {
	name        string
	description string
	schema      map[string]interface{}
}

var memoryTools = []memoryTool{
	{
		name:        "search_memory",
		description: "Search past conversation turns and stored facts by meaning. Returns the most similar records with timestamps.",
		schema: tools.ObjectSchema(map[string]interface{}{
			"query":         tools.StringProperty("What to search for, phrased as natural language."),
			"limit":         tools.IntegerProperty("Maximum number of results (default 5)."),
			"include_facts": tools.BooleanProperty("Whether stored facts may appear in the results (default true)."),
		}, "query"),
	},
	{
		name:        "remember_fact",
		description: "Store a durable fact that should always be available in future conversations. Owner only.",
		schema: tools.ObjectSchema(map[string]interface{}{
			"content": tools.StringProperty("The fact to remember, as one self-contained sentence."),
		}, "content"),
	},
	{
		name:        "forget_fact",
		description: "Delete a stored fact by its id. Owner only.",
		schema: tools.ObjectSchema(map[string]interface{}{
			"id": tools.StringProperty("The id of the fact to delete, as shown by list_facts."),
		}, "id"),
	},
	{
		name:        "list_facts",
		description: "List all stored facts with their ids.",
		schema:      tools.ObjectSchema(map[string]interface{}{}),
	},
}

// apiTools converts the tool table to API parameters.
func (a *Assistant) apiTools() []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(memoryTools))
	for _, t := range memoryTools {
		props, _ := t.schema["properties"].(map[string]interface{})
		required, _ := t.schema["required"].([]string)
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.name,
				Description: anthropic.String(t.description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: props,
					Required:   required,
				},
			},
		})
	}
	return out
}

// handleTool dispatches one tool call. Errors come back as error tool
// results so the model can explain them to the user instead of the
// conversation dying.
func (a *Assistant) handleTool(ctx context.Context, name string, input json.RawMessage, cap memory.Capability) (string, bool) {
	switch name {
	case "search_memory":
		return a.toolSearchMemory(ctx, input)
	case "remember_fact":
		return a.toolRememberFact(ctx, input, cap)
	case "forget_fact":
		return a.toolForgetFact(ctx, input, cap)
	case "list_facts":
		return a.toolListFacts(ctx)
	default:
		return fmt.Sprintf("unknown tool: %s", name), true
	}
}

func (a *Assistant) toolSearchMemory(ctx context.Context, input json.RawMessage) (string, bool) {
	var args struct {
		Query        string `json:"query"`
		Limit        int    `json:"limit"`
		IncludeFacts *bool  `json:"include_facts"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return fmt.Sprintf("invalid input: %v", err), true
	}
	if args.Query == "" {
		return "query is required", true
	}
	if args.Limit <= 0 {
		args.Limit = 5
	}

	results, err := a.manager.SearchMemory(ctx, args.Query, args.Limit)
	if err != nil {
		return fmt.Sprintf("search failed: %v", err), true
	}
	if args.IncludeFacts != nil && !*args.IncludeFacts {
		kept := results[:0]
		for _, r := range results {
			if r.Kind != memory.KindFact {
				kept = append(kept, r)
			}
		}
		results = kept
	}
	if len(results) == 0 {
		return "No matching memories found.", false
	}

	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "%d. [%s, similarity %.2f]\n%s\n",
			i+1, r.CreatedAt.Format("2006-01-02 15:04"), r.Similarity, r.Text)
	}
	return b.String(), false
}

func (a *Assistant) toolRememberFact(ctx context.Context, input json.RawMessage, cap memory.Capability) (string, bool) {
	var args struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return fmt.Sprintf("invalid input: %v", err), true
	}
	if args.Content == "" {
		return "content is required", true
	}

	fact, err := a.manager.AddFact(ctx, args.Content, cap)
	if err != nil {
		if errors.Is(err, memory.ErrPermissionDenied) {
			return "Only the owner can store facts.", true
		}
		return fmt.Sprintf("storing fact failed: %v", err), true
	}
	return fmt.Sprintf("Remembered fact %s.", fact.ID), false
}

func (a *Assistant) toolForgetFact(ctx context.Context, input json.RawMessage, cap memory.Capability) (string, bool) {
	var args struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return fmt.Sprintf("invalid input: %v", err), true
	}
	if args.ID == "" {
		return "id is required", true
	}

	if err := a.manager.DeleteFact(ctx, args.ID, cap); err != nil {
		switch {
		case errors.Is(err, memory.ErrPermissionDenied):
			return "Only the owner can delete facts.", true
		case errors.Is(err, memory.ErrNotFound):
			return fmt.Sprintf("No fact with id %s.", args.ID), true
		default:
			return fmt.Sprintf("deleting fact failed: %v", err), true
		}
	}
	return fmt.Sprintf("Forgot fact %s.", args.ID), false
}

func (a *Assistant) toolListFacts(ctx context.Context) (string, bool) {
	facts, err := a.manager.ListFacts(ctx)
	if err != nil {
		return fmt.Sprintf("listing facts failed: %v", err), true
	}
	if len(facts) == 0 {
		return "No facts stored.", false
	}

	var b strings.Builder
	for _, f := range facts {
		fmt.Fprintf(&b, "%s: %s\n", f.ID, f.Content)
	}
	return b.String(), false
}
