// Package assistant runs the Claude conversation loop on top of the memory
// engine. Each reply is grounded in an assembled context block (facts,
// recent turns, related memories) and the exchange is recorded back into
// memory afterwards.
package assistant

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"go.uber.org/zap"

	"github.com/vesperhq/vesper-go/memory"
)

// DefaultSystemPrompt is used when no prompt is configured.
const DefaultSystemPrompt = `You are Vesper, a helpful assistant with long-term memory.

GUIDELINES:
- Be conversational and concise
- Use the memory context you are given; do not claim to remember things absent from it
- Use search_memory when the user refers to something not in your context
- Use remember_fact only for durable facts the user states about themselves or their world
- Never invent fact ids; use list_facts to find the id before forget_fact`

// Config configures the assistant.
type Config struct {
	// Model is the Claude model to use.
	Model string

	// MaxTokens is the maximum response tokens per API call.
	MaxTokens int64

	// SystemPrompt overrides DefaultSystemPrompt.
	SystemPrompt string

	// MaxToolTurns bounds the tool loop (default 8).
	MaxToolTurns int
}

// Assistant ties the Claude API to a memory manager.
type Assistant struct {
	client  *anthropic.Client
	manager *memory.Manager
	cfg     Config
	log     *zap.SugaredLogger
}

// New creates an assistant.
func New(client *anthropic.Client, manager *memory.Manager, cfg Config, logger *zap.SugaredLogger) *Assistant {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-20250514"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.MaxToolTurns <= 0 {
		cfg.MaxToolTurns = 8
	}
	return &Assistant{
		client:  client,
		manager: manager,
		cfg:     cfg,
		log:     logger,
	}
}

// Respond answers one user message. The caller's capability gates the
// fact-mutation tools; the memory manager enforces it again underneath.
func (a *Assistant) Respond(ctx context.Context, userMessage string, cap memory.Capability) (string, error) {
	contextBlock, err := a.manager.BuildContext(ctx, userMessage)
	if err != nil {
		// Context assembly only fails on store errors; answering without
		// memory beats not answering.
		a.log.Warnf("[ASSISTANT] context assembly failed: %v", err)
		contextBlock = ""
	}

	system := a.cfg.SystemPrompt
	if contextBlock != "" {
		system += "\n\n" + contextBlock
	}

	messages := []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock(userMessage)),
	}
	apiTools := a.apiTools()

	for turn := 0; turn < a.cfg.MaxToolTurns; turn++ {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("respond: %w", err)
		}

		params := anthropic.MessageNewParams{
			Model:     anthropic.Model(a.cfg.Model),
			MaxTokens: a.cfg.MaxTokens,
			Messages:  messages,
			System: []anthropic.TextBlockParam{
				{Text: system},
			},
			Tools: apiTools,
		}

		resp, err := a.client.Messages.New(ctx, params)
		if err != nil {
			return "", fmt.Errorf("claude api: %w", err)
		}

		var text strings.Builder
		var toolResults []anthropic.ContentBlockParamUnion
		for _, block := range resp.Content {
			switch block.Type {
			case "text":
				text.WriteString(block.Text)
			case "tool_use":
				result, isErr := a.handleTool(ctx, block.Name, block.Input, cap)
				toolResults = append(toolResults, anthropic.NewToolResultBlock(block.ID, result, isErr))
			}
		}

		if len(toolResults) == 0 {
			reply := text.String()
			if _, err := a.manager.AppendTurn(ctx, userMessage, reply); err != nil {
				a.log.Errorf("[ASSISTANT] recording turn failed: %v", err)
			}
			return reply, nil
		}

		messages = append(messages, resp.ToParam())
		messages = append(messages, anthropic.NewUserMessage(toolResults...))
	}

	return "", fmt.Errorf("respond: exceeded %d tool turns", a.cfg.MaxToolTurns)
}
