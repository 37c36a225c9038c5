package stage

import (
	"context"
	"fmt"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicSummarizer generates dependency-diff summaries through the
// Anthropic API. It is optional; without an API key the assembler falls
// back to stub summaries.
type AnthropicSummarizer struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropicSummarizer builds a summarizer from ANTHROPIC_API_KEY.
// Returns nil when no key is configured.
func NewAnthropicSummarizer(model string) *AnthropicSummarizer {
	key := os.Getenv("ANTHROPIC_API_KEY")
	if key == "" {
		return nil
	}
	m := anthropic.Model(model)
	if m == "" {
		m = anthropic.ModelClaude3_5Haiku20241022
	}
	return &AnthropicSummarizer{
		client: anthropic.NewClient(option.WithAPIKey(key)),
		model:  m,
	}
}

const summaryDiffLimit = 20000

// Summarize asks the model for a short prose summary of a diff.
func (s *AnthropicSummarizer) Summarize(ctx context.Context, title, diff string) (string, error) {
	if len(diff) > summaryDiffLimit {
		diff = diff[:summaryDiffLimit] + "\n[diff truncated]"
	}
	prompt := fmt.Sprintf(
		"Summarize this change in at most 5 sentences for an engineer who will build on top of it. "+
			"Focus on new APIs, changed behavior, and files touched.\n\nChange title: %s\n\n```diff\n%s\n```",
		title, diff)

	resp, err := s.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     s.model,
		MaxTokens: 512,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("summarize diff: %w", err)
	}
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			return variant.Text, nil
		}
	}
	return "", fmt.Errorf("summarize diff: empty response")
}
