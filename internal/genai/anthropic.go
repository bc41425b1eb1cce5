package genai

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// DefaultAnthropicMaxTokens caps response length for the Anthropic completer.
const DefaultAnthropicMaxTokens = 1024

// AnthropicClient implements Completer on the Anthropic messages API.
type AnthropicClient struct {
	client  *anthropic.Client
	model   anthropic.Model
	timeout time.Duration
}

var _ Completer = (*AnthropicClient)(nil)

// NewAnthropicClient initializes an Anthropic completer. The API key falls
// back to the ANTHROPIC_API_KEY environment variable.
func NewAnthropicClient(opts ...Option) (*AnthropicClient, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Anthropic API key not set")
	}
	model := anthropic.ModelClaude3_5Sonnet20241022
	if cfg.Model != "" {
		model = anthropic.Model(cfg.Model)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultCompletionTimeout
	}

	client := anthropic.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("AnthropicClient created", "model", model, "timeout", cfg.Timeout)
	return &AnthropicClient{client: &client, model: model, timeout: cfg.Timeout}, nil
}

// Complete sends the prompt context as a messages request.
func (c *AnthropicClient) Complete(ctx context.Context, pc PromptContext) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	system := pc.System
	if pc.CatalogSnippet != "" {
		system += "\n\nProduct catalog:\n" + pc.CatalogSnippet
	}

	var messages []anthropic.MessageParam
	for _, turn := range pc.History {
		block := anthropic.NewTextBlock(turn.Content)
		if turn.Role == RoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(pc.UserText)))

	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: DefaultAnthropicMaxTokens,
		System:    []anthropic.TextBlockParam{{Text: system}},
		Messages:  messages,
	})
	if err != nil {
		slog.Error("AnthropicClient Complete failed", "error", err, "model", c.model)
		return "", fmt.Errorf("anthropic completion failed: %w", err)
	}

	var out strings.Builder
	for _, block := range resp.Content {
		text := block.AsText()
		if text.Text != "" {
			out.WriteString(text.Text)
		}
	}
	if out.Len() == 0 {
		return "", fmt.Errorf("anthropic completion returned no text content")
	}
	return out.String(), nil
}
