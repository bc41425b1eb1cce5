package genai

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultCompletionTimeout bounds a completion call when no override is set.
const DefaultCompletionTimeout = 30 * time.Second

// OpenAIClient implements Completer on the OpenAI chat completions API.
type OpenAIClient struct {
	client  openai.Client
	model   string
	timeout time.Duration
}

var _ Completer = (*OpenAIClient)(nil)

// NewOpenAIClient initializes an OpenAI completer. The API key falls back to
// the OPENAI_API_KEY environment variable.
func NewOpenAIClient(opts ...Option) (*OpenAIClient, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key not set")
	}
	if cfg.Model == "" {
		cfg.Model = openai.ChatModelGPT4oMini
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultCompletionTimeout
	}

	client := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("OpenAIClient created", "model", cfg.Model, "timeout", cfg.Timeout)
	return &OpenAIClient{client: client, model: cfg.Model, timeout: cfg.Timeout}, nil
}

// Complete sends the prompt context as a chat completion request.
func (c *OpenAIClient) Complete(ctx context.Context, pc PromptContext) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(pc.System),
	}
	if pc.CatalogSnippet != "" {
		messages = append(messages, openai.SystemMessage("Product catalog:\n"+pc.CatalogSnippet))
	}
	for _, turn := range pc.History {
		switch turn.Role {
		case RoleAssistant:
			messages = append(messages, openai.AssistantMessage(turn.Content))
		default:
			messages = append(messages, openai.UserMessage(turn.Content))
		}
	}
	messages = append(messages, openai.UserMessage(pc.UserText))

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: messages,
	})
	if err != nil {
		slog.Error("OpenAIClient Complete failed", "error", err, "model", c.model)
		return "", fmt.Errorf("openai completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
