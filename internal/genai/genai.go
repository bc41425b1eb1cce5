// Package genai provides the AI responder used for free-text conversation
// modes.
//
// The responder is an opaque collaborator from the engine's point of view: a
// prompt context goes in, raw text comes out. Output may embed control tokens
// (see the tokens package) and may be malformed; callers never trust it
// structurally. Both an OpenAI and an Anthropic implementation are provided.
package genai

import (
	"context"
	"time"
)

// Role values for conversation history turns.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is a single prior exchange in the conversation history.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// PromptContext carries everything a Completer needs for one response.
type PromptContext struct {
	// System is the instruction prompt for the active AI mode.
	System string
	// CatalogSnippet is a product catalog excerpt, set for shopping mode.
	CatalogSnippet string
	// History holds prior turns, oldest first.
	History []Turn
	// UserText is the inbound message being answered.
	UserText string
}

// Completer produces a raw text response for a prompt context. Calls are
// bounded by the caller's context deadline; a slow model surfaces as a
// context error, not a hang.
type Completer interface {
	Complete(ctx context.Context, pc PromptContext) (string, error)
}

// Opts holds configuration shared by the Completer implementations.
type Opts struct {
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Option defines a configuration option for Completer constructors.
type Option func(*Opts)

// WithAPIKey sets the provider API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel overrides the default model id.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTimeout bounds each completion call.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}
