package llm

import (
	"context"
	"errors"
)

// ErrMissingAPIKey is returned at construction when a remote backend is
// configured without an API key. A missing key is a configuration error,
// not a runtime one — it must never surface mid-conversation.
var ErrMissingAPIKey = errors.New("llm: API key is required")

// Client is the interface that all LLM providers implement.
type Client interface {
	// Chat sends a buffered chat completion request and returns the response.
	Chat(ctx context.Context, req *Request) (*ChatResponse, error)

	// ChatStream sends a streaming chat request. If fn is non-nil it
	// receives deltas as they arrive. The returned response carries the
	// fully accumulated content, tool calls, and usage.
	ChatStream(ctx context.Context, req *Request, fn StreamFunc) (*ChatResponse, error)

	// Metrics returns the client's cumulative metrics.
	Metrics() *Metrics
}
