package llm

import (
	"context"
	"log/slog"
	"time"
)

const groqChatURL = "https://api.groq.com/openai/v1/chat/completions"

// GroqClient targets the direct fast-inference API. Groq's pooled
// connections go stale when idle, so the client recycles its HTTP session
// once it exceeds maxSessionAge. Caching is automatic on this backend; no
// cache annotation is ever added.
type GroqClient struct {
	core *core
}

// NewGroqClient creates a Groq client. The API key is required; a missing
// key is a configuration error raised here, never at call time.
// maxSessionAge <= 0 disables session recycling.
func NewGroqClient(apiKey string, maxSessionAge time.Duration, logger *slog.Logger) (*GroqClient, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	c := newCore("groq", groqChatURL, apiKey, logger)
	c.maxSessionAge = maxSessionAge
	return &GroqClient{core: c}, nil
}

// Chat sends a buffered chat completion request.
func (c *GroqClient) Chat(ctx context.Context, req *Request) (*ChatResponse, error) {
	return c.core.do(ctx, req, false, nil)
}

// ChatStream sends a streaming chat request.
func (c *GroqClient) ChatStream(ctx context.Context, req *Request, fn StreamFunc) (*ChatResponse, error) {
	return c.core.do(ctx, req, true, fn)
}

// Metrics returns the client's cumulative metrics.
func (c *GroqClient) Metrics() *Metrics {
	return &c.core.metrics
}
