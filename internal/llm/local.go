package llm

import (
	"context"
	"log/slog"
	"strings"
)

// LocalClient targets a local OpenAI-compatible inference server
// (llama.cpp server, vLLM, LocalAI, …). No API key is required and no
// cache annotation is added.
type LocalClient struct {
	core *core
}

// NewLocalClient creates a client for a local inference server.
// baseURL defaults to http://localhost:8080.
func NewLocalClient(baseURL string, logger *slog.Logger) *LocalClient {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	return &LocalClient{
		core: newCore("local", baseURL+"/v1/chat/completions", "", logger),
	}
}

// Chat sends a buffered chat completion request.
func (c *LocalClient) Chat(ctx context.Context, req *Request) (*ChatResponse, error) {
	return c.core.do(ctx, req, false, nil)
}

// ChatStream sends a streaming chat request.
func (c *LocalClient) ChatStream(ctx context.Context, req *Request, fn StreamFunc) (*ChatResponse, error) {
	return c.core.do(ctx, req, true, fn)
}

// Metrics returns the client's cumulative metrics.
func (c *LocalClient) Metrics() *Metrics {
	return &c.core.metrics
}
