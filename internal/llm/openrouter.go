package llm

import (
	"context"
	"log/slog"
	"strings"
)

const openRouterChatURL = "https://openrouter.ai/api/v1/chat/completions"

// OpenRouterClient targets the routed multi-provider API. Some model
// families routed through it require explicit prompt-cache breakpoints;
// for those, the leading cache-eligible messages are annotated with
// cache_control. Families with automatic caching get no annotation —
// adding one would not help and can break caching.
type OpenRouterClient struct {
	core *core
}

// NewOpenRouterClient creates an OpenRouter client. The API key is
// required; a missing key is a configuration error raised here, never at
// call time.
func NewOpenRouterClient(apiKey string, logger *slog.Logger) (*OpenRouterClient, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	c := newCore("openrouter", openRouterChatURL, apiKey, logger)
	c.headers = map[string]string{
		"HTTP-Referer": "https://github.com/verlo/hearth",
		"X-Title":      "Hearth",
	}
	c.annotate = annotateCachePrefix
	return &OpenRouterClient{core: c}, nil
}

// Chat sends a buffered chat completion request.
func (c *OpenRouterClient) Chat(ctx context.Context, req *Request) (*ChatResponse, error) {
	return c.core.do(ctx, req, false, nil)
}

// ChatStream sends a streaming chat request.
func (c *OpenRouterClient) ChatStream(ctx context.Context, req *Request, fn StreamFunc) (*ChatResponse, error) {
	return c.core.do(ctx, req, true, fn)
}

// Metrics returns the client's cumulative metrics.
func (c *OpenRouterClient) Metrics() *Metrics {
	return &c.core.metrics
}

// supportsExplicitCache reports whether the model family needs explicit
// cache breakpoints. For unconstrained routing ("auto") this is an
// optimistic guess: caching may apply depending on where the request
// lands, and annotating costs nothing for providers that ignore it.
func supportsExplicitCache(model string) bool {
	if strings.HasPrefix(model, "anthropic/") || strings.HasPrefix(model, "google/") {
		return true
	}
	return model == "auto" || model == "openrouter/auto"
}

// annotateCachePrefix marks exactly the leading CachedPrefixLen messages
// with a cache_control breakpoint, converting their string content to the
// content-part form. Messages outside the prefix are left untouched so
// the dynamic tail never fragments the cache.
func annotateCachePrefix(req *Request, msgs []wireMessage) {
	if req.CachedPrefixLen <= 0 || !supportsExplicitCache(req.Model) {
		return
	}

	cc := &wireCacheControl{Type: "ephemeral"}
	if req.ExtendedCacheTTL {
		cc.TTL = "1h"
	}

	n := req.CachedPrefixLen
	if n > len(msgs) {
		n = len(msgs)
	}
	for i := 0; i < n; i++ {
		text, ok := msgs[i].Content.(string)
		if !ok || text == "" {
			continue
		}
		msgs[i].Content = []wireContentPart{{
			Type:         "text",
			Text:         text,
			CacheControl: cc,
		}}
	}
}
