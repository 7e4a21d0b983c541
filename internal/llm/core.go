package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/verlo/hearth/internal/httpkit"
)

// Retry policy shared by all backends. Backoff is min(base*2^attempt, max).
const (
	maxRetries     = 3
	retryBaseDelay = 1 * time.Second
	retryMaxDelay  = 30 * time.Second

	// defaultReadTimeout bounds the gap between streamed chunks. A stream
	// that goes silent longer than this is treated as stalled and retried.
	defaultReadTimeout = 60 * time.Second
)

// Sentinel failures specific to streaming. Both are transient: backends
// occasionally return a well-formed but empty stream under load, and
// silently handing empty text to the user is worse than one extra retry.
var (
	errEmptyStream = errors.New("stream completed with no content and no tool calls")
	errStreamStall = errors.New("stream stalled: no chunk within read timeout")
)

// apiError is a non-2xx response from the backend.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// retriable reports whether the status is worth retrying. Anything else
// (401, 400, 404, …) indicates a request or configuration problem that a
// retry cannot fix.
func (e *apiError) retriable() bool {
	switch e.Status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isRetriable(err error) bool {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae.retriable()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// Empty/stalled streams and transport-level errors are all transient.
	return true
}

// annotateFunc lets a backend mark the cache-eligible message prefix in
// the wire payload. Nil means the backend caches automatically (or not at
// all) and no annotation should be added.
type annotateFunc func(req *Request, msgs []wireMessage)

// session is one pooled HTTP client and its creation time.
type session struct {
	client  *http.Client
	created time.Time
}

// core holds the machinery shared by every backend: session management,
// the retry loop, SSE decoding, and metrics. Backends differ only in URL,
// headers, and cache annotation behavior.
type core struct {
	provider string
	chatURL  string
	apiKey   string
	headers  map[string]string
	annotate annotateFunc

	// maxSessionAge > 0 recycles the pooled session once it exceeds the
	// threshold. Renewal happens inside the same locked section that
	// serves the get, so callers never observe a closed session.
	maxSessionAge time.Duration
	readTimeout   time.Duration

	logger  *slog.Logger
	metrics Metrics

	mu      sync.Mutex
	sess    *session
	nowFunc func() time.Time
}

func newCore(provider, chatURL, apiKey string, logger *slog.Logger) *core {
	if logger == nil {
		logger = slog.Default()
	}
	return &core{
		provider:    provider,
		chatURL:     chatURL,
		apiKey:      apiKey,
		logger:      logger.With("provider", provider),
		readTimeout: defaultReadTimeout,
		nowFunc:     time.Now,
	}
}

// httpClient returns the pooled session, creating or renewing it as needed.
// The lock covers only get-or-create; concurrent requests share the session
// without serializing on each other.
func (c *core) httpClient() *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFunc()
	if c.sess != nil {
		if c.maxSessionAge <= 0 || now.Sub(c.sess.created) < c.maxSessionAge {
			return c.sess.client
		}
		c.sess.client.CloseIdleConnections()
		c.logger.Debug("recycling pooled session", "age", now.Sub(c.sess.created))
	}

	// Streaming responses can be long-lived, so no global timeout; the
	// context and the stall watchdog bound the call. Header timeout is
	// generous — models can think for a while before the first byte.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second
	c.sess = &session{
		client: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		),
		created: now,
	}
	return c.sess.client
}

func sleepBackoff(ctx context.Context, attempt int) error {
	delay := retryBaseDelay << attempt
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// do runs one chat call with the shared retry loop. Transient HTTP
// failures, transport errors, empty streams, and stalled streams are all
// retried with exponential backoff up to the same ceiling.
func (c *core) do(ctx context.Context, req *Request, stream bool, fn StreamFunc) (*ChatResponse, error) {
	var lastErr error

	// A retried stream replays content from the start. Track how many
	// content bytes the consumer has already seen so a retry after a
	// partial stream never delivers duplicate text.
	delivered := 0

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			c.metrics.recordRetry()
			c.logger.Warn("retrying LLM request",
				"attempt", attempt, "max_retries", maxRetries, "error", lastErr)
			if err := sleepBackoff(ctx, attempt-1); err != nil {
				c.metrics.recordFailure()
				return nil, err
			}
		}

		attemptFn := fn
		if stream && fn != nil {
			attemptFn = dedupDeltas(fn, &delivered)
		}

		start := time.Now()
		resp, err := c.attempt(ctx, req, stream, attemptFn)
		if err == nil {
			c.metrics.recordSuccess(resp, time.Since(start))
			return resp, nil
		}
		lastErr = err

		switch {
		case errors.Is(err, errEmptyStream):
			c.metrics.recordEmptyResponse()
		case errors.Is(err, errStreamStall):
			c.metrics.recordStreamTimeout()
		}

		if !isRetriable(err) {
			c.metrics.recordFailure()
			return nil, fmt.Errorf("%s: %w", c.provider, err)
		}
	}

	c.metrics.recordFailure()
	return nil, fmt.Errorf("%s: retries exhausted: %w", c.provider, lastErr)
}

// dedupDeltas wraps the stream consumer for one attempt. Content bytes
// up to *delivered were already forwarded by an earlier attempt and are
// skipped; anything beyond advances the mark. Tool-call and finish
// deltas only fire on the attempt that completes, so they pass through.
func dedupDeltas(fn StreamFunc, delivered *int) StreamFunc {
	offset := 0
	return func(d Delta) {
		if d.Kind != DeltaContent {
			fn(d)
			return
		}
		start := offset
		offset += len(d.Content)
		if offset <= *delivered {
			return
		}
		if start < *delivered {
			d.Content = d.Content[*delivered-start:]
		}
		*delivered = offset
		fn(d)
	}
}

// attempt performs a single HTTP round trip, streaming or buffered.
func (c *core) attempt(ctx context.Context, req *Request, stream bool, fn StreamFunc) (*ChatResponse, error) {
	wire := c.buildWire(req, stream)
	jsonData, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	// For streams, a cancellable context lets the stall watchdog abort
	// body reads.
	reqCtx := ctx
	var cancel context.CancelFunc
	if stream {
		reqCtx, cancel = context.WithCancel(ctx)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.chatURL, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 4096)
		return nil, &apiError{Status: resp.StatusCode, Body: body}
	}

	if !stream {
		return c.readBuffered(ctx, resp)
	}
	return c.readStream(ctx, resp, cancel, fn)
}

// buildWire converts the provider-neutral request to the OpenAI-compatible
// wire format, applying the backend's cache annotation if any.
func (c *core) buildWire(req *Request, stream bool) *wireRequest {
	msgs := make([]wireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		wm := wireMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		for _, tc := range m.ToolCalls {
			args := tc.Arguments
			if args == nil {
				args = map[string]any{}
			}
			argJSON, _ := json.Marshal(args)
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: wireFunction{
					Name:      tc.Name,
					Arguments: string(argJSON),
				},
			})
		}
		msgs = append(msgs, wm)
	}

	if c.annotate != nil {
		c.annotate(req, msgs)
	}

	wire := &wireRequest{
		Model:    req.Model,
		Messages: msgs,
		Tools:    req.Tools,
		Stream:   stream,
	}
	if stream {
		wire.StreamOptions = &wireStreamOptions{IncludeUsage: true}
	}
	return wire
}

// readBuffered decodes a non-streaming response body.
func (c *core) readBuffered(ctx context.Context, resp *http.Response) (*ChatResponse, error) {
	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(wire.Choices) == 0 {
		return nil, fmt.Errorf("response has no choices")
	}

	choice := wire.Choices[0]
	out := &ChatResponse{
		Model: wire.Model,
		Message: Message{
			Role:    "assistant",
			Content: choice.Message.Content,
		},
		FinishReason: choice.FinishReason,
		Done:         true,
	}
	for i, tc := range choice.Message.ToolCalls {
		out.Message.ToolCalls = append(out.Message.ToolCalls, ToolCall{
			ID:        toolCallID(tc.ID, tc.Function.Name, i),
			Name:      tc.Function.Name,
			Arguments: parseToolArguments(tc.Function.Arguments),
		})
	}
	applyUsage(out, wire.Usage)

	c.logger.Debug("response received",
		"model", out.Model,
		"prompt_tokens", out.PromptTokens,
		"completion_tokens", out.CompletionTokens,
		"cached_tokens", out.CachedTokens,
		"tool_calls", len(out.Message.ToolCalls),
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", out.Message.Content)
	return out, nil
}

// readStream consumes SSE lines until [DONE], accumulating content and
// tool-call fragments. The watchdog cancels the request context if no
// line arrives within readTimeout.
func (c *core) readStream(ctx context.Context, resp *http.Response, cancel context.CancelFunc, fn StreamFunc) (*ChatResponse, error) {
	var stalled atomic.Bool
	watchdog := time.AfterFunc(c.readTimeout, func() {
		stalled.Store(true)
		cancel()
	})
	defer watchdog.Stop()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		contentBuilder strings.Builder
		acc            toolCallAccumulator
		finishReason   string
		model          string
		usage          *wireUsage
	)

	for scanner.Scan() {
		watchdog.Reset(c.readTimeout)
		line := scanner.Text()

		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		if data == "[DONE]" {
			break
		}

		var chunk wireStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue // Skip malformed events
		}

		if chunk.Model != "" {
			model = chunk.Model
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}

		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				contentBuilder.WriteString(choice.Delta.Content)
				if fn != nil {
					fn(Delta{Kind: DeltaContent, Content: choice.Delta.Content})
				}
			}
			for _, frag := range choice.Delta.ToolCalls {
				acc.add(frag)
			}
			if choice.FinishReason != nil && *choice.FinishReason != "" {
				finishReason = *choice.FinishReason
			}
		}
	}

	if err := scanner.Err(); err != nil {
		if stalled.Load() {
			return nil, errStreamStall
		}
		return nil, fmt.Errorf("read stream: %w", err)
	}
	if stalled.Load() {
		return nil, errStreamStall
	}

	toolCalls := acc.finalize()
	content := contentBuilder.String()

	// A completed stream that produced nothing is its own failure mode,
	// distinct from an HTTP error, and is retried by the caller.
	if content == "" && len(toolCalls) == 0 {
		return nil, errEmptyStream
	}

	if len(toolCalls) > 0 && fn != nil {
		fn(Delta{Kind: DeltaToolCalls, ToolCalls: toolCalls})
	}
	if fn != nil {
		fn(Delta{Kind: DeltaFinish, FinishReason: finishReason})
	}

	out := &ChatResponse{
		Model: model,
		Message: Message{
			Role:      "assistant",
			Content:   content,
			ToolCalls: toolCalls,
		},
		FinishReason: finishReason,
		Done:         true,
	}
	applyUsage(out, usage)

	c.logger.Debug("stream complete",
		"model", out.Model,
		"prompt_tokens", out.PromptTokens,
		"completion_tokens", out.CompletionTokens,
		"cached_tokens", out.CachedTokens,
		"content_len", len(content),
		"tool_calls", len(toolCalls),
	)
	c.logger.Log(ctx, LevelTrace, "stream final content", "content", content)
	return out, nil
}

func applyUsage(resp *ChatResponse, usage *wireUsage) {
	if usage == nil {
		return
	}
	resp.PromptTokens = usage.PromptTokens
	resp.CompletionTokens = usage.CompletionTokens
	resp.CachedTokens = usage.PromptTokensDetails.CachedTokens
}

// toolCallID returns the wire ID, or a deterministic synthetic one when
// the backend omits it (required for tool_result correlation).
func toolCallID(id, name string, index int) string {
	if id != "" {
		return id
	}
	return fmt.Sprintf("call_%s_%d", name, index)
}

// parseToolArguments parses the accumulated arguments JSON. A parse
// failure yields an empty map rather than aborting the whole turn.
func parseToolArguments(raw string) map[string]any {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{}
	}
	return args
}
