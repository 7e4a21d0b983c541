// Package tools defines the structured tool-calling surface the model
// drives. Tools declare schemas, the registry executes them with retry
// and latency budgets, and every result carries uniform metadata.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Param describes one tool parameter.
type Param struct {
	Name        string
	Type        string
	Description string
	Required    bool
	Enum        []string
	Default     any
	Items       *Param
}

// Schema declares a tool's name, purpose, and parameters. Class groups
// tools that share execution policy; "web" tools get a latency-budget
// floor because remote pages are slow in ways local service calls are
// not.
type Schema struct {
	Name        string
	Description string
	Class       string
	Parameters  []Param
}

// Wire renders the schema in the OpenAI function-calling format.
func (s Schema) Wire() map[string]any {
	properties := make(map[string]any, len(s.Parameters))
	var required []string
	for _, p := range s.Parameters {
		prop := map[string]any{
			"type":        p.Type,
			"description": p.Description,
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		if p.Items != nil {
			prop["items"] = map[string]any{"type": p.Items.Type}
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	fn := map[string]any{
		"name":        s.Name,
		"description": s.Description,
		"parameters": map[string]any{
			"type":       "object",
			"properties": properties,
		},
	}
	if len(required) > 0 {
		fn["parameters"].(map[string]any)["required"] = required
	}
	return map[string]any{"type": "function", "function": fn}
}

// Result is a tool execution outcome. Message is model-facing prose;
// Data carries structured values.
type Result struct {
	Success bool
	Message string
	Data    map[string]any
}

// Failed builds a failure result with a formatted message.
func Failed(format string, args ...any) Result {
	return Result{Success: false, Message: fmt.Sprintf(format, args...)}
}

// OK builds a success result.
func OK(message string, data map[string]any) Result {
	return Result{Success: true, Message: message, Data: data}
}

// Tool is one callable capability.
type Tool interface {
	Schema() Schema
	Execute(ctx context.Context, args map[string]any) Result
}

// ExecOptions tunes one execution.
type ExecOptions struct {
	// MaxRetries is how many times a failed handler is re-invoked.
	// The handler runs at most MaxRetries+1 times.
	MaxRetries int
	// LatencyBudget bounds total execution including retries. Zero
	// means unbounded.
	LatencyBudget time.Duration
}

// webMinLatencyBudget is the floor for web-class tools. A budget below
// this would time out on almost every real page, so tighter budgets are
// silently raised.
const webMinLatencyBudget = 10 * time.Second

// Registry holds the registered tools.
type Registry struct {
	tools  map[string]Tool
	order  []string
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]Tool),
		logger: logger.With("component", "tools"),
	}
}

// Register adds a tool. Re-registering a name replaces the old tool.
func (r *Registry) Register(t Tool) {
	name := t.Schema().Name
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = t
}

// Schemas returns every registered schema in registration order,
// rendered for the wire.
func (r *Registry) Schemas() []map[string]any {
	out := make([]map[string]any, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].Schema().Wire())
	}
	return out
}

// Names returns registered tool names in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Execute runs a named tool. Unknown names produce a failed Result
// rather than an error so the model can read and recover from the
// message. Argument keys are trimmed of incidental whitespace before
// binding. The handler is re-invoked on failure up to MaxRetries times,
// all attempts racing the latency budget.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any, opts ExecOptions) Result {
	started := time.Now()

	tool, ok := r.tools[name]
	if !ok {
		res := Failed("unknown tool %q", name)
		r.stamp(&res, started, 1, 0, opts)
		return res
	}

	cleaned := make(map[string]any, len(args))
	for k, v := range args {
		cleaned[strings.TrimSpace(k)] = v
	}

	budget := opts.LatencyBudget
	if budget > 0 && tool.Schema().Class == "web" && budget < webMinLatencyBudget {
		budget = webMinLatencyBudget
	}
	if budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}

	var res Result
	attempts := 0
	for attempts <= opts.MaxRetries {
		attempts++
		res = r.runOne(ctx, tool, cleaned)
		if res.Success || ctx.Err() != nil {
			break
		}
		r.logger.Debug("tool attempt failed", "tool", name, "attempt", attempts, "message", res.Message)
	}

	if ctx.Err() == context.DeadlineExceeded && !res.Success {
		res = Failed("tool %s timed out", name)
		res.Data = map[string]any{"timed_out": true, "latency_budget_ms": budget.Milliseconds()}
	}

	r.stamp(&res, started, attempts, attempts-1, opts)
	return res
}

// runOne invokes the handler, racing it against ctx so a stuck tool
// cannot hold the conversation past its budget.
func (r *Registry) runOne(ctx context.Context, tool Tool, args map[string]any) Result {
	done := make(chan Result, 1)
	go func() {
		done <- tool.Execute(ctx, args)
	}()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		return Failed("cancelled: %v", ctx.Err())
	}
}

// stamp adds execution metadata without clobbering any key the tool
// itself set.
func (r *Registry) stamp(res *Result, started time.Time, attempts, retries int, opts ExecOptions) {
	if res.Data == nil {
		res.Data = make(map[string]any)
	}
	setIfAbsent(res.Data, "execution_time_ms", time.Since(started).Milliseconds())
	setIfAbsent(res.Data, "attempts", attempts)
	setIfAbsent(res.Data, "retries_used", retries)
}

func setIfAbsent(m map[string]any, key string, value any) {
	if _, exists := m[key]; !exists {
		m[key] = value
	}
}

// String argument helpers shared by the adapters.

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return fallback
}

func boolArg(args map[string]any, key string, fallback bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return fallback
}
