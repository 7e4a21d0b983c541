// Package agent orchestrates one conversation turn: quick-action
// bypass, prompt assembly, the model tool loop, and the continuation
// handshake.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/verlo/hearth/internal/homeassistant"
	"github.com/verlo/hearth/internal/llm"
	"github.com/verlo/hearth/internal/prompt"
	"github.com/verlo/hearth/internal/tools"
)

// continueSentinel is the marker the model appends when it expects a
// follow-up. It is stripped before the reply reaches any transport.
const continueSentinel = "<continue>"

const apology = "Sorry, something went wrong on my end. Try again in a moment."

// Platform is the direct-control surface for quick actions.
type Platform interface {
	GetEntities(ctx context.Context, domain string) ([]homeassistant.EntityInfo, error)
	CallService(ctx context.Context, domain, service string, data map[string]any, blocking bool) error
}

// Options tunes the orchestrator.
type Options struct {
	Model             string
	MaxToolIterations int
	ToolRetries       int
	ToolLatencyBudget time.Duration
	// ForceContinueOff disables the continuation handshake entirely.
	ForceContinueOff bool
	// QuickActions enables the no-LLM bypass for simple on/off requests.
	QuickActions bool
	ExtendedCacheTTL bool
}

func (o Options) withDefaults() Options {
	if o.MaxToolIterations <= 0 {
		o.MaxToolIterations = 5
	}
	return o
}

// Orchestrator runs conversations.
type Orchestrator struct {
	client   llm.Client
	builder  *prompt.Builder
	registry *tools.Registry
	platform Platform
	opts     Options
	logger   *slog.Logger
}

// New creates an orchestrator.
func New(client llm.Client, builder *prompt.Builder, registry *tools.Registry, platform Platform, opts Options, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		client:   client,
		builder:  builder,
		registry: registry,
		platform: platform,
		opts:     opts.withDefaults(),
		logger:   logger.With("component", "agent"),
	}
}

// Out is the result of one conversation turn.
type Out struct {
	Text string
	// ContinueConversation asks the transport to keep listening
	// without a new wake word.
	ContinueConversation bool
}

// Converse runs one turn. Errors from the model or tools never escape
// as raw detail: the user hears a short apology and the cause is
// logged.
func (o *Orchestrator) Converse(ctx context.Context, in prompt.Input) Out {
	if o.opts.QuickActions {
		if out, handled := o.quickAction(ctx, in.Utterance); handled {
			return out
		}
	}

	out, err := o.converse(ctx, in)
	if err != nil {
		o.logger.Error("conversation failed", "user", in.UserID, "error", err)
		return Out{Text: apology}
	}
	return out
}

func (o *Orchestrator) converse(ctx context.Context, in prompt.Input) (Out, error) {
	ctx = tools.ContextWithUser(ctx, in.UserID)

	msgs, cachedPrefixLen, err := o.builder.Build(ctx, in)
	if err != nil {
		return Out{}, fmt.Errorf("build prompt: %w", err)
	}

	req := &llm.Request{
		Model:            o.opts.Model,
		Messages:         msgs,
		Tools:            o.registry.Schemas(),
		CachedPrefixLen:  cachedPrefixLen,
		ExtendedCacheTTL: o.opts.ExtendedCacheTTL,
	}

	var lastContent string
	for iteration := 0; iteration < o.opts.MaxToolIterations; iteration++ {
		resp, err := o.client.ChatStream(ctx, req, nil)
		if err != nil {
			return Out{}, fmt.Errorf("chat: %w", err)
		}
		lastContent = resp.Message.Content

		if len(resp.Message.ToolCalls) == 0 {
			return o.finish(resp.Message.Content), nil
		}

		req.Messages = append(req.Messages, resp.Message)
		for _, call := range resp.Message.ToolCalls {
			result := o.registry.Execute(ctx, call.Name, call.Arguments, tools.ExecOptions{
				MaxRetries:    o.opts.ToolRetries,
				LatencyBudget: o.opts.ToolLatencyBudget,
			})
			o.logger.Debug("tool executed",
				"tool", call.Name, "success", result.Success, "iteration", iteration)
			req.Messages = append(req.Messages, llm.Message{
				Role:       "tool",
				Name:       call.Name,
				ToolCallID: call.ID,
				Content:    renderResult(result),
			})
		}
	}

	// Iteration cap reached: speak whatever the model said last rather
	// than going silent mid-task.
	o.logger.Warn("tool iteration cap reached", "cap", o.opts.MaxToolIterations)
	if strings.TrimSpace(lastContent) == "" {
		lastContent = "I ran out of steps trying to do that. Want me to keep going?"
	}
	return o.finish(lastContent), nil
}

// finish applies the continuation handshake to the final text.
func (o *Orchestrator) finish(text string) Out {
	out := Out{Text: strings.TrimSpace(text)}
	if strings.Contains(out.Text, continueSentinel) {
		out.Text = strings.TrimSpace(strings.ReplaceAll(out.Text, continueSentinel, ""))
		out.ContinueConversation = !o.opts.ForceContinueOff
	}
	return out
}

// renderResult flattens a tool result for the model.
func renderResult(r tools.Result) string {
	status := "ok"
	if !r.Success {
		status = "error"
	}
	msg := strings.TrimSpace(r.Message)
	if msg == "" {
		msg = status
	}
	return fmt.Sprintf("[%s] %s", status, msg)
}

// quickActionRe matches bare on/off requests. Deliberately narrow: any
// qualifier (brightness, duration, "in ten minutes") falls through to
// the model.
var quickActionRe = regexp.MustCompile(`(?i)^(?:please\s+)?turn\s+(on|off)\s+(?:the\s+)?([a-z0-9 ]+?)[.!]?$`)

// quickAction executes simple on/off requests directly when exactly one
// entity matches the spoken name. Anything ambiguous goes to the model.
func (o *Orchestrator) quickAction(ctx context.Context, utterance string) (Out, bool) {
	m := quickActionRe.FindStringSubmatch(strings.TrimSpace(utterance))
	if m == nil {
		return Out{}, false
	}
	action, name := strings.ToLower(m[1]), strings.TrimSpace(m[2])

	entities, err := o.platform.GetEntities(ctx, "")
	if err != nil {
		o.logger.Debug("quick action entity lookup failed", "error", err)
		return Out{}, false
	}

	var match *homeassistant.EntityInfo
	for i, e := range entities {
		if !switchable(e.Domain) {
			continue
		}
		if strings.EqualFold(e.FriendlyName, name) {
			if match != nil {
				// Ambiguous; let the model sort it out.
				return Out{}, false
			}
			match = &entities[i]
		}
	}
	if match == nil {
		return Out{}, false
	}

	service := "turn_" + action
	if err := o.platform.CallService(ctx, match.Domain, service, map[string]any{"entity_id": match.EntityID}, true); err != nil {
		o.logger.Error("quick action failed", "entity", match.EntityID, "error", err)
		return Out{Text: apology}, true
	}

	o.logger.Info("quick action", "entity", match.EntityID, "service", service)
	return Out{Text: fmt.Sprintf("Turned %s %s.", action, match.FriendlyName)}, true
}

func switchable(domain string) bool {
	switch domain {
	case "light", "switch", "fan", "media_player":
		return true
	}
	return false
}
