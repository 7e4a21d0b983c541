// Package prompt assembles the message list for a conversation turn.
// The leading messages are byte-stable across turns so providers can
// cache them; everything volatile rides in one final user message.
package prompt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/verlo/hearth/internal/history"
	"github.com/verlo/hearth/internal/llm"
)

const basePrompt = `You are Hearth, a voice assistant for a smart home.
You control devices through tools, remember what matters, and keep
answers short and speakable. Never guess entity IDs; look them up. When
you take an action, confirm it in one short sentence. If a follow-up
from the user seems likely, end your reply with <continue>.`

const discoveryPrompt = `The home's entity list is not included. Use the
find_entity and list_entities tools to discover devices before acting
on them.`

// EntitySource provides the cached entity index.
type EntitySource interface {
	EntityIndex(ctx context.Context, force bool) (text, hash string, err error)
}

// MemorySource provides prompt injections from the memory store.
type MemorySource interface {
	InjectionText(userID string) string
	AgentInjectionText() string
}

// HistorySource replays recent conversation turns.
type HistorySource interface {
	RecentTurns(ctx context.Context, conversationID string, maxTurns int) ([]history.Turn, error)
}

// Builder assembles prompts.
type Builder struct {
	entities EntitySource
	memory   MemorySource
	history  HistorySource
	logger   *slog.Logger

	// SystemPrompt is appended after the base persona when configured.
	SystemPrompt string
	// SmartDiscovery omits the entity index in favor of discovery
	// tools, trading prompt size for tool round-trips.
	SmartDiscovery bool
	MaxHistoryTurns int
}

// NewBuilder creates a prompt builder.
func NewBuilder(entities EntitySource, memory MemorySource, hist HistorySource, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		entities:        entities,
		memory:          memory,
		history:         hist,
		logger:          logger.With("component", "prompt"),
		MaxHistoryTurns: 20,
	}
}

// Input is the per-turn context.
type Input struct {
	UserID         string
	ConversationID string
	Utterance      string
	Satellite      string
	RecentEntities []string
	Reminders      []string
	Now            time.Time
}

// Build returns the message list and the number of leading messages
// that are stable across turns (the cacheable prefix).
func (b *Builder) Build(ctx context.Context, in Input) ([]llm.Message, int, error) {
	var msgs []llm.Message

	msgs = append(msgs, llm.Message{Role: "system", Content: basePrompt})
	if b.SystemPrompt != "" {
		msgs = append(msgs, llm.Message{Role: "system", Content: b.SystemPrompt})
	}

	if b.SmartDiscovery {
		msgs = append(msgs, llm.Message{Role: "system", Content: discoveryPrompt})
	} else {
		text, _, err := b.entities.EntityIndex(ctx, false)
		if err != nil {
			return nil, 0, fmt.Errorf("build entity index: %w", err)
		}
		msgs = append(msgs, llm.Message{Role: "system", Content: "Devices in this home:\n\n" + text})
	}
	cachedPrefixLen := len(msgs)

	if inject := b.memory.InjectionText(in.UserID); inject != "" {
		msgs = append(msgs, llm.Message{Role: "system", Content: "What you know about this user:\n\n" + inject})
	}
	if inject := b.memory.AgentInjectionText(); inject != "" {
		msgs = append(msgs, llm.Message{Role: "system", Content: "Your own notes:\n\n" + inject})
	}

	if in.ConversationID != "" {
		turns, err := b.history.RecentTurns(ctx, in.ConversationID, b.MaxHistoryTurns)
		if err != nil {
			// History is an enhancement; a broken transcript store
			// should not block the conversation.
			b.logger.Warn("history unavailable", "error", err)
		}
		for _, t := range turns {
			msgs = append(msgs, llm.Message{Role: t.Role, Content: t.Content})
		}
	}

	msgs = append(msgs, llm.Message{Role: "user", Content: b.finalMessage(in)})
	return msgs, cachedPrefixLen, nil
}

// finalMessage combines the dynamic context block with the utterance.
func (b *Builder) finalMessage(in Input) string {
	var parts []string

	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	parts = append(parts, "Current time: "+now.Format("Monday, January 2, 2006 3:04 PM MST"))

	if in.Satellite != "" {
		parts = append(parts, "Speaking from: "+in.Satellite)
	}
	if in.UserID != "" {
		parts = append(parts, "Speaker: "+in.UserID)
	}
	if len(in.Reminders) > 0 {
		parts = append(parts, "Reminders:\n"+bulleted(in.Reminders))
	}
	if len(in.RecentEntities) > 0 {
		parts = append(parts, "Recently active devices:\n"+bulleted(in.RecentEntities))
	}

	return strings.Join(parts, "\n") + "\n\n" + in.Utterance
}

func bulleted(items []string) string {
	var b strings.Builder
	for _, item := range items {
		b.WriteString("- " + item + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
