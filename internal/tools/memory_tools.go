package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/verlo/hearth/internal/memory"
)

// UserResolver returns the user scope for the current conversation.
type UserResolver func(ctx context.Context) string

// RegisterMemory adds the remember/recall/forget tools.
func RegisterMemory(r *Registry, store *memory.Store, user UserResolver) {
	r.Register(&rememberTool{store, user})
	r.Register(&recallTool{store, user})
	r.Register(&forgetTool{store, user})
}

func scopeFor(ctx context.Context, args map[string]any, user UserResolver) string {
	switch stringArg(args, "scope") {
	case "global":
		return memory.ScopeGlobal
	case "agent":
		return memory.ScopeAgent
	default:
		return user(ctx)
	}
}

type rememberTool struct {
	store *memory.Store
	user  UserResolver
}

func (t *rememberTool) Schema() Schema {
	return Schema{
		Name:        "remember",
		Description: "Store a fact, preference, or instruction for future conversations.",
		Parameters: []Param{
			{Name: "content", Type: "string", Description: "What to remember", Required: true},
			{Name: "category", Type: "string", Description: "Kind of memory", Required: true,
				Enum: []string{"preference", "named_entity", "pattern", "instruction", "fact", "observation"}},
			{Name: "scope", Type: "string", Description: "Who this applies to",
				Enum: []string{"user", "global", "agent"}, Default: "user"},
			{Name: "context", Type: "string", Description: "Why this was worth remembering"},
			{Name: "tags", Type: "array", Description: "Search tags", Items: &Param{Type: "string"}},
		},
	}
}

func (t *rememberTool) Execute(ctx context.Context, args map[string]any) Result {
	content := stringArg(args, "content")
	if content == "" {
		return Failed("content is required")
	}
	category := memory.Category(stringArg(args, "category"))
	if !memory.ValidCategory(category) {
		return Failed("unknown category %q", category)
	}

	var tags []string
	if raw, ok := args["tags"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				tags = append(tags, s)
			}
		}
	}

	scope := scopeFor(ctx, args, t.user)
	id, added := t.store.Add(scope, category, content, stringArg(args, "context"), tags, "conversation")
	if !added {
		return OK("That memory already exists.", map[string]any{"memory_id": id})
	}
	return OK("Remembered.", map[string]any{"memory_id": id})
}

type recallTool struct {
	store *memory.Store
	user  UserResolver
}

func (t *recallTool) Schema() Schema {
	return Schema{
		Name:        "recall",
		Description: "Search stored memories by text, category, or tag.",
		Parameters: []Param{
			{Name: "query", Type: "string", Description: "Substring to search for"},
			{Name: "category", Type: "string", Description: "Category filter"},
			{Name: "tag", Type: "string", Description: "Tag filter"},
			{Name: "scope", Type: "string", Description: "Which scope to search",
				Enum: []string{"user", "global", "agent"}, Default: "user"},
		},
	}
}

func (t *recallTool) Execute(ctx context.Context, args map[string]any) Result {
	scope := scopeFor(ctx, args, t.user)
	entries := t.store.Search(scope, memory.Query{
		Category:  memory.Category(stringArg(args, "category")),
		Tag:       stringArg(args, "tag"),
		Substring: stringArg(args, "query"),
	})
	if len(entries) == 0 {
		return OK("No matching memories.", map[string]any{"count": 0})
	}

	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "[%s] (%s) %s\n", e.ID, e.Category, e.Content)
	}
	return OK(b.String(), map[string]any{"count": len(entries)})
}

type forgetTool struct {
	store *memory.Store
	user  UserResolver
}

func (t *forgetTool) Schema() Schema {
	return Schema{
		Name:        "forget",
		Description: "Delete a stored memory by its ID.",
		Parameters: []Param{
			{Name: "memory_id", Type: "string", Description: "ID returned by remember or recall", Required: true},
			{Name: "scope", Type: "string", Description: "Scope the memory lives in",
				Enum: []string{"user", "global", "agent"}, Default: "user"},
		},
	}
}

func (t *forgetTool) Execute(ctx context.Context, args map[string]any) Result {
	id := stringArg(args, "memory_id")
	if id == "" {
		return Failed("memory_id is required")
	}

	scope := scopeFor(ctx, args, t.user)
	if !t.store.Delete(scope, id) {
		return Failed("no memory with ID %s", id)
	}
	return OK("Forgotten.", nil)
}
