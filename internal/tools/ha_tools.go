package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/verlo/hearth/internal/entityindex"
	"github.com/verlo/hearth/internal/homeassistant"
)

// Platform is the Home Assistant surface the control tools need.
type Platform interface {
	GetState(ctx context.Context, entityID string) (*homeassistant.State, error)
	GetEntities(ctx context.Context, domain string) ([]homeassistant.EntityInfo, error)
	CallService(ctx context.Context, domain, service string, data map[string]any, blocking bool) error
}

// RegisterHomeAssistant adds the platform control and discovery tools.
func RegisterHomeAssistant(r *Registry, platform Platform, index *entityindex.Index) {
	r.Register(&getStateTool{platform})
	r.Register(&listEntitiesTool{platform})
	r.Register(&callServiceTool{platform})
	r.Register(&findEntityTool{index})
}

type getStateTool struct {
	platform Platform
}

func (t *getStateTool) Schema() Schema {
	return Schema{
		Name:        "get_state",
		Description: "Get the current state and attributes of a specific entity.",
		Parameters: []Param{
			{Name: "entity_id", Type: "string", Description: "Full entity ID, e.g. light.kitchen", Required: true},
		},
	}
}

func (t *getStateTool) Execute(ctx context.Context, args map[string]any) Result {
	entityID := stringArg(args, "entity_id")
	if entityID == "" {
		return Failed("entity_id is required")
	}

	state, err := t.platform.GetState(ctx, entityID)
	if err != nil {
		return Failed("get state: %v", err)
	}
	if state == nil {
		return Failed("entity %s does not exist", entityID)
	}

	return OK(fmt.Sprintf("%s is %s", state.FriendlyName(), state.State), map[string]any{
		"entity_id":  state.EntityID,
		"state":      state.State,
		"attributes": state.Attributes,
	})
}

type listEntitiesTool struct {
	platform Platform
}

func (t *listEntitiesTool) Schema() Schema {
	return Schema{
		Name:        "list_entities",
		Description: "List entities, optionally filtered by domain (light, switch, climate, ...).",
		Parameters: []Param{
			{Name: "domain", Type: "string", Description: "Domain filter; empty lists everything"},
		},
	}
}

func (t *listEntitiesTool) Execute(ctx context.Context, args map[string]any) Result {
	domain := stringArg(args, "domain")
	entities, err := t.platform.GetEntities(ctx, domain)
	if err != nil {
		return Failed("list entities: %v", err)
	}

	var b strings.Builder
	for _, e := range entities {
		fmt.Fprintf(&b, "%s (%s): %s\n", e.EntityID, e.FriendlyName, e.State)
	}
	return OK(b.String(), map[string]any{"count": len(entities)})
}

type callServiceTool struct {
	platform Platform
}

func (t *callServiceTool) Schema() Schema {
	return Schema{
		Name:        "call_service",
		Description: "Call a Home Assistant service to control a device, e.g. light.turn_on.",
		Parameters: []Param{
			{Name: "domain", Type: "string", Description: "Service domain, e.g. light", Required: true},
			{Name: "service", Type: "string", Description: "Service name, e.g. turn_on", Required: true},
			{Name: "entity_id", Type: "string", Description: "Target entity"},
			{Name: "data", Type: "object", Description: "Additional service data"},
		},
	}
}

func (t *callServiceTool) Execute(ctx context.Context, args map[string]any) Result {
	domain := stringArg(args, "domain")
	service := stringArg(args, "service")
	if domain == "" || service == "" {
		return Failed("domain and service are required")
	}

	data := make(map[string]any)
	if extra, ok := args["data"].(map[string]any); ok {
		for k, v := range extra {
			data[k] = v
		}
	}
	if entityID := stringArg(args, "entity_id"); entityID != "" {
		data["entity_id"] = entityID
	}

	if err := t.platform.CallService(ctx, domain, service, data, true); err != nil {
		return Failed("call %s.%s: %v", domain, service, err)
	}
	return OK(fmt.Sprintf("Called %s.%s", domain, service), nil)
}

type findEntityTool struct {
	index *entityindex.Index
}

func (t *findEntityTool) Schema() Schema {
	return Schema{
		Name:        "find_entity",
		Description: "Find entities matching a natural-language description, with current states.",
		Parameters: []Param{
			{Name: "query", Type: "string", Description: "What to look for, e.g. 'lamp in the office'", Required: true},
		},
	}
}

func (t *findEntityTool) Execute(ctx context.Context, args map[string]any) Result {
	query := stringArg(args, "query")
	if query == "" {
		return Failed("query is required")
	}

	matches, err := t.index.RelevantStates(ctx, query, 10)
	if err != nil {
		return Failed("search entities: %v", err)
	}
	if matches == "" {
		return OK("No entities matched.", nil)
	}
	return OK(matches, nil)
}
