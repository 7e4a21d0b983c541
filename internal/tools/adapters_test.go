package tools

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/verlo/hearth/internal/alarms"
	"github.com/verlo/hearth/internal/homeassistant"
	"github.com/verlo/hearth/internal/memory"
	"github.com/verlo/hearth/internal/storage"
)

type fakePlatform struct {
	states   map[string]*homeassistant.State
	entities []homeassistant.EntityInfo
	called   []string
}

func (f *fakePlatform) GetState(ctx context.Context, entityID string) (*homeassistant.State, error) {
	return f.states[entityID], nil
}

func (f *fakePlatform) GetEntities(ctx context.Context, domain string) ([]homeassistant.EntityInfo, error) {
	return f.entities, nil
}

func (f *fakePlatform) CallService(ctx context.Context, domain, service string, data map[string]any, blocking bool) error {
	f.called = append(f.called, domain+"."+service)
	return nil
}

func TestGetStateTool(t *testing.T) {
	p := &fakePlatform{states: map[string]*homeassistant.State{
		"light.kitchen": {
			EntityID:   "light.kitchen",
			State:      "on",
			Attributes: map[string]any{"friendly_name": "Kitchen Light"},
		},
	}}
	r := NewRegistry(nil)
	RegisterHomeAssistant(r, p, nil)

	res := r.Execute(context.Background(), "get_state", map[string]any{"entity_id": "light.kitchen"}, ExecOptions{})
	if !res.Success || !strings.Contains(res.Message, "Kitchen Light is on") {
		t.Errorf("result = %+v", res)
	}

	res = r.Execute(context.Background(), "get_state", map[string]any{"entity_id": "light.gone"}, ExecOptions{})
	if res.Success {
		t.Error("missing entity succeeded")
	}
}

func TestCallServiceTool(t *testing.T) {
	p := &fakePlatform{}
	r := NewRegistry(nil)
	RegisterHomeAssistant(r, p, nil)

	res := r.Execute(context.Background(), "call_service", map[string]any{
		"domain": "light", "service": "turn_on", "entity_id": "light.kitchen",
	}, ExecOptions{})
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if len(p.called) != 1 || p.called[0] != "light.turn_on" {
		t.Errorf("called = %v", p.called)
	}

	res = r.Execute(context.Background(), "call_service", map[string]any{"domain": "light"}, ExecOptions{})
	if res.Success {
		t.Error("missing service accepted")
	}
}

func newMemoryStore(t *testing.T) *memory.Store {
	t.Helper()
	backing, _ := storage.New(t.TempDir())
	s, err := memory.New(backing, memory.Limits{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func staticUser(id string) UserResolver {
	return func(context.Context) string { return id }
}

func TestMemoryTools_RoundTrip(t *testing.T) {
	store := newMemoryStore(t)
	r := NewRegistry(nil)
	RegisterMemory(r, store, staticUser("sam"))
	ctx := context.Background()

	res := r.Execute(ctx, "remember", map[string]any{
		"content": "Prefers answers in Celsius", "category": "preference",
	}, ExecOptions{})
	if !res.Success {
		t.Fatalf("remember = %+v", res)
	}
	id := res.Data["memory_id"].(string)

	// Duplicate content reports the existing memory.
	res = r.Execute(ctx, "remember", map[string]any{
		"content": "prefers answers in celsius", "category": "preference",
	}, ExecOptions{})
	if !res.Success || res.Data["memory_id"] != id {
		t.Errorf("duplicate remember = %+v", res)
	}

	res = r.Execute(ctx, "recall", map[string]any{"query": "celsius"}, ExecOptions{})
	if !res.Success || !strings.Contains(res.Message, "Prefers answers in Celsius") {
		t.Errorf("recall = %+v", res)
	}

	res = r.Execute(ctx, "forget", map[string]any{"memory_id": id}, ExecOptions{})
	if !res.Success {
		t.Errorf("forget = %+v", res)
	}
	if res := r.Execute(ctx, "forget", map[string]any{"memory_id": id}, ExecOptions{}); res.Success {
		t.Error("double forget succeeded")
	}
}

func TestMemoryTools_BadCategory(t *testing.T) {
	r := NewRegistry(nil)
	RegisterMemory(r, newMemoryStore(t), staticUser("sam"))

	res := r.Execute(context.Background(), "remember", map[string]any{
		"content": "x", "category": "vibes",
	}, ExecOptions{})
	if res.Success {
		t.Error("invalid category accepted")
	}
}

func TestAlarmTools(t *testing.T) {
	backing, _ := storage.New(t.TempDir())
	engine, err := alarms.NewEngine(backing, nil)
	if err != nil {
		t.Fatal(err)
	}
	r := NewRegistry(nil)
	RegisterAlarms(r, engine)
	ctx := context.Background()

	future := time.Now().Add(time.Hour).Format(time.RFC3339)
	res := r.Execute(ctx, "create_alarm", map[string]any{"time": future, "label": "tea"}, ExecOptions{})
	if !res.Success {
		t.Fatalf("create = %+v", res)
	}
	id := res.Data["alarm_id"].(string)

	res = r.Execute(ctx, "list_alarms", nil, ExecOptions{})
	if !res.Success || !strings.Contains(res.Message, "tea") {
		t.Errorf("list = %+v", res)
	}

	res = r.Execute(ctx, "snooze_alarm", map[string]any{"alarm_id": id, "minutes": float64(10)}, ExecOptions{})
	if !res.Success {
		t.Errorf("snooze = %+v", res)
	}

	res = r.Execute(ctx, "cancel_alarm", map[string]any{"alarm_id": id}, ExecOptions{})
	if !res.Success {
		t.Errorf("cancel = %+v", res)
	}

	// A past time surfaces the engine's message to the model.
	past := time.Now().Add(-time.Hour).Format(time.RFC3339)
	res = r.Execute(ctx, "create_alarm", map[string]any{"time": past, "label": "late"}, ExecOptions{})
	if res.Success || !strings.Contains(res.Message, "must be in the future") {
		t.Errorf("past create = %+v", res)
	}
}

func TestFetchPageTool_RejectsNonHTTP(t *testing.T) {
	r := NewRegistry(nil)
	RegisterWeb(r, nil)

	res := r.Execute(context.Background(), "fetch_page", map[string]any{"url": "file:///etc/passwd"}, ExecOptions{})
	if res.Success {
		t.Error("non-http URL accepted")
	}
}
