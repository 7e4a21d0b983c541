package tools

import (
	"context"
	"testing"
	"time"
)

// stubTool counts invocations and fails until succeedOn is reached.
type stubTool struct {
	schema    Schema
	calls     int
	succeedOn int
	delay     time.Duration
	gotArgs   map[string]any
}

func (s *stubTool) Schema() Schema { return s.schema }

func (s *stubTool) Execute(ctx context.Context, args map[string]any) Result {
	s.calls++
	s.gotArgs = args
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return Failed("cancelled")
		}
	}
	if s.succeedOn > 0 && s.calls >= s.succeedOn {
		return OK("done", nil)
	}
	return Failed("not yet")
}

func TestExecute_UnknownTool(t *testing.T) {
	r := NewRegistry(nil)

	res := r.Execute(context.Background(), "does_not_exist", nil, ExecOptions{})
	if res.Success {
		t.Error("unknown tool succeeded")
	}
	if res.Message == "" {
		t.Error("no model-facing message")
	}
	if _, ok := res.Data["execution_time_ms"]; !ok {
		t.Error("metadata missing on unknown-tool result")
	}
}

func TestExecute_TrimsArgumentKeys(t *testing.T) {
	r := NewRegistry(nil)
	stub := &stubTool{schema: Schema{Name: "echo"}, succeedOn: 1}
	r.Register(stub)

	r.Execute(context.Background(), "echo", map[string]any{" entity_id ": "light.kitchen"}, ExecOptions{})
	if stub.gotArgs["entity_id"] != "light.kitchen" {
		t.Errorf("args = %v", stub.gotArgs)
	}
}

func TestExecute_RetriesUntilSuccess(t *testing.T) {
	r := NewRegistry(nil)
	stub := &stubTool{schema: Schema{Name: "flaky"}, succeedOn: 3}
	r.Register(stub)

	res := r.Execute(context.Background(), "flaky", nil, ExecOptions{MaxRetries: 3})
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if stub.calls != 3 {
		t.Errorf("calls = %d, want 3", stub.calls)
	}
	if res.Data["attempts"] != 3 || res.Data["retries_used"] != 2 {
		t.Errorf("metadata = %v", res.Data)
	}
}

func TestExecute_RetriesExhausted(t *testing.T) {
	r := NewRegistry(nil)
	stub := &stubTool{schema: Schema{Name: "broken"}}
	r.Register(stub)

	res := r.Execute(context.Background(), "broken", nil, ExecOptions{MaxRetries: 2})
	if res.Success {
		t.Error("exhausted retries succeeded")
	}
	if stub.calls != 3 {
		t.Errorf("calls = %d, want MaxRetries+1 = 3", stub.calls)
	}
}

func TestExecute_LatencyBudgetTimesOut(t *testing.T) {
	r := NewRegistry(nil)
	stub := &stubTool{schema: Schema{Name: "slow"}, succeedOn: 1, delay: time.Second}
	r.Register(stub)

	res := r.Execute(context.Background(), "slow", nil, ExecOptions{LatencyBudget: 50 * time.Millisecond})
	if res.Success {
		t.Error("timed-out tool succeeded")
	}
	if res.Data["timed_out"] != true {
		t.Errorf("data = %v", res.Data)
	}
	if res.Data["latency_budget_ms"] != int64(50) {
		t.Errorf("latency_budget_ms = %v", res.Data["latency_budget_ms"])
	}
}

func TestExecute_WebClassBudgetFloor(t *testing.T) {
	r := NewRegistry(nil)
	// 100ms of work would blow a 50ms budget, but web-class tools get
	// the floor, so it completes.
	stub := &stubTool{schema: Schema{Name: "fetch_page", Class: "web"}, succeedOn: 1, delay: 100 * time.Millisecond}
	r.Register(stub)

	res := r.Execute(context.Background(), "fetch_page", nil, ExecOptions{LatencyBudget: 50 * time.Millisecond})
	if !res.Success {
		t.Errorf("result = %+v", res)
	}
}

func TestExecute_MetadataNeverClobbersToolData(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&constTool{Schema{Name: "c"}, Result{
		Success: true,
		Data:    map[string]any{"attempts": "domain value"},
	}})

	res := r.Execute(context.Background(), "c", nil, ExecOptions{})
	if res.Data["attempts"] != "domain value" {
		t.Errorf("tool data clobbered: %v", res.Data)
	}
	if _, ok := res.Data["execution_time_ms"]; !ok {
		t.Error("metadata missing")
	}
}

type constTool struct {
	schema Schema
	result Result
}

func (c *constTool) Schema() Schema                                        { return c.schema }
func (c *constTool) Execute(ctx context.Context, _ map[string]any) Result { return c.result }

func TestSchemas_WireFormat(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&constTool{schema: Schema{
		Name:        "create_alarm",
		Description: "Schedule an alarm.",
		Parameters: []Param{
			{Name: "time", Type: "string", Description: "RFC3339", Required: true},
			{Name: "label", Type: "string", Description: "Name", Required: true},
			{Name: "scope", Type: "string", Enum: []string{"user", "global"}, Default: "user"},
		},
	}})

	schemas := r.Schemas()
	if len(schemas) != 1 {
		t.Fatalf("schemas = %v", schemas)
	}
	if schemas[0]["type"] != "function" {
		t.Errorf("type = %v", schemas[0]["type"])
	}
	fn := schemas[0]["function"].(map[string]any)
	if fn["name"] != "create_alarm" {
		t.Errorf("name = %v", fn["name"])
	}
	params := fn["parameters"].(map[string]any)
	props := params["properties"].(map[string]any)
	if len(props) != 3 {
		t.Errorf("properties = %v", props)
	}
	required := params["required"].([]string)
	if len(required) != 2 {
		t.Errorf("required = %v", required)
	}
	scope := props["scope"].(map[string]any)
	if scope["default"] != "user" || len(scope["enum"].([]string)) != 2 {
		t.Errorf("scope = %v", scope)
	}
}

func TestRegister_ReplacementKeepsOrder(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&constTool{schema: Schema{Name: "a"}})
	r.Register(&constTool{schema: Schema{Name: "b"}})
	r.Register(&constTool{schema: Schema{Name: "a", Description: "v2"}})

	names := r.Names()
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("names = %v", names)
	}
}
