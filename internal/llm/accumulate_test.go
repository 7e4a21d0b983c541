package llm

import "testing"

func frag(index int, id, name, args string) wireToolCallFrag {
	f := wireToolCallFrag{Index: index, ID: id}
	f.Function.Name = name
	f.Function.Arguments = args
	return f
}

func TestAccumulator_InterleavedIndexes(t *testing.T) {
	var acc toolCallAccumulator
	acc.add(frag(0, "a", "turn_on", `{"entity`))
	acc.add(frag(1, "b", "turn_off", `{"entity_id":`))
	acc.add(frag(0, "", "", `_id":"light.desk"}`))
	acc.add(frag(1, "", "", `"fan.loft"}`))

	calls := acc.finalize()
	if len(calls) != 2 {
		t.Fatalf("got %d calls, want 2", len(calls))
	}
	if calls[0].Name != "turn_on" || calls[0].Arguments["entity_id"] != "light.desk" {
		t.Errorf("call 0 = %+v", calls[0])
	}
	if calls[1].Name != "turn_off" || calls[1].Arguments["entity_id"] != "fan.loft" {
		t.Errorf("call 1 = %+v", calls[1])
	}
}

func TestAccumulator_MissingIDSynthesized(t *testing.T) {
	var acc toolCallAccumulator
	acc.add(frag(2, "", "list_alarms", `{}`))

	calls := acc.finalize()
	if len(calls) != 1 {
		t.Fatalf("got %d calls, want 1", len(calls))
	}
	if calls[0].ID != "call_list_alarms_2" {
		t.Errorf("ID = %q", calls[0].ID)
	}
}

func TestAccumulator_NamelessFragmentDropped(t *testing.T) {
	var acc toolCallAccumulator
	acc.add(frag(0, "x", "", `{"a":1}`))
	if calls := acc.finalize(); calls != nil {
		t.Errorf("got %v, want nil", calls)
	}
}

func TestAccumulator_Empty(t *testing.T) {
	var acc toolCallAccumulator
	if calls := acc.finalize(); calls != nil {
		t.Errorf("got %v, want nil", calls)
	}
}
