package llm

import "testing"

func TestSupportsExplicitCache(t *testing.T) {
	tests := []struct {
		model string
		want  bool
	}{
		{"anthropic/claude-sonnet-4", true},
		{"google/gemini-2.5-flash", true},
		{"auto", true},              // optimistic: routing may land on a caching provider
		{"openrouter/auto", true},   // same
		{"meta-llama/llama-4", false},
		{"openai/gpt-5-mini", false},
	}
	for _, tt := range tests {
		if got := supportsExplicitCache(tt.model); got != tt.want {
			t.Errorf("supportsExplicitCache(%q) = %v, want %v", tt.model, got, tt.want)
		}
	}
}

func TestAnnotateCachePrefix_MarksOnlyPrefix(t *testing.T) {
	req := &Request{Model: "anthropic/claude-sonnet-4", CachedPrefixLen: 2}
	msgs := []wireMessage{
		{Role: "system", Content: "static system prompt"},
		{Role: "system", Content: "entity index"},
		{Role: "user", Content: "dynamic utterance"},
	}

	annotateCachePrefix(req, msgs)

	for i := 0; i < 2; i++ {
		parts, ok := msgs[i].Content.([]wireContentPart)
		if !ok || len(parts) != 1 {
			t.Fatalf("message %d not converted to parts: %#v", i, msgs[i].Content)
		}
		if parts[0].CacheControl == nil || parts[0].CacheControl.Type != "ephemeral" {
			t.Errorf("message %d missing cache_control", i)
		}
		if parts[0].CacheControl.TTL != "" {
			t.Errorf("message %d has TTL without opt-in", i)
		}
	}
	if _, ok := msgs[2].Content.(string); !ok {
		t.Error("message outside prefix was annotated")
	}
}

func TestAnnotateCachePrefix_ExtendedTTL(t *testing.T) {
	req := &Request{Model: "anthropic/claude-sonnet-4", CachedPrefixLen: 1, ExtendedCacheTTL: true}
	msgs := []wireMessage{{Role: "system", Content: "prompt"}}

	annotateCachePrefix(req, msgs)

	parts := msgs[0].Content.([]wireContentPart)
	if parts[0].CacheControl.TTL != "1h" {
		t.Errorf("TTL = %q, want 1h", parts[0].CacheControl.TTL)
	}
}

func TestAnnotateCachePrefix_AutomaticCachingFamilyUntouched(t *testing.T) {
	req := &Request{Model: "openai/gpt-5-mini", CachedPrefixLen: 2}
	msgs := []wireMessage{
		{Role: "system", Content: "prompt"},
		{Role: "user", Content: "hi"},
	}

	annotateCachePrefix(req, msgs)

	for i, m := range msgs {
		if _, ok := m.Content.(string); !ok {
			t.Errorf("message %d annotated for automatic-caching family", i)
		}
	}
}
