package satellite

import (
	"testing"
)

func testBridge(resolve NameResolver) *Bridge {
	return New(Config{TopicPrefix: "hearth"}, nil, resolve, nil)
}

func TestSatelliteFromTopic(t *testing.T) {
	b := testBridge(nil)

	tests := []struct {
		topic string
		want  string
		ok    bool
	}{
		{"hearth/kitchen/utterance", "kitchen", true},
		{"hearth/bedroom-2/utterance", "bedroom-2", true},
		{"hearth/kitchen/reply", "", false},
		{"other/kitchen/utterance", "", false},
		{"hearth//utterance", "", false},
		{"hearth/a/b/utterance", "", false},
	}
	for _, tt := range tests {
		got, ok := b.satelliteFromTopic(tt.topic)
		if got != tt.want || ok != tt.ok {
			t.Errorf("satelliteFromTopic(%q) = %q/%v, want %q/%v", tt.topic, got, ok, tt.want, tt.ok)
		}
	}
}

func TestParseUtterance_JSON(t *testing.T) {
	b := testBridge(func(spoken string) (string, bool) {
		if spoken == "sammy" {
			return "Samuel Ortiz", true
		}
		return "", false
	})

	in, ok := b.parseUtterance([]byte(`{"text":"turn on the lights","speaker":"sammy"}`))
	if !ok {
		t.Fatal("not parsed")
	}
	if in.Utterance != "turn on the lights" {
		t.Errorf("utterance = %q", in.Utterance)
	}
	if in.UserID != "Samuel Ortiz" {
		t.Errorf("speaker not resolved: %q", in.UserID)
	}
}

func TestParseUtterance_UnresolvedSpeakerKept(t *testing.T) {
	b := testBridge(func(string) (string, bool) { return "", false })

	in, ok := b.parseUtterance([]byte(`{"text":"hi","speaker":"stranger"}`))
	if !ok || in.UserID != "stranger" {
		t.Errorf("in = %+v ok=%v", in, ok)
	}
}

func TestParseUtterance_BareText(t *testing.T) {
	b := testBridge(nil)

	in, ok := b.parseUtterance([]byte("what time is it"))
	if !ok || in.Utterance != "what time is it" || in.UserID != "" {
		t.Errorf("in = %+v ok=%v", in, ok)
	}
}

func TestParseUtterance_Empty(t *testing.T) {
	b := testBridge(nil)
	if _, ok := b.parseUtterance([]byte("   ")); ok {
		t.Error("blank utterance accepted")
	}
	if _, ok := b.parseUtterance([]byte(`{"speaker":"sam"}`)); ok {
		t.Error("textless payload accepted")
	}
}
