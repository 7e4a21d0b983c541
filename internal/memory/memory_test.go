package memory

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/verlo/hearth/internal/storage"
)

func newTestStore(t *testing.T, limits Limits) *Store {
	t.Helper()
	backing, err := storage.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	s, err := New(backing, limits, nil)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestAdd_Dedup(t *testing.T) {
	s := newTestStore(t, Limits{})

	id1, added := s.Add("sam", CategoryPreference, "Likes dim lights at night", "", nil, "conversation")
	if !added {
		t.Fatal("first add not added")
	}

	// Same content modulo case and whitespace is a duplicate.
	id2, added := s.Add("sam", CategoryPreference, "  likes DIM lights at night ", "", nil, "conversation")
	if added {
		t.Error("duplicate was added")
	}
	if id2 != id1 {
		t.Errorf("duplicate returned %q, want existing %q", id2, id1)
	}
	if s.Count("sam") != 1 {
		t.Errorf("count = %d, want 1", s.Count("sam"))
	}
}

func TestAdd_TruncatesContent(t *testing.T) {
	s := newTestStore(t, Limits{MaxContentLength: 10})

	id, _ := s.Add("sam", CategoryFact, "this content is far too long", "", nil, "")
	got := s.Search("sam", Query{})
	if len(got) != 1 || got[0].ID != id {
		t.Fatalf("entries = %+v", got)
	}
	if got[0].Content != "this conte" {
		t.Errorf("content = %q", got[0].Content)
	}
}

func TestAdd_TruncatesOnRuneBoundary(t *testing.T) {
	// Each kanji is 3 bytes; a 4-byte cap lands mid-rune and must back
	// up rather than store a split character.
	s := newTestStore(t, Limits{MaxContentLength: 4})

	s.Add("sam", CategoryFact, "日本語", "", nil, "")
	got := s.Search("sam", Query{})
	if len(got) != 1 {
		t.Fatalf("entries = %+v", got)
	}
	if !utf8.ValidString(got[0].Content) {
		t.Errorf("content %q is not valid UTF-8", got[0].Content)
	}
	if got[0].Content != "日" {
		t.Errorf("content = %q, want %q", got[0].Content, "日")
	}
}

func TestAdd_EvictsLeastUsed(t *testing.T) {
	s := newTestStore(t, Limits{MaxPerUser: 3})
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	now := base
	s.nowFunc = func() time.Time { return now }

	s.Add("sam", CategoryFact, "first", "", nil, "")
	s.Add("sam", CategoryFact, "second", "", nil, "")
	s.Add("sam", CategoryFact, "third", "", nil, "")

	// Bump everything except "second" so it is the eviction candidate.
	for _, e := range s.Search("sam", Query{}) {
		if e.Content != "second" {
			s.bumpForTest(e.ID, "sam")
		}
	}

	now = base.Add(time.Minute)
	s.Add("sam", CategoryFact, "fourth", "", nil, "")

	if s.Count("sam") != 3 {
		t.Fatalf("count = %d, want 3", s.Count("sam"))
	}
	if got := s.Search("sam", Query{Substring: "second"}); len(got) != 0 {
		t.Error("least-used entry survived eviction")
	}
	if got := s.Search("sam", Query{Substring: "fourth"}); len(got) != 1 {
		t.Error("new entry missing after eviction")
	}
}

// bumpForTest raises an entry's access stats directly.
func (s *Store) bumpForTest(id, scope string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.scopes[scope] {
		if e.ID == id {
			e.AccessCount++
			e.LastAccessed = s.nowFunc()
		}
	}
}

func TestUpdateAndDelete(t *testing.T) {
	s := newTestStore(t, Limits{})
	id, _ := s.Add("sam", CategoryFact, "original", "", nil, "")

	if !s.Update("sam", id, "revised", "new context", []string{"home"}) {
		t.Fatal("update failed")
	}
	got := s.Search("sam", Query{Tag: "home"})
	if len(got) != 1 || got[0].Content != "revised" || got[0].Context != "new context" {
		t.Errorf("entries = %+v", got)
	}

	if s.Update("sam", "no-such-id", "x", "", nil) {
		t.Error("update of missing ID succeeded")
	}
	if !s.Delete("sam", id) {
		t.Error("delete failed")
	}
	if s.Delete("sam", id) {
		t.Error("second delete succeeded")
	}
}

func TestSearch_Filters(t *testing.T) {
	s := newTestStore(t, Limits{})
	s.Add("sam", CategoryPreference, "Prefers warm light", "", []string{"lighting"}, "")
	s.Add("sam", CategoryFact, "Works from home on Fridays", "", []string{"schedule"}, "")

	if got := s.Search("sam", Query{Category: CategoryFact}); len(got) != 1 {
		t.Errorf("category filter: %+v", got)
	}
	if got := s.Search("sam", Query{Tag: "LIGHTING"}); len(got) != 1 {
		t.Errorf("tag filter: %+v", got)
	}
	if got := s.Search("sam", Query{Substring: "fridays"}); len(got) != 1 {
		t.Errorf("substring filter: %+v", got)
	}
	if got := s.Search("sam", Query{Substring: "nothing"}); len(got) != 0 {
		t.Errorf("non-match returned: %+v", got)
	}
}

func TestInjectionText_InstructionsFirstAndBumped(t *testing.T) {
	s := newTestStore(t, Limits{InjectionCount: 2})

	s.Add("sam", CategoryFact, "Drives an EV", "", nil, "")
	s.Add(ScopeGlobal, CategoryInstruction, "Always answer briefly", "", nil, "")
	s.Add("sam", CategoryPreference, "Likes jazz", "", nil, "")

	text := s.InjectionText("sam")
	if !strings.Contains(text, "Standing instructions:\n- Always answer briefly") {
		t.Errorf("instruction not leading:\n%s", text)
	}
	// Cap of 2: instruction plus one other entry.
	if lines := strings.Count(text, "- "); lines != 2 {
		t.Errorf("got %d entries, want 2:\n%s", lines, text)
	}

	// Selected entries were bumped.
	for _, e := range s.Search(ScopeGlobal, Query{}) {
		if e.AccessCount != 1 {
			t.Errorf("instruction access count = %d, want 1", e.AccessCount)
		}
	}
}

func TestAgentInjectionText_RecencyOrder(t *testing.T) {
	s := newTestStore(t, Limits{})
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	now := base
	s.nowFunc = func() time.Time { return now }

	s.Add(ScopeAgent, CategoryObservation, "older note", "", nil, "")
	now = base.Add(time.Hour)
	s.Add(ScopeAgent, CategoryObservation, "newer note", "", nil, "")

	text := s.AgentInjectionText()
	newer := strings.Index(text, "newer note")
	older := strings.Index(text, "older note")
	if newer == -1 || older == -1 || newer > older {
		t.Errorf("recency order wrong:\n%s", text)
	}

	// Agent reads do not bump stats.
	for _, e := range s.Search(ScopeAgent, Query{}) {
		if e.AccessCount != 0 {
			t.Errorf("agent entry bumped: %+v", e)
		}
	}
}

func TestMergeUsers(t *testing.T) {
	s := newTestStore(t, Limits{})
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	now := base
	s.nowFunc = func() time.Time { return now }

	s.Add("sam", CategoryFact, "Shared fact", "", nil, "")
	s.RecordInteraction("sam", 100)

	now = base.Add(time.Hour)
	s.Add("sammy", CategoryFact, "shared fact", "", nil, "") // duplicate of sam's
	s.Add("sammy", CategoryFact, "Unique fact", "", nil, "")
	s.RecordInteraction("sammy", 50)

	if err := s.MergeUsers("sammy", "sam"); err != nil {
		t.Fatal(err)
	}

	if s.Count("sammy") != 0 {
		t.Error("source scope survived merge")
	}
	if s.Count("sam") != 2 {
		t.Errorf("dst count = %d, want 2 (dedup)", s.Count("sam"))
	}

	p, ok := s.ProfileFor("sam")
	if !ok {
		t.Fatal("profile missing")
	}
	if p.Conversations != 2 || p.TokensUsed != 150 {
		t.Errorf("profile = %+v", p)
	}
	if !p.FirstInteraction.Equal(base) {
		t.Errorf("FirstInteraction = %v, want earliest %v", p.FirstInteraction, base)
	}
	if _, ok := s.ProfileFor("sammy"); ok {
		t.Error("source profile survived merge")
	}
}

func TestMergeUsers_ReservedScope(t *testing.T) {
	s := newTestStore(t, Limits{})
	if err := s.MergeUsers(ScopeGlobal, "sam"); err == nil {
		t.Error("merging global scope allowed")
	}
}

func TestFlush_DebounceAndClose(t *testing.T) {
	backing, err := storage.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	s, err := New(backing, Limits{FlushDebounce: time.Minute}, nil)
	if err != nil {
		t.Fatal(err)
	}
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	s.nowFunc = func() time.Time { return base }

	s.Add("sam", CategoryFact, "persist me", "", nil, "")

	// Within the debounce window nothing is written.
	if err := s.MaybeFlush(base.Add(10 * time.Second)); err != nil {
		t.Fatal(err)
	}
	fresh, _ := New(backing, Limits{}, nil)
	if fresh.Count("sam") != 0 {
		t.Error("flush happened inside debounce window")
	}

	// Close forces the write.
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	fresh, err = New(backing, Limits{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if fresh.Count("sam") != 1 {
		t.Error("entry not persisted by Close")
	}
}

func TestFlush_AfterDebounce(t *testing.T) {
	backing, _ := storage.New(t.TempDir())
	s, _ := New(backing, Limits{FlushDebounce: time.Minute}, nil)
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	s.nowFunc = func() time.Time { return base }

	s.Add("sam", CategoryFact, "persist me", "", nil, "")
	if err := s.MaybeFlush(base.Add(2 * time.Minute)); err != nil {
		t.Fatal(err)
	}

	fresh, _ := New(backing, Limits{}, nil)
	if fresh.Count("sam") != 1 {
		t.Error("entry not persisted after debounce window")
	}
}
