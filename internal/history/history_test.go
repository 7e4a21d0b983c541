package history

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddAndRecentTurns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, turn := range []struct{ role, content string }{
		{"user", "turn on the lights"},
		{"assistant", "Done."},
		{"user", "thanks"},
	} {
		if err := s.AddTurn(ctx, "conv-1", turn.role, turn.content); err != nil {
			t.Fatal(err)
		}
	}

	turns, err := s.RecentTurns(ctx, "conv-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 3 {
		t.Fatalf("got %d turns", len(turns))
	}
	if turns[0].Content != "turn on the lights" || turns[2].Content != "thanks" {
		t.Errorf("order wrong: %+v", turns)
	}
}

func TestRecentTurns_LimitKeepsNewest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		s.AddTurn(ctx, "conv-1", "user", string(rune('a'+i)))
	}

	turns, err := s.RecentTurns(ctx, "conv-1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 2 || turns[0].Content != "d" || turns[1].Content != "e" {
		t.Errorf("turns = %+v", turns)
	}
}

func TestRecentTurns_IsolatedByConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.AddTurn(ctx, "conv-1", "user", "one")
	s.AddTurn(ctx, "conv-2", "user", "two")

	turns, _ := s.RecentTurns(ctx, "conv-2", 10)
	if len(turns) != 1 || turns[0].Content != "two" {
		t.Errorf("turns = %+v", turns)
	}
}

func TestRecentTurns_EmptyConversation(t *testing.T) {
	s := newTestStore(t)
	turns, err := s.RecentTurns(context.Background(), "nothing", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 0 {
		t.Errorf("turns = %+v", turns)
	}
}
