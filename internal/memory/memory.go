// Package memory stores long-lived facts about users and the home,
// scoped per user plus shared agent and global scopes. Entries are
// injected into prompts weighted by how often they prove useful, and
// the whole store persists as one JSON blob with debounced flushing.
package memory

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/verlo/hearth/internal/storage"
)

// Category classifies what kind of thing an entry records.
type Category string

const (
	CategoryPreference  Category = "preference"
	CategoryNamedEntity Category = "named_entity"
	CategoryPattern     Category = "pattern"
	CategoryInstruction Category = "instruction"
	CategoryFact        Category = "fact"
	CategoryObservation Category = "observation"
)

// displayOrder fixes how categories group in injection text.
var displayOrder = []Category{
	CategoryInstruction,
	CategoryPreference,
	CategoryNamedEntity,
	CategoryPattern,
	CategoryFact,
	CategoryObservation,
}

var categoryLabels = map[Category]string{
	CategoryInstruction: "Standing instructions",
	CategoryPreference:  "Preferences",
	CategoryNamedEntity: "Named entities",
	CategoryPattern:     "Patterns",
	CategoryFact:        "Facts",
	CategoryObservation: "Observations",
}

// ValidCategory reports whether c is a known category.
func ValidCategory(c Category) bool {
	_, ok := categoryLabels[c]
	return ok
}

// Entry is one remembered item.
type Entry struct {
	ID           string    `json:"id"`
	Category     Category  `json:"category"`
	Content      string    `json:"content"`
	Context      string    `json:"context,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	AccessCount  int       `json:"access_count"`
	LastAccessed time.Time `json:"last_accessed"`
	Tags         []string  `json:"tags,omitempty"`
	Source       string    `json:"source,omitempty"`
}

// Profile tracks per-user interaction statistics.
type Profile struct {
	Conversations    int       `json:"conversations"`
	TokensUsed       int       `json:"tokens_used"`
	FirstInteraction time.Time `json:"first_interaction"`
	LastInteraction  time.Time `json:"last_interaction"`
}

// Reserved scopes. Any other scope name is a user ID.
const (
	ScopeAgent  = "agent"
	ScopeGlobal = "global"
)

// Limits bounds the store. Zero values fall back to defaults.
type Limits struct {
	MaxPerUser       int
	MaxGlobal        int
	MaxAgent         int
	MaxContentLength int
	InjectionCount   int
	FlushDebounce    time.Duration
}

func (l Limits) withDefaults() Limits {
	if l.MaxPerUser <= 0 {
		l.MaxPerUser = 100
	}
	if l.MaxGlobal <= 0 {
		l.MaxGlobal = 200
	}
	if l.MaxAgent <= 0 {
		l.MaxAgent = 150
	}
	if l.MaxContentLength <= 0 {
		l.MaxContentLength = 500
	}
	if l.InjectionCount <= 0 {
		l.InjectionCount = 15
	}
	if l.FlushDebounce <= 0 {
		l.FlushDebounce = 30 * time.Second
	}
	return l
}

const blobKey = "memory"

// persisted is the storage blob layout.
type persisted struct {
	Scopes   map[string][]*Entry `json:"scopes"`
	Profiles map[string]*Profile `json:"profiles"`
}

// Store holds all memory scopes.
type Store struct {
	limits  Limits
	backing *storage.Store
	logger  *slog.Logger

	mu        sync.Mutex
	scopes    map[string][]*Entry
	profiles  map[string]*Profile
	dirty     bool
	lastFlush time.Time

	nowFunc func() time.Time
}

// New loads the memory store from backing storage.
func New(backing *storage.Store, limits Limits, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		limits:   limits.withDefaults(),
		backing:  backing,
		logger:   logger.With("component", "memory"),
		scopes:   make(map[string][]*Entry),
		profiles: make(map[string]*Profile),
		nowFunc:  time.Now,
	}

	var blob persisted
	if err := backing.Load(blobKey, &blob); err != nil {
		return nil, fmt.Errorf("load memory: %w", err)
	}
	if blob.Scopes != nil {
		s.scopes = blob.Scopes
	}
	if blob.Profiles != nil {
		s.profiles = blob.Profiles
	}
	return s, nil
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}

func (s *Store) capFor(scope string) int {
	switch scope {
	case ScopeAgent:
		return s.limits.MaxAgent
	case ScopeGlobal:
		return s.limits.MaxGlobal
	default:
		return s.limits.MaxPerUser
	}
}

// normalize is the dedup key: case-insensitive, whitespace-trimmed.
func normalize(content string) string {
	return strings.ToLower(strings.TrimSpace(content))
}

// Add stores a new entry in the scope. When an entry with the same
// normalized content already exists its ID is returned with added=false.
// Over-capacity scopes evict the least-used entries first.
func (s *Store) Add(scope string, category Category, content, context string, tags []string, source string) (id string, added bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(content) > s.limits.MaxContentLength {
		cut := s.limits.MaxContentLength
		// Back up to a rune boundary so the truncation never splits a
		// multi-byte character.
		for cut > 0 && !utf8.RuneStart(content[cut]) {
			cut--
		}
		content = content[:cut]
	}

	key := normalize(content)
	for _, e := range s.scopes[scope] {
		if normalize(e.Content) == key {
			return e.ID, false
		}
	}

	s.evictLocked(scope)

	now := s.nowFunc()
	e := &Entry{
		ID:        newID(),
		Category:  category,
		Content:   content,
		Context:   context,
		CreatedAt: now,
		UpdatedAt: now,
		Tags:      tags,
		Source:    source,
	}
	s.scopes[scope] = append(s.scopes[scope], e)
	s.dirty = true
	return e.ID, true
}

// evictLocked removes the least-valuable entries until the scope is one
// below capacity, making room for the insert that follows. Stable sort
// keeps insertion order as the final tiebreak.
func (s *Store) evictLocked(scope string) {
	max := s.capFor(scope)
	entries := s.scopes[scope]
	if len(entries) < max {
		return
	}

	sorted := make([]*Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].AccessCount != sorted[j].AccessCount {
			return sorted[i].AccessCount < sorted[j].AccessCount
		}
		return sorted[i].LastAccessed.Before(sorted[j].LastAccessed)
	})

	drop := make(map[string]bool)
	for _, e := range sorted[:len(entries)-max+1] {
		drop[e.ID] = true
		s.logger.Debug("evicting memory", "scope", scope, "id", e.ID, "content", e.Content)
	}

	kept := entries[:0]
	for _, e := range entries {
		if !drop[e.ID] {
			kept = append(kept, e)
		}
	}
	s.scopes[scope] = kept
	s.dirty = true
}

// Update modifies an existing entry's content, context, or tags. Empty
// content leaves the current content in place.
func (s *Store) Update(scope, id, content, context string, tags []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.scopes[scope] {
		if e.ID != id {
			continue
		}
		if content != "" {
			if len(content) > s.limits.MaxContentLength {
				content = content[:s.limits.MaxContentLength]
			}
			e.Content = content
		}
		if context != "" {
			e.Context = context
		}
		if tags != nil {
			e.Tags = tags
		}
		e.UpdatedAt = s.nowFunc()
		s.dirty = true
		return true
	}
	return false
}

// Delete removes an entry by ID.
func (s *Store) Delete(scope, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.scopes[scope]
	for i, e := range entries {
		if e.ID == id {
			s.scopes[scope] = append(entries[:i], entries[i+1:]...)
			s.dirty = true
			return true
		}
	}
	return false
}

// Query filters a Search.
type Query struct {
	Category  Category
	Tag       string
	Substring string
}

// Search returns copies of entries in the scope matching the query.
// Empty query fields match everything.
func (s *Store) Search(scope string, q Query) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Entry
	for _, e := range s.scopes[scope] {
		if q.Category != "" && e.Category != q.Category {
			continue
		}
		if q.Tag != "" && !hasTag(e.Tags, q.Tag) {
			continue
		}
		if q.Substring != "" && !strings.Contains(strings.ToLower(e.Content), strings.ToLower(q.Substring)) {
			continue
		}
		out = append(out, *e)
	}
	return out
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, want) {
			return true
		}
	}
	return false
}

// Count returns the number of entries in a scope.
func (s *Store) Count(scope string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.scopes[scope])
}

// InjectionText renders the most valuable user and global entries for
// the prompt, grouped by category. Instructions always lead; within the
// cap, frequently-accessed entries win. Selected entries get their
// access stats bumped so usefulness compounds.
func (s *Store) InjectionText(userID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	pool := make([]*Entry, 0, len(s.scopes[userID])+len(s.scopes[ScopeGlobal]))
	pool = append(pool, s.scopes[userID]...)
	pool = append(pool, s.scopes[ScopeGlobal]...)
	if len(pool) == 0 {
		return ""
	}

	sort.SliceStable(pool, func(i, j int) bool {
		ii := pool[i].Category == CategoryInstruction
		ji := pool[j].Category == CategoryInstruction
		if ii != ji {
			return ii
		}
		if pool[i].AccessCount != pool[j].AccessCount {
			return pool[i].AccessCount > pool[j].AccessCount
		}
		return pool[i].LastAccessed.After(pool[j].LastAccessed)
	})

	if len(pool) > s.limits.InjectionCount {
		pool = pool[:s.limits.InjectionCount]
	}

	now := s.nowFunc()
	for _, e := range pool {
		e.AccessCount++
		e.LastAccessed = now
	}
	s.dirty = true

	return renderGrouped(pool)
}

// AgentInjectionText renders agent-scope entries, newest first. Agent
// memories are the assistant's own notes, so recency matters more than
// access frequency and reads do not bump stats.
func (s *Store) AgentInjectionText() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.scopes[ScopeAgent]
	if len(entries) == 0 {
		return ""
	}

	pool := make([]*Entry, len(entries))
	copy(pool, entries)
	sort.SliceStable(pool, func(i, j int) bool {
		return pool[i].UpdatedAt.After(pool[j].UpdatedAt)
	})
	if len(pool) > s.limits.InjectionCount {
		pool = pool[:s.limits.InjectionCount]
	}

	return renderGrouped(pool)
}

func renderGrouped(entries []*Entry) string {
	byCategory := make(map[Category][]*Entry)
	for _, e := range entries {
		byCategory[e.Category] = append(byCategory[e.Category], e)
	}

	var b strings.Builder
	for _, cat := range displayOrder {
		group := byCategory[cat]
		if len(group) == 0 {
			continue
		}
		fmt.Fprintf(&b, "%s:\n", categoryLabels[cat])
		for _, e := range group {
			fmt.Fprintf(&b, "- %s\n", e.Content)
		}
	}
	return b.String()
}

// RecordInteraction updates the user's profile after a conversation
// turn.
func (s *Store) RecordInteraction(userID string, tokens int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	p := s.profiles[userID]
	if p == nil {
		p = &Profile{FirstInteraction: now}
		s.profiles[userID] = p
	}
	p.Conversations++
	p.TokensUsed += tokens
	p.LastInteraction = now
	s.dirty = true
}

// ProfileFor returns a copy of the user's profile, if any.
func (s *Store) ProfileFor(userID string) (Profile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return Profile{}, false
	}
	return *p, true
}

// MergeUsers folds the src user's memories and profile into dst. Used
// when a spoken name resolves to an existing canonical identity. Entries
// duplicating dst content are dropped; profile stats sum with the
// earliest FirstInteraction kept. The src scope is deleted.
func (s *Store) MergeUsers(src, dst string) error {
	if src == ScopeAgent || src == ScopeGlobal || dst == ScopeAgent || dst == ScopeGlobal {
		return fmt.Errorf("cannot merge reserved scope")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(s.scopes[dst]))
	for _, e := range s.scopes[dst] {
		seen[normalize(e.Content)] = true
	}
	for _, e := range s.scopes[src] {
		if key := normalize(e.Content); !seen[key] {
			seen[key] = true
			s.scopes[dst] = append(s.scopes[dst], e)
		}
	}
	delete(s.scopes, src)

	if sp := s.profiles[src]; sp != nil {
		dp := s.profiles[dst]
		if dp == nil {
			s.profiles[dst] = sp
		} else {
			dp.Conversations += sp.Conversations
			dp.TokensUsed += sp.TokensUsed
			if sp.FirstInteraction.Before(dp.FirstInteraction) {
				dp.FirstInteraction = sp.FirstInteraction
			}
			if sp.LastInteraction.After(dp.LastInteraction) {
				dp.LastInteraction = sp.LastInteraction
			}
		}
		delete(s.profiles, src)
	}

	s.dirty = true
	s.logger.Info("merged user memories", "src", src, "dst", dst)
	return nil
}

// MaybeFlush persists the store if it is dirty and the debounce window
// has passed. Called opportunistically after conversations.
func (s *Store) MaybeFlush(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.dirty || now.Sub(s.lastFlush) < s.limits.FlushDebounce {
		return nil
	}
	return s.flushLocked(now)
}

// Close flushes unconditionally.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.dirty {
		return nil
	}
	return s.flushLocked(s.nowFunc())
}

func (s *Store) flushLocked(now time.Time) error {
	blob := persisted{Scopes: s.scopes, Profiles: s.profiles}
	if err := s.backing.Save(blobKey, blob); err != nil {
		return fmt.Errorf("flush memory: %w", err)
	}
	s.dirty = false
	s.lastFlush = now
	return nil
}
