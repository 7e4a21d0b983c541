// Package entityindex maintains a cached, area-grouped snapshot of the
// home's entities for prompt injection. The index is rebuilt at most
// once per TTL; websocket state events can invalidate it early so the
// next conversation sees fresh structure.
package entityindex

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/verlo/hearth/internal/homeassistant"
)

const defaultTTL = 30 * time.Second

// Provider supplies the entity inventory. Satisfied by
// [homeassistant.Client].
type Provider interface {
	GetEntities(ctx context.Context, domain string) ([]homeassistant.EntityInfo, error)
}

// Index caches the entity inventory and renders it for prompts.
type Index struct {
	provider Provider
	ttl      time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	entities []homeassistant.EntityInfo
	text     string
	hash     string
	builtAt  time.Time

	nowFunc func() time.Time
}

// New creates an entity index over the given provider.
func New(provider Provider, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{
		provider: provider,
		ttl:      defaultTTL,
		logger:   logger.With("component", "entityindex"),
		nowFunc:  time.Now,
	}
}

// EntityIndex returns the area-grouped entity listing and its content
// hash, refreshing when the TTL has lapsed or force is set. The hash is
// stable across refreshes that find the same entities, which keeps the
// prompt's cached prefix valid between turns.
func (ix *Index) EntityIndex(ctx context.Context, force bool) (text, hash string, err error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.refreshLocked(ctx, force); err != nil {
		return "", "", err
	}
	return ix.text, ix.hash, nil
}

// Invalidate drops the cached index so the next read rebuilds.
func (ix *Index) Invalidate() {
	ix.mu.Lock()
	ix.builtAt = time.Time{}
	ix.mu.Unlock()
}

// refreshLocked rebuilds the index when stale. Callers hold ix.mu.
func (ix *Index) refreshLocked(ctx context.Context, force bool) error {
	now := ix.nowFunc()
	if !force && !ix.builtAt.IsZero() && now.Sub(ix.builtAt) < ix.ttl {
		return nil
	}

	entities, err := ix.provider.GetEntities(ctx, "")
	if err != nil {
		// Serve the stale index if we have one rather than breaking
		// the conversation.
		if ix.text != "" {
			ix.logger.Warn("index refresh failed, serving stale", "error", err)
			return nil
		}
		return fmt.Errorf("refresh entity index: %w", err)
	}

	hash := contentHash(entities)
	if hash != ix.hash {
		ix.text = render(entities)
		ix.hash = hash
		ix.logger.Debug("entity index rebuilt", "entities", len(entities), "hash", hash)
	}
	ix.entities = entities
	ix.builtAt = now
	return nil
}

// contentHash digests the structural identity of the home: which
// entities exist, what they are called, and where they live. State
// values are deliberately excluded so flapping sensors do not churn the
// prompt prefix.
func contentHash(entities []homeassistant.EntityInfo) string {
	triples := make([]string, len(entities))
	for i, e := range entities {
		triples[i] = e.EntityID + "\x00" + e.FriendlyName + "\x00" + e.AreaName
	}
	sort.Strings(triples)

	h := sha256.New()
	for _, t := range triples {
		h.Write([]byte(t))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil)[:8])
}

// render produces the area-grouped listing. Areas sort alphabetically
// with unassigned entities last, entities sort by ID within an area.
func render(entities []homeassistant.EntityInfo) string {
	byArea := make(map[string][]homeassistant.EntityInfo)
	for _, e := range entities {
		byArea[e.AreaName] = append(byArea[e.AreaName], e)
	}

	areas := make([]string, 0, len(byArea))
	for area := range byArea {
		if area != "" {
			areas = append(areas, area)
		}
	}
	sort.Strings(areas)
	if _, ok := byArea[""]; ok {
		areas = append(areas, "")
	}

	var b strings.Builder
	for _, area := range areas {
		name := area
		if name == "" {
			name = "Other"
		}
		fmt.Fprintf(&b, "## %s\n", name)
		group := byArea[area]
		sort.Slice(group, func(i, j int) bool { return group[i].EntityID < group[j].EntityID })
		for _, e := range group {
			fmt.Fprintf(&b, "- %s (%s)\n", e.EntityID, e.FriendlyName)
		}
	}
	return b.String()
}

// Domain keywords let an utterance like "it's too dark" pull in lights
// without naming one.
var domainKeywords = map[string][]string{
	"light":               {"light", "lights", "lamp", "dark", "bright", "dim"},
	"switch":              {"switch", "plug", "outlet"},
	"climate":             {"thermostat", "temperature", "heat", "cool", "warm", "cold", "ac"},
	"cover":               {"blind", "blinds", "shade", "shades", "curtain", "garage", "door"},
	"lock":                {"lock", "locked", "unlock"},
	"fan":                 {"fan"},
	"media_player":        {"music", "tv", "speaker", "volume", "play", "pause"},
	"sensor":              {"sensor", "humidity", "battery"},
	"vacuum":              {"vacuum", "clean"},
	"alarm_control_panel": {"alarm", "arm", "disarm"},
}

// RelevantStates returns up to max entities scored against the query,
// rendered as compact state lines. Name word matches score highest,
// then area matches, then domain keyword matches. Scoring is a ranking
// heuristic only; it never decides what gets acted on.
func (ix *Index) RelevantStates(ctx context.Context, query string, max int) (string, error) {
	ix.mu.Lock()
	if err := ix.refreshLocked(ctx, false); err != nil {
		ix.mu.Unlock()
		return "", err
	}
	entities := ix.entities
	ix.mu.Unlock()

	words := tokenize(query)
	if len(words) == 0 {
		return "", nil
	}

	type scored struct {
		entity homeassistant.EntityInfo
		score  int
	}
	var matches []scored
	for _, e := range entities {
		s := scoreEntity(e, words)
		if s > 0 {
			matches = append(matches, scored{e, s})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].score > matches[j].score })

	if max > 0 && len(matches) > max {
		matches = matches[:max]
	}

	var b strings.Builder
	for _, m := range matches {
		fmt.Fprintf(&b, "- %s (%s, %s): %s\n",
			m.entity.EntityID, m.entity.FriendlyName, orNoArea(m.entity.AreaName), m.entity.State)
	}
	return b.String(), nil
}

func orNoArea(area string) string {
	if area == "" {
		return "no area"
	}
	return area
}

func scoreEntity(e homeassistant.EntityInfo, words map[string]bool) int {
	score := 0
	for _, w := range tokenizeList(e.FriendlyName) {
		if words[w] {
			score += 3
		}
	}
	for _, w := range tokenizeList(e.AreaName) {
		if words[w] {
			score += 2
		}
	}
	for _, kw := range domainKeywords[e.Domain] {
		if words[kw] {
			score++
			break
		}
	}
	return score
}

func tokenize(s string) map[string]bool {
	words := make(map[string]bool)
	for _, w := range tokenizeList(s) {
		words[w] = true
	}
	return words
}

func tokenizeList(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
}
