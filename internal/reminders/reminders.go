// Package reminders turns upcoming calendar events into spoken-style
// reminder lines, each fired at most once per event and stage.
package reminders

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/verlo/hearth/internal/calendar"
	"github.com/verlo/hearth/internal/storage"
)

// stage is one reminder window before an event. Windows are checked
// smallest-first so an event discovered late gets the most urgent
// phrasing rather than all three.
type stage struct {
	name string
	min  time.Duration
	max  time.Duration
}

var stages = []stage{
	{"hour_before", 10 * time.Minute, 90 * time.Minute},
	{"hours_before", 3 * time.Hour, 5 * time.Hour},
	{"day_before", 20 * time.Hour, 28 * time.Hour},
}

const blobKey = "reminders"

// Engine tracks which reminder stages already fired per event.
type Engine struct {
	backing *storage.Store
	logger  *slog.Logger

	// fired maps event hash to the set of stage names delivered.
	fired map[string]map[string]bool
}

// NewEngine loads fired-stage state from backing storage.
func NewEngine(backing *storage.Store, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		backing: backing,
		logger:  logger.With("component", "reminders"),
		fired:   make(map[string]map[string]bool),
	}
	if err := backing.Load(blobKey, &e.fired); err != nil {
		return nil, fmt.Errorf("load reminders: %w", err)
	}
	if e.fired == nil {
		e.fired = make(map[string]map[string]bool)
	}
	return e, nil
}

// eventHash identifies an event across sweeps. A rescheduled event gets
// a new hash and therefore fresh reminders.
func eventHash(ev calendar.Event) string {
	sum := sha256.Sum256([]byte(ev.Summary + "\x00" + ev.Start.UTC().Format(time.RFC3339)))
	return hex.EncodeToString(sum[:8])
}

// Reminders returns reminder lines due at now for the given events.
// Each event fires each stage at most once; a window that passed
// unobserved is never caught up later. Hashes for events no longer in
// the feed are purged so the state file does not grow forever.
func (e *Engine) Reminders(events []calendar.Event, now time.Time) []string {
	present := make(map[string]bool, len(events))
	var out []string

	for _, ev := range events {
		hash := eventHash(ev)
		present[hash] = true
		until := ev.Start.Sub(now)
		if until <= 0 {
			continue
		}

		for _, st := range stages {
			if until < st.min || until > st.max {
				continue
			}
			if e.fired[hash][st.name] {
				break
			}
			if e.fired[hash] == nil {
				e.fired[hash] = make(map[string]bool)
			}
			e.fired[hash][st.name] = true
			out = append(out, phrase(ev, st.name, until))
			break
		}
	}

	purged := false
	for hash := range e.fired {
		if !present[hash] {
			delete(e.fired, hash)
			purged = true
		}
	}

	if len(out) > 0 || purged {
		if err := e.backing.Save(blobKey, e.fired); err != nil {
			e.logger.Error("persist reminder state", "error", err)
		}
	}
	return out
}

// phrase renders the stage-specific wording, naming the owner when the
// event has one.
func phrase(ev calendar.Event, stageName string, until time.Duration) string {
	subject := ev.Summary
	if ev.Owner != "" {
		subject = fmt.Sprintf("%s's %s", ev.Owner, ev.Summary)
	}

	switch stageName {
	case "day_before":
		return fmt.Sprintf("Tomorrow: %s at %s.", subject, ev.Start.Format("3:04 PM"))
	case "hours_before":
		return fmt.Sprintf("Later today: %s at %s.", subject, ev.Start.Format("3:04 PM"))
	default:
		minutes := int(until.Round(time.Minute).Minutes())
		return fmt.Sprintf("Coming up in %d minutes: %s.", minutes, subject)
	}
}
