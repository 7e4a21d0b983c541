// Package alarms implements the persistent alarm engine: creation,
// snooze, dismissal, and a due-sweep that fires each alarm exactly once
// even across restarts and overlapping sweeps.
package alarms

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/verlo/hearth/internal/storage"
)

// Status is the alarm lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusSnoozed   Status = "snoozed"
	StatusDismissed Status = "dismissed"
	StatusFired     Status = "fired"
)

// Alarm is a one-shot scheduled alert.
type Alarm struct {
	ID           string    `json:"id"`
	Label        string    `json:"label"`
	Message      string    `json:"message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	ScheduledFor time.Time `json:"scheduled_for"`
	Active       bool      `json:"active"`
	Status       Status    `json:"status"`
	Dismissed    bool      `json:"dismissed"`
	Fired        bool      `json:"fired"`
	SnoozedUntil time.Time `json:"snoozed_until,omitempty"`
	LastFiredAt  time.Time `json:"last_fired_at,omitempty"`
	FireCount    int       `json:"fire_count"`
}

// FireMarker identifies one specific firing of an alarm. The executor
// uses it to make delivery idempotent: a marker already recorded means
// every backend already ran for this firing.
func (a *Alarm) FireMarker() string {
	return fmt.Sprintf("%s:%s:%d", a.ID, a.LastFiredAt.Format(time.RFC3339Nano), a.FireCount)
}

// ErrNotFuture rejects alarms scheduled at or before the current time.
var ErrNotFuture = errors.New("Alarm time must be in the future")

// ErrNotFound reports an unknown alarm ID.
var ErrNotFound = errors.New("alarm not found")

const blobKey = "alarms"

// softCap is only a warning threshold. Old fired alarms are kept for
// the user to review and delete; nothing is purged automatically.
const softCap = 200

type persisted struct {
	Alarms   []*Alarm        `json:"alarms"`
	Executed map[string]bool `json:"executed"`
}

// Engine owns the alarm set and its persistence.
type Engine struct {
	backing *storage.Store
	logger  *slog.Logger

	mu       sync.Mutex
	alarms   []*Alarm
	executed map[string]bool

	nowFunc func() time.Time
}

// NewEngine loads the alarm set from backing storage.
func NewEngine(backing *storage.Store, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		backing:  backing,
		logger:   logger.With("component", "alarms"),
		executed: make(map[string]bool),
		nowFunc:  time.Now,
	}

	var blob persisted
	if err := backing.Load(blobKey, &blob); err != nil {
		return nil, fmt.Errorf("load alarms: %w", err)
	}
	e.alarms = blob.Alarms
	if blob.Executed != nil {
		e.executed = blob.Executed
	}
	return e, nil
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}

// Create schedules a new alarm. when must parse as RFC3339 and lie in
// the future.
func (e *Engine) Create(when, label, message string) (*Alarm, error) {
	t, err := time.Parse(time.RFC3339, when)
	if err != nil {
		return nil, fmt.Errorf("parse alarm time: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.nowFunc()
	if !t.After(now) {
		return nil, ErrNotFuture
	}

	a := &Alarm{
		ID:           newID(),
		Label:        label,
		Message:      message,
		CreatedAt:    now,
		UpdatedAt:    now,
		ScheduledFor: t,
		Active:       true,
		Status:       StatusActive,
	}
	e.alarms = append(e.alarms, a)
	if len(e.alarms) > softCap {
		e.logger.Warn("alarm list is large, consider deleting old alarms", "count", len(e.alarms))
	}
	if err := e.saveLocked(); err != nil {
		e.alarms = e.alarms[:len(e.alarms)-1]
		return nil, err
	}

	copy := *a
	return &copy, nil
}

// List returns alarm copies sorted by scheduled time. With activeOnly
// set, dismissed and fired alarms are excluded.
func (e *Engine) List(activeOnly bool) []Alarm {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []Alarm
	for _, a := range e.alarms {
		if activeOnly && !a.Active {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.Before(out[j].ScheduledFor) })
	return out
}

// Get returns a copy of the alarm.
func (e *Engine) Get(id string) (*Alarm, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a := e.findLocked(id)
	if a == nil {
		return nil, ErrNotFound
	}
	copy := *a
	return &copy, nil
}

func (e *Engine) findLocked(id string) *Alarm {
	for _, a := range e.alarms {
		if a.ID == id {
			return a
		}
	}
	return nil
}

// Cancel dismisses an active or snoozed alarm. Dismissal is terminal.
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	a := e.findLocked(id)
	if a == nil {
		return ErrNotFound
	}
	if a.Status != StatusActive && a.Status != StatusSnoozed {
		return fmt.Errorf("alarm is %s, cannot cancel", a.Status)
	}

	a.Active = false
	a.Status = StatusDismissed
	a.Dismissed = true
	a.UpdatedAt = e.nowFunc()
	return e.saveLocked()
}

// Snooze pushes an active alarm's next trigger minutes into the future.
func (e *Engine) Snooze(id string, minutes int) (*Alarm, error) {
	if minutes <= 0 {
		return nil, fmt.Errorf("snooze minutes must be positive")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	a := e.findLocked(id)
	if a == nil {
		return nil, ErrNotFound
	}
	if a.Status != StatusActive {
		return nil, fmt.Errorf("alarm is %s, cannot snooze", a.Status)
	}

	now := e.nowFunc()
	a.Status = StatusSnoozed
	a.SnoozedUntil = now.Add(time.Duration(minutes) * time.Minute)
	a.UpdatedAt = now
	if err := e.saveLocked(); err != nil {
		return nil, err
	}

	copy := *a
	return &copy, nil
}

// PopDue returns copies of every alarm due at now and flips each one to
// fired in the same pass, so a repeated call with the same now returns
// nothing. Snoozed alarms trigger on SnoozedUntil rather than their
// original schedule.
func (e *Engine) PopDue(now time.Time) []Alarm {
	e.mu.Lock()
	defer e.mu.Unlock()

	var due []Alarm
	for _, a := range e.alarms {
		if !a.Active {
			continue
		}
		trigger := a.ScheduledFor
		if !a.SnoozedUntil.IsZero() {
			trigger = a.SnoozedUntil
		}
		if trigger.After(now) {
			continue
		}

		a.Active = false
		a.Status = StatusFired
		a.Fired = true
		a.FireCount++
		a.LastFiredAt = now
		a.UpdatedAt = now
		due = append(due, *a)
	}

	if len(due) > 0 {
		if err := e.saveLocked(); err != nil {
			e.logger.Error("persist fired alarms", "error", err)
		}
	}
	return due
}

// Delete removes an alarm entirely.
func (e *Engine) Delete(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, a := range e.alarms {
		if a.ID == id {
			e.alarms = append(e.alarms[:i], e.alarms[i+1:]...)
			return e.saveLocked()
		}
	}
	return ErrNotFound
}

// WasExecuted reports whether delivery already completed for this fire
// marker.
func (e *Engine) WasExecuted(marker string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.executed[marker]
}

// MarkExecuted records that delivery ran for this fire marker.
func (e *Engine) MarkExecuted(marker string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.executed[marker] = true
	return e.saveLocked()
}

func (e *Engine) saveLocked() error {
	blob := persisted{Alarms: e.alarms, Executed: e.executed}
	if err := e.backing.Save(blobKey, blob); err != nil {
		return fmt.Errorf("persist alarms: %w", err)
	}
	return nil
}
