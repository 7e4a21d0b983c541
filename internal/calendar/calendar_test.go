package calendar

import (
	"testing"
	"time"

	"github.com/emersion/go-ical"
)

func icalEvent(t *testing.T, summary string, start, end time.Time) *ical.Event {
	t.Helper()
	ev := ical.NewEvent()
	ev.Props.SetText(ical.PropUID, "uid-1")
	if summary != "" {
		ev.Props.SetText(ical.PropSummary, summary)
	}
	ev.Props.SetDateTime(ical.PropDateTimeStart, start)
	if !end.IsZero() {
		ev.Props.SetDateTime(ical.PropDateTimeEnd, end)
	}
	return ev
}

func TestParseEvent(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	ev := icalEvent(t, "dentist", start, end)

	prop := ical.NewProp(ical.PropOrganizer)
	prop.Value = "mailto:maya@example.net"
	prop.Params.Set(ical.ParamCommonName, "Maya")
	ev.Props.Set(prop)

	got, ok := parseEvent(*ev)
	if !ok {
		t.Fatal("event not parsed")
	}
	if got.Summary != "dentist" || got.Owner != "Maya" {
		t.Errorf("event = %+v", got)
	}
	if !got.Start.Equal(start) || !got.End.Equal(end) {
		t.Errorf("times = %v / %v", got.Start, got.End)
	}
}

func TestParseEvent_MissingSummarySkipped(t *testing.T) {
	ev := icalEvent(t, "", time.Now(), time.Time{})
	if _, ok := parseEvent(*ev); ok {
		t.Error("summaryless event parsed")
	}
}

func TestParseEvent_MissingEndDefaultsToStart(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	ev := icalEvent(t, "ping", start, time.Time{})

	got, ok := parseEvent(*ev)
	if !ok {
		t.Fatal("event not parsed")
	}
	if !got.End.Equal(got.Start) {
		t.Errorf("end = %v, want start %v", got.End, got.Start)
	}
}
