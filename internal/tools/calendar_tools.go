package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/verlo/hearth/internal/calendar"
)

// CalendarSource reads upcoming events. Satisfied by the CalDAV client.
type CalendarSource interface {
	Upcoming(ctx context.Context, window time.Duration) ([]calendar.Event, error)
}

// RegisterCalendar adds the calendar lookup tool.
func RegisterCalendar(r *Registry, source CalendarSource) {
	r.Register(&upcomingEventsTool{source})
}

type upcomingEventsTool struct {
	source CalendarSource
}

func (t *upcomingEventsTool) Schema() Schema {
	return Schema{
		Name:        "upcoming_events",
		Description: "List calendar events in the next hours.",
		Parameters: []Param{
			{Name: "hours", Type: "integer", Description: "Lookahead window in hours", Default: 24},
		},
	}
}

func (t *upcomingEventsTool) Execute(ctx context.Context, args map[string]any) Result {
	hours := intArg(args, "hours", 24)
	if hours <= 0 {
		hours = 24
	}

	events, err := t.source.Upcoming(ctx, time.Duration(hours)*time.Hour)
	if err != nil {
		return Failed("read calendar: %v", err)
	}
	if len(events) == 0 {
		return OK("Nothing on the calendar.", map[string]any{"count": 0})
	}

	var b strings.Builder
	for _, ev := range events {
		line := fmt.Sprintf("%s at %s", ev.Summary, ev.Start.Format("Mon 3:04 PM"))
		if ev.Owner != "" {
			line += " (" + ev.Owner + ")"
		}
		b.WriteString(line + "\n")
	}
	return OK(b.String(), map[string]any{"count": len(events)})
}
