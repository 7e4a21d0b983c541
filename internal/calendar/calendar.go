// Package calendar reads upcoming events over CalDAV so conversations
// and reminders can reference the household schedule.
package calendar

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"

	"github.com/verlo/hearth/internal/httpkit"
)

// Event is one calendar entry.
type Event struct {
	Summary string
	Start   time.Time
	End     time.Time
	Owner   string
}

// Client reads events from one CalDAV calendar collection.
type Client struct {
	client *caldav.Client
	path   string
	logger *slog.Logger
}

// New creates a CalDAV client for the given server URL and calendar
// path. With an empty path the first discovered calendar is used.
func New(serverURL, username, password, path string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := httpkit.NewClient(httpkit.WithTimeout(30 * time.Second))
	var authed webdav.HTTPClient = httpClient
	if username != "" {
		authed = webdav.HTTPClientWithBasicAuth(httpClient, username, password)
	}

	c, err := caldav.NewClient(authed, serverURL)
	if err != nil {
		return nil, fmt.Errorf("create caldav client: %w", err)
	}
	return &Client{
		client: c,
		path:   path,
		logger: logger.With("component", "calendar"),
	}, nil
}

// calendarPath resolves the configured path, discovering the first
// calendar on the server when none is set.
func (c *Client) calendarPath(ctx context.Context) (string, error) {
	if c.path != "" {
		return c.path, nil
	}

	principal, err := c.client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", fmt.Errorf("find principal: %w", err)
	}
	homeSet, err := c.client.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return "", fmt.Errorf("find calendar home set: %w", err)
	}
	calendars, err := c.client.FindCalendars(ctx, homeSet)
	if err != nil {
		return "", fmt.Errorf("list calendars: %w", err)
	}
	if len(calendars) == 0 {
		return "", fmt.Errorf("no calendars on server")
	}
	c.path = calendars[0].Path
	c.logger.Info("discovered calendar", "path", c.path)
	return c.path, nil
}

// Upcoming returns events starting within the window from now, sorted
// by start time.
func (c *Client) Upcoming(ctx context.Context, window time.Duration) ([]Event, error) {
	path, err := c.calendarPath(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:  ical.CompCalendar,
			Comps: []caldav.CalendarCompRequest{{Name: ical.CompEvent, AllProps: true}},
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: now,
				End:   now.Add(window),
			}},
		},
	}

	objects, err := c.client.QueryCalendar(ctx, path, query)
	if err != nil {
		return nil, fmt.Errorf("query calendar: %w", err)
	}

	var events []Event
	for _, obj := range objects {
		for _, ev := range obj.Data.Events() {
			parsed, ok := parseEvent(ev)
			if !ok {
				continue
			}
			if parsed.Start.Before(now) || parsed.Start.After(now.Add(window)) {
				continue
			}
			events = append(events, parsed)
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Start.Before(events[j].Start) })
	return events, nil
}

func parseEvent(ev ical.Event) (Event, bool) {
	summary, err := ev.Props.Text(ical.PropSummary)
	if err != nil || summary == "" {
		return Event{}, false
	}
	start, err := ev.DateTimeStart(time.Local)
	if err != nil {
		return Event{}, false
	}
	end, err := ev.DateTimeEnd(time.Local)
	if err != nil {
		end = start
	}

	owner := ""
	if prop := ev.Props.Get(ical.PropOrganizer); prop != nil {
		owner = prop.Params.Get(ical.ParamCommonName)
	}
	return Event{Summary: summary, Start: start, End: end, Owner: owner}, true
}
