package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/verlo/hearth/internal/alarms"
)

// RegisterAlarms adds the alarm management tools.
func RegisterAlarms(r *Registry, engine *alarms.Engine) {
	r.Register(&createAlarmTool{engine})
	r.Register(&listAlarmsTool{engine})
	r.Register(&cancelAlarmTool{engine})
	r.Register(&snoozeAlarmTool{engine})
}

type createAlarmTool struct {
	engine *alarms.Engine
}

func (t *createAlarmTool) Schema() Schema {
	return Schema{
		Name:        "create_alarm",
		Description: "Schedule a one-shot alarm at a specific time.",
		Parameters: []Param{
			{Name: "time", Type: "string", Description: "Alarm time in RFC3339, e.g. 2026-03-02T07:30:00-05:00", Required: true},
			{Name: "label", Type: "string", Description: "Short name for the alarm", Required: true},
			{Name: "message", Type: "string", Description: "What to announce when it fires"},
		},
	}
}

func (t *createAlarmTool) Execute(ctx context.Context, args map[string]any) Result {
	when := stringArg(args, "time")
	label := stringArg(args, "label")
	if when == "" || label == "" {
		return Failed("time and label are required")
	}

	alarm, err := t.engine.Create(when, label, stringArg(args, "message"))
	if err != nil {
		return Failed("%v", err)
	}
	return OK(fmt.Sprintf("Alarm %q set for %s.", alarm.Label, alarm.ScheduledFor.Format(time.RFC1123)),
		map[string]any{"alarm_id": alarm.ID})
}

type listAlarmsTool struct {
	engine *alarms.Engine
}

func (t *listAlarmsTool) Schema() Schema {
	return Schema{
		Name:        "list_alarms",
		Description: "List alarms with their status and scheduled time.",
		Parameters: []Param{
			{Name: "active_only", Type: "boolean", Description: "Only alarms that have not fired or been dismissed", Default: true},
		},
	}
}

func (t *listAlarmsTool) Execute(ctx context.Context, args map[string]any) Result {
	list := t.engine.List(boolArg(args, "active_only", true))
	if len(list) == 0 {
		return OK("No alarms.", map[string]any{"count": 0})
	}

	var b strings.Builder
	for _, a := range list {
		fmt.Fprintf(&b, "[%s] %s at %s (%s)\n", a.ID, a.Label, a.ScheduledFor.Format(time.RFC1123), a.Status)
	}
	return OK(b.String(), map[string]any{"count": len(list)})
}

type cancelAlarmTool struct {
	engine *alarms.Engine
}

func (t *cancelAlarmTool) Schema() Schema {
	return Schema{
		Name:        "cancel_alarm",
		Description: "Dismiss an alarm so it never fires.",
		Parameters: []Param{
			{Name: "alarm_id", Type: "string", Description: "ID from list_alarms", Required: true},
		},
	}
}

func (t *cancelAlarmTool) Execute(ctx context.Context, args map[string]any) Result {
	id := stringArg(args, "alarm_id")
	if id == "" {
		return Failed("alarm_id is required")
	}
	if err := t.engine.Cancel(id); err != nil {
		return Failed("%v", err)
	}
	return OK("Alarm cancelled.", nil)
}

type snoozeAlarmTool struct {
	engine *alarms.Engine
}

func (t *snoozeAlarmTool) Schema() Schema {
	return Schema{
		Name:        "snooze_alarm",
		Description: "Push an active alarm back by some minutes.",
		Parameters: []Param{
			{Name: "alarm_id", Type: "string", Description: "ID from list_alarms", Required: true},
			{Name: "minutes", Type: "integer", Description: "How long to snooze", Required: true},
		},
	}
}

func (t *snoozeAlarmTool) Execute(ctx context.Context, args map[string]any) Result {
	id := stringArg(args, "alarm_id")
	if id == "" {
		return Failed("alarm_id is required")
	}
	minutes := intArg(args, "minutes", 0)

	alarm, err := t.engine.Snooze(id, minutes)
	if err != nil {
		return Failed("%v", err)
	}
	return OK(fmt.Sprintf("Snoozed until %s.", alarm.SnoozedUntil.Format(time.Kitchen)), nil)
}
