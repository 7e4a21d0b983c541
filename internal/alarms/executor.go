package alarms

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Platform is the service-call surface the executor delivers through.
// Satisfied by the Home Assistant client.
type Platform interface {
	CallService(ctx context.Context, domain, service string, data map[string]any, blocking bool) error
}

// Backends selects which delivery channels are enabled. Empty fields
// disable their backend.
type Backends struct {
	PersistentNotification bool
	NotifyService          string // e.g. "mobile_app_phone"
	TTSEntity              string // media_player entity for announcements
	Script                 string // script name to trigger
}

func (b Backends) enabled() []string {
	var names []string
	if b.PersistentNotification {
		names = append(names, "persistent_notification")
	}
	if b.NotifyService != "" {
		names = append(names, "notify")
	}
	if b.TTSEntity != "" {
		names = append(names, "tts")
	}
	if b.Script != "" {
		names = append(names, "script")
	}
	return names
}

// DeliveryStatus is the aggregate outcome of one alarm delivery.
type DeliveryStatus string

const (
	DeliveryOK      DeliveryStatus = "ok"      // every backend succeeded
	DeliveryPartial DeliveryStatus = "partial" // some backends failed
	DeliveryFailed  DeliveryStatus = "failed"  // every backend failed
	DeliverySkipped DeliveryStatus = "skipped" // already delivered or no backends
)

// Delivery reports what happened per backend.
type Delivery struct {
	Status    DeliveryStatus
	Attempted []string
	Errors    map[string]string
}

// Executor delivers fired alarms through the enabled backends.
type Executor struct {
	engine   *Engine
	platform Platform
	backends Backends
	timeout  time.Duration
	logger   *slog.Logger
}

// NewExecutor creates a delivery executor. timeout bounds each backend
// call individually.
func NewExecutor(engine *Engine, platform Platform, backends Backends, timeout time.Duration, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Executor{
		engine:   engine,
		platform: platform,
		backends: backends,
		timeout:  timeout,
		logger:   logger.With("component", "alarms.executor"),
	}
}

// Deliver announces a fired alarm. Each backend runs in isolation: one
// failing or timing out never stops the others. The fire marker is
// checked first and recorded only after every enabled backend was
// attempted, so a crash mid-delivery retries the whole set and a
// completed delivery never repeats.
func (x *Executor) Deliver(ctx context.Context, alarm Alarm) Delivery {
	marker := alarm.FireMarker()
	if x.engine.WasExecuted(marker) {
		x.logger.Debug("delivery already completed", "alarm", alarm.ID, "marker", marker)
		return Delivery{Status: DeliverySkipped}
	}

	names := x.backends.enabled()
	if len(names) == 0 {
		x.logger.Warn("no delivery backends enabled", "alarm", alarm.ID)
		return Delivery{Status: DeliverySkipped}
	}

	d := Delivery{Attempted: names, Errors: make(map[string]string)}
	for _, name := range names {
		if err := x.runBackend(ctx, name, alarm); err != nil {
			d.Errors[name] = err.Error()
			x.logger.Error("delivery backend failed", "alarm", alarm.ID, "backend", name, "error", err)
		}
	}

	switch len(d.Errors) {
	case 0:
		d.Status = DeliveryOK
	case len(names):
		d.Status = DeliveryFailed
	default:
		d.Status = DeliveryPartial
	}

	if err := x.engine.MarkExecuted(marker); err != nil {
		x.logger.Error("record delivery marker", "alarm", alarm.ID, "error", err)
	}
	return d
}

// runBackend dispatches one backend with its own deadline. Timeouts are
// reported distinctly from service errors so partial results show which
// channel was slow rather than broken.
func (x *Executor) runBackend(ctx context.Context, name string, alarm Alarm) error {
	bctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	var err error
	switch name {
	case "persistent_notification":
		err = x.platform.CallService(bctx, "persistent_notification", "create", map[string]any{
			"title":   "Alarm: " + alarm.Label,
			"message": x.message(alarm),
		}, true)
	case "notify":
		err = x.platform.CallService(bctx, "notify", x.backends.NotifyService, map[string]any{
			"title":   "Alarm: " + alarm.Label,
			"message": x.message(alarm),
		}, true)
	case "tts":
		err = x.platform.CallService(bctx, "tts", "speak", map[string]any{
			"media_player_entity_id": x.backends.TTSEntity,
			"message":                x.message(alarm),
		}, true)
	case "script":
		err = x.platform.CallService(bctx, "script", x.backends.Script, map[string]any{
			"variables": map[string]any{
				"alarm_label":   alarm.Label,
				"alarm_message": alarm.Message,
			},
		}, true)
	default:
		return fmt.Errorf("unknown backend %q", name)
	}

	if err != nil {
		if bctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("timed out after %s", x.timeout)
		}
		return err
	}
	return nil
}

func (x *Executor) message(alarm Alarm) string {
	if strings.TrimSpace(alarm.Message) != "" {
		return alarm.Message
	}
	return "Your alarm " + alarm.Label + " is going off."
}
