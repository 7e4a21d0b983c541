// Hearth is a voice assistant for Home Assistant households.
//
// It answers over MQTT voice satellites and a small HTTP API, drives an
// OpenAI-compatible language model with home-control tools, and keeps
// per-user memory, alarms, and calendar reminders across restarts.
// Configuration is a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	hearth serve             Start the assistant
//	hearth version           Print version and build information
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/verlo/hearth/internal/agent"
	"github.com/verlo/hearth/internal/alarms"
	"github.com/verlo/hearth/internal/api"
	"github.com/verlo/hearth/internal/buildinfo"
	"github.com/verlo/hearth/internal/calendar"
	"github.com/verlo/hearth/internal/config"
	"github.com/verlo/hearth/internal/contacts"
	"github.com/verlo/hearth/internal/entityindex"
	"github.com/verlo/hearth/internal/fetch"
	"github.com/verlo/hearth/internal/history"
	"github.com/verlo/hearth/internal/homeassistant"
	"github.com/verlo/hearth/internal/llm"
	"github.com/verlo/hearth/internal/memory"
	"github.com/verlo/hearth/internal/prompt"
	"github.com/verlo/hearth/internal/reminders"
	"github.com/verlo/hearth/internal/satellite"
	"github.com/verlo/hearth/internal/storage"
	"github.com/verlo/hearth/internal/tools"
)

// main constructs the OS-level environment and delegates to [run] so the
// full startup-to-shutdown lifecycle stays testable.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run parses arguments by hand. The flag package relies on package-level
// globals, which makes it impossible to call run concurrently from
// tests, and the argument surface here is tiny.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var command string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			return fmt.Errorf("unknown argument: %s", args[i])
		}
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "version":
		fmt.Fprintln(stdout, buildinfo.String())
		return nil
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Hearth - Home Assistant voice assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: hearth [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the assistant")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	return nil
}

// runServe is the primary operating mode: load config, open stores,
// connect to Home Assistant and the broker, and block until a shutdown
// signal arrives. Shutdown order matters: transports stop first, then
// memory flushes, then databases close via defers.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting Hearth", "version", buildinfo.Version)

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	// Reconfigure now that the desired level is known. The initial
	// Info-level logger covers only the startup banner.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level)
	}
	logger.Info("config loaded", "path", cfgPath, "provider", cfg.LLM.Provider, "model", cfg.LLM.Model)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Persistent stores ---
	backing, err := storage.New(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	mem, err := memory.New(backing, memory.Limits{
		MaxPerUser:       cfg.Memory.MaxPerUser,
		MaxGlobal:        cfg.Memory.MaxGlobal,
		MaxAgent:         cfg.Memory.MaxAgent,
		MaxContentLength: cfg.Memory.MaxContentLength,
		InjectionCount:   cfg.Memory.InjectionCount,
		FlushDebounce:    time.Duration(cfg.Memory.FlushDebounceSec) * time.Second,
	}, logger)
	if err != nil {
		return fmt.Errorf("open memory store: %w", err)
	}
	defer func() {
		if err := mem.Close(); err != nil {
			logger.Error("memory flush on shutdown failed", "error", err)
		}
	}()

	alarmEngine, err := alarms.NewEngine(backing, logger)
	if err != nil {
		return fmt.Errorf("open alarm store: %w", err)
	}

	histPath := filepath.Join(cfg.DataDir, "history.db")
	hist, err := history.Open(histPath, logger)
	if err != nil {
		return fmt.Errorf("open history database %s: %w", histPath, err)
	}
	defer hist.Close()
	logger.Info("history database opened", "path", histPath)

	// --- Home Assistant ---
	ha := homeassistant.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
	index := entityindex.New(ha, logger)

	recent := &recentTracker{}
	ws, err := homeassistant.NewWSClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
	if err != nil {
		return fmt.Errorf("websocket client: %w", err)
	}
	ws.OnStateChange(func(entityID, oldState, newState string) {
		recent.add(entityID)
	})
	go func() {
		if err := ws.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("websocket watcher stopped", "error", err)
		}
	}()

	// --- Language model ---
	llmClient, err := newLLMClient(cfg, logger)
	if err != nil {
		return err
	}

	// --- Contacts ---
	var resolver satellite.NameResolver
	if cfg.Contacts.VCardPath != "" {
		book, err := contacts.Load(cfg.Contacts.VCardPath, logger)
		if err != nil {
			logger.Warn("contacts unavailable", "path", cfg.Contacts.VCardPath, "error", err)
		} else {
			resolver = book.ResolveName
		}
	}

	// --- Tools ---
	registry := tools.NewRegistry(logger)
	tools.RegisterHomeAssistant(registry, ha, index)
	tools.RegisterMemory(registry, mem, tools.UserFromContext)
	tools.RegisterAlarms(registry, alarmEngine)
	tools.RegisterWeb(registry, fetch.New())

	// --- Calendar ---
	queue := &reminderQueue{}
	if cfg.Calendar.Enabled {
		cal, err := calendar.New(cfg.Calendar.URL, cfg.Calendar.Username, cfg.Calendar.Password, cfg.Calendar.Path, logger)
		if err != nil {
			return fmt.Errorf("calendar client: %w", err)
		}
		tools.RegisterCalendar(registry, cal)

		remEngine, err := reminders.NewEngine(backing, logger)
		if err != nil {
			return fmt.Errorf("open reminder store: %w", err)
		}
		go pollReminders(ctx, cal, remEngine, queue, logger)
		logger.Info("calendar reminders enabled", "url", cfg.Calendar.URL)
	}

	// --- Conversation pipeline ---
	builder := prompt.NewBuilder(index, mem, hist, logger)
	builder.SystemPrompt = cfg.Conversation.SystemPrompt
	builder.SmartDiscovery = cfg.Conversation.SmartDiscovery
	builder.MaxHistoryTurns = cfg.Conversation.MaxHistoryTurns

	orch := agent.New(llmClient, builder, registry, ha, agent.Options{
		Model:             cfg.LLM.Model,
		MaxToolIterations: cfg.Conversation.MaxToolIterations,
		ToolRetries:       cfg.Conversation.ToolRetries,
		ToolLatencyBudget: time.Duration(cfg.Conversation.ToolLatencyBudgetSec) * time.Second,
		ForceContinueOff:  cfg.Conversation.ForceContinueOff,
		QuickActions:      cfg.Conversation.QuickActions,
		ExtendedCacheTTL:  cfg.LLM.ExtendedCacheTTL,
	}, logger)

	converser := &pipeline{
		orch:      orch,
		history:   hist,
		mem:       mem,
		llm:       llmClient,
		recent:    recent,
		reminders: queue,
		logger:    logger.With("component", "pipeline"),
	}

	// --- Alarm delivery ---
	executor := alarms.NewExecutor(alarmEngine, ha, alarms.Backends{
		PersistentNotification: cfg.Alarms.PersistentNotification,
		NotifyService:          cfg.Alarms.NotifyService,
		TTSEntity:              cfg.Alarms.TTSEntity,
		Script:                 cfg.Alarms.Script,
	}, time.Duration(cfg.Alarms.BackendTimeoutSec)*time.Second, logger)
	go sweepAlarms(ctx, alarmEngine, executor, time.Duration(cfg.Alarms.SweepIntervalSec)*time.Second, logger)

	// --- Transports ---
	var bridge *satellite.Bridge
	if cfg.Satellite.Enabled {
		bridge = satellite.New(satellite.Config{
			BrokerURL:   cfg.Satellite.BrokerURL,
			Username:    cfg.Satellite.Username,
			Password:    cfg.Satellite.Password,
			TopicPrefix: cfg.Satellite.TopicPrefix,
			TLSInsecure: cfg.Satellite.TLSInsecure,
		}, converser, resolver, logger)
		go func() {
			if err := bridge.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("satellite bridge failed", "error", err)
			}
		}()
	} else {
		logger.Info("satellite bridge disabled")
	}

	status := &statusAdapter{llm: llmClient, alarms: alarmEngine, mem: mem}
	addr := net.JoinHostPort(cfg.Listen.Address, strconv.Itoa(cfg.Listen.Port))
	server := api.New(addr, converser, status, cfg.Listen.TokenHash, logger)

	// --- Signal handling and graceful shutdown ---
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if bridge != nil {
			if err := bridge.Stop(stopCtx); err != nil {
				logger.Warn("satellite shutdown failed", "error", err)
			}
		}
		ws.Close()
		_ = server.Shutdown(stopCtx)
	}()

	if err := server.ListenAndServe(); err != nil && ctx.Err() == nil {
		return err
	}

	logger.Info("Hearth stopped")
	return nil
}

// newLogger standardizes the slog handler across subcommands, rendering
// the custom trace level by name.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// newLLMClient selects the backend named by the config.
func newLLMClient(cfg *config.Config, logger *slog.Logger) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "openrouter":
		return llm.NewOpenRouterClient(cfg.LLM.APIKey, logger)
	case "groq":
		return llm.NewGroqClient(cfg.LLM.APIKey, time.Duration(cfg.LLM.MaxSessionAgeSec)*time.Second, logger)
	case "local", "":
		return llm.NewLocalClient(cfg.LLM.BaseURL, logger), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q (valid: openrouter, groq, local)", cfg.LLM.Provider)
	}
}

// sweepAlarms pops due alarms on a fixed interval and hands each to the
// delivery executor. PopDue marks alarms fired before delivery starts, so
// a crash mid-delivery never re-arms them.
func sweepAlarms(ctx context.Context, engine *alarms.Engine, executor *alarms.Executor, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, alarm := range engine.PopDue(now) {
				delivery := executor.Deliver(ctx, alarm)
				logger.Info("alarm fired",
					"id", alarm.ID,
					"label", alarm.Label,
					"status", delivery.Status,
					"backends", delivery.Attempted,
				)
				for backend, msg := range delivery.Errors {
					logger.Warn("alarm backend failed", "id", alarm.ID, "backend", backend, "error", msg)
				}
			}
		}
	}
}

// reminderWindow comfortably covers the largest reminder stage (28h).
const reminderWindow = 30 * time.Hour

// pollReminders checks the calendar every few minutes and queues any
// newly due reminder phrases for the next conversation turn.
func pollReminders(ctx context.Context, cal *calendar.Client, engine *reminders.Engine, queue *reminderQueue, logger *slog.Logger) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		events, err := cal.Upcoming(ctx, reminderWindow)
		if err != nil {
			logger.Warn("calendar poll failed", "error", err)
		} else if lines := engine.Reminders(events, time.Now()); len(lines) > 0 {
			queue.push(lines)
			logger.Info("reminders queued", "count", len(lines))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// pipeline wraps the orchestrator with the per-turn bookkeeping that
// transports should not carry themselves: dynamic prompt context in,
// history and interaction stats out.
type pipeline struct {
	orch      *agent.Orchestrator
	history   *history.Store
	mem       *memory.Store
	llm       llm.Client
	recent    *recentTracker
	reminders *reminderQueue
	logger    *slog.Logger
}

func (p *pipeline) Converse(ctx context.Context, in prompt.Input) agent.Out {
	if in.Now.IsZero() {
		in.Now = time.Now()
	}
	in.RecentEntities = p.recent.list()
	in.Reminders = p.reminders.drain()

	out := p.orch.Converse(ctx, in)

	conversationID := in.ConversationID
	if conversationID == "" {
		conversationID = "default"
	}
	if err := p.history.AddTurn(ctx, conversationID, "user", in.Utterance); err != nil {
		p.logger.Warn("record user turn failed", "error", err)
	}
	if out.Text != "" {
		if err := p.history.AddTurn(ctx, conversationID, "assistant", out.Text); err != nil {
			p.logger.Warn("record assistant turn failed", "error", err)
		}
	}

	user := in.UserID
	if user == "" {
		user = "default"
	}
	last := p.llm.Metrics().Snapshot().Last
	p.mem.RecordInteraction(user, last.PromptTokens+last.CompletionTokens)
	if err := p.mem.MaybeFlush(time.Now()); err != nil {
		p.logger.Warn("memory flush failed", "error", err)
	}
	return out
}

// recentEntityCap bounds the recently-active hint list in the prompt.
const recentEntityCap = 8

// recentTracker keeps the most recently changed entity IDs for prompt
// hints. Newest first, deduplicated.
type recentTracker struct {
	mu  sync.Mutex
	ids []string
}

func (r *recentTracker) add(entityID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, id := range r.ids {
		if id == entityID {
			r.ids = append(r.ids[:i], r.ids[i+1:]...)
			break
		}
	}
	r.ids = append([]string{entityID}, r.ids...)
	if len(r.ids) > recentEntityCap {
		r.ids = r.ids[:recentEntityCap]
	}
}

func (r *recentTracker) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

// reminderQueue buffers due reminder phrases until the next turn drains
// them into the prompt.
type reminderQueue struct {
	mu    sync.Mutex
	lines []string
}

func (q *reminderQueue) push(lines []string) {
	q.mu.Lock()
	q.lines = append(q.lines, lines...)
	q.mu.Unlock()
}

func (q *reminderQueue) drain() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	lines := q.lines
	q.lines = nil
	return lines
}

// statusAdapter bridges the engines to the API's read-only projections.
type statusAdapter struct {
	llm    llm.Client
	alarms *alarms.Engine
	mem    *memory.Store
}

func (s *statusAdapter) LLMMetrics() llm.Snapshot {
	return s.llm.Metrics().Snapshot()
}

func (s *statusAdapter) AlarmCounts() (active, total int) {
	return len(s.alarms.List(true)), len(s.alarms.List(false))
}

func (s *statusAdapter) MemoryCounts() map[string]int {
	return map[string]int{
		"global": s.mem.Count(memory.ScopeGlobal),
		"agent":  s.mem.Count(memory.ScopeAgent),
	}
}
