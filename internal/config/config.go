// Package config handles Hearth configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/hearth/config.yaml, /etc/hearth/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "hearth", "config.yaml"))
	}

	paths = append(paths, "/etc/hearth/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Hearth configuration.
type Config struct {
	Listen        ListenConfig        `yaml:"listen"`
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
	LLM           LLMConfig           `yaml:"llm"`
	Satellite     SatelliteConfig     `yaml:"satellite"`
	Calendar      CalendarConfig      `yaml:"calendar"`
	Contacts      ContactsConfig      `yaml:"contacts"`
	Memory        MemoryConfig        `yaml:"memory"`
	Conversation  ConversationConfig  `yaml:"conversation"`
	Alarms        AlarmsConfig        `yaml:"alarms"`
	DataDir       string              `yaml:"data_dir"`
	LogLevel      string              `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
	// TokenHash is a bcrypt hash of the API bearer token.
	// If empty, the API accepts unauthenticated requests (local use only).
	TokenHash string `yaml:"token_hash"`
}

// HomeAssistantConfig defines HA connection settings.
type HomeAssistantConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// LLMConfig defines LLM backend settings.
type LLMConfig struct {
	// Provider selects the backend: openrouter, groq, or local.
	Provider string `yaml:"provider"`
	APIKey   string `yaml:"api_key"`
	// BaseURL overrides the backend's default endpoint (required for local).
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	// MaxSessionAgeSec recycles the pooled HTTP session after this many
	// seconds. Used with groq, whose pooled connections go stale. 0 disables.
	MaxSessionAgeSec int `yaml:"max_session_age_sec"`
	// ExtendedCacheTTL opts into the longer prompt-cache TTL where the
	// backend supports it (openrouter explicit-cache model families).
	ExtendedCacheTTL bool `yaml:"extended_cache_ttl"`
}

// SatelliteConfig defines the MQTT voice-satellite transport.
type SatelliteConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BrokerURL   string `yaml:"broker_url"` // e.g. tls://mqtt.local:8883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"` // default "hearth"
	TLSInsecure bool   `yaml:"tls_insecure"`
}

// CalendarConfig defines the CalDAV source for reminders and context.
type CalendarConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// Path is the calendar collection path on the server.
	Path string `yaml:"path"`
}

// ContactsConfig points at a vCard file used to canonicalize speaker names.
type ContactsConfig struct {
	VCardPath string `yaml:"vcard_path"`
}

// MemoryConfig bounds the memory store.
type MemoryConfig struct {
	// MaxPerUser caps each user scope's entry list (default 100).
	MaxPerUser int `yaml:"max_per_user"`
	// MaxGlobal caps the global scope (default 200).
	MaxGlobal int `yaml:"max_global"`
	// MaxAgent caps the agent scope (default 150).
	MaxAgent int `yaml:"max_agent"`
	// MaxContentLength truncates stored content (default 500).
	MaxContentLength int `yaml:"max_content_length"`
	// InjectionCount caps entries selected for prompt injection (default 15).
	InjectionCount int `yaml:"injection_count"`
	// FlushDebounceSec is the minimum interval between storage flushes
	// (default 30). Shutdown always flushes.
	FlushDebounceSec int `yaml:"flush_debounce_sec"`
}

// ConversationConfig tunes the turn pipeline.
type ConversationConfig struct {
	// SystemPrompt is appended after the built-in system prompt.
	SystemPrompt string `yaml:"system_prompt"`
	// MaxHistoryTurns caps conversation history in the prompt (default 20).
	MaxHistoryTurns int `yaml:"max_history_turns"`
	// MaxToolIterations bounds the tool-call loop (default 5).
	MaxToolIterations int `yaml:"max_tool_iterations"`
	// ForceContinueOff ignores the model's continuation marker and always
	// closes the conversation turn.
	ForceContinueOff bool `yaml:"force_continue_off"`
	// ToolRetries is how many times a failed tool call is retried within
	// a turn (default 1).
	ToolRetries int `yaml:"tool_retries"`
	// ToolLatencyBudgetSec bounds each tool call so one flaky tool cannot
	// stall the whole turn (default 30). Web-class tools keep their
	// higher floor regardless.
	ToolLatencyBudgetSec int `yaml:"tool_latency_budget_sec"`
	// SmartDiscovery omits the static entity index from the prompt and
	// instructs the model to call discovery tools instead.
	SmartDiscovery bool `yaml:"smart_discovery"`
	// QuickActions enables the no-LLM bypass for unambiguous on/off
	// requests.
	QuickActions bool `yaml:"quick_actions"`
}

// AlarmsConfig selects direct-execution delivery backends.
type AlarmsConfig struct {
	// SweepIntervalSec is how often due alarms are checked (default 15).
	SweepIntervalSec int `yaml:"sweep_interval_sec"`
	// NotifyService is a notify.* service name (e.g. "notify.mobile_app").
	NotifyService string `yaml:"notify_service"`
	// TTSEntity is a media player entity for spoken announcements.
	TTSEntity string `yaml:"tts_entity"`
	// Script is an HA script entity to run on fire.
	Script string `yaml:"script"`
	// PersistentNotification shows an on-screen HA notification.
	PersistentNotification bool `yaml:"persistent_notification"`
	// BackendTimeoutSec bounds each delivery backend call (default 10).
	BackendTimeoutSec int `yaml:"backend_timeout_sec"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8097},
		LLM: LLMConfig{
			Provider: "local",
			Model:    "qwen3:8b",
		},
		Satellite: SatelliteConfig{TopicPrefix: "hearth"},
		Memory: MemoryConfig{
			MaxPerUser:       100,
			MaxGlobal:        200,
			MaxAgent:         150,
			MaxContentLength: 500,
			InjectionCount:   15,
			FlushDebounceSec: 30,
		},
		Conversation: ConversationConfig{
			MaxHistoryTurns:      20,
			MaxToolIterations:    5,
			ToolRetries:          1,
			ToolLatencyBudgetSec: 30,
		},
		Alarms: AlarmsConfig{
			SweepIntervalSec:  15,
			BackendTimeoutSec: 10,
		},
		DataDir: "data",
	}
}
