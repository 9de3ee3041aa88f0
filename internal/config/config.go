// Package config loads and watches taskpilot configuration.
// Configuration lives in .taskpilot/config.yaml under the workspace root;
// environment variables override file values for secrets.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"taskpilot/internal/logging"

	"gopkg.in/yaml.v3"
)

// Config holds all taskpilot configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	Session  SessionConfig  `yaml:"session"`
	Tasks    TasksConfig    `yaml:"tasks"`
	LLM      LLMConfig      `yaml:"llm"`
	Router   RouterConfig   `yaml:"router"`
	Workflow WorkflowConfig `yaml:"workflow"`
	Effects  EffectsConfig  `yaml:"effects"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// SessionConfig configures the session store.
type SessionConfig struct {
	// Backend is "sqlite" or "memory".
	Backend string `yaml:"backend"`

	// DatabasePath is the SQLite file, relative to the workspace root.
	DatabasePath string `yaml:"database_path"`

	// TTL is the default session key lifetime (duration string, default 1h).
	TTL string `yaml:"ttl"`

	// SweepInterval controls the background expiry sweep (default 5m).
	SweepInterval string `yaml:"sweep_interval"`
}

// TasksConfig configures the task repository.
type TasksConfig struct {
	// DatabasePath is the SQLite file, relative to the workspace root.
	DatabasePath string `yaml:"database_path"`
}

// LLMConfig configures the intent classifier backend.
type LLMConfig struct {
	Provider string `yaml:"provider"` // gemini, static
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`

	// Timeout bounds every classifier call (default 8s).
	Timeout string `yaml:"timeout"`
}

// RouterConfig configures the deterministic matching rules.
type RouterConfig struct {
	// ConfirmWords is the exact-match confirmation vocabulary.
	ConfirmWords []string `yaml:"confirm_words"`

	// RejectWords is the exact-match rejection vocabulary.
	RejectWords []string `yaml:"reject_words"`

	// QueryKeywords trigger the QueryHandler on substring match.
	QueryKeywords []string `yaml:"query_keywords"`

	// ModificationKeywords trigger the ModificationHandler on substring match.
	ModificationKeywords []string `yaml:"modification_keywords"`
}

// WorkflowConfig configures the validation state machine.
type WorkflowConfig struct {
	// MaxRevisions bounds the rejection loop before forced cancellation.
	MaxRevisions int `yaml:"max_revisions"`
}

// EffectsConfig configures outbound side-effect execution.
type EffectsConfig struct {
	DiscordWebhookURL string `yaml:"discord_webhook_url"`
	SheetWebhookURL   string `yaml:"sheet_webhook_url"`
	CalendarURL       string `yaml:"calendar_url"`

	// Timeout bounds each external call (default 10s).
	Timeout string `yaml:"timeout"`

	// MaxRetries caps retry attempts for idempotent effects (default 2).
	MaxRetries int `yaml:"max_retries"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	Categories map[string]bool `yaml:"categories"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Name:    "taskpilot",
		Version: "0.1.0",
		Session: SessionConfig{
			Backend:       "sqlite",
			DatabasePath:  ".taskpilot/sessions.db",
			TTL:           "1h",
			SweepInterval: "5m",
		},
		Tasks: TasksConfig{
			DatabasePath: ".taskpilot/tasks.db",
		},
		LLM: LLMConfig{
			Provider: "gemini",
			Model:    "gemini-2.0-flash",
			Timeout:  "8s",
		},
		Router: RouterConfig{
			ConfirmWords:         []string{"yes", "y", "confirm", "approve", "approved", "ok"},
			RejectWords:          []string{"no", "n", "reject", "rejected", "revise"},
			QueryKeywords:        []string{"status", "progress", "show", "list", "what", "when", "who"},
			ModificationKeywords: []string{"update", "change", "edit", "reschedule", "rename", "reassign"},
		},
		Workflow: WorkflowConfig{
			MaxRevisions: 3,
		},
		Effects: EffectsConfig{
			Timeout:    "10s",
			MaxRetries: 2,
		},
		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Path returns the config file location for a workspace.
func Path(workspace string) string {
	return filepath.Join(workspace, ".taskpilot", "config.yaml")
}

// Load reads the config file for the workspace, applying defaults for any
// missing sections and environment overrides on top. A missing file is not
// an error; defaults are returned.
func Load(workspace string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// Save writes the config file, creating the .taskpilot directory if needed.
func Save(workspace string, cfg *Config) error {
	path := Path(workspace)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// applyEnvOverrides layers environment variables over file values.
// Secrets should come from the environment, not the config file.
func applyEnvOverrides(cfg *Config) {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		cfg.LLM.APIKey = key
		if cfg.LLM.Provider == "" {
			cfg.LLM.Provider = "gemini"
		}
	}
	if url := os.Getenv("TASKPILOT_DISCORD_WEBHOOK"); url != "" {
		cfg.Effects.DiscordWebhookURL = url
	}
	if url := os.Getenv("TASKPILOT_SHEET_WEBHOOK"); url != "" {
		cfg.Effects.SheetWebhookURL = url
	}
	if path := os.Getenv("TASKPILOT_DB"); path != "" {
		cfg.Session.DatabasePath = path
	}
	if lvl := os.Getenv("TASKPILOT_LOG_LEVEL"); lvl != "" {
		cfg.Logging.Level = lvl
		cfg.Logging.DebugMode = true
	}
}

// =============================================================================
// DURATION ACCESSORS - parse duration strings with defaults
// =============================================================================

// SessionTTL returns the parsed session TTL (default 1h).
func (c *Config) SessionTTL() time.Duration {
	return parseDuration(c.Session.TTL, time.Hour)
}

// SweepInterval returns the parsed expiry sweep interval (default 5m).
func (c *Config) SweepInterval() time.Duration {
	return parseDuration(c.Session.SweepInterval, 5*time.Minute)
}

// ClassifierTimeout returns the parsed classifier timeout (default 8s).
func (c *Config) ClassifierTimeout() time.Duration {
	return parseDuration(c.LLM.Timeout, 8*time.Second)
}

// EffectTimeout returns the parsed per-effect timeout (default 10s).
func (c *Config) EffectTimeout() time.Duration {
	return parseDuration(c.Effects.Timeout, 10*time.Second)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// LoggingSettings converts the logging section for logging.Initialize.
func (c *Config) LoggingSettings() logging.Settings {
	return logging.Settings{
		DebugMode:  c.Logging.DebugMode,
		Level:      c.Logging.Level,
		Categories: c.Logging.Categories,
	}
}
