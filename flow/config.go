package flow

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/flowforge/engine/flow/store"
)

// Config is the engine's own startup configuration: how to back the
// Store, how aggressively Recovery runs, and LLM provider credentials,
// which the engine itself does not read. Defaults -> TOML file -> env vars,
// env wins, matching the layering the rest of the pack uses for config.
type Config struct {
	Store    StoreConfig      `toml:"store"`
	Recovery RecoveryConfig   `toml:"recovery"`
	Resume   ResumeConfigFile `toml:"resume"`
	LLM      LLMConfig        `toml:"llm"`
}

// StoreConfig selects and configures the State Store backing.
type StoreConfig struct {
	// Driver is one of "memory", "sqlite", "mysql".
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
}

// RecoveryConfig tunes the Recovery Service.
type RecoveryConfig struct {
	StaleAfter     durationString `toml:"stale_after"`
	PurgeRetention durationString `toml:"purge_retention"`
	SweepInterval  durationString `toml:"sweep_interval"`
}

// ResumeConfigFile tunes the Pause/Resume Controller's polling cadence.
type ResumeConfigFile struct {
	PollInterval durationString `toml:"poll_interval"`
}

// LLMConfig holds LLM provider API keys loaded with the rest of the
// config. Nothing in flow or stepkit reads it; the stepkit model
// constructors (NewAnthropicModel, NewOpenAIModel, NewGoogleModel) take
// their key as an argument.
type LLMConfig struct {
	AnthropicAPIKey string `toml:"anthropic_api_key"`
	OpenAIAPIKey    string `toml:"openai_api_key"`
	GeminiAPIKey    string `toml:"gemini_api_key"`
}

// durationString lets TOML files write "30m" instead of raw nanoseconds
// while still exposing a time.Duration to callers via Duration().
type durationString string

func (d durationString) Duration(fallback time.Duration) time.Duration {
	if d == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(string(d))
	if err != nil {
		return fallback
	}
	return parsed
}

// DefaultConfig returns a Config with an in-memory store and conservative
// recovery/resume cadences, suitable for tests and local development.
func DefaultConfig() Config {
	return Config{
		Store:    StoreConfig{Driver: "memory"},
		Recovery: RecoveryConfig{StaleAfter: "30m", PurgeRetention: "0s", SweepInterval: "5m"},
		Resume:   ResumeConfigFile{PollInterval: "30s"},
	}
}

// LoadConfig reads defaults, overlays path's TOML contents (if it exists),
// then applies FLOWFORGE_* environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("flow: reading config %s: %w", path, err)
			}
		} else if _, err := toml.Decode(string(data), &cfg); err != nil {
			return cfg, fmt.Errorf("flow: parsing config %s: %w", path, err)
		}
	}

	if v := os.Getenv("FLOWFORGE_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("FLOWFORGE_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("FLOWFORGE_ANTHROPIC_API_KEY"); v != "" {
		cfg.LLM.AnthropicAPIKey = v
	}
	if v := os.Getenv("FLOWFORGE_OPENAI_API_KEY"); v != "" {
		cfg.LLM.OpenAIAPIKey = v
	}
	if v := os.Getenv("FLOWFORGE_GEMINI_API_KEY"); v != "" {
		cfg.LLM.GeminiAPIKey = v
	}

	return cfg, nil
}

// NewStore opens the Store backing selected by cfg.Driver: "memory" for an
// in-process MemoryStore, "sqlite" for a SQLiteStore at cfg.DSN, or "mysql"
// for a MySQLStore reached via cfg.DSN. An empty Driver defaults to
// "memory".
func NewStore(cfg StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		return store.NewSQLiteStore(cfg.DSN)
	case "mysql":
		return store.NewMySQLStore(cfg.DSN)
	default:
		return nil, fmt.Errorf("flow: unknown store driver %q", cfg.Driver)
	}
}
