// Package config loads portal runtime configuration: defaults, then a
// TOML file, then DECKHAND_* environment overrides (env wins).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	deckhand "github.com/deckhand-ai/deckhand"
)

type Config struct {
	Server    ServerConfig    `toml:"server"`
	Logging   LoggingConfig   `toml:"logging"`
	Limits    LimitsConfig    `toml:"limits"`
	Providers ProvidersConfig `toml:"providers"`
	Store     StoreConfig     `toml:"store"`
	Cache     CacheConfig     `toml:"cache"`
	Observer  ObserverConfig  `toml:"observer"`
}

type ServerConfig struct {
	Addr                   string `toml:"addr"`
	ReadTimeoutSeconds     int    `toml:"read_timeout_seconds"`
	WriteTimeoutSeconds    int    `toml:"write_timeout_seconds"`
	ShutdownTimeoutSeconds int    `toml:"shutdown_timeout_seconds"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text, json
}

type LimitsConfig struct {
	MaxSteps           int `toml:"max_steps"`
	MaxRunSeconds      int `toml:"max_run_seconds"`
	MaxToolIterations  int `toml:"max_tool_iterations"`
	MaxInputChars      int `toml:"max_input_chars"`
	ApprovalTTLSeconds int `toml:"approval_ttl_seconds"`
	RequestsPerMinute  int `toml:"requests_per_minute"`
	RequestBurst       int `toml:"request_burst"`
}

type ProvidersConfig struct {
	Default string                    `toml:"default"`
	Configs []deckhand.ProviderConfig `toml:"configs"`
}

// StoreConfig selects persistence backends. Audit is one of "none",
// "sqlite", "postgres"; Tokens is one of "memory", "redis", "postgres".
type StoreConfig struct {
	Audit  string `toml:"audit"`
	Tokens string `toml:"tokens"`

	PostgresDSN   string `toml:"postgres_dsn"`
	SQLitePath    string `toml:"sqlite_path"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
}

type CacheConfig struct {
	Enabled    bool `toml:"enabled"`
	TTLSeconds int  `toml:"ttl_seconds"`
	MaxEntries int  `toml:"max_entries"`
}

type ObserverConfig struct {
	Enabled     bool   `toml:"enabled"`
	Endpoint    string `toml:"endpoint"`
	ServiceName string `toml:"service_name"`
	Insecure    bool   `toml:"insecure"`

	// Pricing overrides per-million-token model pricing used for cost
	// metrics, keyed by model name.
	Pricing map[string]PricingConfig `toml:"pricing"`
}

// PricingConfig is per-million-token pricing for one model.
type PricingConfig struct {
	InputPerMillion  float64 `toml:"input_per_million"`
	OutputPerMillion float64 `toml:"output_per_million"`
}

func (s ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutSeconds) * time.Second
}

func (s ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutSeconds) * time.Second
}

func (s ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutSeconds) * time.Second
}

func (l LimitsConfig) MaxRunDuration() time.Duration {
	return time.Duration(l.MaxRunSeconds) * time.Second
}

func (l LimitsConfig) ApprovalTTL() time.Duration {
	return time.Duration(l.ApprovalTTLSeconds) * time.Second
}

func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:                   ":8080",
			ReadTimeoutSeconds:     30,
			WriteTimeoutSeconds:    300, // streams stay open
			ShutdownTimeoutSeconds: 15,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Limits: LimitsConfig{
			MaxSteps:           deckhand.DefaultMaxSteps,
			MaxRunSeconds:      int(deckhand.DefaultMaxDuration / time.Second),
			MaxToolIterations:  deckhand.DefaultMaxToolIterations,
			MaxInputChars:      deckhand.DefaultMaxInputChars,
			ApprovalTTLSeconds: int(deckhand.DefaultApprovalTTL / time.Second),
			RequestsPerMinute:  120,
			RequestBurst:       30,
		},
		Store: StoreConfig{
			Audit:      "none",
			Tokens:     "memory",
			SQLitePath: "deckhand.db",
		},
		Cache: CacheConfig{Enabled: true, TTLSeconds: 300, MaxEntries: 1024},
		Observer: ObserverConfig{
			ServiceName: "deckhand",
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
// A missing file is fine; a malformed one is not.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = "deckhand.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("DECKHAND_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("DECKHAND_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("DECKHAND_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("DECKHAND_DEFAULT_PROVIDER"); v != "" {
		cfg.Providers.Default = v
	}
	if v := os.Getenv("DECKHAND_POSTGRES_DSN"); v != "" {
		cfg.Store.PostgresDSN = v
	}
	if v := os.Getenv("DECKHAND_SQLITE_PATH"); v != "" {
		cfg.Store.SQLitePath = v
	}
	if v := os.Getenv("DECKHAND_REDIS_ADDR"); v != "" {
		cfg.Store.RedisAddr = v
	}
	if v := os.Getenv("DECKHAND_REDIS_PASSWORD"); v != "" {
		cfg.Store.RedisPassword = v
	}
	if v := os.Getenv("DECKHAND_OTLP_ENDPOINT"); v != "" {
		cfg.Observer.Endpoint = v
		cfg.Observer.Enabled = true
	}

	// API keys stay out of config files; each env key fills every
	// provider of its kind that has none.
	keyEnv := map[deckhand.ProviderKind]string{
		deckhand.ProviderOpenAI:      "DECKHAND_OPENAI_API_KEY",
		deckhand.ProviderAnthropic:   "DECKHAND_ANTHROPIC_API_KEY",
		deckhand.ProviderGoogle:      "DECKHAND_GOOGLE_API_KEY",
		deckhand.ProviderAzureOpenAI: "DECKHAND_AZURE_OPENAI_API_KEY",
		deckhand.ProviderOCI:         "DECKHAND_OCI_API_KEY",
	}
	for i := range cfg.Providers.Configs {
		p := &cfg.Providers.Configs[i]
		if p.APIKey != "" {
			continue
		}
		if env, ok := keyEnv[p.Kind]; ok {
			p.APIKey = os.Getenv(env)
		}
	}
}

// Validate checks cross-field consistency before anything starts.
func (c Config) Validate() error {
	switch c.Store.Audit {
	case "none", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown audit store %q", c.Store.Audit)
	}
	switch c.Store.Tokens {
	case "memory", "redis", "postgres":
	default:
		return fmt.Errorf("unknown token store %q", c.Store.Tokens)
	}
	if c.Store.Audit == "postgres" || c.Store.Tokens == "postgres" {
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("postgres store selected but postgres_dsn is empty")
		}
	}
	if c.Store.Tokens == "redis" && c.Store.RedisAddr == "" {
		return fmt.Errorf("redis token store selected but redis_addr is empty")
	}

	if len(c.Providers.Configs) > 0 {
		if c.Providers.Default == "" {
			return fmt.Errorf("providers configured but no default set")
		}
		found := false
		for _, p := range c.Providers.Configs {
			if p.ID == c.Providers.Default {
				found = true
			}
		}
		if !found {
			return fmt.Errorf("default provider %q is not configured", c.Providers.Default)
		}
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Logging.Format)
	}
	return nil
}
