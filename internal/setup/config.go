// Package setup loads the relay configuration and connects the dependencies
// shared by the relay server and the relayctl admin command.
package setup

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"goa.design/coderelay/features/config/mongo"
	"goa.design/coderelay/runtime/orchestrator"
	"goa.design/coderelay/runtime/provision"
)

// Store backends.
const (
	StoreMemory     = "memory"
	StoreMongo      = "mongo"
	StoreReplicated = "replicated"
)

type (
	// Config is the relay server configuration. Values are read from an
	// optional YAML file, then overridden by environment variables and
	// finally by command line flags.
	Config struct {
		HTTPAddr string       `yaml:"http_addr"`
		Debug    bool         `yaml:"debug"`
		Dev      bool         `yaml:"dev"`
		OpenAI   OpenAIConfig `yaml:"openai"`
		Run      RunConfig    `yaml:"run"`
		Store    StoreConfig  `yaml:"store"`
		Redis    RedisConfig  `yaml:"redis"`
	}

	// OpenAIConfig configures the OpenAI backend.
	OpenAIConfig struct {
		APIKey  string `yaml:"api_key"`
		BaseURL string `yaml:"base_url"`
		Model   string `yaml:"model"`
	}

	// RunConfig configures run polling and rate limiting.
	RunConfig struct {
		PollInterval time.Duration `yaml:"poll_interval"`
		Timeout      time.Duration `yaml:"timeout"`
		// RateLimitTPM is the initial tokens-per-minute budget of run
		// submissions. Zero disables rate limiting.
		RateLimitTPM float64 `yaml:"rate_limit_tpm"`
		// MaxTPM caps the budget recovery. Defaults to RateLimitTPM.
		MaxTPM float64 `yaml:"max_tpm"`
	}

	// StoreConfig selects the configuration store.
	StoreConfig struct {
		// Backend is one of memory, mongo or replicated.
		Backend string      `yaml:"backend"`
		Mongo   MongoConfig `yaml:"mongo"`
	}

	// MongoConfig configures the MongoDB store.
	MongoConfig struct {
		URI        string `yaml:"uri"`
		Database   string `yaml:"database"`
		Collection string `yaml:"collection"`
	}

	// RedisConfig configures the Redis connection of the replicated store.
	RedisConfig struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		// MapName is the Pulse replicated map shared by relay processes.
		MapName string `yaml:"map_name"`
	}
)

// DefaultConfig returns the configuration used when nothing overrides it.
func DefaultConfig() Config {
	return Config{
		HTTPAddr: ":8000",
		OpenAI:   OpenAIConfig{Model: provision.DefaultModel},
		Run: RunConfig{
			PollInterval: orchestrator.DefaultPollInterval,
			Timeout:      orchestrator.DefaultTimeout,
		},
		Store: StoreConfig{
			Backend: StoreMemory,
			Mongo: MongoConfig{
				URI:        "mongodb://localhost:27017",
				Database:   mongo.DefaultDatabase,
				Collection: mongo.DefaultCollection,
			},
		},
		Redis: RedisConfig{Addr: "localhost:6379", MapName: "coderelay"},
	}
}

// Load returns the defaults overridden by the YAML file at path, when
// set, and by the environment.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overrides c with the environment variables returned by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("OPENAI_API_KEY", &c.OpenAI.APIKey)
	str("OPENAI_BASE_URL", &c.OpenAI.BaseURL)
	str("RELAY_MODEL", &c.OpenAI.Model)
	str("RELAY_HTTP_ADDR", &c.HTTPAddr)
	str("RELAY_STORE", &c.Store.Backend)
	str("MONGODB_CONNECTION_STRING", &c.Store.Mongo.URI)
	str("MONGODB_DATABASE_NAME", &c.Store.Mongo.Database)
	str("MONGODB_COLLECTION_NAME", &c.Store.Mongo.Collection)
	str("REDIS_URL", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)

	var errs []error
	if v, ok := lookup("RELAY_POLL_INTERVAL"); ok && v != "" {
		if d, err := time.ParseDuration(v); err != nil {
			errs = append(errs, envError("RELAY_POLL_INTERVAL", err))
		} else {
			c.Run.PollInterval = d
		}
	}
	if v, ok := lookup("RELAY_POLL_TIMEOUT"); ok && v != "" {
		if d, err := time.ParseDuration(v); err != nil {
			errs = append(errs, envError("RELAY_POLL_TIMEOUT", err))
		} else {
			c.Run.Timeout = d
		}
	}
	tpm := func(key string, dst *float64) {
		if v, ok := lookup(key); ok && v != "" {
			if f, err := strconv.ParseFloat(v, 64); err != nil {
				errs = append(errs, envError(key, err))
			} else {
				*dst = f
			}
		}
	}
	tpm("RELAY_RATE_LIMIT_TPM", &c.Run.RateLimitTPM)
	tpm("RELAY_MAX_TPM", &c.Run.MaxTPM)
	return errors.Join(errs...)
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	switch c.Store.Backend {
	case StoreMemory, StoreMongo, StoreReplicated:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if !c.Dev && c.OpenAI.APIKey == "" {
		return errors.New("OPENAI_API_KEY is required unless -dev is set")
	}
	if c.Run.PollInterval <= 0 || c.Run.Timeout <= 0 {
		return errors.New("poll interval and timeout must be positive")
	}
	return nil
}

func envError(key string, err error) error {
	return fmt.Errorf("invalid %s: %w", key, err)
}
