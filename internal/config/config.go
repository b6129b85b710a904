// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Provider   ProviderConfig   `mapstructure:"provider"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Poll       PollConfig       `mapstructure:"poll"`
	Lighthouse LighthouseConfig `mapstructure:"lighthouse"`
	Gate       GateConfig       `mapstructure:"gate"`
	Store      StoreConfig      `mapstructure:"store"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	Database   DatabaseConfig   `mapstructure:"database"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ProviderConfig describes the remote testing service.
type ProviderConfig struct {
	BaseURL string `mapstructure:"base_url"`
	// LegacyBaseURL defaults to BaseURL.
	LegacyBaseURL string        `mapstructure:"legacy_base_url"`
	APIKey        string        `mapstructure:"api_key"`
	UserAgent     string        `mapstructure:"user_agent"`
	Timeout       time.Duration `mapstructure:"timeout"`
	// Transports lists the transports in the order they are tried.
	Transports    []string `mapstructure:"transports"`
	ResultBaseURL string   `mapstructure:"result_base_url"`
	Runs          int      `mapstructure:"runs"`
	Location      string   `mapstructure:"location"`
	Video         bool     `mapstructure:"video"`
	Mobile        bool     `mapstructure:"mobile"`
}

// RateLimitConfig bounds outbound provider traffic.
type RateLimitConfig struct {
	Window      time.Duration `mapstructure:"window"`
	Budget      int           `mapstructure:"budget"`
	MinInterval time.Duration `mapstructure:"min_interval"`
	Cooldown    time.Duration `mapstructure:"cooldown"`
}

// PollConfig bounds one poll timeline.
type PollConfig struct {
	WarmUp         time.Duration `mapstructure:"warm_up"`
	Interval       time.Duration `mapstructure:"interval"`
	Backoff        float64       `mapstructure:"backoff"`
	MaxInterval    time.Duration `mapstructure:"max_interval"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	MaxMalformed   int           `mapstructure:"max_malformed"`
	MaxTransport   int           `mapstructure:"max_transport"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	Deadline       time.Duration `mapstructure:"deadline"`
}

// LighthouseConfig enables the Lighthouse timeline and bounds it.
type LighthouseConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Source is where reports come from: the test provider or PageSpeed Insights.
	Source     string          `mapstructure:"source"`
	PageSpeed  PageSpeedConfig `mapstructure:"pagespeed"`
	PollConfig `mapstructure:",squash"`
}

// PageSpeedConfig points at the PageSpeed Insights API.
type PageSpeedConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	Strategy    string        `mapstructure:"strategy"`
	Categories  []string      `mapstructure:"categories"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MinInterval time.Duration `mapstructure:"min_interval"`
	Cooldown    time.Duration `mapstructure:"cooldown"`
}

// GateConfig caps concurrently tracked jobs.
type GateConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// StoreConfig selects the status store backend.
type StoreConfig struct {
	Backend       string        `mapstructure:"backend"`
	Retention     time.Duration `mapstructure:"retention"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// ReuseWindow is how long a submitted URL maps to its job; zero disables reuse.
	ReuseWindow time.Duration `mapstructure:"reuse_window"`
	Redis         RedisConfig   `mapstructure:"redis"`
}

// RedisConfig points at the shared status store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// ArchiveConfig selects where Lighthouse reports are archived.
type ArchiveConfig struct {
	Backend   string      `mapstructure:"backend"`
	Prefix    string      `mapstructure:"prefix"`
	GCSBucket string      `mapstructure:"gcs_bucket"`
	Local     LocalConfig `mapstructure:"local"`
}

// LocalConfig is the filesystem archive location.
type LocalConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// DatabaseConfig controls the completed-result archive. An empty DSN disables it.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig holds metadata for completion notifications. An empty topic disables them.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Store and archive backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendNone   = "none"
	BackendLocal  = "local"
	BackendGCS    = "gcs"
)

// Lighthouse report sources.
const (
	SourceProvider  = "provider"
	SourcePageSpeed = "pagespeed"
)

var knownTransports = []string{"pro", "legacy"}

// Load builds a Config from an optional .env file, an optional config file and the
// environment (PAGETEST_ prefix, dots become underscores).
func Load(path string) (Config, error) {
	if err := loadDotEnv(); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix("PAGETEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("provider.api_key", "PAGETEST_PROVIDER_API_KEY", "WPT_API_KEY"); err != nil {
		return Config{}, fmt.Errorf("bind provider key: %w", err)
	}
	if err := v.BindEnv("lighthouse.pagespeed.api_key", "PAGETEST_LIGHTHOUSE_PAGESPEED_API_KEY", "PAGESPEED_API_KEY"); err != nil {
		return Config{}, fmt.Errorf("bind pagespeed key: %w", err)
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// loadDotEnv reads .env from the working directory when present. Variables already set in the
// environment win.
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return fmt.Errorf("load .env file: %w", err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "20s")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")

	v.SetDefault("provider.base_url", "https://www.webpagetest.org")
	v.SetDefault("provider.user_agent", "pagetest-orchestrator/1.0")
	v.SetDefault("provider.timeout", "30s")
	v.SetDefault("provider.transports", []string{"pro", "legacy"})
	v.SetDefault("provider.runs", 1)

	v.SetDefault("rate_limit.window", "1m")
	v.SetDefault("rate_limit.budget", 30)
	v.SetDefault("rate_limit.min_interval", "1s")
	v.SetDefault("rate_limit.cooldown", "2m")

	v.SetDefault("poll.warm_up", "60s")
	v.SetDefault("poll.interval", "5s")
	v.SetDefault("poll.backoff", 1.5)
	v.SetDefault("poll.max_interval", "30s")
	v.SetDefault("poll.max_attempts", 30)
	v.SetDefault("poll.max_malformed", 3)
	v.SetDefault("poll.max_transport", 3)
	v.SetDefault("poll.attempt_timeout", "30s")
	v.SetDefault("poll.deadline", "20m")

	v.SetDefault("lighthouse.enabled", true)
	v.SetDefault("lighthouse.warm_up", "90s")
	v.SetDefault("lighthouse.interval", "10s")
	v.SetDefault("lighthouse.backoff", 1.5)
	v.SetDefault("lighthouse.max_interval", "30s")
	v.SetDefault("lighthouse.max_attempts", 30)
	v.SetDefault("lighthouse.max_malformed", 3)
	v.SetDefault("lighthouse.max_transport", 3)
	v.SetDefault("lighthouse.attempt_timeout", "30s")
	v.SetDefault("lighthouse.deadline", "20m")
	v.SetDefault("lighthouse.source", SourceProvider)
	v.SetDefault("lighthouse.pagespeed.base_url", "https://www.googleapis.com/pagespeedonline/v5/runPagespeed")
	v.SetDefault("lighthouse.pagespeed.strategy", "mobile")
	v.SetDefault("lighthouse.pagespeed.categories", []string{"performance", "accessibility", "best-practices", "seo"})
	v.SetDefault("lighthouse.pagespeed.timeout", "90s")
	v.SetDefault("lighthouse.pagespeed.min_interval", "2s")
	v.SetDefault("lighthouse.pagespeed.cooldown", "1m")

	v.SetDefault("gate.capacity", 2)

	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("store.retention", "1h")
	v.SetDefault("store.sweep_interval", "1m")
	v.SetDefault("store.reuse_window", "60m")
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.prefix", "pagetest:job:")

	v.SetDefault("archive.backend", BackendNone)
	v.SetDefault("archive.prefix", "lighthouse")
	v.SetDefault("archive.local.base_dir", "data/reports")

	v.SetDefault("database.table", "pagetest_results")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.max_conn_lifetime", "30m")
}

// normalize lower-cases enumerations and fills derived values.
func (c *Config) normalize() {
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	c.Archive.Backend = strings.ToLower(strings.TrimSpace(c.Archive.Backend))
	c.Lighthouse.Source = strings.ToLower(strings.TrimSpace(c.Lighthouse.Source))
	if c.Lighthouse.Source == "" {
		c.Lighthouse.Source = SourceProvider
	}
	for i, t := range c.Provider.Transports {
		c.Provider.Transports[i] = strings.ToLower(strings.TrimSpace(t))
	}
	c.Provider.BaseURL = strings.TrimRight(c.Provider.BaseURL, "/")
	if c.Provider.LegacyBaseURL == "" {
		c.Provider.LegacyBaseURL = c.Provider.BaseURL
	}
	if c.Provider.ResultBaseURL == "" {
		c.Provider.ResultBaseURL = c.Provider.BaseURL
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Provider.BaseURL == "" {
		return fmt.Errorf("provider.base_url is required")
	}
	if len(c.Provider.Transports) == 0 {
		return fmt.Errorf("provider.transports must list at least one transport")
	}
	for _, t := range c.Provider.Transports {
		if !slices.Contains(knownTransports, t) {
			return fmt.Errorf("provider.transports: unknown transport %q", t)
		}
	}
	if c.Provider.Timeout <= 0 {
		return fmt.Errorf("provider.timeout must be > 0")
	}
	if c.RateLimit.Budget <= 0 {
		return fmt.Errorf("rate_limit.budget must be > 0")
	}
	if err := c.Poll.validate("poll"); err != nil {
		return err
	}
	if c.Lighthouse.Enabled {
		if err := c.Lighthouse.validate("lighthouse"); err != nil {
			return err
		}
		switch c.Lighthouse.Source {
		case "", SourceProvider:
		case SourcePageSpeed:
			if c.Lighthouse.PageSpeed.BaseURL == "" {
				return fmt.Errorf("lighthouse.pagespeed.base_url is required for the pagespeed source")
			}
		default:
			return fmt.Errorf("lighthouse.source: unknown source %q", c.Lighthouse.Source)
		}
	}
	if c.Store.ReuseWindow < 0 {
		return fmt.Errorf("store.reuse_window must not be negative")
	}
	if c.Gate.Capacity <= 0 {
		return fmt.Errorf("gate.capacity must be > 0")
	}
	switch c.Store.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("store.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("store.backend: unknown backend %q", c.Store.Backend)
	}
	switch c.Archive.Backend {
	case BackendNone, BackendMemory:
	case BackendLocal:
		if c.Archive.Local.BaseDir == "" {
			return fmt.Errorf("archive.local.base_dir is required for the local backend")
		}
	case BackendGCS:
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("archive.backend: unknown backend %q", c.Archive.Backend)
	}
	if c.PubSub.Topic != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id is required when pubsub.topic is set")
	}
	return nil
}

func (p PollConfig) validate(section string) error {
	if p.Interval <= 0 {
		return fmt.Errorf("%s.interval must be > 0", section)
	}
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("%s.max_attempts must be > 0", section)
	}
	if p.Backoff < 1 {
		return fmt.Errorf("%s.backoff must be >= 1", section)
	}
	if p.WarmUp < 0 || p.Deadline < 0 {
		return fmt.Errorf("%s.warm_up and %s.deadline must not be negative", section, section)
	}
	return nil
}
