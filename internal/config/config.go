// Package config loads the rulecache configuration: built-in defaults,
// then an optional YAML file, then environment variables prefixed with
// RULECACHE_.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/liamcoop/rulecache/internal/logger"
	"github.com/liamcoop/rulecache/rules"
)

// EnvPrefix is prepended to every environment variable name
const EnvPrefix = "RULECACHE_"

type Config struct {
	Server   ServerConfig   `yaml:"server" envPrefix:"SERVER_"`
	Database DatabaseConfig `yaml:"database" envPrefix:"DATABASE_"`
	Logging  LoggingConfig  `yaml:"logging" envPrefix:"LOGGING_"`
	Cache    CacheSection   `yaml:"cache" envPrefix:"CACHE_"`
	Compiler CompilerConfig `yaml:"compiler" envPrefix:"COMPILER_"`
	Metrics  MetricsConfig  `yaml:"metrics" envPrefix:"METRICS_"`
}

type ServerConfig struct {
	Listen          string        `yaml:"listen" env:"LISTEN"`
	ReadTimeout     time.Duration `yaml:"readTimeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"writeTimeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" env:"SHUTDOWN_TIMEOUT"`
}

// DatabaseConfig selects the rule provider. An empty URL serves rules
// from memory.
type DatabaseConfig struct {
	URL string `yaml:"url" env:"URL"`
}

type LoggingConfig struct {
	Level           string `yaml:"level" env:"LEVEL"`
	Format          string `yaml:"format" env:"FORMAT"`
	ErrorSampleRate int    `yaml:"errorSampleRate" env:"ERROR_SAMPLE_RATE"`
}

type TierSection struct {
	Enabled        bool          `yaml:"enabled" env:"ENABLED"`
	MaxEntries     int           `yaml:"maxEntries" env:"MAX_ENTRIES"`
	TTL            time.Duration `yaml:"ttl" env:"TTL"`
	UpdateAgeOnGet bool          `yaml:"updateAgeOnGet" env:"UPDATE_AGE_ON_GET"`
}

type AutoRefreshSection struct {
	Enabled  bool          `yaml:"enabled" env:"ENABLED"`
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
}

type BackgroundSection struct {
	Workers   int `yaml:"workers" env:"WORKERS"`
	QueueSize int `yaml:"queueSize" env:"QUEUE_SIZE"`
}

type CacheSection struct {
	L1                TierSection        `yaml:"l1" envPrefix:"L1_"`
	L2                TierSection        `yaml:"l2" envPrefix:"L2_"`
	TrackDependencies bool               `yaml:"trackDependencies" env:"TRACK_DEPENDENCIES"`
	PrecompileRules   bool               `yaml:"precompileRules" env:"PRECOMPILE_RULES"`
	AutoRefresh       AutoRefreshSection `yaml:"autoRefresh" envPrefix:"AUTO_REFRESH_"`
	Background        BackgroundSection  `yaml:"background" envPrefix:"BACKGROUND_"`
	ProviderTimeout   time.Duration      `yaml:"providerTimeout" env:"PROVIDER_TIMEOUT"`
}

type CompilerConfig struct {
	Optimize          bool          `yaml:"optimize" env:"OPTIMIZE"`
	ValidatePattern   bool          `yaml:"validatePattern" env:"VALIDATE_PATTERN"`
	ScriptTimeout     time.Duration `yaml:"scriptTimeout" env:"SCRIPT_TIMEOUT"`
	ScriptCostLimit   uint64        `yaml:"scriptCostLimit" env:"SCRIPT_COST_LIMIT"`
	MaxCompositeDepth int           `yaml:"maxCompositeDepth" env:"MAX_COMPOSITE_DEPTH"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Path    string `yaml:"path" env:"PATH"`
}

// Default returns the configuration used when nothing else is given
func Default() *Config {
	cache := rules.DefaultCacheConfig()
	compiler := rules.DefaultCompilerConfig()

	return &Config{
		Server: ServerConfig{
			Listen:          ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:           "INFO",
			Format:          "json",
			ErrorSampleRate: 1,
		},
		Cache: CacheSection{
			L1:                tierSection(cache.L1),
			L2:                tierSection(cache.L2),
			TrackDependencies: cache.TrackDependencies,
			PrecompileRules:   cache.PrecompileRules,
			AutoRefresh: AutoRefreshSection{
				Enabled:  cache.AutoRefresh.Enabled,
				Interval: cache.AutoRefresh.Interval,
			},
			Background: BackgroundSection{
				Workers:   cache.BackgroundWorkers,
				QueueSize: cache.BackgroundQueueSize,
			},
			ProviderTimeout: cache.ProviderTimeout,
		},
		Compiler: CompilerConfig{
			Optimize:          cache.CompileOptions.Optimize,
			ValidatePattern:   cache.CompileOptions.ValidatePattern,
			ScriptTimeout:     compiler.ScriptTimeout,
			ScriptCostLimit:   compiler.ScriptCostLimit,
			MaxCompositeDepth: compiler.MaxCompositeDepth,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

func tierSection(t rules.TierConfig) TierSection {
	return TierSection{
		Enabled:        t.Enabled,
		MaxEntries:     t.MaxEntries,
		TTL:            t.TTL,
		UpdateAgeOnGet: t.UpdateAgeOnGet,
	}
}

// Load builds the configuration. path may be empty, in which case only
// defaults and the environment are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	// The unprefixed names are kept for existing deployments
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ValidationError lists every configuration problem found
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// Validate checks the configuration and reports all problems at once
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Server.Listen == "" {
		add("server.listen is required")
	}
	if _, err := logger.ParseLevel(c.Logging.Level); err != nil {
		add("logging.level: %v", err)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		add("logging.format must be json or text, got %q", c.Logging.Format)
	}

	for name, tier := range map[string]TierSection{"cache.l1": c.Cache.L1, "cache.l2": c.Cache.L2} {
		if tier.Enabled && tier.MaxEntries <= 0 {
			add("%s.maxEntries must be positive", name)
		}
		if tier.TTL < 0 {
			add("%s.ttl must not be negative", name)
		}
	}
	if c.Cache.AutoRefresh.Enabled && c.Cache.AutoRefresh.Interval <= 0 {
		add("cache.autoRefresh.interval must be positive when enabled")
	}
	if c.Cache.Background.Workers <= 0 {
		add("cache.background.workers must be positive")
	}
	if c.Cache.Background.QueueSize < 0 {
		add("cache.background.queueSize must not be negative")
	}
	if c.Cache.ProviderTimeout <= 0 {
		add("cache.providerTimeout must be positive")
	}
	if c.Compiler.ScriptTimeout <= 0 {
		add("compiler.scriptTimeout must be positive")
	}
	if c.Compiler.MaxCompositeDepth <= 0 {
		add("compiler.maxCompositeDepth must be positive")
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		add("metrics.path must start with /")
	}

	if len(problems) > 0 {
		// map iteration above is unordered
		slices.Sort(problems)
		return &ValidationError{Problems: problems}
	}
	return nil
}

// CacheConfig maps the cache section onto rules.CacheConfig
func (c *Config) CacheConfig(log *slog.Logger) rules.CacheConfig {
	return rules.CacheConfig{
		L1:                rulesTier(c.Cache.L1),
		L2:                rulesTier(c.Cache.L2),
		TrackDependencies: c.Cache.TrackDependencies,
		PrecompileRules:   c.Cache.PrecompileRules,
		AutoRefresh: rules.AutoRefreshConfig{
			Enabled:  c.Cache.AutoRefresh.Enabled,
			Interval: c.Cache.AutoRefresh.Interval,
		},
		BackgroundWorkers:   c.Cache.Background.Workers,
		BackgroundQueueSize: c.Cache.Background.QueueSize,
		ProviderTimeout:     c.Cache.ProviderTimeout,
		CompileOptions: rules.CompileOptions{
			Optimize:        c.Compiler.Optimize,
			ValidatePattern: c.Compiler.ValidatePattern,
		},
		Logger: log,
	}
}

// CompilerConfig maps the compiler section onto rules.CompilerConfig
func (c *Config) CompilerConfig(log *slog.Logger) rules.CompilerConfig {
	return rules.CompilerConfig{
		ScriptTimeout:     c.Compiler.ScriptTimeout,
		ScriptCostLimit:   c.Compiler.ScriptCostLimit,
		MaxCompositeDepth: c.Compiler.MaxCompositeDepth,
		Logger:            log,
	}
}

func rulesTier(t TierSection) rules.TierConfig {
	return rules.TierConfig{
		Enabled:        t.Enabled,
		MaxEntries:     t.MaxEntries,
		TTL:            t.TTL,
		UpdateAgeOnGet: t.UpdateAgeOnGet,
	}
}
