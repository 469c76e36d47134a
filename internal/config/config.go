// Package config loads process configuration via Viper. Crawl semantics
// (quota, depth, rate) live in the LCD program; this covers everything the
// process needs before a program is compiled.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// Config captures process-level knobs.
type Config struct {
	Backend  BackendConfig  `mapstructure:"backend"`
	Crawler  CrawlerConfig  `mapstructure:"crawler"`
	Headless HeadlessConfig `mapstructure:"headless"`
	Ops      OpsConfig      `mapstructure:"ops"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// BackendConfig controls the PostgreSQL connection pool.
type BackendConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// CrawlerConfig governs the engine's process-side behavior.
type CrawlerConfig struct {
	Workers int    `mapstructure:"workers"`
	StdPath string `mapstructure:"std_path"`
}

// HeadlessConfig configures the optional browser fetcher.
type HeadlessConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	MaxParallel int  `mapstructure:"max_parallel"`
}

// OpsConfig controls the metrics/health endpoint.
type OpsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk and environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LOPEZ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

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

	// LOPEZ_STD is the documented override for the standard library path.
	if std := os.Getenv("LOPEZ_STD"); std != "" {
		cfg.Crawler.StdPath = std
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("crawler.workers", defaultWorkers())
	v.SetDefault("crawler.std_path", "/usr/share/lopez/lib")
	v.SetDefault("backend.max_conns", 8)
	v.SetDefault("backend.min_conns", 1)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("ops.enabled", false)
	v.SetDefault("ops.port", 9091)
	v.SetDefault("logging.development", true)
}

func defaultWorkers() int {
	workers := 2 * runtime.NumCPU()
	if workers < 8 {
		workers = 8
	}
	return workers
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Crawler.Workers <= 0 {
		return fmt.Errorf("crawler.workers must be > 0")
	}
	if c.Ops.Enabled && c.Ops.Port <= 0 {
		return fmt.Errorf("ops.port must be > 0 when ops is enabled")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	return nil
}
