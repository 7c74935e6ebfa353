package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration read from TOML strings such as "1s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Config holds application configuration.
type Config struct {
	Workspace      string `toml:"workspace"`
	HighTable      string `toml:"high_table"`
	LowTable       string `toml:"low_table"`
	ProcessedTable string `toml:"processed_table"`
	FailedTable    string `toml:"failed_table"`
	ImagesDir      string `toml:"images_dir"`
	JournalPath    string `toml:"journal_path"`

	Pipeline PipelineConfig `toml:"pipeline"`
	Fetch    FetchConfig    `toml:"fetch"`
	Image    ImageConfig    `toml:"image"`
	Store    StoreConfig    `toml:"store"`
	Metrics  MetricsConfig  `toml:"metrics"`
}

// PipelineConfig controls batching and throughput.
type PipelineConfig struct {
	BatchSize int     `toml:"batch_size"`
	Workers   int     `toml:"workers"`
	Rate      float64 `toml:"rate"`
	Burst     int     `toml:"burst"`
}

// FetchConfig controls the HTTP session.
type FetchConfig struct {
	Timeout      Duration `toml:"timeout"`
	MaxAttempts  int      `toml:"max_attempts"`
	BackoffMin   Duration `toml:"backoff_min"`
	BackoffMax   Duration `toml:"backoff_max"`
	MaxBodyBytes int64    `toml:"max_body_bytes"`
	UserAgent    string   `toml:"user_agent"`
}

// ImageConfig controls normalization.
type ImageConfig struct {
	Size    int `toml:"size"`
	Quality int `toml:"quality"`
}

// StoreConfig controls write verification.
type StoreConfig struct {
	WriteAttempts int      `toml:"write_attempts"`
	RetryPause    Duration `toml:"retry_pause"`
	MinBytes      int64    `toml:"min_bytes"`
}

// MetricsConfig controls the metrics export. Listen, when set, serves
// /metrics and run progress over HTTP for the duration of a run.
type MetricsConfig struct {
	Textfile string `toml:"textfile"`
	Listen   string `toml:"listen"`
}

// DefaultJournalPath returns the default journal path using XDG_CACHE_HOME.
func DefaultJournalPath() string {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, _ := os.UserHomeDir()
		cacheDir = filepath.Join(home, ".cache")
	}
	return filepath.Join(cacheDir, "cardcatcher", "journal.db")
}

// DefaultConfigPath returns the default config file path using XDG_CONFIG_HOME.
func DefaultConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "cardcatcher", "config.toml")
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Workspace:      ".",
		HighTable:      "vinted_data_high.csv",
		LowTable:       "vinted_data_low.csv",
		ProcessedTable: "pokemon_cards_processed.csv",
		FailedTable:    "failed_downloads.csv",
		ImagesDir:      "pokemon_images",
		JournalPath:    DefaultJournalPath(),
		Pipeline: PipelineConfig{
			BatchSize: 90,
			Workers:   runtime.NumCPU(),
			Rate:      10,
			Burst:     1,
		},
		Fetch: FetchConfig{
			Timeout:      Duration{10 * time.Second},
			MaxAttempts:  5,
			BackoffMin:   Duration{time.Second},
			BackoffMax:   Duration{30 * time.Second},
			MaxBodyBytes: 20 << 20,
			UserAgent:    "cardcatcher/1.0",
		},
		Image: ImageConfig{
			Size:    224,
			Quality: 85,
		},
		Store: StoreConfig{
			WriteAttempts: 3,
			RetryPause:    Duration{time.Second},
			MinBytes:      1024,
		},
	}
}

// Load builds Config from defaults, the TOML file at path and the
// environment. A missing file is not an error unless path was set
// explicitly via CARDCATCHER_CONFIG or the caller.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if env := os.Getenv("CARDCATCHER_CONFIG"); env != "" && !explicit {
		path, explicit = env, true
	}
	if path == "" {
		path = DefaultConfigPath()
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if !errors.Is(err, fs.ErrNotExist) || explicit {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CARDCATCHER_WORKSPACE"); v != "" {
		cfg.Workspace = v
	}
	if v := os.Getenv("CARDCATCHER_JOURNAL"); v != "" {
		cfg.JournalPath = v
	}
	if v := os.Getenv("CARDCATCHER_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pipeline.BatchSize = n
		}
	}
	if v := os.Getenv("CARDCATCHER_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pipeline.Workers = n
		}
	}
	if v := os.Getenv("CARDCATCHER_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Pipeline.Rate = f
		}
	}
	if v := os.Getenv("CARDCATCHER_METRICS_TEXTFILE"); v != "" {
		cfg.Metrics.Textfile = v
	}
	if v := os.Getenv("CARDCATCHER_LISTEN"); v != "" {
		cfg.Metrics.Listen = v
	}
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	var problems []string
	if c.Pipeline.BatchSize <= 0 {
		problems = append(problems, "pipeline.batch_size must be positive")
	}
	if c.Pipeline.Workers <= 0 {
		problems = append(problems, "pipeline.workers must be positive")
	}
	if c.Pipeline.Rate < 0 {
		problems = append(problems, "pipeline.rate must not be negative")
	}
	if c.Fetch.MaxAttempts <= 0 {
		problems = append(problems, "fetch.max_attempts must be positive")
	}
	if c.Image.Quality < 1 || c.Image.Quality > 100 {
		problems = append(problems, "image.quality must be within 1..100")
	}
	if c.Image.Size <= 0 {
		problems = append(problems, "image.size must be positive")
	}
	if c.Store.WriteAttempts <= 0 {
		problems = append(problems, "store.write_attempts must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Resolve returns p relative to the workspace unless it is absolute.
func (c *Config) Resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Workspace, p)
}
