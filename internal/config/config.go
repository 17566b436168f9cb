package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from "90s" style YAML
// strings.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the full service configuration. Zero values are filled in by
// applyDefaults, so a missing file or empty document yields a runnable
// config.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Detection DetectionConfig `yaml:"detection"`
}

type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	IdleTimeout     Duration `yaml:"idle_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

type StorageConfig struct {
	Path            string   `yaml:"path"`
	SampleRetention Duration `yaml:"sample_retention"`
	EventRetention  Duration `yaml:"event_retention"`
	CleanupInterval Duration `yaml:"cleanup_interval"`
}

type IngestConfig struct {
	Workers       int      `yaml:"workers"`
	QueueCapacity int      `yaml:"queue_capacity"`
	RetryAttempts int      `yaml:"retry_attempts"`
	RetryBackoff  Duration `yaml:"retry_backoff"`
	DrainTimeout  Duration `yaml:"drain_timeout"`
}

type DetectionConfig struct {
	MinSamples          int     `yaml:"min_samples"`
	WindowSize          int     `yaml:"window_size"`
	RecalcInterval      int     `yaml:"recalc_interval"`
	SevereZ             float64 `yaml:"severe_zscore"`
	SevereConsecutive   int     `yaml:"severe_consecutive"`
	ModerateZ           float64 `yaml:"moderate_zscore"`
	ModerateWindow      int     `yaml:"moderate_window"`
	ModerateCount       int     `yaml:"moderate_count"`
	NormalZ             float64 `yaml:"normal_zscore"`
	RecoveryConsecutive int     `yaml:"recovery_consecutive"`
}

// Load reads the YAML file at path, applies defaults and environment
// overrides, and validates. An empty path skips the file and uses defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = Duration(10 * time.Second)
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = Duration(15 * time.Second)
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = Duration(60 * time.Second)
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = Duration(15 * time.Second)
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "driftwatch.db"
	}
	if c.Storage.SampleRetention == 0 {
		c.Storage.SampleRetention = Duration(7 * 24 * time.Hour)
	}
	if c.Storage.EventRetention == 0 {
		c.Storage.EventRetention = Duration(30 * 24 * time.Hour)
	}
	if c.Storage.CleanupInterval == 0 {
		c.Storage.CleanupInterval = Duration(time.Hour)
	}

	if c.Ingest.Workers == 0 {
		c.Ingest.Workers = 4
	}
	if c.Ingest.QueueCapacity == 0 {
		c.Ingest.QueueCapacity = 10000
	}
	if c.Ingest.RetryAttempts == 0 {
		c.Ingest.RetryAttempts = 3
	}
	if c.Ingest.RetryBackoff == 0 {
		c.Ingest.RetryBackoff = Duration(50 * time.Millisecond)
	}
	if c.Ingest.DrainTimeout == 0 {
		c.Ingest.DrainTimeout = Duration(10 * time.Second)
	}

	if c.Detection.MinSamples == 0 {
		c.Detection.MinSamples = 100
	}
	if c.Detection.WindowSize == 0 {
		c.Detection.WindowSize = 1000
	}
	if c.Detection.RecalcInterval == 0 {
		c.Detection.RecalcInterval = 50
	}
	if c.Detection.SevereZ == 0 {
		c.Detection.SevereZ = 3.0
	}
	if c.Detection.SevereConsecutive == 0 {
		c.Detection.SevereConsecutive = 5
	}
	if c.Detection.ModerateZ == 0 {
		c.Detection.ModerateZ = 2.5
	}
	if c.Detection.ModerateWindow == 0 {
		c.Detection.ModerateWindow = 20
	}
	if c.Detection.ModerateCount == 0 {
		c.Detection.ModerateCount = 10
	}
	if c.Detection.NormalZ == 0 {
		c.Detection.NormalZ = 2.0
	}
	if c.Detection.RecoveryConsecutive == 0 {
		c.Detection.RecoveryConsecutive = 50
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DRIFTWATCH_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("DRIFTWATCH_DB_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := getenvInt("DRIFTWATCH_WORKERS"); v > 0 {
		c.Ingest.Workers = v
	}
	if v := getenvInt("DRIFTWATCH_QUEUE_CAPACITY"); v > 0 {
		c.Ingest.QueueCapacity = v
	}
}

func getenvInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func (c *Config) validate() error {
	if c.Ingest.Workers < 1 {
		return fmt.Errorf("ingest.workers must be positive, got %d", c.Ingest.Workers)
	}
	if c.Ingest.QueueCapacity < c.Ingest.Workers {
		return fmt.Errorf("ingest.queue_capacity %d below worker count %d", c.Ingest.QueueCapacity, c.Ingest.Workers)
	}
	if c.Detection.MinSamples < 2 {
		return fmt.Errorf("detection.min_samples must be at least 2, got %d", c.Detection.MinSamples)
	}
	if c.Detection.WindowSize < c.Detection.MinSamples {
		return fmt.Errorf("detection.window_size %d below min_samples %d", c.Detection.WindowSize, c.Detection.MinSamples)
	}
	if c.Detection.RecalcInterval < 1 {
		return fmt.Errorf("detection.recalc_interval must be positive, got %d", c.Detection.RecalcInterval)
	}
	if c.Detection.ModerateCount > c.Detection.ModerateWindow {
		return fmt.Errorf("detection.moderate_count %d exceeds moderate_window %d", c.Detection.ModerateCount, c.Detection.ModerateWindow)
	}
	if c.Detection.NormalZ > c.Detection.ModerateZ || c.Detection.ModerateZ > c.Detection.SevereZ {
		return fmt.Errorf("detection thresholds must satisfy normal <= moderate <= severe")
	}
	return nil
}
