package config

import (
	"fmt"
	"runtime"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete conductor configuration, read once at construction
type Config struct {
	// WorkerThreads sizes the CPU worker pool; zero means one per
	// hardware thread
	WorkerThreads int `yaml:"worker_threads" mapstructure:"worker_threads"`

	// EnableAccelerator adds accelerator workers to the pool
	EnableAccelerator bool `yaml:"enable_accelerator" mapstructure:"enable_accelerator"`

	// DreamThresholdSecs is the idle time before the system starts Dreaming
	DreamThresholdSecs int `yaml:"dream_threshold_secs" mapstructure:"dream_threshold_secs"`

	// MaxQueueSize is the back-pressure threshold on unfinished (pending or
	// running) tasks
	MaxQueueSize int `yaml:"max_queue_size" mapstructure:"max_queue_size"`

	// LatencyThresholdMs is the watchdog violation threshold
	LatencyThresholdMs int `yaml:"latency_threshold_ms" mapstructure:"latency_threshold_ms"`

	// EnableSelfTuning gates the tuning engine. Off by default.
	EnableSelfTuning bool `yaml:"enable_self_tuning" mapstructure:"enable_self_tuning"`

	// TargetLatencyMs is the latency the tuner steers toward
	TargetLatencyMs int `yaml:"target_latency_ms" mapstructure:"target_latency_ms"`

	// MetricsIntervalSecs is the sampling cadence for the metrics history
	MetricsIntervalSecs int `yaml:"metrics_interval_secs" mapstructure:"metrics_interval_secs"`

	// SupervisorTickSecs is the cadence of the dream-state check
	SupervisorTickSecs int `yaml:"supervisor_tick_secs" mapstructure:"supervisor_tick_secs"`

	// ShutdownGraceSecs is the soft drain deadline on shutdown
	ShutdownGraceSecs int `yaml:"shutdown_grace_secs" mapstructure:"shutdown_grace_secs"`

	// ReplaceLostWorkers respawns workers whose loops terminate unexpectedly
	ReplaceLostWorkers bool `yaml:"replace_lost_workers" mapstructure:"replace_lost_workers"`

	// MetricsListen is the Prometheus listen address; empty disables the
	// exporter
	MetricsListen string `yaml:"metrics_listen" mapstructure:"metrics_listen"`

	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
}

// LoggingConfig holds logger construction options
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error
	Level string `yaml:"level" mapstructure:"level"`
	// Format is "console" or "json"
	Format string `yaml:"format" mapstructure:"format"`
}

// Default returns the configuration used when no file or environment
// overrides are present
func Default() *Config {
	return &Config{
		WorkerThreads:       runtime.NumCPU(),
		EnableAccelerator:   true,
		DreamThresholdSecs:  300,
		MaxQueueSize:        10000,
		LatencyThresholdMs:  16, // one frame at 60fps
		EnableSelfTuning:    false,
		TargetLatencyMs:     16,
		MetricsIntervalSecs: 60,
		SupervisorTickSecs:  10,
		ShutdownGraceSecs:   5,
		ReplaceLostWorkers:  true,
		MetricsListen:       ":9095",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads configuration from the given file (optional) and the
// CONDUCTOR_* environment, layered over the defaults
func Load(configFile string) (*Config, error) {
	v := viper.New()

	defaults := Default()
	v.SetDefault("worker_threads", defaults.WorkerThreads)
	v.SetDefault("enable_accelerator", defaults.EnableAccelerator)
	v.SetDefault("dream_threshold_secs", defaults.DreamThresholdSecs)
	v.SetDefault("max_queue_size", defaults.MaxQueueSize)
	v.SetDefault("latency_threshold_ms", defaults.LatencyThresholdMs)
	v.SetDefault("enable_self_tuning", defaults.EnableSelfTuning)
	v.SetDefault("target_latency_ms", defaults.TargetLatencyMs)
	v.SetDefault("metrics_interval_secs", defaults.MetricsIntervalSecs)
	v.SetDefault("supervisor_tick_secs", defaults.SupervisorTickSecs)
	v.SetDefault("shutdown_grace_secs", defaults.ShutdownGraceSecs)
	v.SetDefault("replace_lost_workers", defaults.ReplaceLostWorkers)
	v.SetDefault("metrics_listen", defaults.MetricsListen)
	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.format", defaults.Logging.Format)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("conductor")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.conductor")
		v.AddConfigPath("/etc/conductor")
	}

	v.SetEnvPrefix("CONDUCTOR")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if configFile != "" {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// No file in the search paths; defaults apply.
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the conductor cannot honor
func (c *Config) Validate() error {
	if c.WorkerThreads < 0 {
		return fmt.Errorf("worker_threads must be >= 0, got %d", c.WorkerThreads)
	}
	if c.MaxQueueSize <= 0 {
		return fmt.Errorf("max_queue_size must be > 0, got %d", c.MaxQueueSize)
	}
	if c.LatencyThresholdMs <= 0 {
		return fmt.Errorf("latency_threshold_ms must be > 0, got %d", c.LatencyThresholdMs)
	}
	if c.DreamThresholdSecs <= 0 {
		return fmt.Errorf("dream_threshold_secs must be > 0, got %d", c.DreamThresholdSecs)
	}
	if c.TargetLatencyMs <= 0 {
		return fmt.Errorf("target_latency_ms must be > 0, got %d", c.TargetLatencyMs)
	}
	if c.MetricsIntervalSecs <= 0 {
		return fmt.Errorf("metrics_interval_secs must be > 0, got %d", c.MetricsIntervalSecs)
	}
	if c.SupervisorTickSecs <= 0 {
		return fmt.Errorf("supervisor_tick_secs must be > 0, got %d", c.SupervisorTickSecs)
	}
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	return nil
}

// DreamThreshold returns the idle threshold as a duration
func (c *Config) DreamThreshold() time.Duration {
	return time.Duration(c.DreamThresholdSecs) * time.Second
}

// LatencyThreshold returns the watchdog threshold as a duration
func (c *Config) LatencyThreshold() time.Duration {
	return time.Duration(c.LatencyThresholdMs) * time.Millisecond
}

// TargetLatency returns the tuning target as a duration
func (c *Config) TargetLatency() time.Duration {
	return time.Duration(c.TargetLatencyMs) * time.Millisecond
}

// MetricsInterval returns the sampling cadence as a duration
func (c *Config) MetricsInterval() time.Duration {
	return time.Duration(c.MetricsIntervalSecs) * time.Second
}

// SupervisorTick returns the dream-check cadence as a duration
func (c *Config) SupervisorTick() time.Duration {
	return time.Duration(c.SupervisorTickSecs) * time.Second
}

// ShutdownGrace returns the soft drain deadline as a duration
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSecs) * time.Second
}
