package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can be written as "30s", "2m".
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
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

// MarshalYAML renders the duration string form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// RemoteConfig selects and parameterizes the remote store driver.
type RemoteConfig struct {
	Driver      string   `yaml:"driver"` // "http" or "postgres"
	BaseURL     string   `yaml:"base_url"`
	PostgresDSN string   `yaml:"postgres_dsn"`
	Migrate     bool     `yaml:"migrate"`
	Timeout     Duration `yaml:"timeout"`
}

// Config holds the daemon configuration.
type Config struct {
	DBPath        string       `yaml:"db_path"`
	SpoolDir      string       `yaml:"spool_dir"`
	ListenAddr    string       `yaml:"listen_addr"`
	MaxQueueSize  int          `yaml:"max_queue_size"`
	MaxRetries    int          `yaml:"max_retries"`
	PollInterval  Duration     `yaml:"poll_interval"`
	ProbeInterval Duration     `yaml:"probe_interval"`
	SpoolRescan   Duration     `yaml:"spool_rescan"`
	BackoffBase   Duration     `yaml:"backoff_base"`
	BackoffMax    Duration     `yaml:"backoff_max"`
	SubmitRate    float64      `yaml:"submit_rate"` // submissions per second while draining
	EventBuffer   int          `yaml:"event_buffer"`
	Remote        RemoteConfig `yaml:"remote"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		DBPath:        "barnsync.db",
		SpoolDir:      "spool",
		ListenAddr:    ":8080",
		MaxQueueSize:  200,
		MaxRetries:    5,
		PollInterval:  Duration(15 * time.Second),
		ProbeInterval: Duration(10 * time.Second),
		SpoolRescan:   Duration(30 * time.Second),
		BackoffBase:   Duration(2 * time.Second),
		BackoffMax:    Duration(2 * time.Minute),
		SubmitRate:    4,
		EventBuffer:   64,
		Remote: RemoteConfig{
			Driver:  "http",
			BaseURL: "http://localhost:9090",
			Timeout: Duration(10 * time.Second),
		},
	}
}

// Load reads the YAML file at path over the defaults. A missing file is not
// an error; the defaults are returned as-is.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.MaxQueueSize <= 0 {
		return fmt.Errorf("max_queue_size must be positive, got %d", c.MaxQueueSize)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", c.MaxRetries)
	}
	if c.PollInterval.Std() <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if c.ProbeInterval.Std() <= 0 {
		return fmt.Errorf("probe_interval must be positive")
	}
	if c.BackoffBase.Std() <= 0 || c.BackoffMax.Std() < c.BackoffBase.Std() {
		return fmt.Errorf("backoff_base must be positive and backoff_max must not be below it")
	}
	if c.SubmitRate <= 0 {
		return fmt.Errorf("submit_rate must be positive, got %v", c.SubmitRate)
	}

	switch c.Remote.Driver {
	case "http":
		if c.Remote.BaseURL == "" {
			return fmt.Errorf("remote.base_url is required for the http driver")
		}
	case "postgres":
		if c.Remote.PostgresDSN == "" {
			return fmt.Errorf("remote.postgres_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown remote.driver %q", c.Remote.Driver)
	}
	if c.Remote.Timeout.Std() <= 0 {
		return fmt.Errorf("remote.timeout must be positive")
	}

	return nil
}
