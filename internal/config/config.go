package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Push struct {
		URL          string        `yaml:"url"`
		DialTimeout  time.Duration `yaml:"dial_timeout"`
		PingInterval time.Duration `yaml:"ping_interval"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"push"`

	REST struct {
		BaseURL string        `yaml:"base_url"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"rest"`

	Auth struct {
		RefreshMaxAttempts int           `yaml:"refresh_max_attempts"`
		BackoffBase        time.Duration `yaml:"backoff_base"`
		BackoffCap         time.Duration `yaml:"backoff_cap"`
	} `yaml:"auth"`

	Cache struct {
		Dir        string `yaml:"dir"`
		InMemory   bool   `yaml:"in_memory"`
		SyncWrites bool   `yaml:"sync_writes"`
	} `yaml:"cache"`

	Chat struct {
		WarnBytes int `yaml:"warn_bytes"`
		MaxBytes  int `yaml:"max_bytes"`
	} `yaml:"chat"`

	Location struct {
		NormalInterval    time.Duration `yaml:"normal_interval"`
		EmergencyInterval time.Duration `yaml:"emergency_interval"`
	} `yaml:"location"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"metrics"`
}

// LoadFromFile loads config from a YAML file, applies defaults, and validates
// required fields.
func LoadFromFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	// Push channel
	if cfg.Push.DialTimeout == 0 {
		cfg.Push.DialTimeout = 10 * time.Second
	}
	if cfg.Push.PingInterval == 0 {
		cfg.Push.PingInterval = 30 * time.Second
	}
	if cfg.Push.WriteTimeout == 0 {
		cfg.Push.WriteTimeout = 5 * time.Second
	}

	// REST
	if cfg.REST.Timeout == 0 {
		cfg.REST.Timeout = 15 * time.Second
	}

	// Auth refresh budget
	if cfg.Auth.RefreshMaxAttempts == 0 {
		cfg.Auth.RefreshMaxAttempts = 3
	}
	if cfg.Auth.BackoffBase == 0 {
		cfg.Auth.BackoffBase = time.Second
	}
	if cfg.Auth.BackoffCap == 0 {
		cfg.Auth.BackoffCap = 30 * time.Second
	}

	// Cache
	if cfg.Cache.Dir == "" {
		cfg.Cache.Dir = "ridesync-cache"
	}

	// Chat payload bounds
	if cfg.Chat.WarnBytes == 0 {
		cfg.Chat.WarnBytes = 2048
	}
	if cfg.Chat.MaxBytes == 0 {
		cfg.Chat.MaxBytes = 4096
	}

	// Location cadence
	if cfg.Location.NormalInterval == 0 {
		cfg.Location.NormalInterval = 10 * time.Second
	}
	if cfg.Location.EmergencyInterval == 0 {
		cfg.Location.EmergencyInterval = 5 * time.Second
	}

	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9102"
	}
}

func (c *Config) validate() error {
	var problems []string

	if c.Auth.RefreshMaxAttempts < 1 {
		problems = append(problems, "auth.refresh_max_attempts must be >= 1")
	}
	if c.Auth.BackoffBase <= 0 {
		problems = append(problems, "auth.backoff_base must be positive")
	}
	if c.Auth.BackoffCap < c.Auth.BackoffBase {
		problems = append(problems, "auth.backoff_cap must be >= auth.backoff_base")
	}

	if c.Chat.WarnBytes <= 0 {
		problems = append(problems, "chat.warn_bytes must be positive")
	}
	if c.Chat.MaxBytes < c.Chat.WarnBytes {
		problems = append(problems, "chat.max_bytes must be >= chat.warn_bytes")
	}

	if c.Location.EmergencyInterval > c.Location.NormalInterval {
		problems = append(problems, "location.emergency_interval must not exceed location.normal_interval")
	}

	if !c.Cache.InMemory && strings.TrimSpace(c.Cache.Dir) == "" {
		problems = append(problems, "cache.dir is required unless cache.in_memory is set")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}
