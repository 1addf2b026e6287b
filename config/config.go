// Package config loads the session configuration from TOML.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
)

// Duration is a time.Duration written as a Go duration string ("1s").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// DummyTraffic configures cover traffic.
type DummyTraffic struct {
	Enabled      bool     `toml:"enabled"`
	MaxMessages  int      `toml:"max_messages"`
	AvgSendDelta Duration `toml:"avg_send_delta"`
	RandomRange  Duration `toml:"random_range"`
}

// SharedStore configures the notification side-channel.
type SharedStore struct {
	// RedisAddr selects the Redis store when set.
	RedisAddr string `toml:"redis_addr"`
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
}

// Config is the session configuration.
type Config struct {
	LogLevel           string       `toml:"log_level"`
	FollowerTimeoutMS  int          `toml:"follower_timeout_ms"`
	FollowerRetryDelay Duration     `toml:"follower_retry_delay"`
	HealthThreshold    float64      `toml:"health_threshold"`
	HealthRetries      int          `toml:"health_retries"`
	HealthRetryDelay   Duration     `toml:"health_retry_delay"`
	UDRetries          int          `toml:"ud_retries"`
	UDRetryDelay       Duration     `toml:"ud_retry_delay"`
	DeliveryTimeout    Duration     `toml:"delivery_timeout"`
	RoundTimeout       Duration     `toml:"round_timeout"`
	LookupTimeout      Duration     `toml:"lookup_timeout"`
	RestoreRate        float64      `toml:"restore_rate"`
	DummyTraffic       DummyTraffic `toml:"dummy_traffic"`
	SharedStore        SharedStore  `toml:"shared_store"`
	Metrics            Metrics      `toml:"metrics"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LogLevel:           "info",
		FollowerTimeoutMS:  60000,
		FollowerRetryDelay: Duration{time.Second},
		HealthThreshold:    0.85,
		HealthRetries:      4,
		HealthRetryDelay:   Duration{time.Second},
		UDRetries:          3,
		UDRetryDelay:       Duration{time.Second},
		DeliveryTimeout:    Duration{30 * time.Second},
		RoundTimeout:       Duration{15 * time.Second},
		LookupTimeout:      Duration{50 * time.Second},
		RestoreRate:        5,
		DummyTraffic: DummyTraffic{
			MaxMessages:  5,
			AvgSendDelta: Duration{30 * time.Second},
			RandomRange:  Duration{10 * time.Second},
		},
		Metrics: Metrics{Listen: ":9108"},
	}
}

// Load reads path over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return finish(cfg, meta)
}

// Parse reads TOML text over the defaults.
func Parse(data string) (Config, error) {
	cfg := Default()
	meta, err := toml.Decode(data, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return finish(cfg, meta)
}

func finish(cfg Config, meta toml.MetaData) (Config, error) {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges.
func (c Config) Validate() error {
	var errs []error
	if c.HealthThreshold <= 0 || c.HealthThreshold > 1 {
		errs = append(errs, fmt.Errorf("health_threshold must be in (0,1], got %v", c.HealthThreshold))
	}
	if c.HealthRetries < 0 {
		errs = append(errs, errors.New("health_retries must not be negative"))
	}
	if c.UDRetries < 0 {
		errs = append(errs, errors.New("ud_retries must not be negative"))
	}
	if c.FollowerTimeoutMS <= 0 {
		errs = append(errs, errors.New("follower_timeout_ms must be positive"))
	}
	if c.RestoreRate <= 0 {
		errs = append(errs, errors.New("restore_rate must be positive"))
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	return errors.Join(errs...)
}

// Level returns the configured logrus level.
func (c Config) Level() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}
