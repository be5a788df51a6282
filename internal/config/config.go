package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Duration is a time.Duration written as a Go duration string in TOML.
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

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Remote configures the remote store connection.
type Remote struct {
	URL   string `toml:"url"`
	Token string `toml:"token"`
}

// Presence configures the presence service connection.
type Presence struct {
	URL       string   `toml:"url"`
	Heartbeat Duration `toml:"heartbeat"`
}

// Outbox tunes send retries.
type Outbox struct {
	BaseDelay     Duration `toml:"base_delay"`
	MaxDelay      Duration `toml:"max_delay"`
	MaxAttempts   int      `toml:"max_attempts"`
	WriteTimeout  Duration `toml:"write_timeout"`
	RetryInterval Duration `toml:"retry_interval"`
}

// Cache sizes the profile and media caches.
type Cache struct {
	ProfileMemoryTTL Duration `toml:"profile_memory_ttl"`
	ProfileStoreTTL  Duration `toml:"profile_store_ttl"`
	MediaMaxBytes    int64    `toml:"media_max_bytes"`
	MediaLowWater    float64  `toml:"media_low_water"`
}

// Sync tunes the sync coordinator.
type Sync struct {
	Window int `toml:"window"`
}

// Config represents the global ~/.relay/config.toml.
type Config struct {
	DefaultAccount string   `toml:"default_account"`
	UserID         string   `toml:"user_id"`
	LogLevel       string   `toml:"log_level"`
	Remote         Remote   `toml:"remote"`
	Presence       Presence `toml:"presence"`
	Outbox         Outbox   `toml:"outbox"`
	Cache          Cache    `toml:"cache"`
	Sync           Sync     `toml:"sync"`
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		DefaultAccount: "main",
		LogLevel:       "info",
		Presence:       Presence{Heartbeat: Duration{30 * time.Second}},
		Outbox: Outbox{
			BaseDelay:     Duration{time.Second},
			MaxDelay:      Duration{time.Minute},
			MaxAttempts:   5,
			WriteTimeout:  Duration{10 * time.Second},
			RetryInterval: Duration{5 * time.Second},
		},
		Cache: Cache{
			ProfileMemoryTTL: Duration{5 * time.Minute},
			ProfileStoreTTL:  Duration{24 * time.Hour},
			MediaMaxBytes:    100 << 20,
			MediaLowWater:    0.7,
		},
		Sync: Sync{Window: 20},
	}
}

// Load reads config from the given path on top of Default. Returns an
// error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load that treats a missing file as an empty one.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Environment overrides.
const (
	EnvRemoteURL   = "RELAY_REMOTE_URL"
	EnvRemoteToken = "RELAY_REMOTE_TOKEN"
	EnvPresenceURL = "RELAY_PRESENCE_URL"
	EnvUserID      = "RELAY_USER_ID"
	EnvAccount     = "RELAY_ACCOUNT"
)

// ApplyEnv loads the given .env files, if present, into the process
// environment and overlays the RELAY_* variables on cfg. Variables already
// set in the environment win over .env files.
func (cfg *Config) ApplyEnv(envFiles ...string) error {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	overlay := map[string]*string{
		EnvRemoteURL:   &cfg.Remote.URL,
		EnvRemoteToken: &cfg.Remote.Token,
		EnvPresenceURL: &cfg.Presence.URL,
		EnvUserID:      &cfg.UserID,
		EnvAccount:     &cfg.DefaultAccount,
	}
	for key, dst := range overlay {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	return nil
}

// Validate checks the values a daemon needs to start.
func (cfg *Config) Validate() error {
	var errs []error
	if cfg.UserID == "" {
		errs = append(errs, fmt.Errorf("user_id is required (or %s)", EnvUserID))
	}
	if cfg.Remote.URL == "" {
		errs = append(errs, fmt.Errorf("remote.url is required (or %s)", EnvRemoteURL))
	}
	if cfg.Outbox.MaxAttempts < 0 {
		errs = append(errs, errors.New("outbox.max_attempts must not be negative"))
	}
	if lw := cfg.Cache.MediaLowWater; lw < 0 || lw >= 1 {
		errs = append(errs, errors.New("cache.media_low_water must be in [0, 1)"))
	}
	return errors.Join(errs...)
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
