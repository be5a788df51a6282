package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.DefaultAccount = "work"
	cfg.Outbox.MaxDelay = Duration{2 * time.Minute}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultAccount != "work" {
		t.Errorf("DefaultAccount = %q, want %q", loaded.DefaultAccount, "work")
	}
	if loaded.Outbox.MaxDelay.Duration != 2*time.Minute {
		t.Errorf("MaxDelay = %s, want 2m", loaded.Outbox.MaxDelay)
	}
}

func TestLoadKeepsDefaultsForMissingKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	data := `
user_id = "alice"

[remote]
url = "wss://sync.example.com"

[outbox]
base_delay = "500ms"
`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Outbox.BaseDelay.Duration != 500*time.Millisecond {
		t.Errorf("BaseDelay = %s, want 500ms", cfg.Outbox.BaseDelay)
	}
	if cfg.Outbox.MaxAttempts != 5 || cfg.Sync.Window != 20 || cfg.Cache.MediaMaxBytes != 100<<20 {
		t.Errorf("defaults lost: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestLoadBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[outbox]\nmax_delay = \"soon\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for bad duration")
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
	cfg, err := LoadOrDefault("/nonexistent/config.toml")
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.DefaultAccount != "main" {
		t.Errorf("DefaultAccount = %q, want main", cfg.DefaultAccount)
	}
}

func TestApplyEnv(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	data := "RELAY_REMOTE_URL=wss://from-dotenv\nRELAY_USER_ID=dotenv-user\n"
	if err := os.WriteFile(envFile, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}
	// The process environment wins over the .env file.
	t.Setenv(EnvUserID, "env-user")
	// Registers a restore of RELAY_REMOTE_URL, then leaves it unset for the .env file.
	t.Setenv(EnvRemoteURL, "")
	os.Unsetenv(EnvRemoteURL)

	cfg := Default()
	if err := cfg.ApplyEnv(envFile, filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatal(err)
	}

	if cfg.Remote.URL != "wss://from-dotenv" {
		t.Errorf("Remote.URL = %q", cfg.Remote.URL)
	}
	if cfg.UserID != "env-user" {
		t.Errorf("UserID = %q, want env-user", cfg.UserID)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Cache.MediaLowWater = 1.5
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error")
	}
	for _, want := range []string{"user_id", "remote.url", "media_low_water"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
