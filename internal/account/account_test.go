package account

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/matheus3301/relay/internal/config"
)

func TestDir(t *testing.T) {
	t.Setenv(EnvHome, "")
	home, _ := os.UserHomeDir()
	got := Dir("main")
	want := filepath.Join(home, ".relay", "accounts", "main")
	if got != want {
		t.Errorf("Dir(main) = %q, want %q", got, want)
	}
}

func TestPaths(t *testing.T) {
	base := t.TempDir()
	t.Setenv(EnvHome, base)

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"socket", SocketPath("test"), filepath.Join("accounts", "test", "relayd.sock")},
		{"db", DBPath("test"), filepath.Join("accounts", "test", "relay.db")},
		{"avatars", AvatarDir("test"), filepath.Join("accounts", "test", "cache", "avatars")},
		{"media", MediaDir("test"), filepath.Join("accounts", "test", "cache", "media")},
		{"log", LogPath("test"), filepath.Join("accounts", "test", "logs", "relayd.log")},
		{"config", ConfigPath(), "config.toml"},
	}
	for _, tt := range tests {
		if !strings.HasPrefix(tt.got, base) || !strings.HasSuffix(tt.got, tt.want) {
			t.Errorf("%s = %q, want %s/.../%s", tt.name, tt.got, base, tt.want)
		}
	}
}

func TestEnsureDir(t *testing.T) {
	t.Setenv(EnvHome, t.TempDir())

	if err := EnsureDir("test"); err != nil {
		t.Fatal(err)
	}
	for _, d := range []string{Dir("test"), LogDir("test"), AvatarDir("test"), MediaDir("test")} {
		info, err := os.Stat(d)
		if err != nil {
			t.Fatalf("stat %s: %v", d, err)
		}
		if perm := info.Mode().Perm(); perm != 0700 {
			t.Errorf("%s permission = %o, want 0700", d, perm)
		}
	}
}

func TestResolvePrecedence(t *testing.T) {
	t.Setenv(EnvHome, t.TempDir())
	t.Setenv(config.EnvAccount, "")

	if got := Resolve(""); got != DefaultName {
		t.Errorf("no config: Resolve = %q, want %q", got, DefaultName)
	}

	cfg := config.Default()
	cfg.DefaultAccount = "work"
	if err := config.Save(ConfigPath(), cfg); err != nil {
		t.Fatal(err)
	}
	if got := Resolve(""); got != "work" {
		t.Errorf("config: Resolve = %q, want work", got)
	}

	t.Setenv(config.EnvAccount, "env")
	if got := Resolve(""); got != "env" {
		t.Errorf("env: Resolve = %q, want env", got)
	}
	if got := Resolve("flag"); got != "flag" {
		t.Errorf("flag: Resolve = %q, want flag", got)
	}
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid simple", "main", false},
		{"valid with numbers", "work123", false},
		{"valid with hyphen", "my-account", false},
		{"valid with underscore", "my_account", false},
		{"valid max length", strings.Repeat("a", 64), false},
		{"empty", "", true},
		{"uppercase", "Main", true},
		{"space", "my account", true},
		{"dot", "my.account", true},
		{"too long", strings.Repeat("a", 65), true},
		{"slash", "my/account", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}
