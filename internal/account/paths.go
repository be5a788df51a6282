// Package account lays out the per-account data directory.
package account

import (
	"os"
	"path/filepath"
)

// EnvHome overrides the base directory, mainly for tests.
const EnvHome = "RELAY_HOME"

// BaseDir returns $RELAY_HOME, or ~/.relay.
func BaseDir() string {
	if v := os.Getenv(EnvHome); v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".relay")
}

// Dir returns the account-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "accounts", name)
}

// SocketPath returns the local API socket of an account's daemon.
func SocketPath(name string) string {
	return filepath.Join(Dir(name), "relayd.sock")
}

// DBPath returns the local store path.
func DBPath(name string) string {
	return filepath.Join(Dir(name), "relay.db")
}

// AvatarDir holds downloaded profile avatars.
func AvatarDir(name string) string {
	return filepath.Join(Dir(name), "cache", "avatars")
}

// MediaDir holds cached message attachments.
func MediaDir(name string) string {
	return filepath.Join(Dir(name), "cache", "media")
}

// LogDir returns the log directory for an account.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "relayd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnvPath returns the optional .env overlay next to the config file.
func EnvPath() string {
	return filepath.Join(BaseDir(), ".env")
}

// EnsureDir creates the account directory tree with owner-only permissions.
func EnsureDir(name string) error {
	dirs := []string{
		Dir(name),
		LogDir(name),
		AvatarDir(name),
		MediaDir(name),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
