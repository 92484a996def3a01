package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.voxmeet.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".voxmeet")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// Dir returns the session-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "sessions", name)
}

// LockPath returns the lock file path for a session.
func LockPath(name string) string {
	return filepath.Join(Dir(name), "LOCK")
}

// DBPath returns the session's local message store path.
func DBPath(name string) string {
	return filepath.Join(Dir(name), "chatsync.db")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(Dir(name), "logs", "chatsyncd.log")
}

// EnsureDir creates the session directory if it does not exist.
func EnsureDir(name string) error {
	return os.MkdirAll(Dir(name), 0700)
}
