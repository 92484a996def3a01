package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := &Config{
		DefaultSession: "work",
		Account:        Account{UserID: "u1", DisplayName: "Alice"},
		Server:         Server{APIURL: "https://api.example.com", ChannelURL: "wss://rt.example.com"},
	}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultSession != "work" {
		t.Errorf("DefaultSession = %q, want %q", loaded.DefaultSession, "work")
	}
	if loaded.Account.UserID != "u1" {
		t.Errorf("Account.UserID = %q, want u1", loaded.Account.UserID)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestLoadAppliesTimingDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")
	if err := Save(path, &Config{DefaultSession: "main"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		got  Duration
		want time.Duration
	}{
		{"send_deadline", cfg.Timing.SendDeadline, 10 * time.Second},
		{"typing_ttl", cfg.Timing.TypingTTL, 3 * time.Second},
		{"reconcile_window", cfg.Timing.ReconcileWindow, 30 * time.Second},
		{"duplicate_window", cfg.Timing.DuplicateWindow, 3 * time.Second},
		{"replacement_grace", cfg.Timing.ReplacementGrace, 1 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got.Std() != tt.want {
				t.Errorf("%s = %v, want %v", tt.name, tt.got.Std(), tt.want)
			}
		})
	}

	if cfg.History.PageSize != 30 {
		t.Errorf("History.PageSize = %d, want 30", cfg.History.PageSize)
	}
}

func TestTimingOverride(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")
	raw := []byte("[timing]\nsend_deadline = \"5s\"\n")
	if err := os.WriteFile(path, raw, 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Timing.SendDeadline.Std() != 5*time.Second {
		t.Errorf("SendDeadline = %v, want 5s", cfg.Timing.SendDeadline.Std())
	}
	// Untouched values still get defaults.
	if cfg.Timing.TypingTTL.Std() != 3*time.Second {
		t.Errorf("TypingTTL = %v, want 3s", cfg.Timing.TypingTTL.Std())
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, &Config{DefaultSession: "main"}); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
