package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.voxmeet/config.toml.
type Config struct {
	DefaultSession string        `toml:"default_session"`
	Account        Account       `toml:"account"`
	Server         Server        `toml:"server"`
	Timing         Timing        `toml:"timing"`
	History        History       `toml:"history"`
	Observability  Observability `toml:"observability"`
}

// Account identifies the local user this session belongs to.
type Account struct {
	UserID      string `toml:"user_id"`
	DisplayName string `toml:"display_name"`
}

// Server holds the endpoints of the chat backend. Token acquisition is
// external; the value here is passed through as a bearer credential.
type Server struct {
	APIURL     string `toml:"api_url"`
	ChannelURL string `toml:"channel_url"`
	Token      string `toml:"token"`
}

// History configures the pagination controller.
type History struct {
	PageSize int `toml:"page_size"`
}

// Observability configures the optional metrics listener. Empty addr
// disables it.
type Observability struct {
	MetricsAddr string `toml:"metrics_addr"`
}

// Timing is the single home for every expiry window in the sync engine.
// The windows are intentionally asymmetric; keeping them in one structure
// makes them auditable and tunable together.
type Timing struct {
	// SendDeadline is how long an optimistic send may wait for its
	// confirmation before it is failed.
	SendDeadline Duration `toml:"send_deadline"`
	// TypingTTL is the lifetime of a typing indicator with no refresh.
	TypingTTL Duration `toml:"typing_ttl"`
	// ReconcileWindow bounds the createdAt distance between an optimistic
	// message and the confirmation it may be matched with.
	ReconcileWindow Duration `toml:"reconcile_window"`
	// DuplicateWindow bounds the createdAt distance under which two
	// confirmed messages with equal sender and content count as a
	// transport double-delivery.
	DuplicateWindow Duration `toml:"duplicate_window"`
	// ReplacementGrace is how long a just-reconciled server id stays
	// locked against a second reconciliation of the same confirmation.
	ReplacementGrace Duration `toml:"replacement_grace"`
}

// Duration is a time.Duration that (de)serializes as a TOML string ("10s").
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// DefaultTiming returns the stock timing policy.
func DefaultTiming() Timing {
	return Timing{
		SendDeadline:     Duration(10 * time.Second),
		TypingTTL:        Duration(3 * time.Second),
		ReconcileWindow:  Duration(30 * time.Second),
		DuplicateWindow:  Duration(3 * time.Second),
		ReplacementGrace: Duration(1 * time.Second),
	}
}

// Default returns a fully defaulted configuration, used when no config file
// exists yet.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	def := DefaultTiming()
	if c.Timing.SendDeadline == 0 {
		c.Timing.SendDeadline = def.SendDeadline
	}
	if c.Timing.TypingTTL == 0 {
		c.Timing.TypingTTL = def.TypingTTL
	}
	if c.Timing.ReconcileWindow == 0 {
		c.Timing.ReconcileWindow = def.ReconcileWindow
	}
	if c.Timing.DuplicateWindow == 0 {
		c.Timing.DuplicateWindow = def.DuplicateWindow
	}
	if c.Timing.ReplacementGrace == 0 {
		c.Timing.ReplacementGrace = def.ReplacementGrace
	}
	if c.History.PageSize <= 0 {
		c.History.PageSize = 30
	}
}

// Load reads config from the given path and applies defaults.
// Returns an error if the file is missing.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
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
