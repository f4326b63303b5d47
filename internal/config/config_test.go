package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validConfig() Config {
	cfg := Default("/tmp/boardsync.db")
	cfg.Identity.UserID = "u1"
	return cfg
}

func TestDefault(t *testing.T) {
	cfg := Default("/data/boardsync.db")
	if cfg.Database.Path != "/data/boardsync.db" {
		t.Fatalf("db path = %q", cfg.Database.Path)
	}
	if !cfg.Relay.Enabled || !strings.HasPrefix(cfg.Relay.URL, "wss://") {
		t.Fatalf("relay defaults wrong: %+v", cfg.Relay)
	}
	if !cfg.Sync.Replicated || cfg.Sync.QueueSize != 256 {
		t.Fatalf("sync defaults wrong: %+v", cfg.Sync)
	}
	if !cfg.Automation.Enabled || cfg.Automation.SweepIntervalSecs != 30 || !cfg.Automation.PreventLoops {
		t.Fatalf("automation defaults wrong: %+v", cfg.Automation)
	}
	if cfg.Metrics.Enabled {
		t.Fatal("metrics must default off")
	}
	if cfg.Logging.Level != "info" {
		t.Fatalf("log level = %q", cfg.Logging.Level)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	defaults := validConfig()
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"), defaults)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg != defaults {
		t.Fatalf("missing file must yield defaults: %+v", cfg)
	}
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	defaults := validConfig()
	cfg, err := Load("", defaults)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg != defaults {
		t.Fatalf("empty path must yield defaults: %+v", cfg)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[identity]
user_id = "alice"
device_name = "laptop"

[relay]
enabled = true
url = "wss://relay.example.com/ws"
token = "secret"

[automation]
enabled = false
sweep_interval_seconds = 10

[logging]
level = "debug"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path, Default("/tmp/boardsync.db"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Identity.UserID != "alice" || cfg.Identity.DeviceName != "laptop" {
		t.Fatalf("identity not loaded: %+v", cfg.Identity)
	}
	if cfg.Relay.URL != "wss://relay.example.com/ws" || cfg.Relay.Token != "secret" {
		t.Fatalf("relay not loaded: %+v", cfg.Relay)
	}
	if cfg.Automation.Enabled || cfg.Automation.SweepIntervalSecs != 10 {
		t.Fatalf("automation not loaded: %+v", cfg.Automation)
	}
	// Sections absent from the file keep their defaults.
	if cfg.Database.Path != "/tmp/boardsync.db" || cfg.Sync.QueueSize != 256 {
		t.Fatalf("defaults lost for absent sections: %+v", cfg)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("log level = %q", cfg.Logging.Level)
	}
}

func TestLoadRejectsBadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("not = [valid"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path, validConfig()); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"missing db path", func(c *Config) { c.Database.Path = " " }, true},
		{"missing user id", func(c *Config) { c.Identity.UserID = "" }, true},
		{"relay enabled without url", func(c *Config) { c.Relay.URL = "" }, true},
		{"relay url wrong scheme", func(c *Config) { c.Relay.URL = "https://relay.example.com" }, true},
		{"relay disabled ignores url", func(c *Config) { c.Relay.Enabled = false; c.Relay.URL = "" }, false},
		{"negative queue size", func(c *Config) { c.Sync.QueueSize = -1 }, true},
		{"negative sweep interval", func(c *Config) { c.Automation.SweepIntervalSecs = -1 }, true},
		{"negative cooldown", func(c *Config) { c.Automation.CooldownMinutes = -1 }, true},
		{"negative daily cap", func(c *Config) { c.Automation.DailyExecutionCap = -1 }, true},
		{"metrics enabled without addr", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.ListenAddr = "" }, true},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, true},
		{"empty log level ok", func(c *Config) { c.Logging.Level = "" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
