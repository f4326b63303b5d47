package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

type Config struct {
	Identity   IdentityConfig   `toml:"identity"`
	Database   DatabaseConfig   `toml:"database"`
	Relay      RelayConfig      `toml:"relay"`
	Sync       SyncConfig       `toml:"sync"`
	Automation AutomationConfig `toml:"automation"`
	Metrics    MetricsConfig    `toml:"metrics"`
	Logging    LoggingConfig    `toml:"logging"`
}

type IdentityConfig struct {
	UserID     string `toml:"user_id"`
	DeviceName string `toml:"device_name"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type RelayConfig struct {
	Enabled bool   `toml:"enabled"`
	URL     string `toml:"url"`
	Token   string `toml:"token"`
}

type SyncConfig struct {
	Replicated bool `toml:"replicated"`
	QueueSize  int  `toml:"queue_size"`
}

type AutomationConfig struct {
	Enabled            bool      `toml:"enabled"`
	SweepIntervalSecs  int       `toml:"sweep_interval_seconds"`
	CooldownMinutes    int       `toml:"cooldown_minutes"`
	DailyExecutionCap  int       `toml:"daily_execution_cap"`
	PreventLoops       bool      `toml:"prevent_loops"`
	LLM                LLMConfig `toml:"llm"`
}

type LLMConfig struct {
	APIKey  string `toml:"api_key"`
	BaseURL string `toml:"base_url"`
	Model   string `toml:"model"`
}

type MetricsConfig struct {
	Enabled    bool   `toml:"enabled"`
	ListenAddr string `toml:"listen_addr"`
}

type LoggingConfig struct {
	Level string `toml:"level"` // debug | info | warn | error
}

func Default(dbPath string) Config {
	return Config{
		Identity: IdentityConfig{
			UserID:     "",
			DeviceName: "",
		},
		Database: DatabaseConfig{
			Path: dbPath,
		},
		Relay: RelayConfig{
			Enabled: true,
			URL:     "wss://relay.hylla.app/ws",
			Token:   "",
		},
		Sync: SyncConfig{
			Replicated: true,
			QueueSize:  256,
		},
		Automation: AutomationConfig{
			Enabled:           true,
			SweepIntervalSecs: 30,
			CooldownMinutes:   5,
			DailyExecutionCap: 50,
			PreventLoops:      true,
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:9091",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func Load(path string, defaults Config) (Config, error) {
	cfg := defaults
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if len(content) == 0 {
		return cfg, nil
	}

	if err := toml.Unmarshal(content, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode toml: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Database.Path) == "" {
		return errors.New("database path is required")
	}
	if strings.TrimSpace(c.Identity.UserID) == "" {
		return errors.New("identity.user_id is required")
	}
	if c.Relay.Enabled {
		url := strings.TrimSpace(c.Relay.URL)
		if url == "" {
			return errors.New("relay.url is required when relay is enabled")
		}
		if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
			return fmt.Errorf("relay.url must be a ws:// or wss:// URL: %q", url)
		}
	}
	if c.Sync.QueueSize < 0 {
		return errors.New("sync.queue_size must be >= 0")
	}
	if c.Automation.SweepIntervalSecs < 0 {
		return errors.New("automation.sweep_interval_seconds must be >= 0")
	}
	if c.Automation.CooldownMinutes < 0 {
		return errors.New("automation.cooldown_minutes must be >= 0")
	}
	if c.Automation.DailyExecutionCap < 0 {
		return errors.New("automation.daily_execution_cap must be >= 0")
	}
	if c.Metrics.Enabled && strings.TrimSpace(c.Metrics.ListenAddr) == "" {
		return errors.New("metrics.listen_addr is required when metrics are enabled")
	}
	switch strings.TrimSpace(strings.ToLower(c.Logging.Level)) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level: %q", c.Logging.Level)
	}
	return nil
}

func EnsureConfigDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
