// Package config loads the bridge's YAML configuration file and applies
// environment-variable overrides (POLL_INTERVAL, IDLE_TIMEOUT,
// ASSISTANT_NAME, MAIN_GROUP_FOLDER, TRIGGER_PATTERN, channel tokens).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full on-disk shape. After parsing, the environment
// overrides listed in the package comment (plus TELEGRAM_TOKEN and
// DISCORD_TOKEN) are applied; the other fields come from the file only.
type Config struct {
	WorkspaceDir    string        `yaml:"workspace_dir"`
	StoreDB         string        `yaml:"store_db"`
	MainGroupFolder string        `yaml:"main_group_folder"`
	AssistantName   string        `yaml:"assistant_name"`
	TriggerPattern  string        `yaml:"trigger_pattern"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownGrace   time.Duration `yaml:"shutdown_grace"`
	AgentImage      string        `yaml:"agent_image"`
	// SecretsEnvFile is the fallback .env-style file internal/secrets reads
	// a channel token from when both the YAML field and the OS keyring are
	// empty.
	SecretsEnvFile string `yaml:"secrets_env_file"`

	Telegram TelegramConfig `yaml:"telegram"`
	Discord  DiscordConfig  `yaml:"discord"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
}

type DiscordConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
}

type WhatsAppConfig struct {
	Enabled       bool   `yaml:"enabled"`
	SessionDBPath string `yaml:"session_db_path"`
}

// Default returns sane defaults for a freshly onboarded workspace.
func Default() Config {
	return Config{
		WorkspaceDir:    "./workspace",
		StoreDB:         "./workspace/clawbridge.db",
		MainGroupFolder: "main",
		AssistantName:   "clawbridge",
		PollInterval:    3 * time.Second,
		IdleTimeout:     2 * time.Minute,
		ShutdownGrace:   30 * time.Second,
		AgentImage:      "clawbridge/agent:latest",
		SecretsEnvFile:  ".env",
		WhatsApp:        WhatsAppConfig{SessionDBPath: "./workspace/whatsapp.db"},
	}
}

// Load reads path as YAML, falling back to Default() values for anything
// unset, then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

// Save writes cfg to path as YAML, used by `clawbridge onboard`.
func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.PollInterval = d
		}
	}
	if v := os.Getenv("IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.IdleTimeout = d
		}
	}
	if v := os.Getenv("ASSISTANT_NAME"); v != "" {
		cfg.AssistantName = v
	}
	if v := os.Getenv("MAIN_GROUP_FOLDER"); v != "" {
		cfg.MainGroupFolder = v
	}
	if v := os.Getenv("TRIGGER_PATTERN"); v != "" {
		cfg.TriggerPattern = v
	}
	if v := os.Getenv("TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
		cfg.Telegram.Enabled = true
	}
	if v := os.Getenv("DISCORD_TOKEN"); v != "" {
		cfg.Discord.Token = v
		cfg.Discord.Enabled = true
	}
}
