package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Coordination CoordinationConfig         `yaml:"coordination"`
	Agents       map[string]AgentDefinition `yaml:"agents"`
	NATS         NATSConfig                 `yaml:"nats"`
	Store        StoreConfig                `yaml:"store"`
	Web          WebConfig                  `yaml:"web"`
	Scheduler    SchedulerConfig            `yaml:"scheduler"`
	Telegram     TelegramConfig             `yaml:"telegram"`
}

// CoordinationConfig tunes the graph optimizer and the dispatch loop.
type CoordinationConfig struct {
	LeaderBoost         float64       `yaml:"leader_boost"`
	Rounds              int           `yaml:"rounds"`
	Epsilon             float64       `yaml:"epsilon"`
	MaxPhases           int           `yaml:"max_phases"`
	ConfidenceThreshold float64       `yaml:"confidence_threshold"`
	Tolerance           float64       `yaml:"tolerance"`
	TaskTimeout         time.Duration `yaml:"task_timeout"`
	MaxRetries          int           `yaml:"max_retries"`
}

// AgentDefinition seeds the registry at startup; the id is the map key.
type AgentDefinition struct {
	Capabilities []string `yaml:"capabilities"`
	Weight       float64  `yaml:"weight"`
	Leader       bool     `yaml:"leader"`
}

type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

func defaults() Config {
	return Config{
		Coordination: CoordinationConfig{
			LeaderBoost:         1.3,
			Rounds:              3,
			MaxPhases:           4,
			ConfidenceThreshold: 0.9,
			Tolerance:           0.05,
			TaskTimeout:         30 * time.Second,
			MaxRetries:          2,
		},
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Store: StoreConfig{
			Path: "data/accord.db",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Scheduler: SchedulerConfig{
			PollInterval: 30 * time.Second,
		},
	}
}

func Load() (*Config, error) {
	path := os.Getenv("ACCORD_CONFIG")
	if path == "" {
		path = "config/accord.yaml"
	}
	return LoadFile(path)
}

func LoadFile(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		// Expand environment variables in YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	applyEnv(&cfg)

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("ACCORD_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("ACCORD_TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Telegram.ChatID = id
		}
	}
	if v := os.Getenv("ACCORD_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("ACCORD_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("ACCORD_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("ACCORD_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("ACCORD_LEADER_BOOST"); v != "" {
		if b, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Coordination.LeaderBoost = b
		}
	}
	if v := os.Getenv("ACCORD_ROUNDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Coordination.Rounds = n
		}
	}
}
