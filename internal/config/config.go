package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Env     string        `yaml:"env" env:"ENV" env-default:"local" json:"-"`
	API     APIConfig     `yaml:"api" json:"api"`
	Push    PushConfig    `yaml:"push" json:"push"`
	Sync    SyncConfig    `yaml:"sync" json:"sync"`
	Typing  TypingConfig  `yaml:"typing" json:"typing"`
	Session SessionConfig `yaml:"session" json:"-"`
	Bridge  BridgeConfig  `yaml:"bridge" json:"-"`
}

type APIConfig struct {
	BaseURL string        `yaml:"base_url" env:"API_BASE_URL" env-required:"true" json:"base_url"`
	Timeout time.Duration `yaml:"timeout" env-default:"10s" json:"timeout"`
}

type PushConfig struct {
	URL              string        `yaml:"url" env:"PUSH_URL" env-required:"true" json:"url"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout" env-default:"60s" json:"heartbeat_timeout"`
	PingPeriod       time.Duration `yaml:"ping_period" env-default:"30s" json:"ping_period"`
	WriteWait        time.Duration `yaml:"write_wait" env-default:"10s" json:"write_wait"`
	BackoffInitial   time.Duration `yaml:"backoff_initial" env-default:"1s" json:"backoff_initial"`
	BackoffMax       time.Duration `yaml:"backoff_max" env-default:"30s" json:"backoff_max"`
	MaxRetries       int           `yaml:"max_retries" env-default:"10" json:"max_retries"`
}

type SyncConfig struct {
	PageSize          int `yaml:"page_size" env-default:"50" json:"page_size"`
	PrefetchThreshold int `yaml:"prefetch_threshold" env-default:"10" json:"prefetch_threshold"`
	MaxAttachments    int `yaml:"max_attachments" env-default:"10" json:"max_attachments"`
}

type TypingConfig struct {
	TTL         time.Duration `yaml:"ttl" env-default:"5s" json:"ttl"`
	Throttle    time.Duration `yaml:"throttle" env-default:"3s" json:"throttle"`
	IdleTimeout time.Duration `yaml:"idle_timeout" env-default:"5s" json:"idle_timeout"`
}

type SessionConfig struct {
	UserID int64  `yaml:"user_id" env:"SESSION_USER_ID" env-required:"true"`
	Token  string `yaml:"token" env:"SESSION_TOKEN"`
}

type BridgeConfig struct {
	Address        string        `yaml:"address" env:"BRIDGE_ADDRESS" env-default:"localhost:8083"`
	Timeout        time.Duration `yaml:"timeout" env-default:"4s"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" env-default:"60s"`
	AllowedOrigins []string      `yaml:"allowed_origins" env:"BRIDGE_ALLOWED_ORIGINS" env-separator:","`
}

var ErrInvalidConfig = errors.New("invalid config")

func MustLoad() *Config {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		log.Fatal("CONFIG_PATH is not set")
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		log.Fatalf("config file does not exist: %s", configPath)
	}

	cfg, err := Load(configPath)
	if err != nil {
		log.Fatalf("cannot read config %s", err)
	}

	return cfg
}

func Load(path string) (*Config, error) {
	const op = "config.Load"

	var cfg Config

	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.Session.UserID <= 0:
		return fmt.Errorf("%w: session.user_id must be positive", ErrInvalidConfig)
	case c.Sync.PageSize <= 0:
		return fmt.Errorf("%w: sync.page_size must be positive", ErrInvalidConfig)
	case c.Push.BackoffInitial <= 0 || c.Push.BackoffMax < c.Push.BackoffInitial:
		return fmt.Errorf("%w: push backoff must satisfy 0 < initial <= max", ErrInvalidConfig)
	case c.Push.HeartbeatTimeout <= c.Push.PingPeriod:
		return fmt.Errorf("%w: push.heartbeat_timeout must exceed push.ping_period", ErrInvalidConfig)
	case c.Typing.TTL <= 0:
		return fmt.Errorf("%w: typing.ttl must be positive", ErrInvalidConfig)
	}
	return nil
}
