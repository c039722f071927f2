package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const envPrefix = "GOCHAT"

type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Storage   StorageConfig   `yaml:"storage" envconfig:"STORAGE"`
	Delivery  DeliveryConfig  `yaml:"delivery" envconfig:"DELIVERY"`
	Websocket WebsocketConfig `yaml:"websocket" envconfig:"WEBSOCKET"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	// SigningSecret is the base64 encoded HMAC key used to verify session tokens.
	SigningSecret string `yaml:"signing_secret" split_words:"true"`
	SigningKey    []byte `yaml:"-" ignored:"true"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" split_words:"true"`
	AllowedOrigins  []string      `yaml:"allowed_origins" split_words:"true"`
	MetricsEnabled  bool          `yaml:"metrics_enabled" split_words:"true"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" split_words:"true"`
}

type StorageConfig struct {
	// Driver is either "postgres" or "badger".
	Driver      string `yaml:"driver" split_words:"true"`
	DSN         string `yaml:"dsn" split_words:"true"`
	Path        string `yaml:"path" split_words:"true"`
	AutoMigrate bool   `yaml:"auto_migrate" split_words:"true"`
}

type DeliveryConfig struct {
	RoomTimeout   time.Duration `yaml:"room_timeout" split_words:"true"`
	DirectTimeout time.Duration `yaml:"direct_timeout" split_words:"true"`
	HistoryLimit  int           `yaml:"history_limit" split_words:"true"`
}

type WebsocketConfig struct {
	WriteWait       time.Duration `yaml:"write_wait" split_words:"true"`
	PongWait        time.Duration `yaml:"pong_wait" split_words:"true"`
	MaxMessageSize  int64         `yaml:"max_message_size" split_words:"true"`
	SendBufferSize  int           `yaml:"send_buffer_size" split_words:"true"`
	EventsPerSecond float64       `yaml:"events_per_second" split_words:"true"`
	EventBurst      int           `yaml:"event_burst" split_words:"true"`
}

type LoggingConfig struct {
	Level      string `yaml:"level" split_words:"true"`
	Format     string `yaml:"format" split_words:"true"`
	File       string `yaml:"file" split_words:"true"`
	MaxSizeMB  int    `yaml:"max_size_mb" split_words:"true"`
	MaxBackups int    `yaml:"max_backups" split_words:"true"`
	MaxAgeDays int    `yaml:"max_age_days" split_words:"true"`
	Compress   bool   `yaml:"compress" split_words:"true"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            "localhost:8000",
			AllowedOrigins:  []string{"http://localhost:3000"},
			MetricsEnabled:  true,
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			Driver:      "postgres",
			DSN:         "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable",
			Path:        "./data",
			AutoMigrate: true,
		},
		Delivery: DeliveryConfig{
			RoomTimeout:   time.Second,
			DirectTimeout: 3 * time.Second,
			HistoryLimit:  50,
		},
		Websocket: WebsocketConfig{
			WriteWait:       10 * time.Second,
			PongWait:        60 * time.Second,
			MaxMessageSize:  16384,
			SendBufferSize:  256,
			EventsPerSecond: 20,
			EventBurst:      40,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, a .env
// file in the working directory and GOCHAT_* environment variables, in that
// order. Overrides run last, before validation.
func Load(path string, overrides ...func(*Config)) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if err := envconfig.Process(envPrefix, cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}

	for _, o := range overrides {
		o(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}
	return base64.StdEncoding.DecodeString(base64Secret)
}

// Validate checks the configuration and decodes the signing secret.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server address cannot be empty")
	}

	switch c.Storage.Driver {
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("database DSN cannot be empty")
		}
	case "badger":
		if c.Storage.Path == "" {
			return fmt.Errorf("badger path cannot be empty")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	if c.Delivery.RoomTimeout <= 0 || c.Delivery.DirectTimeout <= 0 {
		return fmt.Errorf("delivery timeouts must be positive")
	}
	if c.Delivery.HistoryLimit <= 0 {
		return fmt.Errorf("history limit must be positive")
	}

	if c.Websocket.PongWait <= 0 || c.Websocket.WriteWait <= 0 {
		return fmt.Errorf("websocket timeouts must be positive")
	}
	if c.Websocket.MaxMessageSize <= 0 || c.Websocket.SendBufferSize <= 0 {
		return fmt.Errorf("websocket limits must be positive")
	}
	if c.Websocket.EventsPerSecond <= 0 || c.Websocket.EventBurst <= 0 {
		return fmt.Errorf("websocket rate limit must be positive")
	}

	key, err := decodeSigningSecret(c.SigningSecret)
	if err != nil {
		return fmt.Errorf("decode signing secret: %w", err)
	}
	c.SigningKey = key

	return nil
}
