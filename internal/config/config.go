package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Wake channels.
const (
	WakeNone    = "none"
	WakeMQTT    = "mqtt"
	WakeWebhook = "webhook"
)

// Config is the process configuration. Values come from defaults, then the
// YAML file named by FLEET_CONFIG, then environment variables.
type Config struct {
	DatabaseURL string `yaml:"database_url"`
	HTTPAddr    string `yaml:"http_addr"`
	JWTSecret   string `yaml:"jwt_secret"`
	Store       string `yaml:"store"`

	Commands CommandsConfig `yaml:"commands"`
	Sweeper  SweeperConfig  `yaml:"sweeper"`
	Outbox   OutboxConfig   `yaml:"outbox"`
	Wake     WakeConfig     `yaml:"wake"`

	DeviceTokenTTL time.Duration `yaml:"device_token_ttl"`
}

// CommandsConfig bounds enqueue and claim requests.
type CommandsConfig struct {
	DefaultTTL        time.Duration `yaml:"default_ttl"`
	MaxTTL            time.Duration `yaml:"max_ttl"`
	DefaultClaimBatch int           `yaml:"default_claim_batch"`
	MaxClaimBatch     int           `yaml:"max_claim_batch"`
}

// SweeperConfig drives the expiry sweeper.
type SweeperConfig struct {
	Interval time.Duration `yaml:"interval"`
	Batch    int           `yaml:"batch"`
}

// OutboxConfig drives the event relay.
type OutboxConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Batch       int           `yaml:"batch"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// WakeConfig selects the push wake channel.
type WakeConfig struct {
	Channel    string `yaml:"channel"`
	WebhookURL string `yaml:"webhook_url"`
	MQTT       MQTT   `yaml:"mqtt"`
}

// MQTT configures the broker used for wake hints.
type MQTT struct {
	Broker      string        `yaml:"broker"`
	ClientID    string        `yaml:"client_id"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	TopicPrefix string        `yaml:"topic_prefix"`
	AckTimeout  time.Duration `yaml:"ack_timeout"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTPAddr: ":8080",
		Store:    StorePostgres,
		Commands: CommandsConfig{
			DefaultTTL:        time.Hour,
			MaxTTL:            7 * 24 * time.Hour,
			DefaultClaimBatch: 10,
			MaxClaimBatch:     50,
		},
		Sweeper: SweeperConfig{Interval: 15 * time.Second, Batch: 100},
		Outbox:  OutboxConfig{Interval: 2 * time.Second, Batch: 100, MaxAttempts: 5},
		Wake: WakeConfig{
			Channel: WakeNone,
			MQTT:    MQTT{TopicPrefix: "droidfleet/devices", AckTimeout: 5 * time.Second},
		},
		DeviceTokenTTL: 90 * 24 * time.Hour,
	}
}

// Load reads configuration from FLEET_CONFIG and the environment.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv("FLEET_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config) {
	cfg.DatabaseURL = getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", cfg.DatabaseURL))
	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", cfg.HTTPAddr)
	cfg.JWTSecret = getenvDefault("AUTH_JWT_SECRET", getenvDefault("JWT_SECRET", cfg.JWTSecret))
	cfg.Store = strings.ToLower(getenvDefault("FLEET_STORE", cfg.Store))

	cfg.Commands.DefaultTTL = getenvDuration("COMMAND_DEFAULT_TTL", cfg.Commands.DefaultTTL)
	cfg.Commands.MaxTTL = getenvDuration("COMMAND_MAX_TTL", cfg.Commands.MaxTTL)
	cfg.Commands.DefaultClaimBatch = getenvIntDefault("COMMAND_DEFAULT_CLAIM_BATCH", cfg.Commands.DefaultClaimBatch)
	cfg.Commands.MaxClaimBatch = getenvIntDefault("COMMAND_MAX_CLAIM_BATCH", cfg.Commands.MaxClaimBatch)

	cfg.Sweeper.Interval = getenvDuration("SWEEP_INTERVAL", cfg.Sweeper.Interval)
	cfg.Sweeper.Batch = getenvIntDefault("SWEEP_BATCH", cfg.Sweeper.Batch)

	cfg.Outbox.Interval = getenvDuration("OUTBOX_INTERVAL", cfg.Outbox.Interval)
	cfg.Outbox.Batch = getenvIntDefault("OUTBOX_BATCH", cfg.Outbox.Batch)
	cfg.Outbox.MaxAttempts = getenvIntDefault("OUTBOX_MAX_ATTEMPTS", cfg.Outbox.MaxAttempts)

	cfg.Wake.Channel = strings.ToLower(getenvDefault("WAKE_CHANNEL", cfg.Wake.Channel))
	cfg.Wake.WebhookURL = getenvDefault("WAKE_WEBHOOK_URL", cfg.Wake.WebhookURL)
	cfg.Wake.MQTT.Broker = getenvDefault("MQTT_BROKER", cfg.Wake.MQTT.Broker)
	cfg.Wake.MQTT.ClientID = getenvDefault("MQTT_CLIENT_ID", cfg.Wake.MQTT.ClientID)
	cfg.Wake.MQTT.Username = getenvDefault("MQTT_USERNAME", cfg.Wake.MQTT.Username)
	cfg.Wake.MQTT.Password = getenvDefault("MQTT_PASSWORD", cfg.Wake.MQTT.Password)
	cfg.Wake.MQTT.TopicPrefix = getenvDefault("MQTT_TOPIC_PREFIX", cfg.Wake.MQTT.TopicPrefix)
	cfg.Wake.MQTT.AckTimeout = getenvDuration("MQTT_ACK_TIMEOUT", cfg.Wake.MQTT.AckTimeout)

	cfg.DeviceTokenTTL = getenvDuration("DEVICE_TOKEN_TTL", cfg.DeviceTokenTTL)
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("config: AUTH_JWT_SECRET required")
	}
	switch c.Store {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: DATABASE_URL required for postgres store")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("config: unknown store %q", c.Store)
	}
	if c.Commands.DefaultTTL <= 0 || c.Commands.MaxTTL <= 0 {
		return errors.New("config: command ttl must be positive")
	}
	if c.Commands.DefaultTTL > c.Commands.MaxTTL {
		return errors.New("config: default ttl exceeds max ttl")
	}
	if c.Commands.DefaultClaimBatch <= 0 || c.Commands.MaxClaimBatch < c.Commands.DefaultClaimBatch {
		return errors.New("config: invalid claim batch bounds")
	}
	switch c.Wake.Channel {
	case "", WakeNone:
	case WakeMQTT:
		if c.Wake.MQTT.Broker == "" {
			return errors.New("config: MQTT_BROKER required for mqtt wake")
		}
	case WakeWebhook:
		if c.Wake.WebhookURL == "" {
			return errors.New("config: WAKE_WEBHOOK_URL required for webhook wake")
		}
	default:
		return fmt.Errorf("config: unknown wake channel %q", c.Wake.Channel)
	}
	return nil
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
