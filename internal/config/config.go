// Package config loads parley's settings from defaults, the environment
// and an optional JSON file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config is the full runtime configuration.
type Config struct {
	Database  DatabaseConfig  `json:"database"`
	HTTP      HTTPConfig      `json:"http"`
	WebSocket WebSocketConfig `json:"websocket"`
	Redis     RedisConfig     `json:"redis"`
	Auth      AuthConfig      `json:"auth"`
	Chat      ChatConfig      `json:"chat"`
	Inbox     InboxConfig     `json:"inbox"`
	Presence  PresenceConfig  `json:"presence"`
	Log       LogConfig       `json:"log"`
}

type DatabaseConfig struct {
	Path           string        `env:"PARLEY_DATABASE_PATH" validate:"required"`
	MaxConnections int           `env:"PARLEY_DATABASE_MAX_CONNECTIONS" validate:"gte=1"`
	WriteTimeout   time.Duration `env:"PARLEY_DATABASE_WRITE_TIMEOUT" validate:"gt=0"`
	BusyRetries    int           `env:"PARLEY_DATABASE_BUSY_RETRIES" validate:"gte=0"`
}

type HTTPConfig struct {
	Host            string        `env:"PARLEY_HTTP_HOST" validate:"required"`
	// Port 0 binds an ephemeral port.
	Port            int           `env:"PARLEY_HTTP_PORT" validate:"gte=0,lte=65535"`
	ReadTimeout     time.Duration `env:"PARLEY_HTTP_READ_TIMEOUT" validate:"gt=0"`
	WriteTimeout    time.Duration `env:"PARLEY_HTTP_WRITE_TIMEOUT" validate:"gt=0"`
	ShutdownTimeout time.Duration `env:"PARLEY_HTTP_SHUTDOWN_TIMEOUT" validate:"gt=0"`
	// TrustedProxies is a comma-separated list of IPs or CIDRs.
	TrustedProxies string `env:"PARLEY_HTTP_TRUSTED_PROXIES"`
	PublicBaseURL  string `env:"PARLEY_HTTP_PUBLIC_BASE_URL" validate:"omitempty,url"`
	MediaURL       string `env:"PARLEY_HTTP_MEDIA_URL"`
}

type WebSocketConfig struct {
	// AllowedOrigins is a comma-separated list; "*" allows any origin and
	// an empty list allows same-host requests only.
	AllowedOrigins string        `env:"PARLEY_WS_ALLOWED_ORIGINS"`
	PingInterval   time.Duration `env:"PARLEY_WS_PING_INTERVAL" validate:"gt=0"`
	PongWait       time.Duration `env:"PARLEY_WS_PONG_WAIT" validate:"gt=0"`
	WriteTimeout   time.Duration `env:"PARLEY_WS_WRITE_TIMEOUT" validate:"gt=0"`
	SendBuffer     int           `env:"PARLEY_WS_SEND_BUFFER" validate:"gte=1"`
	EventBuffer    int           `env:"PARLEY_WS_EVENT_BUFFER" validate:"gte=1"`
	ReadLimit      int64         `env:"PARLEY_WS_READ_LIMIT" validate:"gte=1024"`
	ConnectLimit   int           `env:"PARLEY_WS_CONNECT_LIMIT" validate:"gte=0"`
	ConnectWindow  time.Duration `env:"PARLEY_WS_CONNECT_WINDOW" validate:"gte=0"`
}

// RedisConfig selects the shared cache and broker. With neither URL nor
// Addr set, parley runs single-process on in-memory implementations.
type RedisConfig struct {
	URL      string `env:"PARLEY_REDIS_URL"`
	Addr     string `env:"PARLEY_REDIS_ADDR"`
	Password string `env:"PARLEY_REDIS_PASSWORD"`
	DB       int    `env:"PARLEY_REDIS_DB" validate:"gte=0"`
	PoolSize int    `env:"PARLEY_REDIS_POOL_SIZE" validate:"gte=0"`
	Prefix   string `env:"PARLEY_REDIS_PREFIX"`
}

// Enabled reports whether Redis is configured.
func (r RedisConfig) Enabled() bool {
	return r.URL != "" || r.Addr != ""
}

type AuthConfig struct {
	Secret     string `env:"PARLEY_AUTH_SECRET" validate:"required,min=16"`
	Issuer     string `env:"PARLEY_AUTH_ISSUER"`
	DirectSalt string `env:"PARLEY_AUTH_DIRECT_SALT" validate:"required"`

	// ActivityInterval throttles last-seen writes per user.
	ActivityInterval time.Duration `env:"PARLEY_AUTH_ACTIVITY_INTERVAL" validate:"gte=0"`
}

type ChatConfig struct {
	IdleTimeout      time.Duration `env:"PARLEY_CHAT_IDLE_TIMEOUT" validate:"gte=0"`
	PollInterval     time.Duration `env:"PARLEY_CHAT_POLL_INTERVAL" validate:"gte=0"`
	MaxMessageLength int           `env:"PARLEY_CHAT_MAX_MESSAGE_LENGTH" validate:"gte=1"`
	RateLimit        int           `env:"PARLEY_CHAT_RATE_LIMIT" validate:"gte=1"`
	RateWindow       time.Duration `env:"PARLEY_CHAT_RATE_WINDOW" validate:"gte=1s"`
	SlugPattern      string        `env:"PARLEY_CHAT_SLUG_PATTERN"`
	DirectRetries    int           `env:"PARLEY_CHAT_DIRECT_RETRIES" validate:"gte=1"`
}

type InboxConfig struct {
	Heartbeat   time.Duration `env:"PARLEY_INBOX_HEARTBEAT" validate:"gt=0"`
	IdleTimeout time.Duration `env:"PARLEY_INBOX_IDLE_TIMEOUT" validate:"gte=0"`
	ActiveTTL   time.Duration `env:"PARLEY_INBOX_ACTIVE_TTL" validate:"gt=0"`
	UnreadTTL   time.Duration `env:"PARLEY_INBOX_UNREAD_TTL" validate:"gt=0"`
}

type PresenceConfig struct {
	TTL           time.Duration `env:"PARLEY_PRESENCE_TTL" validate:"gt=0"`
	Grace         time.Duration `env:"PARLEY_PRESENCE_GRACE" validate:"gte=0"`
	CacheTTL      time.Duration `env:"PARLEY_PRESENCE_CACHE_TTL" validate:"gt=0"`
	Heartbeat     time.Duration `env:"PARLEY_PRESENCE_HEARTBEAT" validate:"gt=0"`
	IdleTimeout   time.Duration `env:"PARLEY_PRESENCE_IDLE_TIMEOUT" validate:"gte=0"`
	TouchInterval time.Duration `env:"PARLEY_PRESENCE_TOUCH_INTERVAL" validate:"gte=0"`
}

type LogConfig struct {
	Level  string `env:"PARLEY_LOG_LEVEL" validate:"oneof=debug info warn error"`
	Format string `env:"PARLEY_LOG_FORMAT" validate:"oneof=json text"`
}

// DefaultConfig returns the production defaults. Auth secrets have no
// default and must be supplied.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:           "./data/parley.db",
			MaxConnections: 10,
			WriteTimeout:   30 * time.Second,
			BusyRetries:    3,
		},
		HTTP: HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MediaURL:        "/media/",
		},
		WebSocket: WebSocketConfig{
			PingInterval:  30 * time.Second,
			PongWait:      60 * time.Second,
			WriteTimeout:  5 * time.Second,
			SendBuffer:    100,
			EventBuffer:   64,
			ReadLimit:     64 << 10,
			ConnectLimit:  60,
			ConnectWindow: 60 * time.Second,
		},
		Redis: RedisConfig{
			Prefix: "parley:",
		},
		Auth: AuthConfig{
			ActivityInterval: 10 * time.Second,
		},
		Chat: ChatConfig{
			IdleTimeout:      600 * time.Second,
			MaxMessageLength: 1000,
			RateLimit:        20,
			RateWindow:       10 * time.Second,
			DirectRetries:    3,
		},
		Inbox: InboxConfig{
			Heartbeat:   20 * time.Second,
			IdleTimeout: 90 * time.Second,
			ActiveTTL:   90 * time.Second,
			UnreadTTL:   30 * 24 * time.Hour,
		},
		Presence: PresenceConfig{
			TTL:           40 * time.Second,
			Grace:         5 * time.Second,
			CacheTTL:      24 * time.Hour,
			Heartbeat:     20 * time.Second,
			IdleTimeout:   90 * time.Second,
			TouchInterval: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: %s failed %q", ErrInvalidConfig, verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.WebSocket.PongWait <= c.WebSocket.PingInterval {
		return fmt.Errorf("%w: websocket pong wait must exceed the ping interval", ErrInvalidConfig)
	}
	if c.WebSocket.ConnectLimit > 0 && c.WebSocket.ConnectWindow < time.Second {
		return fmt.Errorf("%w: websocket connect window must be at least 1s", ErrInvalidConfig)
	}
	if c.Inbox.IdleTimeout > 0 && c.Inbox.IdleTimeout < c.Inbox.Heartbeat {
		return fmt.Errorf("%w: inbox idle timeout shorter than its heartbeat", ErrInvalidConfig)
	}
	return nil
}

// Origins splits AllowedOrigins.
func (w WebSocketConfig) Origins() []string {
	return splitList(w.AllowedOrigins)
}

// Proxies splits TrustedProxies.
func (h HTTPConfig) Proxies() []string {
	return splitList(h.TrustedProxies)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// LoadDotEnv loads path, or ./.env when path is empty, into the process
// environment without overriding variables that are already set. A
// missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// LoadFromEnv overlays PARLEY_* variables on the defaults.
func LoadFromEnv() (*Config, error) {
	cfg := DefaultConfig()
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if _, err := env.UnmarshalFromEnviron(cfg); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	return nil
}

// LoadFromFile overlays a JSON file on the defaults. Durations are written
// as strings such as "30s".
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := applyFile(cfg, path); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return cfg, nil
}

// LoadConfigWithPrecedence resolves file > environment > defaults and
// validates the result. An empty path skips the file layer.
func LoadConfigWithPrecedence(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	var file configFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := file.apply(cfg); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	return nil
}
