package server

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"

	"github.com/Tyrowin/groupchat/internal/chat"
)

// Store drivers accepted by STORE_DRIVER.
const (
	DriverSQLite = "sqlite"
	DriverBadger = "badger"
)

// Config holds the server configuration settings including security controls.
type Config struct {
	Port           string `env:"SERVER_PORT,default=:8080"`
	AllowedOrigins string `env:"ALLOWED_ORIGINS,default=http://localhost:8080"`

	MaxMessageSize      int64         `env:"MAX_MESSAGE_SIZE,default=4096"`
	RateLimitBurst      int           `env:"RATE_LIMIT_BURST,default=5"`
	RateLimitRefillSecs int           `env:"RATE_LIMIT_REFILL_INTERVAL,default=1"`
	SendBufferSize      int           `env:"SEND_BUFFER_SIZE,default=256"`
	WriteTimeout        time.Duration `env:"WRITE_TIMEOUT,default=10s"`
	PongWait            time.Duration `env:"PONG_WAIT,default=60s"`

	SecretKey     string        `env:"SECRET_KEY"`
	SessionTTL    time.Duration `env:"SESSION_TTL,default=168h"`
	SecureCookies bool          `env:"SECURE_COOKIES,default=false"`
	BcryptCost    int           `env:"BCRYPT_COST,default=12"`

	StoreDriver  string `env:"STORE_DRIVER,default=sqlite"`
	DatabasePath string `env:"DATABASE_PATH,default=groupchat.db"`
	DBDebug      bool   `env:"DB_DEBUG,default=false"`

	LogLevel        string        `env:"LOG_LEVEL,default=info"`
	LogFile         string        `env:"LOG_FILE"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=15s"`
}

func defaultConfig() Config {
	return Config{
		Port:                ":8080",
		AllowedOrigins:      "http://localhost:8080",
		MaxMessageSize:      4096,
		RateLimitBurst:      5,
		RateLimitRefillSecs: 1,
		SendBufferSize:      256,
		WriteTimeout:        10 * time.Second,
		PongWait:            60 * time.Second,
		SessionTTL:          7 * 24 * time.Hour,
		BcryptCost:          12,
		StoreDriver:         DriverSQLite,
		DatabasePath:        "groupchat.db",
		LogLevel:            "info",
		ShutdownTimeout:     15 * time.Second,
	}
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// LoadConfig reads the optional dotenv files (".env" when none are given)
// into the process environment without overriding variables that are
// already set, then decodes the environment into a Config. Non-positive
// sizes and durations fall back to their defaults.
func LoadConfig(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", file, err)
		}
	}

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	cfg = sanitizeConfig(cfg)
	return &cfg, nil
}

func sanitizeConfig(cfg Config) Config {
	def := defaultConfig()

	if cfg.Port == "" {
		cfg.Port = def.Port
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = def.RateLimitBurst
	}
	if cfg.RateLimitRefillSecs <= 0 {
		cfg.RateLimitRefillSecs = def.RateLimitRefillSecs
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = def.SendBufferSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = def.SessionTTL
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	if cfg.StoreDriver != DriverBadger {
		cfg.StoreDriver = DriverSQLite
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = def.DatabasePath
	}
	return cfg
}

// Validate reports configuration that cannot be defaulted.
func (c *Config) Validate() error {
	if c.SecretKey == "" {
		return errors.New("SECRET_KEY must be set")
	}
	return nil
}

// Origins returns the configured WebSocket origin allowlist.
func (c *Config) Origins() []string {
	return parseOrigins(c.AllowedOrigins)
}

// ConnectionOptions maps the transport settings onto chat.ConnectionOptions.
func (c *Config) ConnectionOptions() chat.ConnectionOptions {
	return chat.ConnectionOptions{
		MaxMessageSize: c.MaxMessageSize,
		SendBuffer:     c.SendBufferSize,
		WriteTimeout:   c.WriteTimeout,
		PongWait:       c.PongWait,
		RateLimit: chat.RateLimit{
			Burst:          c.RateLimitBurst,
			RefillInterval: time.Duration(c.RateLimitRefillSecs) * time.Second,
		},
	}
}

func parseOrigins(origins string) []string {
	if strings.TrimSpace(origins) == "" {
		return nil
	}
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
