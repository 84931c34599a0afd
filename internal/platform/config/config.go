package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

const (
	BrokerMemory   = "memory"
	BrokerRedis    = "redis"
	BrokerPostgres = "postgres"

	PublishPolicyFailFast = "fail_fast"
	PublishPolicyQueue    = "queue"
)

type Config struct {
	AppEnv     string `env:"APP_ENV" default:"development" validate:"oneof=development production test"`
	Port       string `env:"PORT" default:"8080" validate:"required,numeric"`
	AppURL     string `env:"APP_URL" default:"http://localhost:8080" validate:"omitempty,url"`
	InstanceID string `env:"INSTANCE_ID"`

	AllowedOrigins []string `env:"ALLOWED_ORIGINS"`
	TrustProxy     bool     `env:"TRUST_PROXY" default:"false"`
	InternalAPIKey string   `env:"INTERNAL_API_KEY" validate:"required_if=AppEnv production,omitempty,min=16"`

	LogLevel  string `env:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	LogFormat string `env:"LOG_FORMAT" default:"text" validate:"oneof=text json"`
	LogFile   string `env:"LOG_FILE"`

	BrokerBackend string `env:"BROKER_BACKEND" default:"memory" validate:"oneof=memory redis postgres"`
	BrokerChannel string `env:"BROKER_CHANNEL" default:"quizrelay:events" validate:"required"`
	RedisURL      string `env:"REDIS_URL" validate:"required_if=BrokerBackend redis"`
	DatabaseURL   string `env:"DATABASE_URL" validate:"required_if=BrokerBackend postgres"`

	PublishPolicy    string `env:"PUBLISH_POLICY" default:"fail_fast" validate:"oneof=fail_fast queue"`
	PublishQueueSize int    `env:"PUBLISH_QUEUE_SIZE" default:"1024" validate:"gte=1"`

	MaxWebSocketConnections int     `env:"MAX_WEBSOCKET_CONNECTIONS" default:"10000" validate:"gte=1"`
	MaxConnectionsPerIP     int     `env:"MAX_CONNECTIONS_PER_IP" default:"100" validate:"gte=1"`
	MaxConnectionsPerUser   int     `env:"MAX_CONNECTIONS_PER_USER" default:"50" validate:"gte=1"`
	ConnectionRate          float64 `env:"CONNECTION_RATE" default:"10" validate:"gt=0"`
	ConnectionBurst         int     `env:"CONNECTION_BURST" default:"20" validate:"gte=1"`
	APIRate                 float64 `env:"API_RATE" default:"50" validate:"gt=0"`
	APIBurst                int     `env:"API_BURST" default:"100" validate:"gte=1"`

	HeartbeatInterval       time.Duration `env:"HEARTBEAT_INTERVAL" default:"15s" validate:"gt=0"`
	ReconnectInitialBackoff time.Duration `env:"RECONNECT_INITIAL_BACKOFF" default:"500ms" validate:"gt=0"`
	ReconnectMaxBackoff     time.Duration `env:"RECONNECT_MAX_BACKOFF" default:"30s" validate:"gtefield=ReconnectInitialBackoff"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the struct tags and reports the first offending variable
// by its environment name.
func Validate(cfg *Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	fe := verrs[0]
	name := envName(fe.StructField())
	switch fe.Tag() {
	case "required", "required_if":
		return fmt.Errorf("%s is required", name)
	case "min":
		return fmt.Errorf("%s must be at least %s characters", name, fe.Param())
	case "oneof":
		return fmt.Errorf("%s must be one of [%s], got %q", name, fe.Param(), fmt.Sprint(fe.Value()))
	default:
		return fmt.Errorf("%s is invalid (%s)", name, fe.Tag())
	}
}

// IsProduction reports whether the app runs with APP_ENV=production.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

var envNames = map[string]string{
	"AppURL":                  "APP_URL",
	"APIRate":                 "API_RATE",
	"APIBurst":                "API_BURST",
	"InstanceID":              "INSTANCE_ID",
	"InternalAPIKey":          "INTERNAL_API_KEY",
	"MaxWebSocketConnections": "MAX_WEBSOCKET_CONNECTIONS",
	"MaxConnectionsPerIP":     "MAX_CONNECTIONS_PER_IP",
	"RedisURL":                "REDIS_URL",
	"DatabaseURL":             "DATABASE_URL",
}

func envName(field string) string {
	if name, ok := envNames[field]; ok {
		return name
	}
	var b strings.Builder
	for i, r := range field {
		if i > 0 && r >= 'A' && r <= 'Z' {
			b.WriteByte('_')
		}
		b.WriteRune(r)
	}
	return strings.ToUpper(b.String())
}
