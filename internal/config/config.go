package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config holds all service configuration, loaded from the environment.
type Config struct {
	Server   ServerConfig   `env:",prefix=SERVER_"`
	Database DatabaseConfig `env:",prefix=DB_"`
	Redis    RedisConfig    `env:",prefix=REDIS_"`
	AMQP     AMQPConfig     `env:",prefix=AMQP_"`
	Gateway  GatewayConfig  `env:",prefix=WAHA_"`
	Worker   WorkerConfig   `env:",prefix=WORKER_"`
	App      AppConfig      `env:",prefix=APP_"`
}

type ServerConfig struct {
	Addr         string        `env:"ADDR,default=:8080"`
	ReadTimeout  time.Duration `env:"READ_TIMEOUT,default=30s"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT,default=30s"`
}

type DatabaseConfig struct {
	URL      string `env:"URL,required"`
	MaxConns int    `env:"MAX_CONNS,default=20"`
}

// RedisConfig is optional: an empty address disables the daily-counter
// fast path entirely.
type RedisConfig struct {
	Addr     string `env:"ADDR"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB,default=0"`
}

func (c RedisConfig) Enabled() bool { return c.Addr != "" }

// AMQPConfig is optional: an empty URL disables event publishing.
type AMQPConfig struct {
	URL   string `env:"URL"`
	Queue string `env:"QUEUE,default=campaign_events"`
}

func (c AMQPConfig) Enabled() bool { return c.URL != "" }

// GatewayConfig is the default WAHA instance; per-campaign overrides can be
// supplied on the start endpoint.
type GatewayConfig struct {
	URL     string `env:"URL"`
	APIKey  string `env:"API_KEY"`
	Session string `env:"SESSION,default=default"`
}

type WorkerConfig struct {
	WindowRecheck     time.Duration `env:"WINDOW_RECHECK,default=1m"`
	WindowIdleRecheck time.Duration `env:"WINDOW_IDLE_RECHECK,default=5m"`
	MaxWindowWait     time.Duration `env:"MAX_WINDOW_WAIT,default=24h"`
	CapRecheck        time.Duration `env:"CAP_RECHECK,default=5m"`
}

type AppConfig struct {
	DefaultTimezone string `env:"DEFAULT_TIMEZONE,default=America/Sao_Paulo"`
	LogLevel        string `env:"LOG_LEVEL,default=info"`
}

// Load reads configuration from the environment.
func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	// envconfig's required tag only catches unset variables; an empty
	// DB_URL= in the environment or .env still gets here.
	if c.Database.URL == "" {
		return fmt.Errorf("DB_URL is required")
	}
	if c.Database.MaxConns <= 0 {
		return fmt.Errorf("DB_MAX_CONNS must be > 0")
	}
	if c.Worker.WindowRecheck <= 0 || c.Worker.CapRecheck <= 0 {
		return fmt.Errorf("worker recheck intervals must be > 0")
	}
	if c.Worker.MaxWindowWait < c.Worker.WindowRecheck {
		return fmt.Errorf("WORKER_MAX_WINDOW_WAIT must be >= WORKER_WINDOW_RECHECK")
	}
	return nil
}
