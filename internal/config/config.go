// Package config loads service configuration from the environment, with
// optional .env / .env.local files for local development.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type ServiceConfig struct {
	Name        string `env:"SERVICE_NAME" envDefault:"be-approvals"`
	Version     string `env:"SERVICE_VERSION" envDefault:"dev"`
	Environment string `env:"GO_APP_ENV" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
}

type ServerConfig struct {
	Port            int           `env:"PORT" envDefault:"8086"`
	ReadTimeout     time.Duration `env:"SERVER_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout     time.Duration `env:"SERVER_IDLE_TIMEOUT" envDefault:"60s"`
	RequestTimeout  time.Duration `env:"SERVER_REQUEST_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	CORSOrigins     []string      `env:"CORS_ORIGINS" envDefault:"*" envSeparator:","`
}

type GRPCConfig struct {
	Port int `env:"GRPC_PORT" envDefault:"9086"`
}

type DatabaseConfig struct {
	Host        string        `env:"DB_HOST" envDefault:"localhost"`
	Port        int           `env:"DB_PORT" envDefault:"5432"`
	User        string        `env:"DB_USER" envDefault:"postgres"`
	Password    string        `env:"DB_PASSWORD" envDefault:"postgres"`
	Database    string        `env:"DB_NAME" envDefault:"approvals"`
	SSLMode     string        `env:"DB_SSLMODE" envDefault:"disable"`
	MaxConns    int32         `env:"DB_MAX_CONNS" envDefault:"10"`
	MinConns    int32         `env:"DB_MIN_CONNS" envDefault:"2"`
	MaxConnTime time.Duration `env:"DB_MAX_CONN_LIFETIME" envDefault:"1h"`
	MaxIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" envDefault:"30m"`
	HealthCheck time.Duration `env:"DB_HEALTH_CHECK_PERIOD" envDefault:"1m"`
}

// DSN renders the keyword/value connection string pgx expects.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}

type NATSConfig struct {
	Enabled bool   `env:"NATS_ENABLED" envDefault:"false"`
	URL     string `env:"NATS_URL" envDefault:"nats://localhost:4222"`
}

type Config struct {
	Service  ServiceConfig
	Server   ServerConfig
	GRPC     GRPCConfig
	Database DatabaseConfig
	NATS     NATSConfig
}

// Load reads .env files when present, then parses the environment.
func Load() (*Config, error) {
	loadEnvFiles(".env", ".env.local")

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

func loadEnvFiles(files ...string) {
	existing := make([]string, 0, len(files))
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return
	}
	// Missing files were already filtered out; env.Parse catches anything a
	// malformed file leaves unset.
	_ = godotenv.Load(existing...)
}
