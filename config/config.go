package config

import (
	"fmt"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Port           string   `env:"PORT" env-default:"8080"`
	Environment    string   `env:"ENVIRONMENT" env-default:"development"`
	LogLevel       string   `env:"LOG_LEVEL" env-default:"info"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" env-separator:"," env-default:"http://localhost:3000,http://localhost:5173"`
	JWTSecret      string   `env:"JWT_SECRET" env-default:"change-me-in-production"`
	STUNServers    []string `env:"STUN_SERVERS" env-separator:"," env-default:"stun:stun1.l.google.com:19302,stun:stun2.l.google.com:19302"`
	Redis          RedisConfig
}

type RedisConfig struct {
	Host     string `env:"REDIS_HOST" env-default:"localhost"`
	Port     string `env:"REDIS_PORT" env-default:"6379"`
	Password string `env:"REDIS_PASSWORD" env-default:""`
	DB       int    `env:"REDIS_DB" env-default:"0"`
}

// Addr returns the host:port pair for the Redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read env: %w", err)
	}
	return &cfg, nil
}
