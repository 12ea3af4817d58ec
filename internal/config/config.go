package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds everything the gateway needs at startup. All values come
// from the environment; REDIS_ADDR left empty selects the in-memory
// presence store (development and tests only).
type Config struct {
	Port    int    `env:"PORT" env-default:"3001"`
	GinMode string `env:"GIN_MODE" env-default:"release"`

	JWTSecret      string `env:"JWT_SECRET"`
	DevBypassToken string `env:"DEV_BYPASS_TOKEN"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" env-default:"0"`

	// BackplaneEnabled turns on cross-instance broadcast over Redis
	// pub/sub. Off means the service is single-instance: room membership
	// lives in process memory and broadcasts reach local sessions only.
	BackplaneEnabled bool   `env:"BACKPLANE_ENABLED" env-default:"false"`
	InstanceID       string `env:"INSTANCE_ID" env-default:"gateway-1"`

	PresenceTTLSeconds int `env:"PRESENCE_TTL_SECONDS" env-default:"300"`
	CursorTTLSeconds   int `env:"CURSOR_TTL_SECONDS" env-default:"30"`

	TLSCertFile string `env:"TLS_CERT_FILE"`
	TLSKeyFile  string `env:"TLS_KEY_FILE"`
}

func Load() (Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("read env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Port)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.PresenceTTLSeconds <= 0 {
		return fmt.Errorf("invalid PRESENCE_TTL_SECONDS")
	}
	if c.CursorTTLSeconds <= 0 {
		return fmt.Errorf("invalid CURSOR_TTL_SECONDS")
	}
	if c.BackplaneEnabled && c.RedisAddr == "" {
		return fmt.Errorf("BACKPLANE_ENABLED requires REDIS_ADDR")
	}
	return nil
}

func (c Config) PresenceTTL() time.Duration {
	return time.Duration(c.PresenceTTLSeconds) * time.Second
}

func (c Config) CursorTTL() time.Duration {
	return time.Duration(c.CursorTTLSeconds) * time.Second
}
