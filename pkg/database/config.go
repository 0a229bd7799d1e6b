package database

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Connection pool defaults. Lifetime is kept short so rolling credential
// changes and PgBouncer restarts are picked up without a redeploy.
const (
	defaultMaxOpenConns    = 10
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

// LoadConfigFromEnv assembles connection settings from the environment.
// DATABASE_URL, when present, takes precedence over the discrete DB_* vars.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		URL:             os.Getenv("DATABASE_URL"),
		Host:            envString("DB_HOST", "localhost"),
		User:            envString("DB_USER", "cifixd"),
		Password:        os.Getenv("DB_PASSWORD"),
		Database:        envString("DB_NAME", "cifixd"),
		SSLMode:         envString("DB_SSLMODE", "disable"),
		ConnMaxLifetime: defaultConnMaxLifetime,
		ConnMaxIdleTime: defaultConnMaxIdleTime,
	}

	var err error
	if cfg.Port, err = envInt("DB_PORT", 5432); err != nil {
		return Config{}, err
	}
	if cfg.MaxOpenConns, err = envInt("DB_MAX_OPEN_CONNS", defaultMaxOpenConns); err != nil {
		return Config{}, err
	}
	if cfg.MaxIdleConns, err = envInt("DB_MAX_IDLE_CONNS", defaultMaxIdleConns); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}
