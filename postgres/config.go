package postgres

import (
	"errors"

	"github.com/kelseyhightower/envconfig"
)

// Config holds connection settings for the Postgres-backed store.
type Config struct {
	DSN             string `envconfig:"RBAC_PG_DSN"`
	MaxConns        int32  `envconfig:"RBAC_PG_MAX_CONNS" default:"4"`
	ApplyMigrations bool   `envconfig:"RBAC_PG_MIGRATE" default:"false"`
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if cfg.DSN == "" {
		return nil, errors.New("postgres: RBAC_PG_DSN must be provided")
	}
	return &cfg, nil
}
