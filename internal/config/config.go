package config

import (
	"errors"
	"fmt"

	"github.com/caarlos0/env/v11"

	"github.com/gatechat/gatechat/internal/credential"
)

// Config is the full server configuration, populated from GATECHAT_*
// environment variables.
type Config struct {
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	// DBDriver selects the storage backend: "sqlite" or "postgres".
	DBDriver string `env:"DB_DRIVER" envDefault:"sqlite"`
	DBPath   string `env:"DB_PATH" envDefault:"gatechat.db"`
	DBURL    string `env:"DB_URL"`

	PolicyPath string `env:"POLICY_PATH" envDefault:"policy.json"`

	MaxUsers    int `env:"MAX_USERS" envDefault:"3"`
	MaxMessages int `env:"MAX_MESSAGES" envDefault:"50"`

	// DefaultPassword seeds the shared login password the first time the
	// policy file is created. It is never stored in the clear.
	DefaultPassword string `env:"DEFAULT_PASSWORD"`
}

func LoadFromEnv() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "GATECHAT_"}); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	switch c.DBDriver {
	case "sqlite":
		if c.DBPath == "" {
			return errors.New("db path is required for the sqlite driver")
		}
	case "postgres":
		if c.DBURL == "" {
			return errors.New("db url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown db driver %q", c.DBDriver)
	}
	if c.PolicyPath == "" {
		return errors.New("policy path is required")
	}
	if c.MaxUsers <= 0 {
		return errors.New("max users must be positive")
	}
	if c.MaxMessages <= 0 {
		return errors.New("max messages must be positive")
	}
	if c.DefaultPassword == "" {
		return errors.New("default password is required")
	}
	return nil
}

// DefaultPasswordDigest is the digest stored in a freshly created
// policy file.
func (c Config) DefaultPasswordDigest() string {
	return credential.Hash(c.DefaultPassword)
}
