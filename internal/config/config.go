package config

import (
	"errors"
	"io/fs"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// New loads configuration from environment variables into any config struct.
func New[T any]() (*T, error) {
	cfg := new(T)
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnv loads ENV_FILE (default .env) into the environment. A missing
// default .env is not an error; a missing explicit ENV_FILE is.
func LoadEnv() error {
	envfile := os.Getenv("ENV_FILE")
	if envfile != "" {
		return godotenv.Load(envfile)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Load is LoadEnv followed by New.
func Load[T any]() (*T, error) {
	if err := LoadEnv(); err != nil {
		return nil, err
	}
	return New[T]()
}
