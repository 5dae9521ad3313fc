package config

import (
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes every environment variable read by pkgidx.
const EnvPrefix = "PKGIDX"

// Env is the environment-derived configuration.
type Env struct {
	LogLevel string `envconfig:"LOG_LEVEL"`
	LogDev   bool   `envconfig:"LOG_DEV" default:"false"`
}

// LoadEnv fills unset PKGIDX_* variables from the .env file, then decodes
// the environment.
func LoadEnv() (*Env, error) {
	dotenv, err := LoadDotEnv()
	if err != nil {
		return nil, err
	}
	for k, v := range dotenv {
		if _, set := os.LookupEnv(k); set {
			continue
		}
		if err := os.Setenv(k, v); err != nil {
			return nil, fmt.Errorf("cannot apply %s from .env: %w", k, err)
		}
	}

	var env Env
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}
	return &env, nil
}
