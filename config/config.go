// Package config loads endpoint configuration from the environment or a
// yaml file and carries it through contexts.
package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type contextKey string

func (c contextKey) String() string {
	return "coyote/config/" + string(c)
}

const ctxKeyConfiguration = contextKey("configurationKey")

// ToContext adds a configuration object to the supplied context.
func ToContext(ctx context.Context, config any) context.Context {
	return context.WithValue(ctx, ctxKeyConfiguration, config)
}

// FromContext extracts a configuration object from the supplied context.
func FromContext[T any](ctx context.Context) T {
	if cfg, ok := ctx.Value(ctxKeyConfiguration).(T); ok {
		return cfg
	}
	var zero T
	return zero
}

// FromEnv convenience method to process configs.
func FromEnv[T any]() (T, error) {
	return env.ParseAs[T]()
}

// FillEnv convenience method to fill a config object with environment data.
func FillEnv(v any) error {
	return env.Parse(v)
}

// FromFile loads a yaml configuration file, then lets the environment
// override it.
func FromFile[T any](path string) (T, error) {
	var cfg T

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("could not read configuration file: %w", err)
	}
	if err = yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("could not parse configuration file: %w", err)
	}
	if err = env.Parse(&cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// EndpointConfig is the full construction surface of one endpoint.
type EndpointConfig struct {
	URI       string `env:"COYOTE_URI"        yaml:"uri"`
	Archetype string `env:"COYOTE_ARCHETYPE"  yaml:"archetype"`
	QueueName string `env:"COYOTE_QUEUE_NAME" yaml:"queue_name"`

	Topic      string        `env:"COYOTE_TOPIC"      yaml:"topic"`
	Routing    string        `env:"COYOTE_ROUTING"    yaml:"routing"`
	Prefetch   int           `env:"COYOTE_PREFETCH"   envDefault:"1" yaml:"prefetch"`
	Persistent bool          `env:"COYOTE_PERSISTENT" yaml:"persistent"`
	Expiration time.Duration `env:"COYOTE_EXPIRATION" yaml:"expiration"`

	LogLevel string `env:"COYOTE_LOG_LEVEL" envDefault:"info" yaml:"log_level"`
}

// LoggingLevel returns the configured log level.
func (c EndpointConfig) LoggingLevel() string {
	return c.LogLevel
}
