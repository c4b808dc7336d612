// Package config resolves the run parameters from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/NetPo4ki/massive-scope/scope"
	"github.com/NetPo4ki/massive-scope/task"
)

// Mode selects the runner.
type Mode string

const (
	Structured   Mode = "structured"
	Unstructured Mode = "unstructured"
)

func (m *Mode) UnmarshalText(b []byte) error {
	switch v := Mode(strings.ToLower(strings.TrimSpace(string(b)))); v {
	case Structured, Unstructured:
		*m = v
		return nil
	}
	return fmt.Errorf("config: unknown runner %q", b)
}

// Config is resolved once and passed by value.
type Config struct {
	TaskCount   int          `env:"THREAD_COUNT" envDefault:"10000"`
	MaxLatency  int          `env:"MAX_LATENCY" envDefault:"100"`
	SampleEvery int          `env:"SIZE" envDefault:"1000"`
	CanFail     bool         `env:"CAN_FAIL"`
	Policy      scope.Policy `env:"POLICY" envDefault:"first_success"`
	// FailureScope forces the fail-fast policy regardless of POLICY.
	FailureScope bool `env:"FAILURE_SCOPE"`

	Mode           Mode `env:"RUNNER" envDefault:"structured"`
	Workers        int  `env:"WORKERS" envDefault:"0"`
	MaxConcurrency int  `env:"MAX_CONCURRENCY" envDefault:"0"`

	LogLevel  slog.Level `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string     `env:"LOG_FORMAT" envDefault:"text"`
	Metrics   bool       `env:"METRICS"`
}

// Load reads the process environment.
func Load() (Config, error) {
	return parse(env.Options{})
}

// LoadFrom reads the given variables instead of the process environment.
func LoadFrom(vars map[string]string) (Config, error) {
	return parse(env.Options{Environment: vars})
}

func parse(opts env.Options) (Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if c.FailureScope {
		c.Policy = scope.FailFast
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.TaskCount < 0 {
		errs = append(errs, fmt.Errorf("THREAD_COUNT must be >= 0, got %d", c.TaskCount))
	}
	if c.MaxLatency < 0 {
		errs = append(errs, fmt.Errorf("MAX_LATENCY must be >= 0, got %d", c.MaxLatency))
	}
	if c.SampleEvery <= 0 {
		errs = append(errs, fmt.Errorf("SIZE must be > 0, got %d", c.SampleEvery))
	}
	if c.Workers < 0 {
		errs = append(errs, fmt.Errorf("WORKERS must be >= 0, got %d", c.Workers))
	}
	if c.MaxConcurrency < 0 {
		errs = append(errs, fmt.Errorf("MAX_CONCURRENCY must be >= 0, got %d", c.MaxConcurrency))
	}
	switch c.Mode {
	case Structured, Unstructured:
	default:
		errs = append(errs, fmt.Errorf("RUNNER must be %q or %q, got %q", Structured, Unstructured, c.Mode))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// TaskParams derives the task body parameters.
func (c Config) TaskParams() task.Params {
	return task.Params{
		MaxLatency:     time.Duration(c.MaxLatency) * time.Millisecond,
		SampleEvery:    c.SampleEvery,
		InjectFailures: c.CanFail,
	}
}
