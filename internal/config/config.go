// Package config loads runtime settings from TELECOMMAND_* environment
// variables. Command-line flags override the loaded values.
package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Log formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Config holds process-wide settings.
type Config struct {
	// DBPath is the SQLite history database. Empty keeps history in memory.
	DBPath string `env:"TELECOMMAND_DB"`

	// Operator is recorded on every invocation the CLI submits.
	Operator string `env:"TELECOMMAND_OPERATOR" envDefault:"operator"`

	// UplinkRate limits transmissions per second; 0 disables pacing.
	UplinkRate float64 `env:"TELECOMMAND_UPLINK_RATE" envDefault:"0"`

	// UplinkBurst is the token bucket size used with UplinkRate.
	UplinkBurst int `env:"TELECOMMAND_UPLINK_BURST" envDefault:"1"`

	// ContinueOnRejection keeps queue drains going after a rejected entry.
	ContinueOnRejection bool `env:"TELECOMMAND_CONTINUE_ON_REJECTION"`

	// OTLPEndpoint enables OTLP gRPC export of metrics and spans.
	OTLPEndpoint string `env:"TELECOMMAND_OTLP_ENDPOINT"`

	// OTLPInsecure disables TLS for the OTLP connection.
	OTLPInsecure bool `env:"TELECOMMAND_OTLP_INSECURE"`

	LogLevel  string `env:"TELECOMMAND_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"TELECOMMAND_LOG_FORMAT" envDefault:"text"`
}

// Load parses the environment into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFrom is Load with an explicit environment, for tests.
func LoadFrom(environ map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field ranges and enumerations.
func (c Config) Validate() error {
	if c.UplinkRate < 0 {
		return fmt.Errorf("uplink rate must be non-negative, got %v", c.UplinkRate)
	}
	if c.UplinkRate > 0 && c.UplinkBurst < 1 {
		return fmt.Errorf("uplink burst must be at least 1, got %d", c.UplinkBurst)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case FormatText, FormatJSON:
	default:
		return fmt.Errorf("log format must be %s or %s, got %q", FormatText, FormatJSON, c.LogFormat)
	}
	return nil
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}
