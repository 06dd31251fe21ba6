package bootstrap

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/threat-thinker/ttserve/config"
)

// logLevel is shared by every handler built here so the level can change
// after the first logger exists.
var logLevel = new(slog.LevelVar)

// InitLogger installs a JSON logger on stdout as the process default. It is
// used until configuration has been read.
func InitLogger() *slog.Logger {
	return installLogger(os.Stdout, config.LogFormatJSON)
}

// ConfigureLogger applies the configured level and format and installs the
// result as the process default.
func ConfigureLogger(cfg config.ObservabilityConfig) *slog.Logger {
	SetLogLevel(cfg.SlogLevel())
	return installLogger(os.Stdout, cfg.LogFormat)
}

// SetLogLevel changes the level of loggers built by this package.
func SetLogLevel(level slog.Level) {
	logLevel.Set(level)
}

func installLogger(w io.Writer, format string) *slog.Logger {
	logger := slog.New(newLogHandler(w, format))
	slog.SetDefault(logger)
	return logger
}

//nolint:ireturn // the handler type follows the configured format.
func newLogHandler(w io.Writer, format string) slog.Handler {
	opts := &slog.HandlerOptions{Level: logLevel}
	if format == config.LogFormatText {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// LoadConfig reads an optional .env file, parses the environment, then
// sanitizes and validates the result.
func LoadConfig() (config.AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return config.AppConfig{}, fmt.Errorf("load .env file: %w", err)
		}
	}

	var cfg config.AppConfig
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	cfg.Sanitize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	SetLogLevel(cfg.Observability.SlogLevel())
	return cfg, nil
}

// ValidateServiceConfig checks that SERVICES parses and names at least one
// service.
func ValidateServiceConfig(cfg *config.AppConfig) error {
	if cfg == nil {
		return errors.New("service config is required")
	}
	services, err := cfg.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("invalid service configuration: %w", err)
	}
	if len(services) == 0 {
		return errors.New("no services enabled")
	}
	return nil
}

// GetEnabledServices returns the enabled service names sorted, or an empty
// list when the configuration is invalid.
func GetEnabledServices(cfg *config.AppConfig) []string {
	if cfg == nil {
		return []string{}
	}
	services, err := cfg.GetEnabledServices()
	if err != nil {
		return []string{}
	}

	names := make([]string, 0, len(services))
	for svc := range services {
		names = append(names, string(svc))
	}
	sort.Strings(names)
	return names
}
