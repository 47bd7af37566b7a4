package logging

import (
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

const (
	EnvLogLevel = "CASTSESSION_LOG_LEVEL"
	EnvLogJSON  = "CASTSESSION_LOG_JSON"
)

// Config controls the root logger.
type Config struct {
	Level zerolog.Level
	JSON  bool
}

// lookupEnv is swapped in tests.
var lookupEnv = os.LookupEnv

// DefaultConfig logs at info level with human readable output, or at debug
// level when verbose is set.
func DefaultConfig(verbose bool) Config {
	cfg := Config{Level: zerolog.InfoLevel}
	if verbose {
		cfg.Level = zerolog.DebugLevel
	}
	return cfg
}

// New builds the root logger writing to out, applying env overrides to cfg.
func New(out io.Writer, cfg Config) zerolog.Logger {
	applyEnvOverrides(&cfg)

	w := out
	if !cfg.JSON {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}
	return zerolog.New(w).Level(cfg.Level).With().Timestamp().Logger()
}

func applyEnvOverrides(cfg *Config) {
	if raw, ok := lookupEnv(EnvLogLevel); ok {
		if lvl, ok := parseLevel(raw); ok {
			cfg.Level = lvl
		}
	}
	if raw, ok := lookupEnv(EnvLogJSON); ok {
		if v, ok := parseBool(raw); ok {
			cfg.JSON = v
		}
	}
}

func parseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
