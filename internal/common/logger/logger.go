// Package logger builds the zap loggers used across argus. A watcher
// normally logs to the console plus a rotated file under the artifacts
// base; short-lived CLI invocations log to stderr only.
package logger

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects the outputs and levels for a process logger.
type Config struct {
	Level string `yaml:"level"` // debug | info | warn | error

	Console ConsoleConfig `yaml:"console"`
	File    FileConfig    `yaml:"file"`
}

// ConsoleConfig controls the stderr core.
type ConsoleConfig struct {
	Enabled bool   `yaml:"enabled"`
	Format  string `yaml:"format"` // console | json
}

// FileConfig controls the rotated file core.
type FileConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Path     string         `yaml:"path"`
	Format   string         `yaml:"format"`
	Rotation RotationConfig `yaml:"rotation"`
}

// RotationConfig maps onto lumberjack.
type RotationConfig struct {
	MaxSizeMB  int  `yaml:"max_size_mb"`
	MaxAgeDays int  `yaml:"max_age_days"`
	MaxBackups int  `yaml:"max_backups"`
	Compress   bool `yaml:"compress"`
}

// DefaultConfig is the watcher default: info console logging only.
func DefaultConfig() Config {
	return Config{
		Level:   "info",
		Console: ConsoleConfig{Enabled: true, Format: "console"},
	}
}

// New creates a zap logger from the config.
func New(cfg Config) (*zap.Logger, error) {
	level := parseLevel(cfg.Level)

	var cores []zapcore.Core
	if cfg.Console.Enabled {
		cores = append(cores, zapcore.NewCore(
			newEncoder(cfg.Console.Format),
			zapcore.Lock(os.Stderr),
			level,
		))
	}
	if cfg.File.Enabled {
		if cfg.File.Path == "" {
			return nil, fmt.Errorf("file.path must be set when file logging is enabled")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.File.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		cores = append(cores, zapcore.NewCore(
			newEncoder(cfg.File.Format),
			newFileWriter(cfg.File.Path, cfg.File.Rotation),
			level,
		))
	}
	if len(cores) == 0 {
		return nil, fmt.Errorf("at least one log output must be enabled")
	}

	core := cores[0]
	if len(cores) > 1 {
		core = zapcore.NewTee(cores...)
	}
	return zap.New(core), nil
}

// NewDefault is the startup logger used before configuration is loaded
// and by CLI commands.
func NewDefault() *zap.Logger {
	log, err := New(DefaultConfig())
	if err != nil {
		// DefaultConfig always has a console core; this cannot happen.
		panic(err)
	}
	return log
}

func parseLevel(s string) zapcore.Level {
	switch s {
	case "debug":
		return zap.DebugLevel
	case "warn":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

func newEncoder(format string) zapcore.Encoder {
	if format == "json" {
		return zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	}
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewConsoleEncoder(encoderConfig)
}

func newFileWriter(path string, rot RotationConfig) zapcore.WriteSyncer {
	if rot.MaxSizeMB == 0 {
		rot.MaxSizeMB = 100
	}
	if rot.MaxAgeDays == 0 {
		rot.MaxAgeDays = 30
	}
	if rot.MaxBackups == 0 {
		rot.MaxBackups = 10
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    rot.MaxSizeMB,
		MaxAge:     rot.MaxAgeDays,
		MaxBackups: rot.MaxBackups,
		Compress:   rot.Compress,
	})
}
