// Package logger wraps logrus with the field/level/output conventions used
// across the platform's components.
package logger

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus.Logger so components depend on a small interface
// rather than a package-level global.
type Logger struct {
	*logrus.Logger
}

// Config controls logger construction.
type Config struct {
	Level      string `json:"level" yaml:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" yaml:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" yaml:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" yaml:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// New builds a Logger from Config.
func New(cfg Config) *Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	switch strings.ToLower(cfg.Output) {
	case "file":
		prefix := cfg.FilePrefix
		if prefix == "" {
			prefix = "ticketsync"
		}
		if err := os.MkdirAll("logs", 0o755); err != nil {
			l.Errorf("create logs directory: %v", err)
			break
		}
		path := filepath.Join("logs", prefix+".log")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			l.Errorf("open log file: %v", err)
			break
		}
		l.SetOutput(io.MultiWriter(os.Stdout, f))
	default:
		l.SetOutput(os.Stdout)
	}

	return &Logger{Logger: l}
}

// NewDefault returns an info-level, text-formatted logger writing to stdout.
// The component argument is not used: lines carry no component tag.
func NewDefault(component string) *Logger {
	l := logrus.New()
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetOutput(os.Stdout)
	return &Logger{Logger: l}
}

// WithField returns a log entry carrying a single field.
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.Logger.WithField(key, value)
}

// WithFields returns a log entry carrying multiple fields.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.Logger.WithFields(fields)
}
