// Package logging provides structured logging for the musigd daemon.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Level represents a log level.
type Level = log.Level

// Log levels.
const (
	DebugLevel = log.DebugLevel
	InfoLevel  = log.InfoLevel
	WarnLevel  = log.WarnLevel
	ErrorLevel = log.ErrorLevel
	FatalLevel = log.FatalLevel
)

// Logger wraps charmbracelet/log. Component loggers share the output and
// format of their parent.
type Logger struct {
	*log.Logger
	cfg Config
}

// Config holds logger configuration.
type Config struct {
	Level      string    `yaml:"level"`
	Format     string    `yaml:"format"` // text, json or logfmt
	TimeFormat string    `yaml:"time_format"`
	File       string    `yaml:"file"`
	Prefix     string    `yaml:"-"`
	Output     io.Writer `yaml:"-"`
}

// DefaultConfig returns a default logging configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:      "info",
		Format:     "text",
		TimeFormat: time.TimeOnly,
		Output:     os.Stderr,
	}
}

// New creates a new logger with the given configuration.
func New(cfg *Config) *Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	if c.Output == nil {
		c.Output = os.Stderr
	}
	if c.TimeFormat == "" {
		c.TimeFormat = time.TimeOnly
	}
	return &Logger{Logger: build(c), cfg: c}
}

// NewFile creates a logger that writes to cfg.File in addition to the
// configured output. The returned closer releases the file.
func NewFile(cfg *Config) (*Logger, io.Closer, error) {
	if cfg == nil || cfg.File == "" {
		return New(cfg), io.NopCloser(nil), nil
	}
	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	c := *cfg
	out := c.Output
	if out == nil {
		out = os.Stderr
	}
	c.Output = io.MultiWriter(out, f)
	return New(&c), f, nil
}

func build(c Config) *log.Logger {
	logger := log.NewWithOptions(c.Output, log.Options{
		ReportTimestamp: true,
		TimeFormat:      c.TimeFormat,
		Prefix:          c.Prefix,
		Formatter:       parseFormatter(c.Format),
	})
	logger.SetLevel(ParseLevel(c.Level))
	return logger
}

// ParseLevel parses a string level into a log.Level.
func ParseLevel(level string) Level {
	switch strings.ToLower(level) {
	case "debug":
		return DebugLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	case "fatal":
		return FatalLevel
	default:
		return InfoLevel
	}
}

func parseFormatter(format string) log.Formatter {
	switch strings.ToLower(format) {
	case "json":
		return log.JSONFormatter
	case "logfmt":
		return log.LogfmtFormatter
	default:
		return log.TextFormatter
	}
}

// With returns a new logger with the given key-value pairs.
func (l *Logger) With(keyvals ...interface{}) *Logger {
	return &Logger{Logger: l.Logger.With(keyvals...), cfg: l.cfg}
}

// Component returns a logger for a specific component, writing to the same
// output as l.
func (l *Logger) Component(name string) *Logger {
	c := l.cfg
	if c.Prefix != "" {
		c.Prefix = c.Prefix + "/" + name
	} else {
		c.Prefix = name
	}
	logger := build(c)
	logger.SetLevel(l.GetLevel())
	return &Logger{Logger: logger, cfg: c}
}

// ForTrade returns a component logger tagged with a trade id.
func (l *Logger) ForTrade(component, tradeID string) *Logger {
	return l.Component(component).With("trade_id", tradeID)
}

var (
	defaultMu     sync.RWMutex
	defaultLogger = New(DefaultConfig())
)

// SetDefault sets the default logger.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
}

// GetDefault returns the default logger.
func GetDefault() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// Package-level logging functions using the default logger.

func Debug(msg interface{}, keyvals ...interface{}) { GetDefault().Debug(msg, keyvals...) }
func Info(msg interface{}, keyvals ...interface{})  { GetDefault().Info(msg, keyvals...) }
func Warn(msg interface{}, keyvals ...interface{})  { GetDefault().Warn(msg, keyvals...) }
func Error(msg interface{}, keyvals ...interface{}) { GetDefault().Error(msg, keyvals...) }
func Fatal(msg interface{}, keyvals ...interface{}) { GetDefault().Fatal(msg, keyvals...) }
