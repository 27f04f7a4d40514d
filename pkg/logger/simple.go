package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/execplane/plane/core"
)

// LogLevel represents the logging level.
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

func parseLevel(level string) LogLevel {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DebugLevel
	case "WARN", "WARNING":
		return WarnLevel
	case "ERROR":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// SimpleLogger is a JSON/text structured logger implementing core.Logger
// and core.ComponentAwareLogger. It carries no package-level state: every
// instance is independent, and WithComponent returns a new instance rather
// than mutating shared state.
type SimpleLogger struct {
	level     LogLevel
	format    string // "json" or "text"
	output    io.Writer
	service   string
	component string
}

// NewSimpleLogger creates a logger from a core.LoggingConfig.
func NewSimpleLogger(cfg core.LoggingConfig, serviceName string) *SimpleLogger {
	var out io.Writer = os.Stdout
	if cfg.Output == "stderr" {
		out = os.Stderr
	}
	format := cfg.Format
	if format == "" {
		format = "json"
	}
	return &SimpleLogger{
		level:   parseLevel(cfg.Level),
		format:  format,
		output:  out,
		service: serviceName,
	}
}

// NewDefaultLogger returns an info-level, JSON-formatted logger writing to
// stdout, for callers that have not wired a Config yet (e.g. tests).
func NewDefaultLogger() *SimpleLogger {
	return NewSimpleLogger(core.LoggingConfig{Level: "info", Format: "json"}, "execplane")
}

func (l *SimpleLogger) Debug(msg string, fields map[string]interface{}) {
	if l.level <= DebugLevel {
		l.log("DEBUG", msg, fields)
	}
}

func (l *SimpleLogger) Info(msg string, fields map[string]interface{}) {
	if l.level <= InfoLevel {
		l.log("INFO", msg, fields)
	}
}

func (l *SimpleLogger) Warn(msg string, fields map[string]interface{}) {
	if l.level <= WarnLevel {
		l.log("WARN", msg, fields)
	}
}

func (l *SimpleLogger) Error(msg string, fields map[string]interface{}) {
	if l.level <= ErrorLevel {
		l.log("ERROR", msg, fields)
	}
}

// WithComponent returns a child logger that stamps every entry with
// component, satisfying core.ComponentAwareLogger.
func (l *SimpleLogger) WithComponent(component string) core.Logger {
	clone := *l
	clone.component = component
	return &clone
}

func (l *SimpleLogger) log(level, msg string, fields map[string]interface{}) {
	timestamp := time.Now().UTC().Format(time.RFC3339Nano)

	if l.format == "json" {
		entry := map[string]interface{}{
			"timestamp": timestamp,
			"level":     level,
			"service":   l.service,
			"message":   msg,
		}
		if l.component != "" {
			entry["component"] = l.component
		}
		for k, v := range fields {
			entry[k] = v
		}
		if data, err := json.Marshal(entry); err == nil {
			fmt.Fprintln(l.output, string(data))
		}
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s]", timestamp, level)
	if l.component != "" {
		fmt.Fprintf(&b, " [%s]", l.component)
	}
	fmt.Fprintf(&b, " %s", msg)
	for k, v := range fields {
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	fmt.Fprintln(l.output, b.String())
}
