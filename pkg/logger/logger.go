package logger

import (
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// Level represents the severity level of a log message.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	NoticeLevel
	WarnLevel
	ErrorLevel
)

// ParseLevel converts a textual level into a Level
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "notice":
		return NoticeLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	}
	return InfoLevel, fmt.Errorf("unknown log level: %s", s)
}

func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case NoticeLevel:
		return "notice"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	}
	return "unknown"
}

// Component identifies the subsystem emitting a log line
type Component string

const (
	None      Component = ""
	Monitor   Component = "monitor"
	Webhook   Component = "webhook"
	Executor  Component = "executor"
	Scheduler Component = "scheduler"
	Router    Component = "router"
	Oracle    Component = "oracle"
	Storage   Component = "storage"
	Chain     Component = "chain"
	HTTP      Component = "http"
)

var componentPrefixes = map[Component]string{
	None:      "",
	Monitor:   "[MONITOR]   ",
	Webhook:   "[WEBHOOK]   ",
	Executor:  "[EXECUTOR]  ",
	Scheduler: "[SCHEDULER] ",
	Router:    "[ROUTER]    ",
	Oracle:    "[ORACLE]    ",
	Storage:   "[STORAGE]   ",
	Chain:     "[CHAIN]     ",
	HTTP:      "[HTTP]      ",
}

var colors = map[Component]color.Attribute{
	None:      color.FgWhite,
	Monitor:   color.FgHiGreen,
	Webhook:   color.FgYellow,
	Executor:  color.FgHiBlue,
	Scheduler: color.FgMagenta,
	Router:    color.FgCyan,
	Oracle:    color.FgGreen,
	Storage:   color.FgRed,
	Chain:     color.FgBlue,
	HTTP:      color.FgHiWhite,
}

// Logger is a simple interface for logging messages.
type Logger interface {
	// Info logs an informational message.
	Info(format string, args ...interface{})

	// Error logs an error message.
	Error(format string, args ...interface{})

	// Warn logs a recoverable problem.
	Warn(format string, args ...interface{})

	// Debug logs a debug message.
	Debug(format string, args ...interface{})

	// Notice logs a notice message.
	Notice(format string, args ...interface{})

	// Named returns a logger whose lines are tagged with the component.
	Named(component Component) Logger
}

// EmptyLogger is a simple implementation of the Logger interface that does nothing.
type EmptyLogger struct{}

var _ Logger = (*EmptyLogger)(nil)

func (l *EmptyLogger) Info(_ string, _ ...interface{})   {}
func (l *EmptyLogger) Error(_ string, _ ...interface{})  {}
func (l *EmptyLogger) Warn(_ string, _ ...interface{})   {}
func (l *EmptyLogger) Debug(_ string, _ ...interface{})  {}
func (l *EmptyLogger) Notice(_ string, _ ...interface{}) {}
func (l *EmptyLogger) Named(_ Component) Logger          { return l }

// StdLogger is a standard implementation of the Logger interface that logs messages to the console.
type StdLogger struct {
	enableColoring bool
	level          Level
	component      Component
	mu             *sync.Mutex
}

var _ Logger = (*StdLogger)(nil)

func NewStdLogger(enableColoring bool, level Level) *StdLogger {
	return &StdLogger{
		enableColoring: enableColoring,
		level:          level,
		mu:             &sync.Mutex{},
	}
}

// Named shares the output lock with the parent so lines never interleave
func (l *StdLogger) Named(component Component) Logger {
	return &StdLogger{
		enableColoring: l.enableColoring,
		level:          l.level,
		component:      component,
		mu:             l.mu,
	}
}

// formatMessage formats the log message with the appropriate log level, component prefix, and coloring if enabled.
func (l *StdLogger) formatMessage(level Level, format string) string {
	prefix := componentPrefixes[l.component]
	if l.enableColoring && prefix != "" {
		prefix = color.New(colors[l.component]).Sprint(prefix)
	}

	var levelStr string
	switch level {
	case DebugLevel:
		levelStr = "[DEBUG]  "
	case InfoLevel:
		levelStr = "[INFO]   "
	case NoticeLevel:
		levelStr = "[NOTICE] "
	case WarnLevel:
		levelStr = "[WARN]   "
	case ErrorLevel:
		levelStr = "[ERROR]  "
	}

	return levelStr + prefix + format
}

func (l *StdLogger) print(level Level, format string, args ...interface{}) {
	if l.level > level {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	log.Printf(l.formatMessage(level, format), args...)
}

func (l *StdLogger) Info(format string, args ...interface{}) {
	l.print(InfoLevel, format, args...)
}

func (l *StdLogger) Error(format string, args ...interface{}) {
	l.print(ErrorLevel, format, args...)
}

func (l *StdLogger) Warn(format string, args ...interface{}) {
	l.print(WarnLevel, format, args...)
}

func (l *StdLogger) Debug(format string, args ...interface{}) {
	l.print(DebugLevel, format, args...)
}

func (l *StdLogger) Notice(format string, args ...interface{}) {
	l.print(NoticeLevel, format, args...)
}
