// Package logx provides structured logging with component scoping and domain-filtered debug output.
package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Logger writes leveled log lines scoped to a single component.
type Logger struct {
	component string
}

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// DebugConfig controls debug logging behavior.
type DebugConfig struct {
	Enabled bool
	Domains map[string]bool // Which components to enable debug for (nil = all)
}

// Entry is a structured log record kept in the in-memory ring buffer,
// served by the health endpoint.
type Entry struct {
	Timestamp string `json:"timestamp"`
	Component string `json:"component"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// ringBuffer stores recent log entries for the health endpoint.
type ringBuffer struct {
	entries []Entry
	mutex   sync.RWMutex
	maxSize int
}

// Global state: debug configuration, ring buffer, and the output writer.
// logWriter is replaceable so tests can capture output; nil means stderr.
var (
	debugConfig = &DebugConfig{}
	debugMutex  sync.RWMutex

	logWriter     io.Writer
	logWriterLock sync.Mutex

	buffer = &ringBuffer{
		entries: make([]Entry, 0),
		maxSize: 1000, // Keep last 1000 log entries
	}
)

// Debug configuration comes from the environment:
//
//	CADENCE_DEBUG=1                            # enable debug for all components
//	CADENCE_DEBUG=1 CADENCE_DEBUG_DOMAINS=scheduler,quota
func init() { //nolint:gochecknoinits // Required for env var initialization
	initDebugFromEnv()
}

func initDebugFromEnv() {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	if debug := os.Getenv("CADENCE_DEBUG"); debug == "1" || strings.EqualFold(debug, "true") {
		debugConfig.Enabled = true
	}

	if domains := os.Getenv("CADENCE_DEBUG_DOMAINS"); domains != "" {
		debugConfig.Domains = make(map[string]bool)
		for _, domain := range strings.Split(domains, ",") {
			debugConfig.Domains[strings.TrimSpace(domain)] = true
		}
	}
}

func NewLogger(component string) *Logger {
	return &Logger{component: component}
}

// SetDebug configures global debug logging at runtime, overriding the environment.
func SetDebug(enabled bool, domains []string) {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	debugConfig.Enabled = enabled
	if len(domains) == 0 {
		debugConfig.Domains = nil // all components
	} else {
		debugConfig.Domains = make(map[string]bool)
		for _, domain := range domains {
			debugConfig.Domains[strings.TrimSpace(domain)] = true
		}
	}
}

// IsDebugEnabled returns whether debug logging is enabled for a component.
func IsDebugEnabled(component string) bool {
	debugMutex.RLock()
	defer debugMutex.RUnlock()

	if !debugConfig.Enabled {
		return false
	}
	if debugConfig.Domains == nil {
		return true
	}
	return debugConfig.Domains[component]
}

func (b *ringBuffer) add(entry Entry) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.entries = append(b.entries, entry)
	if len(b.entries) > b.maxSize {
		b.entries = b.entries[len(b.entries)-b.maxSize:]
	}
}

func (b *ringBuffer) get(component string, since time.Time) []Entry {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	filtered := make([]Entry, 0, len(b.entries))
	for i := range b.entries {
		entry := &b.entries[i]
		if component != "" && !strings.EqualFold(entry.Component, component) {
			continue
		}
		if !since.IsZero() {
			entryTime, err := time.Parse("2006-01-02T15:04:05.000Z", entry.Timestamp)
			if err != nil || entryTime.Before(since) {
				continue
			}
		}
		filtered = append(filtered, *entry)
	}
	return filtered
}

// RecentEntries returns recent log entries, optionally filtered by component
// and a lower timestamp bound.
func RecentEntries(component string, since time.Time) []Entry {
	return buffer.get(component, since)
}

func writeLine(line string) {
	logWriterLock.Lock()
	w := logWriter
	logWriterLock.Unlock()

	if w == nil {
		w = os.Stderr // stderr keeps stdout clean for streamed output
	}
	fmt.Fprintln(w, line)
}

func (l *Logger) log(level Level, format string, args ...any) {
	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	message := fmt.Sprintf(format, args...)
	writeLine(fmt.Sprintf("[%s] [%s] %s: %s", timestamp, l.component, level, message))

	buffer.add(Entry{
		Timestamp: timestamp,
		Component: l.component,
		Level:     string(level),
		Message:   message,
	})
}

func (l *Logger) Debug(format string, args ...any) {
	if !IsDebugEnabled(l.component) {
		return
	}
	l.log(LevelDebug, format, args...)
}

func (l *Logger) Info(format string, args ...any) {
	l.log(LevelInfo, format, args...)
}

func (l *Logger) Warn(format string, args ...any) {
	l.log(LevelWarn, format, args...)
}

func (l *Logger) Error(format string, args ...any) {
	l.log(LevelError, format, args...)
}

func (l *Logger) Component() string {
	return l.component
}

// WithComponent returns a logger tagged with a different component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{component: component}
}

// Global logging functions for convenience.
var defaultLogger = NewLogger("cadence")

func Debugf(format string, args ...any) {
	defaultLogger.Debug(format, args...)
}

func Infof(format string, args ...any) {
	defaultLogger.Info(format, args...)
}

func Warnf(format string, args ...any) {
	defaultLogger.Warn(format, args...)
}

// Errorf logs and returns the formatted error.
// Use this when you need both logging and error returning:
//
//	err := logx.Errorf("setup failed: %w", err).
func Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	defaultLogger.Error("%s", err.Error())
	return err
}

// Wrap logs msg + ": " + err.Error() and returns fmt.Errorf("%s: %w", msg, err).
// Use this when you need both logging and error wrapping:
//
//	if err != nil { return logx.Wrap(err, "db connect") }.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrappedErr := fmt.Errorf("%s: %w", msg, err)
	defaultLogger.Error("%s", wrappedErr.Error())
	return wrappedErr
}
