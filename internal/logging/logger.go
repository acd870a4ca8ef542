// Package logging provides the structured logger shared by every memkeys
// subsystem: leveled, JSON-encoded entries written asynchronously, tagged
// with the originating component and a correlation id so one eviction cycle
// or cron run can be traced across packages.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Level is the severity of a log entry.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	case FatalLevel:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a configuration string to a Level, defaulting to info.
func ParseLevel(level string) Level {
	switch strings.ToLower(level) {
	case "debug":
		return DebugLevel
	case "info":
		return InfoLevel
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

// Component names for the component field of log entries.
const (
	ComponentMain     = "main"
	ComponentConfig   = "config"
	ComponentServer   = "server"
	ComponentDict     = "dict"
	ComponentKeyspace = "keyspace"
	ComponentEvict    = "evict"
	ComponentLazyFree = "lazyfree"
)

type contextKey string

const correlationIDKey contextKey = "correlation_id"

// WithCorrelationID attaches a correlation id to the context.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// NewCorrelationID generates a fresh correlation id.
func NewCorrelationID() string {
	return uuid.New().String()
}

// CorrelationID extracts the correlation id from a context, or "".
func CorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}

// Entry is one structured log record.
type Entry struct {
	Timestamp     time.Time              `json:"@timestamp"`
	Level         string                 `json:"level"`
	Message       string                 `json:"message"`
	NodeID        string                 `json:"node_id,omitempty"`
	Component     string                 `json:"component,omitempty"`
	Action        string                 `json:"action,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Error         string                 `json:"error,omitempty"`
	Fields        map[string]interface{} `json:"fields,omitempty"`
}

// Config controls logger construction.
type Config struct {
	Level         Level
	NodeID        string
	EnableConsole bool
	EnableFile    bool
	LogFile       string
	BufferSize    int
}

// Logger writes structured entries to the configured sinks from a dedicated
// goroutine, so logging never blocks the single-threaded command path.
type Logger struct {
	level   Level
	nodeID  string
	writers []io.Writer
	mu      sync.RWMutex
	entries chan Entry
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a logger from config and starts its writer goroutine.
func New(cfg Config) *Logger {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	l := &Logger{
		level:   cfg.Level,
		nodeID:  cfg.NodeID,
		entries: make(chan Entry, cfg.BufferSize),
		done:    make(chan struct{}),
	}
	if cfg.EnableConsole {
		l.writers = append(l.writers, os.Stdout)
	}
	if cfg.EnableFile && cfg.LogFile != "" {
		file, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			l.writers = append(l.writers, file)
		} else {
			fmt.Fprintf(os.Stderr, "logging: cannot open %s: %v\n", cfg.LogFile, err)
		}
	}
	l.wg.Add(1)
	go l.run()
	return l
}

func (l *Logger) run() {
	defer l.wg.Done()
	for {
		select {
		case e := <-l.entries:
			l.write(e)
		case <-l.done:
			for {
				select {
				case e := <-l.entries:
					l.write(e)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) write(e Entry) {
	data, err := json.Marshal(e)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: marshal failed: %v\n", err)
		return
	}
	// Exclusive: the buffer-full fallback writes from the caller's goroutine
	// concurrently with the writer goroutine.
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, w := range l.writers {
		w.Write(data)
		w.Write([]byte("\n"))
	}
}

func (l *Logger) log(ctx context.Context, level Level, component, action, message string, err error, fields map[string]interface{}) {
	if level < l.level {
		return
	}
	e := Entry{
		Timestamp:     time.Now().UTC(),
		Level:         level.String(),
		Message:       message,
		NodeID:        l.nodeID,
		Component:     component,
		Action:        action,
		CorrelationID: CorrelationID(ctx),
		Fields:        fields,
	}
	if err != nil {
		e.Error = err.Error()
	}
	select {
	case l.entries <- e:
	default:
		// Buffer full: write inline rather than dropping the entry.
		l.write(e)
	}
}

// Debug logs at debug level.
func (l *Logger) Debug(ctx context.Context, component, action, message string, fields ...map[string]interface{}) {
	l.log(ctx, DebugLevel, component, action, message, nil, first(fields))
}

// Info logs at info level.
func (l *Logger) Info(ctx context.Context, component, action, message string, fields ...map[string]interface{}) {
	l.log(ctx, InfoLevel, component, action, message, nil, first(fields))
}

// Warn logs at warn level.
func (l *Logger) Warn(ctx context.Context, component, action, message string, fields ...map[string]interface{}) {
	l.log(ctx, WarnLevel, component, action, message, nil, first(fields))
}

// Error logs at error level with an attached error.
func (l *Logger) Error(ctx context.Context, component, action, message string, err error, fields ...map[string]interface{}) {
	l.log(ctx, ErrorLevel, component, action, message, err, first(fields))
}

// Fatal logs at fatal level. The caller decides whether to exit.
func (l *Logger) Fatal(ctx context.Context, component, action, message string, err error, fields ...map[string]interface{}) {
	l.log(ctx, FatalLevel, component, action, message, err, first(fields))
}

func first(fields []map[string]interface{}) map[string]interface{} {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

// Close flushes pending entries and closes file sinks.
func (l *Logger) Close() {
	close(l.done)
	l.wg.Wait()
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, w := range l.writers {
		if c, ok := w.(io.Closer); ok && w != os.Stdout && w != os.Stderr {
			c.Close()
		}
	}
}

var (
	globalMu     sync.RWMutex
	globalLogger *Logger
)

// SetGlobal installs the process-wide logger used by the package-level
// convenience functions.
func SetGlobal(l *Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = l
}

// Global returns the process-wide logger, or nil if none is installed.
func Global() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// Debug logs to the global logger if one is installed.
func Debug(ctx context.Context, component, action, message string, fields ...map[string]interface{}) {
	if l := Global(); l != nil {
		l.Debug(ctx, component, action, message, fields...)
	}
}

// Info logs to the global logger if one is installed.
func Info(ctx context.Context, component, action, message string, fields ...map[string]interface{}) {
	if l := Global(); l != nil {
		l.Info(ctx, component, action, message, fields...)
	}
}

// Warn logs to the global logger if one is installed.
func Warn(ctx context.Context, component, action, message string, fields ...map[string]interface{}) {
	if l := Global(); l != nil {
		l.Warn(ctx, component, action, message, fields...)
	}
}

// Error logs to the global logger if one is installed.
func Error(ctx context.Context, component, action, message string, err error, fields ...map[string]interface{}) {
	if l := Global(); l != nil {
		l.Error(ctx, component, action, message, err, fields...)
	}
}

// Fatal logs to the global logger if one is installed.
func Fatal(ctx context.Context, component, action, message string, err error, fields ...map[string]interface{}) {
	if l := Global(); l != nil {
		l.Fatal(ctx, component, action, message, err, fields...)
	}
}
