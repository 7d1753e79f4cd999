package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"
)

type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

func (l LogLevel) rank() int {
	switch l {
	case LevelDebug:
		return 0
	case LevelInfo:
		return 1
	case LevelWarn:
		return 2
	case LevelError:
		return 3
	}
	return 1
}

// ParseLevel maps a config string to a level. Unknown values map to INFO.
func ParseLevel(s string) LogLevel {
	switch LogLevel(strings.ToUpper(strings.TrimSpace(s))) {
	case LevelDebug:
		return LevelDebug
	case LevelWarn:
		return LevelWarn
	case LevelError:
		return LevelError
	}
	return LevelInfo
}

type LogFields map[string]interface{}

type Logger interface {
	WithFields(fields LogFields) Logger

	Debug(action, message string)
	Info(action, message string)
	Warn(action, message string)
	Error(action string, err error)
}

// Options tune a logger created with New.
type Options struct {
	Out      io.Writer
	MinLevel LogLevel
}

// jsonLogger writes one JSON object per line.
type jsonLogger struct {
	mu         *sync.Mutex // shared by derived loggers writing to the same output
	out        io.Writer
	minLevel   LogLevel
	service    string
	hostname   string
	baseFields LogFields
}

type logEntry struct {
	Timestamp string   `json:"timestamp"`
	Level     LogLevel `json:"level"`
	Service   string   `json:"service"`
	Action    string   `json:"action"`
	Message   string   `json:"message"`
	Hostname  string   `json:"hostname"`
	RequestID string   `json:"request_id,omitempty"`
	OrderID   string   `json:"order_id,omitempty"`
	DriverID  string   `json:"driver_id,omitempty"`

	Error *errorEntry `json:"error,omitempty"`

	Fields LogFields `json:"fields,omitempty"`
}

type errorEntry struct {
	Msg   string `json:"msg"`
	Stack string `json:"stack"`
}

// NewLogger creates a JSON logger writing to stdout at INFO.
func NewLogger(serviceName string) Logger {
	return New(serviceName, Options{})
}

// New creates a JSON logger for a service with explicit options.
func New(serviceName string, opts Options) Logger {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	level := opts.MinLevel
	if level == "" {
		level = LevelInfo
	}

	return &jsonLogger{
		mu:         &sync.Mutex{},
		out:        out,
		minLevel:   level,
		service:    serviceName,
		hostname:   host,
		baseFields: make(LogFields),
	}
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() Logger {
	return New("discard", Options{Out: io.Discard, MinLevel: LevelError})
}

// WithFields returns a logger carrying the base fields plus the new ones.
func (l *jsonLogger) WithFields(fields LogFields) Logger {
	newFields := make(LogFields, len(l.baseFields)+len(fields))
	for k, v := range l.baseFields {
		newFields[k] = v
	}
	for k, v := range fields {
		newFields[k] = v
	}

	return &jsonLogger{
		mu:         l.mu,
		out:        l.out,
		minLevel:   l.minLevel,
		service:    l.service,
		hostname:   l.hostname,
		baseFields: newFields,
	}
}

func (l *jsonLogger) Debug(action, message string) {
	l.log(LevelDebug, action, message, nil)
}

func (l *jsonLogger) Info(action, message string) {
	l.log(LevelInfo, action, message, nil)
}

func (l *jsonLogger) Warn(action, message string) {
	l.log(LevelWarn, action, message, nil)
}

// Error logs an error together with a trimmed stack trace.
func (l *jsonLogger) Error(action string, err error) {
	if err == nil {
		err = fmt.Errorf("unknown error")
	}
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)

	errData := &errorEntry{
		Msg:   err.Error(),
		Stack: cleanStack(string(buf[:n])),
	}
	l.log(LevelError, action, err.Error(), errData)
}

func (l *jsonLogger) log(level LogLevel, action, message string, errData *errorEntry) {
	if level.rank() < l.minLevel.rank() {
		return
	}

	entry := &logEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level,
		Service:   l.service,
		Action:    action,
		Message:   message,
		Hostname:  l.hostname,
		Error:     errData,
		Fields:    make(LogFields),
	}

	for k, v := range l.baseFields {
		s, isString := v.(string)
		switch {
		case k == "order_id" && isString:
			entry.OrderID = s
		case k == "driver_id" && isString:
			entry.DriverID = s
		case k == "request_id" && isString:
			entry.RequestID = s
		default:
			entry.Fields[k] = v
		}
	}
	if len(entry.Fields) == 0 {
		entry.Fields = nil
	}

	line, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to marshal log: %v\n", err)
		l.mu.Lock()
		fmt.Fprintf(l.out, "%s [%s] %s: %s\n", entry.Timestamp, entry.Level, entry.Action, entry.Message)
		l.mu.Unlock()
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.out, string(line))
}

// cleanStack drops runtime, testing and logger frames from a stack dump.
func cleanStack(stack string) string {
	lines := strings.Split(stack, "\n")
	var cleaned []string

	if len(lines) > 0 {
		cleaned = append(cleaned, lines[0])
	}

	for i := 1; i < len(lines); i += 2 {
		if i+1 >= len(lines) {
			break
		}

		funcName := lines[i]
		filePath := lines[i+1]

		if strings.HasPrefix(funcName, "runtime.") ||
			strings.HasPrefix(funcName, "testing.") ||
			strings.Contains(funcName, "logger.(*jsonLogger)") ||
			strings.Contains(filePath, "runtime/panic.go") {
			continue
		}

		cleaned = append(cleaned, funcName)
		cleaned = append(cleaned, "    "+strings.TrimSpace(filePath))
	}

	return strings.Join(cleaned, "\n")
}
