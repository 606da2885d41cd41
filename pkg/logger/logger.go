package logger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var logLevelNames = map[LogLevel]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
}

var (
	currentLevel = INFO
	file         *os.File
	mu           sync.RWMutex
)

type LogEntry struct {
	Level     string                 `json:"level"`
	Timestamp string                 `json:"timestamp"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

func SetLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	currentLevel = level
}

func GetLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return currentLevel
}

// ParseLevel maps a config string to a log level, defaulting to INFO.
func ParseLevel(s string) LogLevel {
	switch s {
	case "debug":
		return DEBUG
	case "warn":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

// EnableFileLogging mirrors stdout logging into the given file, creating
// parent directories as needed.
func EnableFileLogging(filePath string) error {
	mu.Lock()
	defer mu.Unlock()

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	if file != nil {
		file.Close()
	}
	file = f
	return nil
}

func Close() {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		file.Close()
		file = nil
	}
}

func logAt(level LogLevel, component, message string, fields map[string]interface{}) {
	mu.RLock()
	defer mu.RUnlock()

	if level < currentLevel {
		return
	}

	entry := LogEntry{
		Level:     logLevelNames[level],
		Timestamp: time.Now().Format(time.RFC3339),
		Component: component,
		Message:   message,
		Fields:    fields,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: failed to marshal entry: %v\n", err)
		return
	}

	fmt.Fprintln(os.Stderr, string(data))
	if file != nil {
		fmt.Fprintln(file, string(data))
	}
}

func DebugC(component, message string) { logAt(DEBUG, component, message, nil) }
func InfoC(component, message string)  { logAt(INFO, component, message, nil) }
func WarnC(component, message string)  { logAt(WARN, component, message, nil) }
func ErrorC(component, message string) { logAt(ERROR, component, message, nil) }

func DebugCF(component, message string, fields map[string]interface{}) {
	logAt(DEBUG, component, message, fields)
}

func InfoCF(component, message string, fields map[string]interface{}) {
	logAt(INFO, component, message, fields)
}

func WarnCF(component, message string, fields map[string]interface{}) {
	logAt(WARN, component, message, fields)
}

func ErrorCF(component, message string, fields map[string]interface{}) {
	logAt(ERROR, component, message, fields)
}
