package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level is a logging severity
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	default:
		return "ERROR"
	}
}

// ParseLevel maps a config string onto a Level, defaulting to INFO
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

// Logger writes leveled messages to the console and, optionally, a log file
type Logger struct {
	mu     sync.Mutex
	level  Level
	out    *log.Logger
	file   *os.File
	fileLg *log.Logger
	now    func() time.Time
}

// New creates a logger writing to w at the given minimum level
func New(w io.Writer, level Level) *Logger {
	return &Logger{
		level: level,
		out:   log.New(w, "", 0),
		now:   time.Now,
	}
}

// NewWithFile creates a logger that writes to stderr and appends to logFilePath
func NewWithFile(logFilePath string, level Level) (*Logger, error) {
	l := New(os.Stderr, level)
	if logFilePath == "" {
		return l, nil
	}

	if err := os.MkdirAll(filepath.Dir(logFilePath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	l.file = f
	l.fileLg = log.New(f, "", 0)
	return l, nil
}

// Close closes the log file, if any
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	l.fileLg = nil
	return err
}

func (l *Logger) logWithLevel(level Level, format string, args ...interface{}) {
	if level < l.level {
		return
	}
	entry := fmt.Sprintf("[%s] %s: %s", l.now().Format("2006-01-02 15:04:05"), level, fmt.Sprintf(format, args...))

	l.mu.Lock()
	defer l.mu.Unlock()
	l.out.Println(entry)
	if l.fileLg != nil {
		l.fileLg.Println(entry)
	}
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.logWithLevel(DEBUG, format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.logWithLevel(INFO, format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.logWithLevel(WARN, format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.logWithLevel(ERROR, format, args...) }
