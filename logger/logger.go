// logger/logger.go
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case DEBUG:
		return zapcore.DebugLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseLevel maps "debug", "info", "warn" or "error" to a LogLevel.
// Unknown values map to INFO.
func ParseLevel(s string) LogLevel {
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

var (
	sugar *zap.SugaredLogger
	level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	file  *os.File
	mu    sync.Mutex
)

func build(console io.Writer, fileOut io.Writer) *zap.SugaredLogger {
	var cores []zapcore.Core

	if console != nil {
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006/01/02 15:04:05")
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(console), level))
	}

	// files get structured JSON without colors
	if fileOut != nil {
		encCfg := zap.NewProductionEncoderConfig()
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(fileOut), level))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1)).Sugar()
}

// Init initializes the logger with optional file and console output
// If filename is empty, logs only to console
// If console is false, logs only to file
func Init(filename string, console bool) error {
	mu.Lock()
	defer mu.Unlock()

	var fileOut io.Writer
	var newFile *os.File
	if filename != "" {
		f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		newFile = f
		fileOut = f
	}

	var consoleOut io.Writer
	if console {
		consoleOut = os.Stdout
	}

	if fileOut == nil && consoleOut == nil {
		return fmt.Errorf("no output destination specified")
	}

	swap(build(consoleOut, fileOut), newFile)
	return nil
}

// SetOutput routes console logging to w. Used by tests and by commands that
// must keep stdout clean for machine-readable output.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	swap(build(w, nil), nil)
}

// swap replaces the active logger; mu must be held.
func swap(next *zap.SugaredLogger, nextFile *os.File) {
	if sugar != nil {
		_ = sugar.Sync()
	}
	if file != nil {
		file.Close()
	}
	sugar = next
	file = nextFile
}

// SetLevel sets the minimum log level (DEBUG, INFO, WARN, ERROR)
// Messages below this level will not be logged
func SetLevel(l LogLevel) {
	level.SetLevel(l.zapLevel())
}

// Close flushes buffered entries and closes the log file if one is open
func Close() {
	mu.Lock()
	defer mu.Unlock()

	if sugar != nil {
		_ = sugar.Sync()
	}
	if file != nil {
		file.Close()
		file = nil
		sugar = build(os.Stdout, nil)
	}
}

// current returns the active logger, creating a console logger on first use
func current() *zap.SugaredLogger {
	mu.Lock()
	defer mu.Unlock()
	if sugar == nil {
		sugar = build(os.Stdout, nil)
	}
	return sugar
}

// Zap exposes the underlying structured logger for components that want fields.
func Zap() *zap.Logger {
	return current().Desugar()
}

// Debug logs a debug message
func Debug(v ...interface{}) {
	current().Debug(v...)
}

// Debugf logs a formatted debug message
func Debugf(format string, v ...interface{}) {
	current().Debugf(format, v...)
}

// Info logs an info message
func Info(v ...interface{}) {
	current().Info(v...)
}

// Infof logs a formatted info message
func Infof(format string, v ...interface{}) {
	current().Infof(format, v...)
}

// Warn logs a warning message
func Warn(v ...interface{}) {
	current().Warn(v...)
}

// Warnf logs a formatted warning message
func Warnf(format string, v ...interface{}) {
	current().Warnf(format, v...)
}

// Error logs an error message
func Error(v ...interface{}) {
	current().Error(v...)
}

// Errorf logs a formatted error message
func Errorf(format string, v ...interface{}) {
	current().Errorf(format, v...)
}

// Fatal logs an error message and exits the program
func Fatal(v ...interface{}) {
	current().Error(v...)
	Close()
	os.Exit(1)
}

// Fatalf logs a formatted error message and exits the program
func Fatalf(format string, v ...interface{}) {
	current().Errorf(format, v...)
	Close()
	os.Exit(1)
}
