package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Level is a log severity
type Level int

const (
	// DEBUG is for detailed diagnostic output
	DEBUG Level = iota
	// INFO is for general lifecycle messages
	INFO
	// WARN is for recoverable problems and alarms
	WARN
	// ERROR is for failed operations
	ERROR
	// FATAL logs and panics
	FATAL
)

const (
	timeFormat  = "2006-01-02 15:04:05.000"
	includeFile = true
)

var (
	logLevel = INFO

	logOutput     io.Writer = os.Stdout
	errorOutput   io.Writer = os.Stderr
	fileOutput    io.WriteCloser
	fileOutputErr io.WriteCloser

	infoLogger  *log.Logger
	warnLogger  *log.Logger
	errorLogger *log.Logger
	debugLogger *log.Logger

	mu sync.Mutex

	initialized = false
)

// Init sets up the default loggers. Safe to call more than once.
func Init() {
	mu.Lock()
	defer mu.Unlock()

	if initialized {
		return
	}

	infoLogger = log.New(logOutput, "", 0)
	warnLogger = log.New(logOutput, "", 0)
	errorLogger = log.New(errorOutput, "", 0)
	debugLogger = log.New(logOutput, "", 0)

	initialized = true
}

// SetLevel sets the minimum level that is written
func SetLevel(level Level) {
	mu.Lock()
	defer mu.Unlock()
	logLevel = level
}

// ParseLevel maps a config string ("debug", "info", "warn", "error") to a Level
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG, nil
	case "info", "":
		return INFO, nil
	case "warn", "warning":
		return WARN, nil
	case "error":
		return ERROR, nil
	}
	return INFO, fmt.Errorf("unknown log level %q", s)
}

// String returns the lower-case level name
func (l Level) String() string {
	switch l {
	case DEBUG:
		return "debug"
	case INFO:
		return "info"
	case WARN:
		return "warn"
	case ERROR:
		return "error"
	case FATAL:
		return "fatal"
	}
	return "unknown"
}

// SetOutput sends every level to w. Tests use it to capture output.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()

	logOutput = w
	errorOutput = w

	infoLogger = log.New(w, "", 0)
	warnLogger = log.New(w, "", 0)
	errorLogger = log.New(w, "", 0)
	debugLogger = log.New(w, "", 0)
	initialized = true
}

// EnableFileLogging tees output into <logDir>/<prefix>_<timestamp>.log and a
// separate _error.log for ERROR and FATAL.
func EnableFileLogging(logDir, prefix string) error {
	mu.Lock()
	defer mu.Unlock()

	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}

	timestamp := time.Now().Format("20060102_150405")
	if prefix != "" {
		prefix = prefix + "_"
	}

	logFilePath := filepath.Join(logDir, fmt.Sprintf("%s%s.log", prefix, timestamp))
	logFile, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("create log file: %w", err)
	}

	errFilePath := filepath.Join(logDir, fmt.Sprintf("%s%s_error.log", prefix, timestamp))
	errFile, err := os.OpenFile(errFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		logFile.Close()
		return fmt.Errorf("create error log file: %w", err)
	}

	if fileOutput != nil {
		fileOutput.Close()
	}
	if fileOutputErr != nil {
		fileOutputErr.Close()
	}

	fileOutput = logFile
	fileOutputErr = errFile

	multiOut := io.MultiWriter(logOutput, logFile)
	multiErr := io.MultiWriter(errorOutput, errFile)

	infoLogger = log.New(multiOut, "", 0)
	warnLogger = log.New(multiOut, "", 0)
	debugLogger = log.New(multiOut, "", 0)
	errorLogger = log.New(multiErr, "", 0)
	initialized = true

	return nil
}

// Sync closes any open log files
func Sync() {
	mu.Lock()
	defer mu.Unlock()

	if fileOutput != nil {
		fileOutput.Close()
		fileOutput = nil
	}
	if fileOutputErr != nil {
		fileOutputErr.Close()
		fileOutputErr = nil
	}
}

func logMessage(level Level, format string, args ...interface{}) {
	mu.Lock()
	minLevel := logLevel
	var loggerToUse *log.Logger
	var prefix string
	switch level {
	case DEBUG:
		loggerToUse, prefix = debugLogger, "DEBUG"
	case INFO:
		loggerToUse, prefix = infoLogger, "INFO "
	case WARN:
		loggerToUse, prefix = warnLogger, "WARN "
	case ERROR:
		loggerToUse, prefix = errorLogger, "ERROR"
	case FATAL:
		loggerToUse, prefix = errorLogger, "FATAL"
	}
	mu.Unlock()

	if level < minLevel {
		return
	}

	timestamp := time.Now().Format(timeFormat)

	var source string
	if includeFile {
		_, file, line, ok := runtime.Caller(2)
		if ok {
			source = fmt.Sprintf(" [%s:%d]", filepath.Base(file), line)
		}
	}

	var msg string
	if len(args) == 0 {
		msg = format
	} else {
		msg = fmt.Sprintf(format, args...)
	}

	if loggerToUse == nil {
		fmt.Fprintf(os.Stderr, "[%s] %s%s: %s\n", timestamp, prefix, source, msg)
	} else {
		loggerToUse.Printf("[%s] %s%s: %s", timestamp, prefix, source, msg)
	}

	if level == FATAL {
		panic(msg)
	}
}

// Debug logs at DEBUG
func Debug(msg string) {
	logMessage(DEBUG, "%s", msg)
}

// Debugf logs a formatted message at DEBUG
func Debugf(format string, args ...interface{}) {
	logMessage(DEBUG, format, args...)
}

// Info logs at INFO
func Info(msg string) {
	logMessage(INFO, "%s", msg)
}

// Infof logs a formatted message at INFO
func Infof(format string, args ...interface{}) {
	logMessage(INFO, format, args...)
}

// Warn logs at WARN
func Warn(msg string) {
	logMessage(WARN, "%s", msg)
}

// Warnf logs a formatted message at WARN
func Warnf(format string, args ...interface{}) {
	logMessage(WARN, format, args...)
}

// Error logs msg and err at ERROR
func Error(msg string, err error) {
	if err != nil {
		logMessage(ERROR, "%s: %v", msg, err)
	} else {
		logMessage(ERROR, "%s", msg)
	}
}

// Errorf logs a formatted message at ERROR
func Errorf(format string, args ...interface{}) {
	logMessage(ERROR, format, args...)
}

// Fatal logs at FATAL and panics
func Fatal(msg string, err error) {
	if err != nil {
		logMessage(FATAL, "%s: %v", msg, err)
	} else {
		logMessage(FATAL, "%s", msg)
	}
}
