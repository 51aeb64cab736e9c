package logger

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel is used to determine which log severities should actually log
type LogLevel int

// LogFormat is used to set the how the log messages should be displayed
type LogFormat int

const (
	// NOTSET will log everything
	NOTSET LogLevel = 0
	// DEBUG will enable these logs and higer
	DEBUG LogLevel = 10
	// INFO will enable these logs and higer
	INFO LogLevel = 20
	// WARNING will enable these logs and higer
	WARNING LogLevel = 30
	// ERROR will enable these logs and higer
	ERROR LogLevel = 40
	// CRITICAL will enable these logs and higer
	CRITICAL LogLevel = 50
)

const (
	// JSON displays the logs as JSON dicts
	JSON LogFormat = 0
	// HUMAN displays the logs in a way that's nice for humans to read
	HUMAN LogFormat = 1
)

// String renders a LogLevel as its string value
func (l LogLevel) String() string {
	switch l {
	case NOTSET:
		return "NOTSET"
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARNING:
		return "WARNING"
	case ERROR:
		return "ERROR"
	case CRITICAL:
		return "CRITICAL"
	default:
		return "INVALID"
	}
}

func (l LogLevel) zerologLevel() zerolog.Level {
	switch l {
	case NOTSET:
		return zerolog.TraceLevel
	case DEBUG:
		return zerolog.DebugLevel
	case INFO:
		return zerolog.InfoLevel
	case WARNING:
		return zerolog.WarnLevel
	case ERROR:
		return zerolog.ErrorLevel
	default:
		return zerolog.FatalLevel
	}
}

var (
	mu               sync.RWMutex
	currentLogLevel  = INFO
	currentLogFormat = HUMAN
	output           io.Writer = os.Stderr
	fields                     = map[string]string{}
	log                        = build()
)

// build assembles the zerolog logger from the current settings. Callers must
// hold mu when the settings can change concurrently.
func build() zerolog.Logger {
	var w io.Writer = output
	if currentLogFormat == HUMAN {
		w = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339, NoColor: true}
	}

	ctx := zerolog.New(w).Level(currentLogLevel.zerologLevel()).With().Timestamp().Int("pid", os.Getpid())
	for k, v := range fields {
		ctx = ctx.Str(k, v)
	}

	return ctx.Logger()
}

func rebuild() {
	log = build()
}

// SetLoggerFormat adjusts the format Entry uses when calling String() on it
func SetLoggerFormat(logFormat LogFormat) error {
	mu.Lock()
	defer mu.Unlock()

	switch logFormat {
	case JSON:
		currentLogFormat = JSON
	case HUMAN:
		currentLogFormat = HUMAN
	default:
		return fmt.Errorf("invalid log format: log_format=%v", logFormat)
	}

	rebuild()
	return nil
}

// SetLoggerFormatName takes the string version of the format and sets it
func SetLoggerFormatName(formatName string) error {
	switch formatName {
	case "JSON", "json":
		return SetLoggerFormat(JSON)
	case "HUMAN", "human", "":
		return SetLoggerFormat(HUMAN)
	default:
		return fmt.Errorf("invalid log format: log_format=%q", formatName)
	}
}

// SetLoggerLevel takes the string version of the name and sets the current level
func SetLoggerLevel(levelName string) error {
	mu.Lock()
	defer mu.Unlock()

	switch levelName {
	case "DEBUG":
		currentLogLevel = DEBUG
	case "INFO":
		currentLogLevel = INFO
	case "WARNING":
		currentLogLevel = WARNING
	case "ERROR":
		currentLogLevel = ERROR
	case "CRITICAL":
		currentLogLevel = CRITICAL
	default:
		return fmt.Errorf("invalid log level: level=%q", levelName)
	}

	rebuild()
	return nil
}

// GetLoggerLevel returns the current logger level
func GetLoggerLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()

	return currentLogLevel
}

// SetOutput redirects log output (mostly useful in tests)
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()

	output = w
	rebuild()
}

// SetField attaches a key/value pair to every following entry. Worker
// processes use it to tag their logs with their role.
func SetField(key, value string) {
	mu.Lock()
	defer mu.Unlock()

	fields[key] = value
	rebuild()
}

func current() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()

	return log
}

// Debug emits an DEBUG level log
func Debug(msg string, a ...any) {
	l := current()
	l.Debug().Msgf(msg, a...)
}

// Info emits an INFO level log
func Info(msg string, a ...any) {
	l := current()
	l.Info().Msgf(msg, a...)
}

// Warning emits an WARNING level log
func Warning(msg string, a ...any) {
	l := current()
	l.Warn().Msgf(msg, a...)
}

// Error emits an ERROR level log
func Error(msg string, a ...any) {
	l := current()
	l.Error().Msg(fmt.Errorf(msg, a...).Error())
}

// Fatal emits an CRITICAL level log and stops the program
func Fatal(msg string, a ...any) {
	l := current()
	l.Fatal().Msg(fmt.Errorf(msg, a...).Error())
}
