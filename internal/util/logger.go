package util

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	logMu   sync.Mutex
	logFile *os.File
)

// ParseLevel parses a string log level.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// InitLogger configures the global logger: a console writer on stdout plus
// JSON lines appended to filePath when one is given.
func InitLogger(level string, filePath string) {
	logMu.Lock()
	defer logMu.Unlock()

	zerolog.SetGlobalLevel(ParseLevel(level))

	writers := []io.Writer{
		zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.DateTime},
	}

	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
	if filePath != "" {
		if err := EnsureDir(filepath.Dir(filePath)); err == nil {
			f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err == nil {
				logFile = f
				writers = append(writers, f)
			}
		}
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
}

// SetLevel changes the global level without touching writers.
func SetLevel(level string) {
	zerolog.SetGlobalLevel(ParseLevel(level))
}

// CloseLogger closes the log file if open.
func CloseLogger() error {
	logMu.Lock()
	defer logMu.Unlock()
	if logFile != nil {
		err := logFile.Close()
		logFile = nil
		return err
	}
	return nil
}

// Logger returns the global structured logger.
func Logger() zerolog.Logger {
	return log.Logger
}

// Debug logs a debug message using the default logger.
func Debug(format string, args ...interface{}) {
	log.Debug().Msg(fmt.Sprintf(format, args...))
}

// Info logs an info message using the default logger.
func Info(format string, args ...interface{}) {
	log.Info().Msg(fmt.Sprintf(format, args...))
}

// Warn logs a warning message using the default logger.
func Warn(format string, args ...interface{}) {
	log.Warn().Msg(fmt.Sprintf(format, args...))
}

// Error logs an error message using the default logger.
func Error(format string, args ...interface{}) {
	log.Error().Msg(fmt.Sprintf(format, args...))
}
