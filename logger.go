package objectstore

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// LogLevelEnvVar names the variable read by ConfigureLogging.
const LogLevelEnvVar = "OBJECTSTORE_LOG_LEVEL"

var logLevel = new(slog.LevelVar)

// LogFormat selects the handler installed by ConfigureLogging.
type LogFormat int

const (
	TextLog LogFormat = iota
	JSONLog
)

// ConfigureLogging makes a handler writing to w the default logger. Its level comes from
// OBJECTSTORE_LOG_LEVEL (DEBUG, INFO, WARN or ERROR) and is Info when unset or unknown.
// SetLogLevel changes it afterwards.
func ConfigureLogging(w io.Writer, format LogFormat) {
	logLevel.Set(levelFromEnv())

	opts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler
	switch format {
	case JSONLog:
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func levelFromEnv() slog.Level {
	switch strings.ToUpper(os.Getenv(LogLevelEnvVar)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// SetLogLevel sets the logging level for the logger configured by ConfigureLogging.
func SetLogLevel(level slog.Level) {
	logLevel.Set(level)
}
