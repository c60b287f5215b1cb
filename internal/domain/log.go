package domain

import (
	"strings"
	"time"
)

// LogLevel is the severity of a pipeline log entry.
type LogLevel string

const (
	LevelInfo    LogLevel = "info"
	LevelSuccess LogLevel = "success"
	LevelWarning LogLevel = "warning"
	LevelError   LogLevel = "error"
)

// ParseLogLevel accepts the closed level vocabulary, defaulting to info.
func ParseLogLevel(raw string) LogLevel {
	switch normalize(raw) {
	case "success":
		return LevelSuccess
	case "warning", "warn":
		return LevelWarning
	case "error", "failure", "failed":
		return LevelError
	}
	return LevelInfo
}

// LevelForStatus derives the log level recorded for a lifecycle transition.
func LevelForStatus(status string) LogLevel {
	switch normalize(status) {
	case "success", "succeeded":
		return LevelSuccess
	case "failure", "failed", "error":
		return LevelError
	case "aborted", "skipped":
		return LevelWarning
	}
	return LevelInfo
}

// LogEntry is an immutable line attached to a pipeline.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	Stage     string    `json:"stage,omitempty"`
}

func normalize(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	return strings.ReplaceAll(s, "-", "_")
}
