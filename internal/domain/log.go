package domain

import "time"

// Log levels.
const (
	LevelInfo    = "INFO"
	LevelWarn    = "WARN"
	LevelError   = "ERROR"
	LevelSuccess = "SUCCESS"
)

// Log sources.
const (
	SourceTerraform = "Terraform"
	SourceAnsible   = "Ansible"
	SourcePXE       = "PXE"
	SourceSystem    = "System"
)

// ValidLogLevel reports whether level is a known log level.
func ValidLogLevel(level string) bool {
	switch level {
	case LevelInfo, LevelWarn, LevelError, LevelSuccess:
		return true
	}
	return false
}

// ValidLogSource reports whether source is a known log source.
func ValidLogSource(source string) bool {
	switch source {
	case SourceTerraform, SourceAnsible, SourcePXE, SourceSystem:
		return true
	}
	return false
}

// LogEntry is a single line of deployment output.
type LogEntry struct {
	Seq           int64     `json:"seq"`
	EnvironmentID string    `json:"environmentId"`
	RunID         string    `json:"runId,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Level         string    `json:"level"`
	Message       string    `json:"message"`
	Source        string    `json:"source"`
}
