package repository

import (
	"context"

	"github.com/regainflow/console/internal/domain"
)

// EnvironmentRepository is the ordered environment registry.
type EnvironmentRepository interface {
	InsertEnvironment(ctx context.Context, env domain.Environment) error
	UpdateEnvironmentStatus(ctx context.Context, id string, status domain.EnvStatus) (*domain.Environment, error)
	GetEnvironmentByID(ctx context.Context, id string) (*domain.Environment, error)
	ListEnvironments(ctx context.Context) ([]domain.Environment, error)
}

// LogRepository is the append-only deployment log store.
type LogRepository interface {
	AppendLog(ctx context.Context, entry domain.LogEntry) (domain.LogEntry, error)
	ListLogsByEnvironment(ctx context.Context, environmentID string, afterSeq int64) ([]domain.LogEntry, error)
	ListLogs(ctx context.Context, afterSeq int64) ([]domain.LogEntry, error)
}

// AuditRepository stores audit events.
type AuditRepository interface {
	AppendAudit(ctx context.Context, event domain.AuditEvent) error
	ListAudits(ctx context.Context, limit int) ([]domain.AuditEvent, error)
}
