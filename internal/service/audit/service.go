package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/regainflow/console/internal/domain"
	"github.com/regainflow/console/internal/repository"
)

// Actors used by the console itself.
const (
	ActorSystem   = "system"
	ActorOperator = "operator"
)

// Common actions.
const (
	ActionEnvironmentCreated = "Environment Created"
	ActionDeploymentStarted  = "Deployment Started"
	ActionDeploymentCanceled = "Deployment Cancelled"
	ActionStatusChanged      = "Status Changed"
	ActionStageTimedOut      = "Stage Timed Out"
	ActionPlanGenerated      = "Plan Generated"
)

const defaultListLimit = 100

var errActionRequired = fmt.Errorf("%w: action required", repository.ErrInvalidArgument)

// Service records the append-only audit trail.
type Service struct {
	repo   repository.AuditRepository
	logger *slog.Logger
}

// New constructs an audit service.
func New(repo repository.AuditRepository, logger *slog.Logger) Service {
	return Service{repo: repo, logger: logger}
}

// Record stores an event, filling in id, timestamp, actor and status defaults.
func (s Service) Record(ctx context.Context, event domain.AuditEvent) (domain.AuditEvent, error) {
	event.Action = strings.TrimSpace(event.Action)
	if event.Action == "" {
		return domain.AuditEvent{}, errActionRequired
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Actor == "" {
		event.Actor = ActorSystem
	}
	if event.Status == "" {
		event.Status = domain.AuditSuccess
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	event.Timestamp = event.Timestamp.UTC()
	if err := s.repo.AppendAudit(ctx, event); err != nil {
		return domain.AuditEvent{}, err
	}
	s.logger.Info("audit", "action", event.Action, "actor", event.Actor, "resource", event.Resource, "status", event.Status)
	return event, nil
}

// List returns recent events, newest first. A non-positive limit uses the default.
func (s Service) List(ctx context.Context, limit int) ([]domain.AuditEvent, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.repo.ListAudits(ctx, limit)
}
