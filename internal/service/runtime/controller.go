package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/regainflow/console/internal/domain"
	"github.com/regainflow/console/internal/service/audit"
	"github.com/regainflow/console/pkg/config"
)

const (
	defaultInterval  = 15 * time.Second
	reconcileTimeout = 10 * time.Second
)

// EnvironmentLister returns the registry contents.
type EnvironmentLister interface {
	List(ctx context.Context) ([]domain.Environment, error)
}

// Deployments exposes the run tracker and the provisioning event path.
type Deployments interface {
	IsActive(environmentID string) bool
	ProcessEvent(ctx context.Context, ev domain.ProvisioningEvent) (*domain.Environment, error)
}

// AuditRecorder stores audit events.
type AuditRecorder interface {
	Record(ctx context.Context, event domain.AuditEvent) (domain.AuditEvent, error)
}

// Controller moves environments that stay too long in one provisioning stage to ERROR.
type Controller struct {
	envs        EnvironmentLister
	deployments Deployments
	audit       AuditRecorder
	logger      *slog.Logger

	interval     time.Duration
	stageTimeout time.Duration

	now func() time.Time
}

// New constructs a stage-timeout controller. It returns nil when the timeout is disabled.
func New(envs EnvironmentLister, deployments Deployments, auditRecorder AuditRecorder, logger *slog.Logger, cfg config.APIConfig) *Controller {
	if envs == nil || deployments == nil || cfg.StageTimeout <= 0 {
		return nil
	}
	interval := cfg.ReconcileInterval
	if interval <= 0 {
		interval = defaultInterval
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ctrl := &Controller{
		envs:         envs,
		deployments:  deployments,
		audit:        auditRecorder,
		logger:       logger,
		interval:     interval,
		stageTimeout: cfg.StageTimeout,
		now:          time.Now,
	}
	ctrl.logger = ctrl.logger.With("component", "runtime")
	return ctrl
}

// Run executes the reconciliation loop until the context is cancelled.
func (c *Controller) Run(ctx context.Context) {
	if c == nil {
		return
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.logger.Info("stage timeout controller started", "interval", c.interval, "stage_timeout", c.stageTimeout)
	c.runIteration(ctx)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("stage timeout controller stopped")
			return
		case <-ticker.C:
			c.runIteration(ctx)
		}
	}
}

func (c *Controller) runIteration(parent context.Context) int {
	if c == nil {
		return 0
	}
	timeout := reconcileTimeout
	if c.interval > 0 && c.interval < timeout {
		timeout = c.interval
	}
	opCtx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	envs, err := c.envs.List(opCtx)
	if err != nil {
		c.logger.Warn("failed to list environments", "error", err)
		return 0
	}
	cutoff := c.now().Add(-c.stageTimeout)
	failed := 0
	for _, env := range envs {
		if env.Status.Terminal() || !env.UpdatedAt.Before(cutoff) {
			continue
		}
		if c.deployments.IsActive(env.ID) {
			continue
		}
		if c.fail(opCtx, env) {
			failed++
		}
	}
	return failed
}

func (c *Controller) fail(ctx context.Context, env domain.Environment) bool {
	msg := fmt.Sprintf("%s stage timed out after %s", env.Status, formatDuration(c.stageTimeout))
	_, err := c.deployments.ProcessEvent(ctx, domain.ProvisioningEvent{
		EnvironmentID: env.ID,
		Source:        domain.SourceSystem,
		Status:        domain.StatusError,
		Level:         domain.LevelError,
		Message:       msg,
		Timestamp:     c.now().UTC(),
	})
	if err != nil {
		c.logger.Warn("failed to time out environment", "environment_id", env.ID, "error", err)
		return false
	}
	if c.audit != nil {
		if _, err := c.audit.Record(ctx, domain.AuditEvent{
			Action:   audit.ActionStageTimedOut,
			Actor:    audit.ActorSystem,
			Resource: env.ID,
			Status:   domain.AuditFailed,
			Detail:   msg,
		}); err != nil {
			c.logger.Warn("failed to record stage timeout", "environment_id", env.ID, "error", err)
		}
	}
	c.logger.Info("environment marked failed after stage timeout", "environment_id", env.ID, "stage", env.Status)
	return true
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	if d%time.Second == 0 {
		return fmt.Sprintf("%ds", int(d/time.Second))
	}
	if d%time.Millisecond == 0 {
		return fmt.Sprintf("%dms", int(d/time.Millisecond))
	}
	return d.String()
}
