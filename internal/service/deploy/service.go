package deploy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/regainflow/console/internal/domain"
	"github.com/regainflow/console/internal/repository"
	"github.com/regainflow/console/internal/service/audit"
	"github.com/regainflow/console/internal/service/environment"
	"github.com/regainflow/console/internal/service/logs"
	"github.com/regainflow/console/internal/service/timeline"
)

const (
	defaultRegion     = "us-east-1"
	defaultType       = domain.TypeK8sCluster
	pendingResource   = "Pending"
	workspacePrefix   = "auto-gen-"
	defaultPlaybook   = "auto-provision.yml"
	maxIDAttempts     = 3
	kickoffMessageFmt = "Starting automated deployment for %s"
)

var (
	// ErrNotDeploying is returned when cancelling an environment with no running simulation.
	ErrNotDeploying = fmt.Errorf("%w: no active deployment", repository.ErrNotFound)

	errInvalidPlan           = fmt.Errorf("%w: invalid plan", repository.ErrInvalidArgument)
	errUnknownType           = fmt.Errorf("%w: unknown environment type", repository.ErrInvalidArgument)
	errEnvironmentIDRequired = fmt.Errorf("%w: environment_id required", repository.ErrInvalidArgument)
	errEventEmpty            = fmt.Errorf("%w: status or message required", repository.ErrInvalidArgument)
	errUnknownSource         = fmt.Errorf("%w: unknown source", repository.ErrInvalidArgument)
	errUnknownLevel          = fmt.Errorf("%w: unknown level", repository.ErrInvalidArgument)
	errUnknownStatus         = fmt.Errorf("%w: unknown status", repository.ErrInvalidArgument)
)

// Options override the environment attributes a plan does not carry.
type Options struct {
	Region    string            `json:"region,omitempty"`
	Type      string            `json:"type,omitempty"`
	Resources *domain.Resources `json:"resources,omitempty"`
	Actor     string            `json:"-"`
}

// Deployment is the result of starting a deployment.
type Deployment struct {
	Environment domain.Environment   `json:"environment"`
	Run         domain.DeploymentRun `json:"run"`
}

// Service turns plans into environments and drives their simulated rollout.
type Service struct {
	envs   environment.Service
	logs   logs.Service
	audit  audit.Service
	sim    *timeline.Simulator
	runs   *runRegistry
	logger *slog.Logger
	now    func() time.Time
}

type runRegistry struct {
	mu     sync.Mutex
	runs   map[string]*timeline.Run
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a deployment service. Runs live until Close is called.
func New(envs environment.Service, logSvc logs.Service, auditSvc audit.Service, sim *timeline.Simulator, logger *slog.Logger) Service {
	ctx, cancel := context.WithCancel(context.Background())
	return Service{
		envs:   envs,
		logs:   logSvc,
		audit:  auditSvc,
		sim:    sim,
		runs:   &runRegistry{runs: make(map[string]*timeline.Run), ctx: ctx, cancel: cancel},
		logger: logger.With("component", "deploy"),
		now:    time.Now,
	}
}

// Deploy creates a PROVISIONING environment from plan and starts its timeline. The
// plan passes through unaltered.
func (s Service) Deploy(ctx context.Context, plan domain.DeploymentPlan, opts Options) (*Deployment, error) {
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", errInvalidPlan, err)
	}
	envType := strings.TrimSpace(opts.Type)
	if envType == "" {
		envType = defaultType
	}
	if !domain.ValidEnvironmentType(envType) {
		return nil, fmt.Errorf("%w: %q", errUnknownType, envType)
	}
	region := strings.TrimSpace(opts.Region)
	if region == "" {
		region = defaultRegion
	}
	resources := domain.Resources{CPU: pendingResource, Memory: pendingResource, Storage: pendingResource}
	if opts.Resources != nil {
		resources = *opts.Resources
	}
	actor := opts.Actor
	if actor == "" {
		actor = audit.ActorOperator
	}

	var env domain.Environment
	for attempt := 0; ; attempt++ {
		id := environment.NewID()
		env = domain.Environment{
			ID:                 id,
			Name:               plan.Name,
			Type:               envType,
			Status:             domain.StatusProvisioning,
			Region:             region,
			Resources:          resources,
			Summary:            plan.Summary,
			CreatedAt:          s.now().UTC(),
			TerraformWorkspace: workspacePrefix + id,
			AnsiblePlaybook:    defaultPlaybook,
		}
		err := s.envs.Insert(ctx, env)
		if err == nil {
			break
		}
		if !errors.Is(err, repository.ErrConflict) || attempt+1 >= maxIDAttempts {
			return nil, err
		}
	}
	env.UpdatedAt = env.CreatedAt

	s.record(ctx, domain.AuditEvent{
		Action:   audit.ActionEnvironmentCreated,
		Actor:    actor,
		Resource: env.ID,
		Detail:   env.Name,
	})
	s.record(ctx, domain.AuditEvent{
		Action:   audit.ActionDeploymentStarted,
		Actor:    actor,
		Resource: env.ID,
		Detail:   fmt.Sprintf(kickoffMessageFmt, env.Name),
	})

	run := s.start(env.ID)
	s.logger.Info("deployment started", "environment_id", env.ID, "run_id", run.ID, "name", env.Name)
	return &Deployment{Environment: env, Run: run.Snapshot()}, nil
}

func (s Service) start(environmentID string) *timeline.Run {
	reg := s.runs
	run := s.sim.Start(reg.ctx, environmentID)
	reg.mu.Lock()
	reg.runs[environmentID] = run
	reg.mu.Unlock()
	observeOutcome(outcomeStarted)
	activeRuns.Inc()

	reg.wg.Add(1)
	go func() {
		defer reg.wg.Done()
		<-run.Done()
		activeRuns.Dec()
		if run.State() == domain.RunCompleted {
			observeOutcome(outcomeCompleted)
			s.logger.Info("deployment completed", "environment_id", environmentID, "run_id", run.ID)
		} else {
			observeOutcome(outcomeCancelled)
		}
		reg.mu.Lock()
		if reg.runs[environmentID] == run {
			delete(reg.runs, environmentID)
		}
		reg.mu.Unlock()
	}()
	return run
}

func (s Service) running(environmentID string) *timeline.Run {
	s.runs.mu.Lock()
	defer s.runs.mu.Unlock()
	run, ok := s.runs.runs[environmentID]
	if !ok || run.State() != domain.RunRunning {
		return nil
	}
	return run
}

// Active lists the running deployments, oldest first.
func (s Service) Active() []domain.DeploymentRun {
	s.runs.mu.Lock()
	out := make([]domain.DeploymentRun, 0, len(s.runs.runs))
	for _, run := range s.runs.runs {
		if snap := run.Snapshot(); snap.State == domain.RunRunning {
			out = append(out, snap)
		}
	}
	s.runs.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// IsActive reports whether environmentID has a running simulation.
func (s Service) IsActive(environmentID string) bool {
	return s.running(environmentID) != nil
}

// Cancel stops the running simulation of environmentID. The environment keeps its
// current status and no further timeline entries are appended.
func (s Service) Cancel(ctx context.Context, environmentID, actor string) (domain.DeploymentRun, error) {
	environmentID = strings.TrimSpace(environmentID)
	if environmentID == "" {
		return domain.DeploymentRun{}, errEnvironmentIDRequired
	}
	run := s.running(environmentID)
	if run == nil || !run.Cancel() {
		return domain.DeploymentRun{}, ErrNotDeploying
	}
	if actor == "" {
		actor = audit.ActorOperator
	}
	s.record(ctx, domain.AuditEvent{
		Action:   audit.ActionDeploymentCanceled,
		Actor:    actor,
		Resource: environmentID,
		Detail:   fmt.Sprintf("cancelled after %d of %d events", run.Emitted(), len(s.sim.Schedule())),
	})
	s.logger.Info("deployment cancelled", "environment_id", environmentID, "run_id", run.ID)
	return run.Snapshot(), nil
}

// ProcessEvent applies a progress notification from an external provisioner. A running
// simulation for the environment is cancelled first so the real pipeline owns it.
func (s Service) ProcessEvent(ctx context.Context, ev domain.ProvisioningEvent) (*domain.Environment, error) {
	ev.EnvironmentID = strings.TrimSpace(ev.EnvironmentID)
	if ev.EnvironmentID == "" {
		return nil, errEnvironmentIDRequired
	}
	ev.Message = strings.TrimSpace(ev.Message)
	if ev.Status == "" && ev.Message == "" {
		return nil, errEventEmpty
	}
	if ev.Status != "" && !ev.Status.Valid() {
		return nil, fmt.Errorf("%w: %q", errUnknownStatus, ev.Status)
	}
	if ev.Source == "" {
		ev.Source = domain.SourceSystem
	}
	if !domain.ValidLogSource(ev.Source) {
		return nil, fmt.Errorf("%w: %q", errUnknownSource, ev.Source)
	}
	if ev.Level == "" {
		ev.Level = levelForStatus(ev.Status)
	}
	if !domain.ValidLogLevel(ev.Level) {
		return nil, fmt.Errorf("%w: %q", errUnknownLevel, ev.Level)
	}
	if ev.Message == "" {
		ev.Message = fmt.Sprintf("Status changed to %s", ev.Status)
	}

	env, err := s.admit(ctx, ev)
	if err != nil {
		return nil, err
	}
	if run := s.running(ev.EnvironmentID); run != nil {
		// Re-check under the run lock: a timeline step may have advanced the status
		// since admit, and a rejected event must leave the run going.
		cancelled, err := run.CancelIf(func() error {
			current, err := s.admit(ctx, ev)
			if err == nil {
				env = current
			}
			return err
		})
		if err != nil {
			return nil, err
		}
		if cancelled {
			s.logger.Info("simulation superseded by provisioner", "environment_id", ev.EnvironmentID, "run_id", run.ID)
		}
	}
	provisioningEvents.WithLabelValues(ev.Source).Inc()

	if ev.Status != "" && ev.Status != env.Status {
		updated, err := s.envs.UpdateStatus(ctx, ev.EnvironmentID, ev.Status)
		if err != nil {
			return nil, err
		}
		env = updated
		status := domain.AuditSuccess
		if ev.Status == domain.StatusError {
			status = domain.AuditFailed
			observeOutcome(outcomeFailed)
		}
		s.record(ctx, domain.AuditEvent{
			Action:   audit.ActionStatusChanged,
			Actor:    strings.ToLower(ev.Source),
			Resource: ev.EnvironmentID,
			Status:   status,
			Detail:   string(ev.Status),
		})
	}

	if _, err := s.logs.Append(ctx, domain.LogEntry{
		EnvironmentID: ev.EnvironmentID,
		Timestamp:     ev.Timestamp,
		Level:         ev.Level,
		Message:       ev.Message,
		Source:        ev.Source,
	}); err != nil {
		return nil, err
	}
	return env, nil
}

// admit loads the environment and rejects a status the lifecycle does not allow next.
func (s Service) admit(ctx context.Context, ev domain.ProvisioningEvent) (*domain.Environment, error) {
	env, err := s.envs.FindByID(ctx, ev.EnvironmentID)
	if err != nil {
		return nil, err
	}
	if ev.Status != "" && ev.Status != env.Status && !env.Status.CanTransition(ev.Status) {
		return nil, fmt.Errorf("%w: %s -> %s", environment.ErrInvalidTransition, env.Status, ev.Status)
	}
	return env, nil
}

// Close cancels every running simulation and waits for their bookkeeping to finish.
func (s Service) Close() {
	s.runs.mu.Lock()
	runs := make([]*timeline.Run, 0, len(s.runs.runs))
	for _, run := range s.runs.runs {
		runs = append(runs, run)
	}
	s.runs.mu.Unlock()
	for _, run := range runs {
		run.Cancel()
	}
	s.runs.cancel()
	s.runs.wg.Wait()
}

func (s Service) record(ctx context.Context, event domain.AuditEvent) {
	if _, err := s.audit.Record(ctx, event); err != nil {
		s.logger.Warn("failed to record audit event", "action", event.Action, "error", err)
	}
}

func levelForStatus(status domain.EnvStatus) string {
	switch status {
	case domain.StatusError:
		return domain.LevelError
	case domain.StatusActive:
		return domain.LevelSuccess
	default:
		return domain.LevelInfo
	}
}
