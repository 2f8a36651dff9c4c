package timeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/regainflow/console/internal/domain"
)

// LogAppender receives the log entries emitted by a run.
type LogAppender interface {
	Append(ctx context.Context, entry domain.LogEntry) (domain.LogEntry, error)
}

// StatusUpdater applies status changes emitted by a run.
type StatusUpdater interface {
	UpdateStatus(ctx context.Context, id string, status domain.EnvStatus) (*domain.Environment, error)
}

// Simulator replays a schedule against an environment.
type Simulator struct {
	schedule Schedule
	clock    Clock
	logs     LogAppender
	envs     StatusUpdater
	logger   *slog.Logger
}

// Option customises a Simulator.
type Option func(*Simulator)

// WithClock replaces the real clock.
func WithClock(c Clock) Option {
	return func(s *Simulator) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithSchedule replaces the default schedule. It must pass Validate.
func WithSchedule(schedule Schedule) Option {
	return func(s *Simulator) { s.schedule = schedule }
}

// WithSpeed divides every delay by speed.
func WithSpeed(speed float64) Option {
	return func(s *Simulator) { s.schedule = s.schedule.Scaled(speed) }
}

// NewSimulator builds a simulator over the default schedule.
func NewSimulator(logs LogAppender, envs StatusUpdater, logger *slog.Logger, opts ...Option) (*Simulator, error) {
	s := &Simulator{
		schedule: DefaultSchedule(),
		clock:    RealClock(),
		logs:     logs,
		envs:     envs,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.schedule.Validate(); err != nil {
		return nil, err
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	s.logger = s.logger.With("component", "timeline")
	return s, nil
}

// Schedule returns a copy of the schedule in use.
func (s *Simulator) Schedule() Schedule {
	return s.schedule.Scaled(1)
}

// Start schedules every event for environmentID, each measured from now. The run is
// cancelled when ctx is done.
func (s *Simulator) Start(ctx context.Context, environmentID string) *Run {
	r := &Run{
		ID:            uuid.NewString(),
		EnvironmentID: environmentID,
		sim:           s,
		ctx:           context.WithoutCancel(ctx),
		state:         domain.RunRunning,
		startedAt:     s.clock.Now().UTC(),
		done:          make(chan struct{}),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, ev := range s.schedule {
		idx := i
		r.timers = append(r.timers, s.clock.AfterFunc(ev.Delay, func() { r.fire(idx) }))
	}
	r.stopCtx = context.AfterFunc(ctx, func() { r.Cancel() })
	s.logger.Info("deployment timeline started", "environment_id", environmentID, "run_id", r.ID)
	return r
}

// Run is one in-flight replay of the schedule.
type Run struct {
	ID            string
	EnvironmentID string

	sim *Simulator
	ctx context.Context

	mu         sync.Mutex
	state      domain.RunState
	next       int
	timers     []Timer
	startedAt  time.Time
	finishedAt time.Time
	stopCtx    func() bool
	done       chan struct{}
}

// fire emits every event up to and including idx that has not been emitted yet, so
// entries always leave in schedule order.
func (r *Run) fire(idx int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.state == domain.RunRunning && r.next <= idx {
		r.emitLocked(r.sim.schedule[r.next])
		r.next++
	}
}

func (r *Run) emitLocked(ev Event) {
	s := r.sim
	entry := domain.LogEntry{
		EnvironmentID: r.EnvironmentID,
		RunID:         r.ID,
		Timestamp:     s.clock.Now().UTC(),
		Level:         ev.Level(),
		Message:       ev.Message,
		Source:        ev.Source,
	}
	if _, err := s.logs.Append(r.ctx, entry); err != nil {
		s.logger.Warn("failed to append timeline entry", "environment_id", r.EnvironmentID, "run_id", r.ID, "error", err)
	}
	if ev.Status != "" {
		if _, err := s.envs.UpdateStatus(r.ctx, r.EnvironmentID, ev.Status); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
			s.logger.Warn("failed to apply timeline status", "environment_id", r.EnvironmentID, "status", ev.Status, "error", err)
		}
	}
	if ev.Terminal {
		r.finishLocked(domain.RunCompleted)
		s.logger.Info("deployment timeline completed", "environment_id", r.EnvironmentID, "run_id", r.ID)
	}
}

func (r *Run) finishLocked(state domain.RunState) {
	r.state = state
	r.finishedAt = r.sim.clock.Now().UTC()
	for _, t := range r.timers {
		t.Stop()
	}
	if r.stopCtx != nil {
		r.stopCtx()
	}
	close(r.done)
}

// Cancel stops every pending event. Once Cancel returns the run appends nothing more.
// It reports whether the run was still running.
func (r *Run) Cancel() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != domain.RunRunning {
		return false
	}
	r.finishLocked(domain.RunCancelled)
	r.sim.logger.Info("deployment timeline cancelled", "environment_id", r.EnvironmentID, "run_id", r.ID, "emitted", r.next)
	return true
}

// CancelIf cancels the run only when allow returns nil. allow runs while no event can
// fire, so whatever it observes still holds when the run stops. A non-nil error from
// allow is returned and the run keeps going. It reports whether this call cancelled it.
func (r *Run) CancelIf(allow func() error) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != domain.RunRunning {
		return false, nil
	}
	if err := allow(); err != nil {
		return false, err
	}
	r.finishLocked(domain.RunCancelled)
	r.sim.logger.Info("deployment timeline cancelled", "environment_id", r.EnvironmentID, "run_id", r.ID, "emitted", r.next)
	return true, nil
}

// Done is closed when the run completes or is cancelled.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// State returns the current run state.
func (r *Run) State() domain.RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Emitted is the number of events that have fired.
func (r *Run) Emitted() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.next
}

// Snapshot describes the run.
func (r *Run) Snapshot() domain.DeploymentRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := domain.DeploymentRun{
		ID:            r.ID,
		EnvironmentID: r.EnvironmentID,
		State:         r.state,
		StartedAt:     r.startedAt,
	}
	if !r.finishedAt.IsZero() {
		finished := r.finishedAt
		out.FinishedAt = &finished
	}
	return out
}
