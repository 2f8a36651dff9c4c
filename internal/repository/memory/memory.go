package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/regainflow/console/internal/domain"
	"github.com/regainflow/console/internal/repository"
)

// Store keeps every console entity in process memory. Nothing survives a restart.
type Store struct {
	mu      sync.RWMutex
	envs    []domain.Environment
	logs    []domain.LogEntry
	nextSeq int64
	audits  []domain.AuditEvent

	logRetention int
	now          func() time.Time
}

// Option customises a Store.
type Option func(*Store)

// WithLogRetention caps the number of log entries kept per environment. Zero keeps everything.
func WithLogRetention(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.logRetention = n
		}
	}
}

// WithClock overrides the time source used for UpdatedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InsertEnvironment prepends env so the registry stays newest first.
func (s *Store) InsertEnvironment(_ context.Context, env domain.Environment) error {
	if strings.TrimSpace(env.ID) == "" {
		return fmt.Errorf("%w: environment id required", repository.ErrInvalidArgument)
	}
	if !env.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", repository.ErrInvalidArgument, env.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.envs {
		if existing.ID == env.ID {
			return fmt.Errorf("%w: environment %s", repository.ErrConflict, env.ID)
		}
	}
	if env.UpdatedAt.IsZero() {
		env.UpdatedAt = env.CreatedAt
	}
	s.envs = append([]domain.Environment{env}, s.envs...)
	return nil
}

// UpdateEnvironmentStatus replaces the status of the matching environment and leaves
// every other field untouched.
func (s *Store) UpdateEnvironmentStatus(_ context.Context, id string, status domain.EnvStatus) (*domain.Environment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.envs {
		if s.envs[i].ID != id {
			continue
		}
		current := s.envs[i].Status
		if !current.CanTransition(status) {
			return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, current, status)
		}
		s.envs[i].Status = status
		s.envs[i].UpdatedAt = s.now().UTC()
		env := s.envs[i]
		return &env, nil
	}
	return nil, repository.ErrNotFound
}

// GetEnvironmentByID returns a copy of the matching environment.
func (s *Store) GetEnvironmentByID(_ context.Context, id string) (*domain.Environment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, env := range s.envs {
		if env.ID == id {
			return &env, nil
		}
	}
	return nil, repository.ErrNotFound
}

// ListEnvironments returns the registry in order, newest first.
func (s *Store) ListEnvironments(_ context.Context) ([]domain.Environment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Environment(nil), s.envs...), nil
}

// AppendLog adds entry to the end of the stream and assigns its sequence number.
func (s *Store) AppendLog(_ context.Context, entry domain.LogEntry) (domain.LogEntry, error) {
	if strings.TrimSpace(entry.EnvironmentID) == "" {
		return domain.LogEntry{}, fmt.Errorf("%w: environment id required", repository.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSeq++
	entry.Seq = s.nextSeq
	s.logs = append(s.logs, entry)
	if s.logRetention > 0 {
		s.trimLocked(entry.EnvironmentID)
	}
	return entry, nil
}

func (s *Store) trimLocked(environmentID string) {
	count := 0
	for _, e := range s.logs {
		if e.EnvironmentID == environmentID {
			count++
		}
	}
	drop := count - s.logRetention
	if drop <= 0 {
		return
	}
	kept := s.logs[:0]
	for _, e := range s.logs {
		if drop > 0 && e.EnvironmentID == environmentID {
			drop--
			continue
		}
		kept = append(kept, e)
	}
	s.logs = kept
}

// ListLogsByEnvironment returns entries for one environment with Seq greater than afterSeq.
func (s *Store) ListLogsByEnvironment(_ context.Context, environmentID string, afterSeq int64) ([]domain.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.LogEntry, 0)
	for _, e := range s.logs {
		if e.EnvironmentID == environmentID && e.Seq > afterSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

// ListLogs returns every entry with Seq greater than afterSeq.
func (s *Store) ListLogs(_ context.Context, afterSeq int64) ([]domain.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.LogEntry, 0, len(s.logs))
	for _, e := range s.logs {
		if e.Seq > afterSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

// AppendAudit records an audit event.
func (s *Store) AppendAudit(_ context.Context, event domain.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, event)
	return nil
}

// ListAudits returns up to limit events, newest first. A non-positive limit returns all.
func (s *Store) ListAudits(_ context.Context, limit int) ([]domain.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.audits)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]domain.AuditEvent, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.audits[i])
	}
	return out, nil
}
