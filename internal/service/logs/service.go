package logs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/regainflow/console/internal/domain"
	"github.com/regainflow/console/internal/repository"
	"github.com/regainflow/console/internal/ws"
)

var (
	errEnvironmentIDRequired = fmt.Errorf("%w: environment id required", repository.ErrInvalidArgument)
	errMessageRequired       = fmt.Errorf("%w: message required", repository.ErrInvalidArgument)
	errUnknownLevel          = fmt.Errorf("%w: unknown log level", repository.ErrInvalidArgument)
	errUnknownSource         = fmt.Errorf("%w: unknown log source", repository.ErrInvalidArgument)
)

// Service is the append-only deployment log stream.
type Service struct {
	// mu orders store and broadcast together so live subscribers see seqs ascending.
	mu     *sync.Mutex
	repo   repository.LogRepository
	hub    *ws.Hub
	logger *slog.Logger
	now    func() time.Time
}

// New constructs a log service. hub may be nil when nothing streams.
func New(repo repository.LogRepository, hub *ws.Hub, logger *slog.Logger) Service {
	return Service{mu: &sync.Mutex{}, repo: repo, hub: hub, logger: logger, now: time.Now}
}

// Append validates entry, stores it at the end of the stream and broadcasts it.
// The stored entry, with its sequence number, is returned.
func (s Service) Append(ctx context.Context, entry domain.LogEntry) (domain.LogEntry, error) {
	entry.EnvironmentID = strings.TrimSpace(entry.EnvironmentID)
	if entry.EnvironmentID == "" {
		return domain.LogEntry{}, errEnvironmentIDRequired
	}
	if strings.TrimSpace(entry.Message) == "" {
		return domain.LogEntry{}, errMessageRequired
	}
	if entry.Level == "" {
		entry.Level = domain.LevelInfo
	}
	if !domain.ValidLogLevel(entry.Level) {
		return domain.LogEntry{}, fmt.Errorf("%w: %q", errUnknownLevel, entry.Level)
	}
	if entry.Source == "" {
		entry.Source = domain.SourceSystem
	}
	if !domain.ValidLogSource(entry.Source) {
		return domain.LogEntry{}, fmt.Errorf("%w: %q", errUnknownSource, entry.Source)
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}
	entry.Timestamp = entry.Timestamp.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, err := s.repo.AppendLog(ctx, entry)
	if err != nil {
		return domain.LogEntry{}, err
	}
	s.broadcast(stored)
	return stored, nil
}

// Snapshot returns the entries of one environment in emission order, starting after afterSeq.
func (s Service) Snapshot(ctx context.Context, environmentID string, afterSeq int64) ([]domain.LogEntry, error) {
	environmentID = strings.TrimSpace(environmentID)
	if environmentID == "" {
		return nil, errEnvironmentIDRequired
	}
	return s.repo.ListLogsByEnvironment(ctx, environmentID, afterSeq)
}

// SnapshotAll returns every entry in emission order, starting after afterSeq.
func (s Service) SnapshotAll(ctx context.Context, afterSeq int64) ([]domain.LogEntry, error) {
	return s.repo.ListLogs(ctx, afterSeq)
}

func (s Service) broadcast(entry domain.LogEntry) {
	if s.hub == nil {
		return
	}
	data, err := MarshalEntry(entry)
	if err != nil {
		s.logger.Warn("failed to marshal log payload", "error", err)
		return
	}
	s.hub.Broadcast(entry.EnvironmentID, data)
}

// Hub returns the streaming hub.
func (s Service) Hub() *ws.Hub {
	return s.hub
}

// MarshalEntry formats a log entry for streaming payloads.
func MarshalEntry(entry domain.LogEntry) ([]byte, error) {
	return json.Marshal(entry)
}
