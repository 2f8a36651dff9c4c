package environment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/regainflow/console/internal/domain"
	"github.com/regainflow/console/internal/repository"
)

// ErrInvalidTransition is returned when a status change would move an environment
// backwards or out of a terminal status.
var ErrInvalidTransition = domain.ErrInvalidTransition

var (
	errEnvironmentIDRequired = fmt.Errorf("%w: environment id required", repository.ErrInvalidArgument)
	errEnvironmentName       = fmt.Errorf("%w: name required", repository.ErrInvalidArgument)
	errEnvironmentStatus     = fmt.Errorf("%w: unknown status", repository.ErrInvalidArgument)
)

// Service is the environment registry.
type Service struct {
	envs   repository.EnvironmentRepository
	logger *slog.Logger
}

// New constructs an environment service.
func New(envs repository.EnvironmentRepository, logger *slog.Logger) Service {
	return Service{envs: envs, logger: logger}
}

// NewID returns a fresh environment identifier of the form env-xxxxxx.
func NewID() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "env-" + raw[:6]
}

// Insert adds env to the front of the registry.
func (s Service) Insert(ctx context.Context, env domain.Environment) error {
	env.ID = strings.TrimSpace(env.ID)
	if env.ID == "" {
		return errEnvironmentIDRequired
	}
	if strings.TrimSpace(env.Name) == "" {
		return errEnvironmentName
	}
	if !env.Status.Valid() {
		return errEnvironmentStatus
	}
	if env.CreatedAt.IsZero() {
		env.CreatedAt = time.Now().UTC()
	}
	return s.envs.InsertEnvironment(ctx, env)
}

// UpdateStatus replaces only the status of the environment with the given id.
func (s Service) UpdateStatus(ctx context.Context, id string, status domain.EnvStatus) (*domain.Environment, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errEnvironmentIDRequired
	}
	if !status.Valid() {
		return nil, errEnvironmentStatus
	}
	env, err := s.envs.UpdateEnvironmentStatus(ctx, id, status)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("environment status update rejected", "environment_id", id, "status", status, "error", err)
		}
		return nil, err
	}
	s.logger.Info("environment status updated", "environment_id", id, "status", status)
	return env, nil
}

// FindByID returns a copy of the environment or repository.ErrNotFound.
func (s Service) FindByID(ctx context.Context, id string) (*domain.Environment, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errEnvironmentIDRequired
	}
	return s.envs.GetEnvironmentByID(ctx, id)
}

// List returns every environment, newest first.
func (s Service) List(ctx context.Context) ([]domain.Environment, error) {
	return s.envs.ListEnvironments(ctx)
}

// Seed inserts the reference environments. Already present ids are skipped.
func (s Service) Seed(ctx context.Context) error {
	seeds := SeedEnvironments()
	// insert oldest first so the registry ends up newest first
	for i := len(seeds) - 1; i >= 0; i-- {
		if err := s.envs.InsertEnvironment(ctx, seeds[i]); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				continue
			}
			return err
		}
	}
	return nil
}

// SeedEnvironments returns the two environments present at first launch.
func SeedEnvironments() []domain.Environment {
	prodCreated := time.Date(2023, 10, 15, 10, 0, 0, 0, time.UTC)
	devCreated := time.Date(2023, 10, 20, 14, 30, 0, 0, time.UTC)
	return []domain.Environment{
		{
			ID:                 "env-prod-001",
			Name:               "Production Cluster US-East",
			Type:               domain.TypeK8sCluster,
			Status:             domain.StatusActive,
			Region:             "us-east-1",
			Resources:          domain.Resources{CPU: "64 vCPU", Memory: "256 GB", Storage: "10 TB"},
			CreatedAt:          prodCreated,
			UpdatedAt:          prodCreated,
			TerraformWorkspace: "prod-core",
			AnsiblePlaybook:    "k8s-hardened.yml",
		},
		{
			ID:                 "env-dev-alpha",
			Name:               "Alpha Dev Sandbox",
			Type:               domain.TypeDevEnvironment,
			Status:             domain.StatusActive,
			Region:             "us-west-2",
			Resources:          domain.Resources{CPU: "8 vCPU", Memory: "32 GB", Storage: "500 GB"},
			CreatedAt:          devCreated,
			UpdatedAt:          devCreated,
			TerraformWorkspace: "dev-alpha",
			AnsiblePlaybook:    "dev-std.yml",
		},
	}
}
