package environment

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/regainflow/console/internal/domain"
	"github.com/regainflow/console/internal/repository"
	"github.com/regainflow/console/internal/repository/memory"
	"github.com/regainflow/console/pkg/logger"
)

func newTestService() Service {
	return New(memory.New(), logger.Discard())
}

func TestInsertThenFindReturnsEqualRecord(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	env := domain.Environment{
		ID:        "env-abc123",
		Name:      "Payments",
		Type:      domain.TypeK8sCluster,
		Status:    domain.StatusProvisioning,
		Region:    "us-east-1",
		Resources: domain.Resources{CPU: "Pending", Memory: "Pending", Storage: "Pending"},
		CreatedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	if err := svc.Insert(ctx, env); err != nil {
		t.Fatalf("Insert returned error: %v", err)
	}
	got, err := svc.FindByID(ctx, env.ID)
	if err != nil {
		t.Fatalf("FindByID returned error: %v", err)
	}
	env.UpdatedAt = env.CreatedAt
	if *got != env {
		t.Fatalf("expected %+v, got %+v", env, *got)
	}
}

func TestInsertValidatesInput(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	cases := []domain.Environment{
		{Name: "x", Status: domain.StatusProvisioning},
		{ID: "env-1", Status: domain.StatusProvisioning},
		{ID: "env-1", Name: "x", Status: "BOOTING"},
	}
	for _, env := range cases {
		if err := svc.Insert(ctx, env); !errors.Is(err, repository.ErrInvalidArgument) {
			t.Fatalf("expected ErrInvalidArgument for %+v, got %v", env, err)
		}
	}
}

func TestUpdateStatusRejectsBackwardsMove(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	if err := svc.Insert(ctx, domain.Environment{ID: "env-1", Name: "x", Status: domain.StatusConfiguring}); err != nil {
		t.Fatalf("Insert returned error: %v", err)
	}
	if _, err := svc.UpdateStatus(ctx, "env-1", domain.StatusBootstrapping); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	env, err := svc.UpdateStatus(ctx, "env-1", domain.StatusActive)
	if err != nil {
		t.Fatalf("UpdateStatus returned error: %v", err)
	}
	if env.Status != domain.StatusActive {
		t.Fatalf("expected ACTIVE, got %s", env.Status)
	}
	if _, err := svc.UpdateStatus(ctx, "missing", domain.StatusActive); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSeedIsIdempotentAndOrdered(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := svc.Seed(ctx); err != nil {
			t.Fatalf("Seed returned error: %v", err)
		}
	}
	envs, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(envs) != 2 {
		t.Fatalf("expected 2 seeded environments, got %d", len(envs))
	}
	if envs[0].ID != "env-prod-001" || envs[1].ID != "env-dev-alpha" {
		t.Fatalf("unexpected seed order: %s, %s", envs[0].ID, envs[1].ID)
	}
}

func TestNewIDFormat(t *testing.T) {
	pattern := regexp.MustCompile(`^env-[a-z0-9]{6}$`)
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		id := NewID()
		if !pattern.MatchString(id) {
			t.Fatalf("unexpected id %q", id)
		}
		seen[id] = true
	}
	if len(seen) < 45 {
		t.Fatalf("ids are not varied enough: %d unique of 50", len(seen))
	}
}
