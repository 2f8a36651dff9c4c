package runtime

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/regainflow/console/internal/domain"
	"github.com/regainflow/console/pkg/config"
)

type testEnvs struct {
	envs []domain.Environment
}

func (t *testEnvs) List(context.Context) ([]domain.Environment, error) {
	return append([]domain.Environment(nil), t.envs...), nil
}

type testDeployments struct {
	mu     sync.Mutex
	active map[string]bool
	events []domain.ProvisioningEvent
}

func (t *testDeployments) IsActive(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active[id]
}

func (t *testDeployments) ProcessEvent(_ context.Context, ev domain.ProvisioningEvent) (*domain.Environment, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, ev)
	return &domain.Environment{ID: ev.EnvironmentID, Status: ev.Status}, nil
}

type testAudit struct {
	events []domain.AuditEvent
}

func (t *testAudit) Record(_ context.Context, ev domain.AuditEvent) (domain.AuditEvent, error) {
	t.events = append(t.events, ev)
	return ev, nil
}

func newTestController(t *testing.T, envs []domain.Environment, active map[string]bool, timeout time.Duration) (*Controller, *testDeployments, *testAudit) {
	t.Helper()
	deployments := &testDeployments{active: active}
	auditRec := &testAudit{}
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	cfg := config.APIConfig{StageTimeout: timeout, ReconcileInterval: time.Second}
	ctrl := New(&testEnvs{envs: envs}, deployments, auditRec, logger, cfg)
	if ctrl == nil {
		t.Fatalf("expected controller to be created")
	}
	return ctrl, deployments, auditRec
}

func TestControllerFailsStuckEnvironments(t *testing.T) {
	now := time.Now()
	envs := []domain.Environment{
		{ID: "env-stuck", Status: domain.StatusBootstrapping, UpdatedAt: now.Add(-5 * time.Minute)},
		{ID: "env-fresh", Status: domain.StatusProvisioning, UpdatedAt: now.Add(-30 * time.Second)},
		{ID: "env-done", Status: domain.StatusActive, UpdatedAt: now.Add(-time.Hour)},
		{ID: "env-running", Status: domain.StatusProvisioning, UpdatedAt: now.Add(-time.Hour)},
	}
	ctrl, deployments, auditRec := newTestController(t, envs, map[string]bool{"env-running": true}, 2*time.Minute)
	ctrl.now = func() time.Time { return now }

	if n := ctrl.runIteration(context.Background()); n != 1 {
		t.Fatalf("expected one environment failed, got %d", n)
	}
	if len(deployments.events) != 1 {
		t.Fatalf("expected one provisioning event, got %d", len(deployments.events))
	}
	ev := deployments.events[0]
	if ev.EnvironmentID != "env-stuck" || ev.Status != domain.StatusError || ev.Level != domain.LevelError {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.Message != "BOOTSTRAPPING stage timed out after 120s" {
		t.Fatalf("unexpected message %q", ev.Message)
	}
	if len(auditRec.events) != 1 || auditRec.events[0].Status != domain.AuditFailed {
		t.Fatalf("unexpected audit %+v", auditRec.events)
	}
}

func TestControllerDisabledWithoutTimeout(t *testing.T) {
	if ctrl := New(&testEnvs{}, &testDeployments{}, nil, nil, config.APIConfig{}); ctrl != nil {
		t.Fatalf("expected nil controller when stage timeout is zero")
	}
	var ctrl *Controller
	ctrl.Run(context.Background())
}

func TestControllerWithoutLoggerStillReconciles(t *testing.T) {
	now := time.Now()
	envs := []domain.Environment{
		{ID: "env-stuck", Status: domain.StatusConfiguring, UpdatedAt: now.Add(-5 * time.Minute)},
	}
	deployments := &testDeployments{}
	cfg := config.APIConfig{StageTimeout: time.Minute, ReconcileInterval: time.Second}
	ctrl := New(&testEnvs{envs: envs}, deployments, &testAudit{}, nil, cfg)
	if ctrl == nil {
		t.Fatalf("expected controller to be created")
	}
	ctrl.now = func() time.Time { return now }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ctrl.Run(ctx)
		close(done)
	}()
	cancel()
	<-done
	if n := ctrl.runIteration(context.Background()); n != 1 {
		t.Fatalf("expected one environment failed, got %d", n)
	}
}

func TestControllerRunStopsWithContext(t *testing.T) {
	ctrl, _, _ := newTestController(t, nil, nil, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ctrl.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("controller did not stop")
	}
}

func TestFormatDuration(t *testing.T) {
	cases := map[time.Duration]string{
		0:                       "0s",
		90 * time.Second:        "90s",
		1500 * time.Millisecond: "1500ms",
	}
	for in, want := range cases {
		if got := formatDuration(in); got != want {
			t.Fatalf("formatDuration(%s) = %q, want %q", in, got, want)
		}
	}
}
