package plan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/regainflow/console/internal/domain"
	"github.com/regainflow/console/internal/llm"
	"github.com/regainflow/console/internal/repository"
	"github.com/regainflow/console/internal/sentry"
)

// ErrGenerationFailed covers every failure of the text-generation path: transport
// errors, timeouts, throttling, empty or malformed payloads.
var ErrGenerationFailed = errors.New("plan generation failed")

var (
	ErrNameRequired   = fmt.Errorf("%w: name required", repository.ErrInvalidArgument)
	ErrUnknownType    = fmt.Errorf("%w: unknown environment type", repository.ErrInvalidArgument)
	ErrPromptRequired = fmt.Errorf("%w: request text required", repository.ErrInvalidArgument)
)

// Source tells where a plan came from.
type Source string

const (
	SourceStatic    Source = "static"
	SourceGenerated Source = "generated"
	SourceDemo      Source = "demo"
	SourceFallback  Source = "fallback"
	SourceBlueprint Source = "blueprint"
)

const systemInstruction = `You are a DevOps Engineering AI for RegainFlow.
Your job is to translate natural language requests into a structured PaaS deployment plan.
The platform uses Terraform for infra, Ansible for config, and K8s for orchestration.

Return a valid JSON object matching the schema provided.`

var planSchema = map[string]any{
	"type": "OBJECT",
	"properties": map[string]any{
		"name":    map[string]any{"type": "STRING", "description": "A technical name for the environment"},
		"summary": map[string]any{"type": "STRING", "description": "Short description of what will be built"},
		"infrastructure": map[string]any{
			"type":        "ARRAY",
			"items":       map[string]any{"type": "STRING"},
			"description": "List of Terraform resources to create",
		},
		"configuration": map[string]any{
			"type":        "ARRAY",
			"items":       map[string]any{"type": "STRING"},
			"description": "List of Ansible tasks or PXE bootstrap steps",
		},
	},
	"required": []string{"name", "summary", "infrastructure", "configuration"},
}

// Generator is the text-generation backend. *llm.Manager satisfies it.
type Generator interface {
	Available() bool
	GenerateJSON(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// Result is a plan together with its provenance.
type Result struct {
	Plan   domain.DeploymentPlan `json:"plan"`
	Source Source                `json:"source"`
}

// Service produces deployment plans.
type Service struct {
	gen       Generator
	limiter   *rate.Limiter
	demoDelay time.Duration
	logger    *slog.Logger
}

// Option customises the plan service.
type Option func(*Service)

// WithDemoDelay sets the simulated latency of the offline demo plan.
func WithDemoDelay(d time.Duration) Option {
	return func(s *Service) {
		if d >= 0 {
			s.demoDelay = d
		}
	}
}

// WithRatePerMinute throttles outbound generation calls. Zero disables throttling.
func WithRatePerMinute(n int) Option {
	return func(s *Service) {
		if n <= 0 {
			s.limiter = nil
			return
		}
		s.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), n)
	}
}

// New constructs a plan service. gen may be nil, which behaves like a missing credential.
func New(gen Generator, logger *slog.Logger, opts ...Option) Service {
	s := Service{gen: gen, demoDelay: 2 * time.Second, logger: logger}
	for _, opt := range opts {
		opt(&s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	s.logger = s.logger.With("component", "plan")
	return s
}

// Static formats a manual form into a plan.
func (s Service) Static(fields StaticFields) (domain.DeploymentPlan, error) {
	p, err := StaticPlan(fields)
	if err == nil {
		observePlan(SourceStatic)
	}
	return p, err
}

// Generate asks the text-generation backend for a plan. Without a credential it never
// calls out and resolves the demo plan after the simulated delay. Any backend failure is
// reported as ErrGenerationFailed; there are no retries.
func (s Service) Generate(ctx context.Context, request string) (domain.DeploymentPlan, Source, error) {
	request = strings.TrimSpace(request)
	if request == "" {
		return domain.DeploymentPlan{}, "", ErrPromptRequired
	}
	if s.gen == nil || !s.gen.Available() {
		s.logger.Warn("no text-generation credential configured, serving demo plan")
		if err := sleepCtx(ctx, s.demoDelay); err != nil {
			return domain.DeploymentPlan{}, "", err
		}
		return DemoPlan(), SourceDemo, nil
	}
	if s.limiter != nil && !s.limiter.Allow() {
		return domain.DeploymentPlan{}, "", fmt.Errorf("%w: generation rate limit reached", ErrGenerationFailed)
	}
	resp, err := s.gen.GenerateJSON(ctx, llm.Request{
		SystemInstruction: systemInstruction,
		Prompt:            request,
		Schema:            planSchema,
	})
	if err != nil {
		return domain.DeploymentPlan{}, "", fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}
	p, err := DecodePlan(resp.Text)
	if err != nil {
		return domain.DeploymentPlan{}, "", err
	}
	return p, SourceGenerated, nil
}

// Plan is Generate with the caller-side recovery applied: a failed generation is logged
// and replaced by FallbackPlan so the operator always ends up with a usable plan.
func (s Service) Plan(ctx context.Context, request string) (Result, error) {
	p, source, err := s.Generate(ctx, request)
	if err != nil {
		if !errors.Is(err, ErrGenerationFailed) {
			return Result{}, err
		}
		s.logger.Warn("plan generation failed, using fallback plan", "error", err)
		sentry.CaptureError(ctx, err, map[string]string{"component": "plan"})
		p, source = FallbackPlan(), SourceFallback
	}
	observePlan(source)
	return Result{Plan: p, Source: source}, nil
}

// DecodePlan parses and validates a generated plan document. A missing or empty field
// is a generation failure.
func DecodePlan(text string) (domain.DeploymentPlan, error) {
	text = stripCodeFence(text)
	if text == "" {
		return domain.DeploymentPlan{}, fmt.Errorf("%w: empty response", ErrGenerationFailed)
	}
	var p domain.DeploymentPlan
	if err := json.Unmarshal([]byte(text), &p); err != nil {
		return domain.DeploymentPlan{}, fmt.Errorf("%w: decode plan: %w", ErrGenerationFailed, err)
	}
	if err := p.Validate(); err != nil {
		return domain.DeploymentPlan{}, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}
	return p, nil
}

func stripCodeFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
