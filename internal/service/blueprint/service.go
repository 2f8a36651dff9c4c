package blueprint

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"log/slog"

	"gopkg.in/yaml.v3"

	"github.com/regainflow/console/internal/domain"
	"github.com/regainflow/console/internal/repository"
	"github.com/regainflow/console/internal/service/plan"
)

//go:embed blueprints.yaml
var defaultCatalog []byte

type catalog struct {
	Blueprints []domain.Blueprint `yaml:"blueprints"`
}

// Service serves the blueprint catalog.
type Service struct {
	blueprints []domain.Blueprint
	logger     *slog.Logger
}

// New loads the embedded catalog, or the file at path when path is non-empty.
func New(path string, logger *slog.Logger) (Service, error) {
	data := defaultCatalog
	if path = strings.TrimSpace(path); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Service{}, fmt.Errorf("read blueprints: %w", err)
		}
		data = raw
	}
	bps, err := Parse(data)
	if err != nil {
		return Service{}, err
	}
	if logger != nil {
		logger.Info("blueprint catalog loaded", "count", len(bps), "path", path)
	}
	return Service{blueprints: bps, logger: logger}, nil
}

// Parse decodes and validates a YAML catalog.
func Parse(data []byte) ([]domain.Blueprint, error) {
	var c catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse blueprints: %w", err)
	}
	seen := make(map[string]bool, len(c.Blueprints))
	for i, bp := range c.Blueprints {
		if strings.TrimSpace(bp.ID) == "" || strings.TrimSpace(bp.Name) == "" {
			return nil, fmt.Errorf("blueprint %d: id and name required", i)
		}
		if seen[bp.ID] {
			return nil, fmt.Errorf("blueprint %s: duplicate id", bp.ID)
		}
		seen[bp.ID] = true
		if bp.Preset.Type != "" && !domain.ValidEnvironmentType(bp.Preset.Type) {
			return nil, fmt.Errorf("blueprint %s: unknown type %q", bp.ID, bp.Preset.Type)
		}
	}
	return c.Blueprints, nil
}

// List returns the catalog in file order.
func (s Service) List() []domain.Blueprint {
	out := make([]domain.Blueprint, len(s.blueprints))
	copy(out, s.blueprints)
	return out
}

// Get returns one blueprint or repository.ErrNotFound.
func (s Service) Get(id string) (domain.Blueprint, error) {
	id = strings.TrimSpace(id)
	for _, bp := range s.blueprints {
		if bp.ID == id {
			return bp, nil
		}
	}
	return domain.Blueprint{}, repository.ErrNotFound
}

// Plan materialises a static plan from the blueprint preset. An empty name uses the
// blueprint name.
func (s Service) Plan(id, name string) (domain.DeploymentPlan, domain.BlueprintSpecs, error) {
	bp, err := s.Get(id)
	if err != nil {
		return domain.DeploymentPlan{}, domain.BlueprintSpecs{}, err
	}
	if strings.TrimSpace(name) == "" {
		name = bp.Name
	}
	p, err := plan.StaticPlan(plan.StaticFields{
		Name:        name,
		Region:      bp.Preset.Region,
		Type:        bp.Preset.Type,
		CPU:         bp.Preset.CPU,
		Memory:      bp.Preset.Memory,
		Storage:     bp.Preset.Storage,
		Description: bp.Description,
	})
	if err != nil {
		return domain.DeploymentPlan{}, domain.BlueprintSpecs{}, err
	}
	return p, bp.Preset, nil
}
