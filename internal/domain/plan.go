package domain

import (
	"errors"
	"strings"
)

// DeploymentPlan is a named bundle of infrastructure and configuration steps.
type DeploymentPlan struct {
	Name           string   `json:"name"`
	Summary        string   `json:"summary"`
	Infrastructure []string `json:"infrastructure"`
	Configuration  []string `json:"configuration"`
}

// Validate checks that all four plan fields are present and non-empty.
func (p DeploymentPlan) Validate() error {
	var errs []error
	if strings.TrimSpace(p.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if strings.TrimSpace(p.Summary) == "" {
		errs = append(errs, errors.New("summary is required"))
	}
	if len(p.Infrastructure) == 0 {
		errs = append(errs, errors.New("infrastructure is required"))
	}
	if len(p.Configuration) == 0 {
		errs = append(errs, errors.New("configuration is required"))
	}
	return errors.Join(errs...)
}

// Clone returns a deep copy of the plan.
func (p DeploymentPlan) Clone() DeploymentPlan {
	p.Infrastructure = append([]string(nil), p.Infrastructure...)
	p.Configuration = append([]string(nil), p.Configuration...)
	return p
}
