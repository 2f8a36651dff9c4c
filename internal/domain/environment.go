package domain

import (
	"errors"
	"time"
)

// EnvStatus enumerates the lifecycle of a provisioned environment.
type EnvStatus string

const (
	StatusProvisioning  EnvStatus = "PROVISIONING"
	StatusBootstrapping EnvStatus = "BOOTSTRAPPING" // PXE phase
	StatusConfiguring   EnvStatus = "CONFIGURING"   // Ansible phase
	StatusActive        EnvStatus = "ACTIVE"
	StatusError         EnvStatus = "ERROR"
)

var statusRank = map[EnvStatus]int{
	StatusProvisioning:  0,
	StatusBootstrapping: 1,
	StatusConfiguring:   2,
	StatusActive:        3,
	StatusError:         3,
}

// Valid reports whether s is one of the defined statuses.
func (s EnvStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// Terminal reports whether no further transition is possible.
func (s EnvStatus) Terminal() bool {
	return s == StatusActive || s == StatusError
}

// CanTransition reports whether an environment may move from s to next.
// Phases only move forward and may be skipped; ERROR is reachable from any
// non-terminal status.
func (s EnvStatus) CanTransition(next EnvStatus) bool {
	if !s.Valid() || !next.Valid() || s.Terminal() {
		return false
	}
	if next == StatusError {
		return true
	}
	return statusRank[next] > statusRank[s]
}

// Environment types accepted by the console.
const (
	TypeK8sCluster      = "K8s Cluster"
	TypeDevEnvironment  = "Dev Environment"
	TypeCIPipeline      = "CI/CD Pipeline"
	TypeDatabaseCluster = "Database Cluster"
)

// ValidEnvironmentType reports whether t is a known environment type.
func ValidEnvironmentType(t string) bool {
	switch t {
	case TypeK8sCluster, TypeDevEnvironment, TypeCIPipeline, TypeDatabaseCluster:
		return true
	}
	return false
}

// Resources holds display strings for the sizing of an environment.
type Resources struct {
	CPU     string `json:"cpu"`
	Memory  string `json:"memory"`
	Storage string `json:"storage"`
}

// Environment is a simulated infrastructure unit tracked by the registry.
type Environment struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	Type               string    `json:"type"`
	Status             EnvStatus `json:"status"`
	Region             string    `json:"region"`
	Resources          Resources `json:"resources"`
	Summary            string    `json:"summary,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
	TerraformWorkspace string    `json:"terraformWorkspace"`
	AnsiblePlaybook    string    `json:"ansiblePlaybook"`
}

// ErrInvalidTransition indicates a status change that the lifecycle forbids.
var ErrInvalidTransition = errors.New("invalid status transition")
