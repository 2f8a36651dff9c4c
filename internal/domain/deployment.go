package domain

import "time"

// RunState enumerates the states of a deployment run.
type RunState string

const (
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunCancelled RunState = "cancelled"
)

// DeploymentRun tracks one simulated deployment of an environment.
type DeploymentRun struct {
	ID            string     `json:"id"`
	EnvironmentID string     `json:"environmentId"`
	State         RunState   `json:"state"`
	StartedAt     time.Time  `json:"startedAt"`
	FinishedAt    *time.Time `json:"finishedAt,omitempty"`
}

// ProvisioningEvent is a progress notification from an external provisioner.
type ProvisioningEvent struct {
	EnvironmentID string    `json:"environment_id"`
	Source        string    `json:"source"`
	Status        EnvStatus `json:"status"`
	Level         string    `json:"level"`
	Message       string    `json:"message"`
	Timestamp     time.Time `json:"timestamp"`
}
