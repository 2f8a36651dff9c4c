package timeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/regainflow/console/internal/domain"
)

// Event is one scripted step of a deployment.
type Event struct {
	Delay   time.Duration
	Message string
	Source  string
	// Status, when set, is applied to the environment as the event fires.
	Status domain.EnvStatus
	// Terminal marks the final event: it logs at SUCCESS and completes the run.
	Terminal bool
}

// Level is the log level the event is emitted at.
func (e Event) Level() string {
	if e.Terminal {
		return domain.LevelSuccess
	}
	return domain.LevelInfo
}

// Schedule is an ordered list of events measured from the start of a run.
type Schedule []Event

// DefaultSchedule is the reference Terraform, PXE and Ansible pipeline.
func DefaultSchedule() Schedule {
	return Schedule{
		{Delay: 500 * time.Millisecond, Message: "Initializing Terraform backend...", Source: domain.SourceTerraform},
		{Delay: 1500 * time.Millisecond, Message: "Plan generated. 14 resources to add.", Source: domain.SourceTerraform},
		{Delay: 2500 * time.Millisecond, Message: "Provisioning AWS VPC resources...", Source: domain.SourceTerraform},
		{Delay: 4000 * time.Millisecond, Message: "Instances initialized. Waiting for PXE boot...", Source: domain.SourcePXE, Status: domain.StatusBootstrapping},
		{Delay: 5000 * time.Millisecond, Message: "HighSide Secure Bootloader active.", Source: domain.SourcePXE},
		{Delay: 6000 * time.Millisecond, Message: "OS Image streamed successfully.", Source: domain.SourcePXE},
		{Delay: 7000 * time.Millisecond, Message: "Ansible inventory updated.", Source: domain.SourceAnsible, Status: domain.StatusConfiguring},
		{Delay: 8000 * time.Millisecond, Message: "Running playbook: security-hardening.yml", Source: domain.SourceAnsible},
		{Delay: 9500 * time.Millisecond, Message: "Environment configuration complete.", Source: domain.SourceSystem, Status: domain.StatusActive, Terminal: true},
	}
}

var (
	ErrEmptySchedule    = errors.New("timeline: schedule has no events")
	ErrUnorderedEvents  = errors.New("timeline: event delays must strictly increase")
	ErrTerminalPosition = errors.New("timeline: exactly one terminal event must be last")
)

// Validate checks that delays strictly increase and that exactly one terminal
// event closes the schedule.
func (s Schedule) Validate() error {
	if len(s) == 0 {
		return ErrEmptySchedule
	}
	var prev time.Duration = -1
	for i, ev := range s {
		if ev.Delay <= prev {
			return fmt.Errorf("%w: event %d at %s", ErrUnorderedEvents, i, ev.Delay)
		}
		prev = ev.Delay
		if ev.Terminal != (i == len(s)-1) {
			return fmt.Errorf("%w: event %d", ErrTerminalPosition, i)
		}
		if ev.Status != "" && !ev.Status.Valid() {
			return fmt.Errorf("timeline: event %d has unknown status %q", i, ev.Status)
		}
	}
	return nil
}

// Scaled returns a copy of the schedule with every delay divided by speed.
// Non-positive speeds leave delays unchanged.
func (s Schedule) Scaled(speed float64) Schedule {
	out := make(Schedule, len(s))
	copy(out, s)
	if speed <= 0 || speed == 1 {
		return out
	}
	for i := range out {
		out[i].Delay = time.Duration(float64(out[i].Delay) / speed)
	}
	return out
}

// Duration is the delay of the last event.
func (s Schedule) Duration() time.Duration {
	if len(s) == 0 {
		return 0
	}
	return s[len(s)-1].Delay
}
