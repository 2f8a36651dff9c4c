package domain

import "time"

// Audit outcome values.
const (
	AuditSuccess = "SUCCESS"
	AuditBlocked = "BLOCKED"
	AuditFailed  = "FAILED"
)

// AuditEvent records an operator or system action against a resource.
type AuditEvent struct {
	ID        string    `json:"id"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor"`
	Resource  string    `json:"resource"`
	Status    string    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
