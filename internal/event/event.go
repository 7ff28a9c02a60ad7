package event

import "time"

// Type identifies an allocation lifecycle event.
type Type string

const (
	TypeProposed  Type = "PROPOSED"
	TypeApproved  Type = "APPROVED"
	TypeRejected  Type = "REJECTED"
	TypeAmended   Type = "AMENDED"
	TypeCancelled Type = "CANCELLED"
	TypeActivated Type = "ACTIVATED"
	TypeCompleted Type = "COMPLETED"
)

// Event is a lifecycle notification for external consumers. Delivery is
// at-least-once; consumers de-duplicate by (AllocationID, Type, Timestamp).
type Event struct {
	ID           string    `json:"id"`
	Type         Type      `json:"event_type"`
	AllocationID string    `json:"allocation_id"`
	ResourceID   string    `json:"resource_id"`
	ProjectID    string    `json:"project_id"`
	Actor        string    `json:"actor"`
	Timestamp    time.Time `json:"timestamp"`
	Attempts     int       `json:"-"`
}
