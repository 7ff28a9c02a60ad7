package allocation

import (
	"errors"
	"fmt"
	"time"

	"github.com/ganot/capalloc/internal/domain/capacity"
)

// ErrNotFound is returned when no allocation exists with the given id.
var ErrNotFound = errors.New("allocation not found")

// ValidationError reports malformed input: bad interval, percentage out
// of range, or an unknown/inactive resource. Caller error, not retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConflictError reports that committing the candidate would breach the
// resource's base capacity somewhere in its span.
type ConflictError struct {
	ResourceID   string            `json:"resource_id"`
	BaseCapacity int               `json:"base_capacity"`
	Peak         int               `json:"peak"`
	Window       capacity.Interval `json:"window"`
	Overlapping  []capacity.Claim  `json:"overlapping"`
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("capacity conflict on resource %s: peak %d%% exceeds base %d%% in [%s, %s)",
		e.ResourceID, e.Peak, e.BaseCapacity,
		e.Window.Start.Format(time.RFC3339),
		e.Window.End.Format(time.RFC3339))
}

// InvalidTransitionError reports a lifecycle step the workflow forbids.
type InvalidTransitionError struct {
	AllocationID string `json:"allocation_id"`
	From         State  `json:"from"`
	To           State  `json:"to"`
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("allocation %s: invalid transition %s -> %s", e.AllocationID, e.From, e.To)
}

// StaleVersionError reports an optimistic-concurrency failure: the
// record changed between the caller's read and its write. The caller
// should re-read and retry.
type StaleVersionError struct {
	AllocationID string `json:"allocation_id"`
	Expected     int64  `json:"expected"`
}

func (e *StaleVersionError) Error() string {
	return fmt.Sprintf("allocation %s: stale version (expected %d)", e.AllocationID, e.Expected)
}
