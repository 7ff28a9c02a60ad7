package allocation

import (
	"time"

	"github.com/ganot/capalloc/internal/domain/capacity"
)

// State represents the lifecycle state of an allocation.
type State string

const (
	StatePending   State = "PENDING"
	StateApproved  State = "APPROVED"
	StateActive    State = "ACTIVE"
	StateCompleted State = "COMPLETED"
	StateCancelled State = "CANCELLED"
	StateRejected  State = "REJECTED"
)

// Allocation commits a percentage of a resource's capacity to a project
// over the half-open interval [Start, End). Records in PENDING hold no
// capacity; APPROVED and ACTIVE records count toward the hard invariant
// that a resource's committed sum never exceeds its base capacity at
// any instant.
type Allocation struct {
	ID         string    `json:"id"`
	ResourceID string    `json:"resource_id"`
	ProjectID  string    `json:"project_id"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Percent    int       `json:"percent"`
	State      State     `json:"state"`
	CreatedBy  string    `json:"created_by"`
	UpdatedBy  string    `json:"updated_by"`
	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
	Version    int64     `json:"version"`

	// Warnings carries soft-mode conflict findings attached at propose
	// or amend time. Advisory only, never persisted.
	Warnings []string `json:"warnings,omitempty"`
}

// Interval returns the allocation's [Start, End) span.
func (a *Allocation) Interval() capacity.Interval {
	return capacity.Interval{Start: a.Start, End: a.End}
}

// Claim returns the allocation as a conflict-detector input.
func (a *Allocation) Claim() capacity.Claim {
	return capacity.Claim{
		AllocationID: a.ID,
		ProjectID:    a.ProjectID,
		Interval:     a.Interval(),
		Percent:      a.Percent,
	}
}

// Committed reports whether the allocation currently holds capacity.
func (a *Allocation) Committed() bool {
	return a.State == StateApproved || a.State == StateActive
}

// Transition is one audited step of an allocation's lifecycle.
type Transition struct {
	AllocationID string    `json:"allocation_id"`
	From         State     `json:"from"`
	To           State     `json:"to"`
	Actor        string    `json:"actor"`
	Reason       string    `json:"reason,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// ListOptions filters ledger queries.
type ListOptions struct {
	// States restricts results to the given lifecycle states.
	States []State
	// From/To select allocations whose interval overlaps [From, To).
	// Zero values leave the corresponding side unbounded.
	From time.Time
	To   time.Time
	// ExcludeID omits one allocation, used when re-checking an amend
	// candidate against everything but itself.
	ExcludeID string
	Limit     int
	Offset    int
}

// CommittedStates are the states that hold capacity.
var CommittedStates = []State{StateApproved, StateActive}

// CheckedStatesSoft are the states consulted by soft-mode conflict
// checks at propose time: pendings are included so competing requests
// surface as warnings before anyone approves.
var CheckedStatesSoft = []State{StatePending, StateApproved, StateActive}
