package allocation

import (
	"context"

	"github.com/ganot/capalloc/internal/event"
)

// Ledger is the durable allocation store. Create and Update write the
// allocation row, its audit transition, and the outbox event in a
// single transaction: a committing step is either fully recorded or
// not at all. Update is conditional on expectedVersion and returns
// repository.ErrVersionConflict on a mismatch.
type Ledger interface {
	Create(ctx context.Context, alloc *Allocation, tr *Transition, ev *event.Event) error
	Get(ctx context.Context, id string) (*Allocation, error)
	Update(ctx context.Context, alloc *Allocation, expectedVersion int64, tr *Transition, ev *event.Event) error
	ListForResource(ctx context.Context, resourceID string, opts ListOptions) ([]Allocation, error)
	ListForProject(ctx context.Context, projectID string, opts ListOptions) ([]Allocation, error)
	// ListCommitted returns every APPROVED/ACTIVE allocation, for
	// capacity-index rebuilds.
	ListCommitted(ctx context.Context) ([]Allocation, error)
	// Transitions returns an allocation's audit trail, oldest first.
	Transitions(ctx context.Context, allocationID string) ([]Transition, error)
}
