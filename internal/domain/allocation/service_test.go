package allocation_test

import (
	"context"
	"testing"
	"time"

	"github.com/ganot/capalloc/internal/domain/allocation"
	"github.com/ganot/capalloc/internal/domain/capacity"
	"github.com/ganot/capalloc/internal/domain/resource"
	"github.com/ganot/capalloc/internal/repository"
	"github.com/ganot/capalloc/internal/repository/mocks"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	monday = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	friday = time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC)
)

func newTestService(t *testing.T) (*allocation.Service, *mocks.Ledger, *mocks.Catalog) {
	t.Helper()
	ledger := new(mocks.Ledger)
	catalog := new(mocks.Catalog)
	svc := allocation.NewService(ledger, catalog, capacity.NewIndex(time.Hour), nil)
	return svc, ledger, catalog
}

func activeResource(id string, base int) *resource.Resource {
	return &resource.Resource{ID: id, Category: "backend", BaseCapacity: base, Active: true}
}

func pendingAllocation(id, resourceID string, percent int) *allocation.Allocation {
	return &allocation.Allocation{
		ID:         id,
		ResourceID: resourceID,
		ProjectID:  "proj-1",
		Start:      monday,
		End:        friday,
		Percent:    percent,
		State:      allocation.StatePending,
		CreatedBy:  "alice",
		UpdatedBy:  "alice",
		Version:    1,
	}
}

func committedAllocation(id, resourceID string, percent int) allocation.Allocation {
	a := pendingAllocation(id, resourceID, percent)
	a.State = allocation.StateApproved
	a.Version = 2
	return *a
}

func TestPropose_Validation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		req   allocation.ProposeRequest
		field string
	}{
		{
			name:  "start after end",
			req:   allocation.ProposeRequest{ResourceID: "res-1", ProjectID: "proj-1", Start: friday, End: monday, Percent: 50, RequestedBy: "alice"},
			field: "interval",
		},
		{
			name:  "start equals end",
			req:   allocation.ProposeRequest{ResourceID: "res-1", ProjectID: "proj-1", Start: monday, End: monday, Percent: 50, RequestedBy: "alice"},
			field: "interval",
		},
		{
			name:  "zero percent",
			req:   allocation.ProposeRequest{ResourceID: "res-1", ProjectID: "proj-1", Start: monday, End: friday, Percent: 0, RequestedBy: "alice"},
			field: "percent",
		},
		{
			name:  "percent above 100",
			req:   allocation.ProposeRequest{ResourceID: "res-1", ProjectID: "proj-1", Start: monday, End: friday, Percent: 101, RequestedBy: "alice"},
			field: "percent",
		},
		{
			name:  "missing project",
			req:   allocation.ProposeRequest{ResourceID: "res-1", Start: monday, End: friday, Percent: 50, RequestedBy: "alice"},
			field: "project_id",
		},
		{
			name:  "missing actor",
			req:   allocation.ProposeRequest{ResourceID: "res-1", ProjectID: "proj-1", Start: monday, End: friday, Percent: 50},
			field: "requested_by",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Propose(ctx, tt.req)
			var verr *allocation.ValidationError
			require.ErrorAs(t, err, &verr)
			require.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestPropose_UnknownResource(t *testing.T) {
	svc, _, catalog := newTestService(t)
	catalog.On("GetResource", mock.Anything, "ghost").Return(nil, resource.ErrNotFound)

	_, err := svc.Propose(context.Background(), allocation.ProposeRequest{
		ResourceID: "ghost", ProjectID: "proj-1",
		Start: monday, End: friday, Percent: 50, RequestedBy: "alice",
	})

	var verr *allocation.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "resource_id", verr.Field)
}

func TestPropose_InactiveResource(t *testing.T) {
	svc, _, catalog := newTestService(t)
	catalog.On("GetResource", mock.Anything, "res-1").
		Return(&resource.Resource{ID: "res-1", BaseCapacity: 100, Active: false}, nil)

	_, err := svc.Propose(context.Background(), allocation.ProposeRequest{
		ResourceID: "res-1", ProjectID: "proj-1",
		Start: monday, End: friday, Percent: 50, RequestedBy: "alice",
	})

	var verr *allocation.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "resource_id", verr.Field)
}

func TestPropose_CatalogUnavailable(t *testing.T) {
	svc, _, catalog := newTestService(t)
	upstream := resource.ErrCatalogUnavailable
	catalog.On("GetResource", mock.Anything, "res-1").Return(nil, upstream)

	_, err := svc.Propose(context.Background(), allocation.ProposeRequest{
		ResourceID: "res-1", ProjectID: "proj-1",
		Start: monday, End: friday, Percent: 50, RequestedBy: "alice",
	})
	require.ErrorIs(t, err, resource.ErrCatalogUnavailable)
}

func TestPropose_Success(t *testing.T) {
	svc, ledger, catalog := newTestService(t)
	catalog.On("GetResource", mock.Anything, "res-1").Return(activeResource("res-1", 100), nil)
	ledger.On("ListForResource", mock.Anything, "res-1", mock.Anything).Return([]allocation.Allocation{}, nil)
	ledger.On("Create", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	alloc, err := svc.Propose(context.Background(), allocation.ProposeRequest{
		ResourceID: "res-1", ProjectID: "proj-1",
		Start: monday, End: friday, Percent: 60, RequestedBy: "alice",
	})

	require.NoError(t, err)
	require.NotEmpty(t, alloc.ID)
	require.Equal(t, allocation.StatePending, alloc.State)
	require.Equal(t, int64(1), alloc.Version)
	require.Empty(t, alloc.Warnings)
	ledger.AssertExpectations(t)
}

func TestPropose_OvercommitIsWarningNotError(t *testing.T) {
	// Scenario B: two pending requests that together exceed capacity
	// both succeed; the second carries a warning.
	svc, ledger, catalog := newTestService(t)
	catalog.On("GetResource", mock.Anything, "res-1").Return(activeResource("res-1", 100), nil)

	existing := pendingAllocation("a1", "res-1", 60)
	ledger.On("ListForResource", mock.Anything, "res-1", mock.Anything).
		Return([]allocation.Allocation{*existing}, nil)
	ledger.On("Create", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	alloc, err := svc.Propose(context.Background(), allocation.ProposeRequest{
		ResourceID: "res-1", ProjectID: "proj-2",
		Start: monday, End: friday, Percent: 60, RequestedBy: "bob",
	})

	require.NoError(t, err)
	require.Equal(t, allocation.StatePending, alloc.State)
	require.Len(t, alloc.Warnings, 1)
	require.Contains(t, alloc.Warnings[0], "120%")
}

func TestApprove_Success(t *testing.T) {
	svc, ledger, catalog := newTestService(t)
	catalog.On("GetResource", mock.Anything, "res-1").Return(activeResource("res-1", 100), nil)
	ledger.On("Get", mock.Anything, "a1").Return(pendingAllocation("a1", "res-1", 60), nil)
	ledger.On("Update", mock.Anything, mock.Anything, int64(1), mock.Anything, mock.Anything).Return(nil)

	alloc, err := svc.Approve(context.Background(), allocation.ApproveRequest{ID: "a1", ApprovedBy: "carol"})

	require.NoError(t, err)
	require.Equal(t, allocation.StateApproved, alloc.State)
	require.Equal(t, int64(2), alloc.Version)
	require.Equal(t, "carol", alloc.UpdatedBy)
	ledger.AssertExpectations(t)
	// With nothing committed, the index answers the conflict check and
	// the ledger is never swept.
	ledger.AssertNotCalled(t, "ListForResource", mock.Anything, mock.Anything, mock.Anything)
}

func TestApprove_IndexFastPathSkipsSweep(t *testing.T) {
	// The committed 40% leaves room for 60%, so the bucket-level answer
	// is definitive and no exact sweep runs.
	svc, ledger, catalog := newTestService(t)
	catalog.On("GetResource", mock.Anything, "res-1").Return(activeResource("res-1", 100), nil)

	committed := committedAllocation("a1", "res-1", 40)
	ledger.On("ListCommitted", mock.Anything).Return([]allocation.Allocation{committed}, nil)
	require.NoError(t, svc.RestoreIndex(context.Background()))

	ledger.On("Get", mock.Anything, "a2").Return(pendingAllocation("a2", "res-1", 60), nil)
	ledger.On("Update", mock.Anything, mock.Anything, int64(1), mock.Anything, mock.Anything).Return(nil)

	alloc, err := svc.Approve(context.Background(), allocation.ApproveRequest{ID: "a2", ApprovedBy: "carol"})

	require.NoError(t, err)
	require.Equal(t, allocation.StateApproved, alloc.State)
	ledger.AssertNotCalled(t, "ListForResource", mock.Anything, mock.Anything, mock.Anything)
}

func TestApprove_Conflict(t *testing.T) {
	// Scenario B continued: first approval committed 60%, so approving a
	// second 60% over the same week fails the capacity invariant.
	svc, ledger, catalog := newTestService(t)
	catalog.On("GetResource", mock.Anything, "res-1").Return(activeResource("res-1", 100), nil)

	committed := committedAllocation("a1", "res-1", 60)
	ledger.On("ListCommitted", mock.Anything).Return([]allocation.Allocation{committed}, nil)
	require.NoError(t, svc.RestoreIndex(context.Background()))

	ledger.On("Get", mock.Anything, "a2").Return(pendingAllocation("a2", "res-1", 60), nil)
	ledger.On("ListForResource", mock.Anything, "res-1", mock.Anything).
		Return([]allocation.Allocation{committed}, nil)

	_, err := svc.Approve(context.Background(), allocation.ApproveRequest{ID: "a2", ApprovedBy: "carol"})

	var cerr *allocation.ConflictError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, "res-1", cerr.ResourceID)
	require.Equal(t, 120, cerr.Peak)
	require.Equal(t, 100, cerr.BaseCapacity)
	require.Len(t, cerr.Overlapping, 1)
	ledger.AssertNotCalled(t, "Update", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestApprove_NotFound(t *testing.T) {
	svc, ledger, _ := newTestService(t)
	ledger.On("Get", mock.Anything, "missing").Return(nil, repository.ErrNotFound)

	_, err := svc.Approve(context.Background(), allocation.ApproveRequest{ID: "missing", ApprovedBy: "carol"})
	require.ErrorIs(t, err, allocation.ErrNotFound)
}

func TestApprove_NotPending(t *testing.T) {
	svc, ledger, _ := newTestService(t)
	approved := committedAllocation("a1", "res-1", 60)
	ledger.On("Get", mock.Anything, "a1").Return(&approved, nil)

	_, err := svc.Approve(context.Background(), allocation.ApproveRequest{ID: "a1", ApprovedBy: "carol"})

	var terr *allocation.InvalidTransitionError
	require.ErrorAs(t, err, &terr)
	require.Equal(t, allocation.StateApproved, terr.From)
	require.Equal(t, allocation.StateApproved, terr.To)
}

func TestApprove_StaleVersion(t *testing.T) {
	svc, ledger, catalog := newTestService(t)
	catalog.On("GetResource", mock.Anything, "res-1").Return(activeResource("res-1", 100), nil)

	current := pendingAllocation("a1", "res-1", 60)
	current.Version = 3
	ledger.On("Get", mock.Anything, "a1").Return(current, nil)

	_, err := svc.Approve(context.Background(), allocation.ApproveRequest{
		ID: "a1", ApprovedBy: "carol", ExpectedVersion: 2,
	})

	var serr *allocation.StaleVersionError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, int64(2), serr.Expected)
}

func TestReject_OnlyFromPending(t *testing.T) {
	svc, ledger, _ := newTestService(t)
	approved := committedAllocation("a1", "res-1", 60)
	ledger.On("Get", mock.Anything, "a1").Return(&approved, nil)

	err := svc.Reject(context.Background(), "a1", "carol", "not needed")

	var terr *allocation.InvalidTransitionError
	require.ErrorAs(t, err, &terr)
	require.Equal(t, allocation.StateRejected, terr.To)
}

func TestReject_Success(t *testing.T) {
	svc, ledger, _ := newTestService(t)
	ledger.On("Get", mock.Anything, "a1").Return(pendingAllocation("a1", "res-1", 60), nil)
	ledger.On("Update", mock.Anything, mock.Anything, int64(1), mock.Anything, mock.Anything).Return(nil)

	require.NoError(t, svc.Reject(context.Background(), "a1", "carol", "budget cut"))
	ledger.AssertExpectations(t)
}

func TestReject_VersionConflictFromLedger(t *testing.T) {
	svc, ledger, _ := newTestService(t)
	ledger.On("Get", mock.Anything, "a1").Return(pendingAllocation("a1", "res-1", 60), nil)
	ledger.On("Update", mock.Anything, mock.Anything, int64(1), mock.Anything, mock.Anything).
		Return(repository.ErrVersionConflict)

	err := svc.Reject(context.Background(), "a1", "carol", "")

	var serr *allocation.StaleVersionError
	require.ErrorAs(t, err, &serr)
}

func TestAmend_TerminalState(t *testing.T) {
	svc, ledger, _ := newTestService(t)
	cancelled := committedAllocation("a1", "res-1", 60)
	cancelled.State = allocation.StateCancelled
	ledger.On("Get", mock.Anything, "a1").Return(&cancelled, nil)

	_, err := svc.Amend(context.Background(), allocation.AmendRequest{
		ID: "a1", NewStart: monday, NewEnd: friday, NewPercent: 40, Actor: "alice",
	})

	var terr *allocation.InvalidTransitionError
	require.ErrorAs(t, err, &terr)
}

func TestAmend_ApprovedConflict(t *testing.T) {
	// Growing an approved allocation past what the rest of the committed
	// set leaves free must fail, and the record must stay unchanged.
	svc, ledger, catalog := newTestService(t)
	catalog.On("GetResource", mock.Anything, "res-1").Return(activeResource("res-1", 100), nil)

	other := committedAllocation("a1", "res-1", 70)
	target := committedAllocation("a2", "res-1", 30)
	ledger.On("ListCommitted", mock.Anything).Return([]allocation.Allocation{other, target}, nil)
	require.NoError(t, svc.RestoreIndex(context.Background()))

	ledger.On("Get", mock.Anything, "a2").Return(&target, nil)
	ledger.On("ListForResource", mock.Anything, "res-1", mock.Anything).
		Return([]allocation.Allocation{other}, nil)

	_, err := svc.Amend(context.Background(), allocation.AmendRequest{
		ID: "a2", NewStart: monday, NewEnd: friday, NewPercent: 50, Actor: "alice",
	})

	var cerr *allocation.ConflictError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, 120, cerr.Peak)
	ledger.AssertNotCalled(t, "Update", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestAmend_ApprovedSuccess(t *testing.T) {
	svc, ledger, catalog := newTestService(t)
	catalog.On("GetResource", mock.Anything, "res-1").Return(activeResource("res-1", 100), nil)

	target := committedAllocation("a1", "res-1", 60)
	ledger.On("ListCommitted", mock.Anything).Return([]allocation.Allocation{target}, nil)
	require.NoError(t, svc.RestoreIndex(context.Background()))

	ledger.On("Get", mock.Anything, "a1").Return(&target, nil)
	ledger.On("ListForResource", mock.Anything, "res-1", mock.Anything).
		Return([]allocation.Allocation{}, nil)
	ledger.On("Update", mock.Anything, mock.Anything, int64(2), mock.Anything, mock.Anything).Return(nil)

	alloc, err := svc.Amend(context.Background(), allocation.AmendRequest{
		ID: "a1", NewStart: monday, NewEnd: friday, NewPercent: 80, Actor: "alice",
	})

	require.NoError(t, err)
	require.Equal(t, 80, alloc.Percent)
	require.Equal(t, int64(3), alloc.Version)
	require.Equal(t, allocation.StateApproved, alloc.State)
}

func TestCancel_FromPendingDenied(t *testing.T) {
	svc, ledger, _ := newTestService(t)
	ledger.On("Get", mock.Anything, "a1").Return(pendingAllocation("a1", "res-1", 60), nil)

	err := svc.Cancel(context.Background(), "a1", "carol", "")

	var terr *allocation.InvalidTransitionError
	require.ErrorAs(t, err, &terr)
	require.Equal(t, allocation.StateCancelled, terr.To)
}

func TestCancel_ReleasesCapacity(t *testing.T) {
	// After a cancel, the freed capacity is approvable again.
	svc, ledger, catalog := newTestService(t)
	catalog.On("GetResource", mock.Anything, "res-1").Return(activeResource("res-1", 100), nil)

	committed := committedAllocation("a1", "res-1", 60)
	ledger.On("ListCommitted", mock.Anything).Return([]allocation.Allocation{committed}, nil)
	require.NoError(t, svc.RestoreIndex(context.Background()))

	ledger.On("Get", mock.Anything, "a1").Return(&committed, nil)
	ledger.On("Update", mock.Anything, mock.Anything, int64(2), mock.Anything, mock.Anything).Return(nil)
	require.NoError(t, svc.Cancel(context.Background(), "a1", "carol", "project paused"))

	// A fresh 60% candidate now passes the index fast path without
	// consulting the ledger's committed rows.
	ledger.On("Get", mock.Anything, "a2").Return(pendingAllocation("a2", "res-1", 60), nil)
	ledger.On("Update", mock.Anything, mock.Anything, int64(1), mock.Anything, mock.Anything).Return(nil)

	alloc, err := svc.Approve(context.Background(), allocation.ApproveRequest{ID: "a2", ApprovedBy: "carol"})
	require.NoError(t, err)
	require.Equal(t, allocation.StateApproved, alloc.State)
}

func TestComplete_OnlyFromActive(t *testing.T) {
	svc, ledger, _ := newTestService(t)
	approved := committedAllocation("a1", "res-1", 60)
	ledger.On("Get", mock.Anything, "a1").Return(&approved, nil)

	err := svc.Complete(context.Background(), "a1", "carol")

	var terr *allocation.InvalidTransitionError
	require.ErrorAs(t, err, &terr)
	require.Equal(t, allocation.StateCompleted, terr.To)
}

func TestActivate_Success(t *testing.T) {
	svc, ledger, _ := newTestService(t)
	approved := committedAllocation("a1", "res-1", 60)
	ledger.On("Get", mock.Anything, "a1").Return(&approved, nil)
	ledger.On("Update", mock.Anything, mock.Anything, int64(2), mock.Anything, mock.Anything).Return(nil)

	require.NoError(t, svc.Activate(context.Background(), "a1", "alice"))
	require.Equal(t, allocation.StateActive, approved.State)
}

func TestHistory_NotFound(t *testing.T) {
	svc, ledger, _ := newTestService(t)
	ledger.On("Get", mock.Anything, "missing").Return(nil, repository.ErrNotFound)

	_, err := svc.History(context.Background(), "missing")
	require.ErrorIs(t, err, allocation.ErrNotFound)
}

func TestHistory_ReturnsTrail(t *testing.T) {
	svc, ledger, _ := newTestService(t)
	approved := committedAllocation("a1", "res-1", 60)
	ledger.On("Get", mock.Anything, "a1").Return(&approved, nil)
	ledger.On("Transitions", mock.Anything, "a1").Return([]allocation.Transition{
		{AllocationID: "a1", To: allocation.StatePending, Actor: "alice"},
		{AllocationID: "a1", From: allocation.StatePending, To: allocation.StateApproved, Actor: "carol"},
	}, nil)

	trail, err := svc.History(context.Background(), "a1")
	require.NoError(t, err)
	require.Len(t, trail, 2)
	require.Equal(t, allocation.StateApproved, trail[1].To)
}
