package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/ganot/capalloc/internal/domain/allocation"
	"github.com/ganot/capalloc/internal/event"
	"github.com/ganot/capalloc/internal/repository"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func testAllocation(id, resourceID, projectID string, start, end time.Time, percent int) *allocation.Allocation {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	return &allocation.Allocation{
		ID:         id,
		ResourceID: resourceID,
		ProjectID:  projectID,
		Start:      start,
		End:        end,
		Percent:    percent,
		State:      allocation.StatePending,
		CreatedBy:  "alice",
		UpdatedBy:  "alice",
		CreatedAt:  now,
		ModifiedAt: now,
		Version:    1,
	}
}

func proposedTransition(alloc *allocation.Allocation) *allocation.Transition {
	return &allocation.Transition{
		AllocationID: alloc.ID,
		To:           allocation.StatePending,
		Actor:        alloc.CreatedBy,
		OccurredAt:   alloc.CreatedAt,
	}
}

func proposedEvent(alloc *allocation.Allocation) *event.Event {
	return &event.Event{
		ID:           uuid.NewString(),
		Type:         event.TypeProposed,
		AllocationID: alloc.ID,
		ResourceID:   alloc.ResourceID,
		ProjectID:    alloc.ProjectID,
		Actor:        alloc.CreatedBy,
		Timestamp:    alloc.CreatedAt,
	}
}

func mustCreate(t *testing.T, repo *LedgerRepository, alloc *allocation.Allocation) {
	t.Helper()
	require.NoError(t, repo.Create(context.Background(), alloc, proposedTransition(alloc), proposedEvent(alloc)))
}

var (
	day1 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	day2 = time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)
	day3 = time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)
)

func TestLedger_CreateAndGet(t *testing.T) {
	repo := NewLedgerRepository(newTestDB(t))
	ctx := context.Background()

	alloc := testAllocation("a1", "res-1", "proj-1", day1, day3, 60)
	mustCreate(t, repo, alloc)

	got, err := repo.Get(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, alloc.ID, got.ID)
	require.Equal(t, alloc.ResourceID, got.ResourceID)
	require.Equal(t, alloc.ProjectID, got.ProjectID)
	require.True(t, got.Start.Equal(day1))
	require.True(t, got.End.Equal(day3))
	require.Equal(t, 60, got.Percent)
	require.Equal(t, allocation.StatePending, got.State)
	require.Equal(t, int64(1), got.Version)
}

func TestLedger_GetNotFound(t *testing.T) {
	repo := NewLedgerRepository(newTestDB(t))

	_, err := repo.Get(context.Background(), "missing")
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestLedger_UpdateBumpsVersionAndRecordsAudit(t *testing.T) {
	repo := NewLedgerRepository(newTestDB(t))
	ctx := context.Background()

	alloc := testAllocation("a1", "res-1", "proj-1", day1, day3, 60)
	mustCreate(t, repo, alloc)

	updated := *alloc
	updated.State = allocation.StateApproved
	updated.UpdatedBy = "carol"
	updated.Version = 2
	tr := &allocation.Transition{
		AllocationID: "a1",
		From:         allocation.StatePending,
		To:           allocation.StateApproved,
		Actor:        "carol",
		OccurredAt:   day1,
	}
	ev := proposedEvent(alloc)
	ev.ID = uuid.NewString()
	ev.Type = event.TypeApproved
	require.NoError(t, repo.Update(ctx, &updated, 1, tr, ev))

	got, err := repo.Get(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, allocation.StateApproved, got.State)
	require.Equal(t, int64(2), got.Version)
	require.Equal(t, "carol", got.UpdatedBy)

	trail, err := repo.Transitions(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, trail, 2)
	require.Equal(t, allocation.StatePending, trail[0].To)
	require.Equal(t, allocation.StateApproved, trail[1].To)
	require.Equal(t, allocation.StatePending, trail[1].From)
}

func TestLedger_UpdateStaleVersion(t *testing.T) {
	repo := NewLedgerRepository(newTestDB(t))
	ctx := context.Background()

	alloc := testAllocation("a1", "res-1", "proj-1", day1, day3, 60)
	mustCreate(t, repo, alloc)

	updated := *alloc
	updated.Version = 3
	err := repo.Update(ctx, &updated, 2, proposedTransition(alloc), proposedEvent(alloc))
	require.ErrorIs(t, err, repository.ErrVersionConflict)

	// The failed update left no partial writes behind.
	got, err := repo.Get(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, int64(1), got.Version)
	trail, err := repo.Transitions(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, trail, 1)
}

func TestLedger_UpdateNotFound(t *testing.T) {
	repo := NewLedgerRepository(newTestDB(t))

	alloc := testAllocation("ghost", "res-1", "proj-1", day1, day3, 60)
	err := repo.Update(context.Background(), alloc, 1, proposedTransition(alloc), proposedEvent(alloc))
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestLedger_ListForResource_Filters(t *testing.T) {
	repo := NewLedgerRepository(newTestDB(t))
	ctx := context.Background()

	a1 := testAllocation("a1", "res-1", "proj-1", day1, day2, 60)
	a1.State = allocation.StateApproved
	a2 := testAllocation("a2", "res-1", "proj-2", day2, day3, 40)
	a3 := testAllocation("a3", "res-2", "proj-1", day1, day3, 100)
	for _, a := range []*allocation.Allocation{a1, a2, a3} {
		mustCreate(t, repo, a)
	}

	all, err := repo.ListForResource(ctx, "res-1", allocation.ListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "a1", all[0].ID)
	require.Equal(t, "a2", all[1].ID)

	approved, err := repo.ListForResource(ctx, "res-1", allocation.ListOptions{
		States: []allocation.State{allocation.StateApproved},
	})
	require.NoError(t, err)
	require.Len(t, approved, 1)
	require.Equal(t, "a1", approved[0].ID)

	excluded, err := repo.ListForResource(ctx, "res-1", allocation.ListOptions{ExcludeID: "a1"})
	require.NoError(t, err)
	require.Len(t, excluded, 1)
	require.Equal(t, "a2", excluded[0].ID)

	limited, err := repo.ListForResource(ctx, "res-1", allocation.ListOptions{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
}

func TestLedger_ListForResource_OverlapWindow(t *testing.T) {
	// Half-open semantics: an allocation ending exactly where the window
	// starts does not overlap it.
	repo := NewLedgerRepository(newTestDB(t))
	ctx := context.Background()

	mustCreate(t, repo, testAllocation("a1", "res-1", "proj-1", day1, day2, 60))

	touching, err := repo.ListForResource(ctx, "res-1", allocation.ListOptions{From: day2, To: day3})
	require.NoError(t, err)
	require.Empty(t, touching)

	overlapping, err := repo.ListForResource(ctx, "res-1", allocation.ListOptions{
		From: day2.Add(-time.Hour), To: day3,
	})
	require.NoError(t, err)
	require.Len(t, overlapping, 1)

	before, err := repo.ListForResource(ctx, "res-1", allocation.ListOptions{To: day1})
	require.NoError(t, err)
	require.Empty(t, before)
}

func TestLedger_ListForProject(t *testing.T) {
	repo := NewLedgerRepository(newTestDB(t))
	ctx := context.Background()

	mustCreate(t, repo, testAllocation("a1", "res-1", "proj-1", day1, day2, 60))
	mustCreate(t, repo, testAllocation("a2", "res-2", "proj-1", day2, day3, 40))
	mustCreate(t, repo, testAllocation("a3", "res-1", "proj-2", day1, day3, 20))

	got, err := repo.ListForProject(ctx, "proj-1", allocation.ListOptions{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, a := range got {
		require.Equal(t, "proj-1", a.ProjectID)
	}
}

func TestLedger_ListCommitted(t *testing.T) {
	repo := NewLedgerRepository(newTestDB(t))
	ctx := context.Background()

	a1 := testAllocation("a1", "res-1", "proj-1", day1, day2, 60)
	a1.State = allocation.StateApproved
	a2 := testAllocation("a2", "res-1", "proj-2", day2, day3, 40)
	a2.State = allocation.StateActive
	a3 := testAllocation("a3", "res-2", "proj-1", day1, day3, 100)
	a4 := testAllocation("a4", "res-2", "proj-2", day1, day2, 50)
	a4.State = allocation.StateCancelled
	for _, a := range []*allocation.Allocation{a1, a2, a3, a4} {
		mustCreate(t, repo, a)
	}

	committed, err := repo.ListCommitted(ctx)
	require.NoError(t, err)
	require.Len(t, committed, 2)
	for _, a := range committed {
		require.True(t, a.Committed())
	}
}
