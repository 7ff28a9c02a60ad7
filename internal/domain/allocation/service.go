package allocation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ganot/capalloc/internal/domain/capacity"
	"github.com/ganot/capalloc/internal/domain/resource"
	"github.com/ganot/capalloc/internal/event"
	"github.com/ganot/capalloc/internal/repository"
	"github.com/google/uuid"
)

// Service is the allocation engine: it validates candidate allocations
// against the catalog, runs conflict detection, drives the approval
// workflow, and keeps ledger and capacity index in step.
//
// Committing transitions for one resource are serialized by a
// per-resource lock; the check-then-commit sequence inside the lock is
// atomic, so no caller ever observes a transiently violated invariant.
type Service struct {
	ledger  Ledger
	catalog resource.Catalog
	index   *capacity.Index
	locks   *resourceLocks
	logger  *slog.Logger
}

// NewService creates the allocation engine.
func NewService(ledger Ledger, catalog resource.Catalog, index *capacity.Index, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if index == nil {
		index = capacity.NewIndex(capacity.DefaultGranularity)
	}
	return &Service{
		ledger:  ledger,
		catalog: catalog,
		index:   index,
		locks:   newResourceLocks(),
		logger:  logger,
	}
}

// RestoreIndex rebuilds the capacity index by replaying every committed
// ledger row. Called at startup and whenever the index is invalidated.
func (s *Service) RestoreIndex(ctx context.Context) error {
	committed, err := s.ledger.ListCommitted(ctx)
	if err != nil {
		return fmt.Errorf("listing committed allocations: %w", err)
	}
	claims := make(map[string][]capacity.Claim)
	for i := range committed {
		a := &committed[i]
		claims[a.ResourceID] = append(claims[a.ResourceID], a.Claim())
	}
	s.index.RebuildAll(claims)
	s.logger.Info("capacity index rebuilt", "allocations", len(committed), "resources", len(claims))
	return nil
}

// ProposeRequest defines allocation proposal inputs.
type ProposeRequest struct {
	ResourceID  string
	ProjectID   string
	Start       time.Time
	End         time.Time
	Percent     int
	RequestedBy string
}

// Propose creates a PENDING allocation. The candidate is soft-checked
// against pending and committed allocations; a would-be overcommit is
// attached as a warning, never a failure, because pendings don't hold
// capacity.
func (s *Service) Propose(ctx context.Context, req ProposeRequest) (*Allocation, error) {
	if err := validateCandidate(req.Start, req.End, req.Percent); err != nil {
		return nil, err
	}
	if req.ProjectID == "" {
		return nil, &ValidationError{Field: "project_id", Reason: "required"}
	}
	if req.RequestedBy == "" {
		return nil, &ValidationError{Field: "requested_by", Reason: "required"}
	}

	res, err := s.lookupResource(ctx, req.ResourceID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	alloc := &Allocation{
		ID:         uuid.NewString(),
		ResourceID: req.ResourceID,
		ProjectID:  req.ProjectID,
		Start:      req.Start.UTC(),
		End:        req.End.UTC(),
		Percent:    req.Percent,
		State:      StatePending,
		CreatedBy:  req.RequestedBy,
		UpdatedBy:  req.RequestedBy,
		CreatedAt:  now,
		ModifiedAt: now,
		Version:    1,
	}

	warnings, err := s.softCheck(ctx, res, alloc.Claim(), "")
	if err != nil {
		return nil, err
	}
	alloc.Warnings = warnings

	tr := &Transition{
		AllocationID: alloc.ID,
		To:           StatePending,
		Actor:        req.RequestedBy,
		OccurredAt:   now,
	}
	if err := s.ledger.Create(ctx, alloc, tr, s.newEvent(event.TypeProposed, alloc, req.RequestedBy, now)); err != nil {
		return nil, fmt.Errorf("creating allocation: %w", err)
	}

	s.logger.Info("allocation proposed",
		"allocation_id", alloc.ID, "resource_id", alloc.ResourceID,
		"project_id", alloc.ProjectID, "percent", alloc.Percent,
		"warnings", len(warnings))
	return alloc, nil
}

// ApproveRequest defines approval inputs. ExpectedVersion, when
// non-zero, guards against approving from a stale read.
type ApproveRequest struct {
	ID              string
	ApprovedBy      string
	ExpectedVersion int64
}

// Approve transitions PENDING -> APPROVED and commits the capacity.
// The hard conflict check runs against APPROVED/ACTIVE records inside
// the resource's critical section; ledger write and index update happen
// together under the same lock, so either both take effect or neither.
func (s *Service) Approve(ctx context.Context, req ApproveRequest) (*Allocation, error) {
	if req.ApprovedBy == "" {
		return nil, &ValidationError{Field: "approved_by", Reason: "required"}
	}

	pre, err := s.get(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if pre.State != StatePending {
		return nil, &InvalidTransitionError{AllocationID: pre.ID, From: pre.State, To: StateApproved}
	}

	// Catalog lookup may suspend on a refresh; resolve it before
	// entering the critical section.
	res, err := s.lookupResource(ctx, pre.ResourceID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.acquire(pre.ResourceID)
	defer unlock()

	alloc, err := s.get(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if req.ExpectedVersion != 0 && alloc.Version != req.ExpectedVersion {
		return nil, &StaleVersionError{AllocationID: alloc.ID, Expected: req.ExpectedVersion}
	}
	if alloc.State != StatePending {
		return nil, &InvalidTransitionError{AllocationID: alloc.ID, From: alloc.State, To: StateApproved}
	}

	if err := s.hardCheck(ctx, res, alloc.Claim(), ""); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	expected := alloc.Version
	alloc.State = StateApproved
	alloc.UpdatedBy = req.ApprovedBy
	alloc.ModifiedAt = now
	alloc.Version++

	tr := &Transition{
		AllocationID: alloc.ID,
		From:         StatePending,
		To:           StateApproved,
		Actor:        req.ApprovedBy,
		OccurredAt:   now,
	}
	if err := s.update(ctx, alloc, expected, tr, s.newEvent(event.TypeApproved, alloc, req.ApprovedBy, now)); err != nil {
		return nil, err
	}
	s.index.Add(alloc.ResourceID, alloc.Interval(), alloc.Percent)

	s.logger.Info("allocation approved",
		"allocation_id", alloc.ID, "resource_id", alloc.ResourceID,
		"percent", alloc.Percent, "actor", req.ApprovedBy)
	return alloc, nil
}

// Reject transitions PENDING -> REJECTED. No capacity effect.
func (s *Service) Reject(ctx context.Context, id, actor, reason string) error {
	return s.simpleTransition(ctx, id, actor, reason, StateRejected, event.TypeRejected)
}

// AmendRequest defines amendment inputs.
type AmendRequest struct {
	ID              string
	NewStart        time.Time
	NewEnd          time.Time
	NewPercent      int
	Actor           string
	ExpectedVersion int64
}

// Amend atomically replaces an allocation's interval and percentage.
// For an APPROVED record the old commitment is released and the new one
// checked and committed within one critical-section acquisition: no
// other caller can slip a conflicting approval in between, and no
// transient invariant violation is ever observable.
func (s *Service) Amend(ctx context.Context, req AmendRequest) (*Allocation, error) {
	if err := validateCandidate(req.NewStart, req.NewEnd, req.NewPercent); err != nil {
		return nil, err
	}
	if req.Actor == "" {
		return nil, &ValidationError{Field: "actor", Reason: "required"}
	}

	pre, err := s.get(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if pre.State != StatePending && pre.State != StateApproved {
		return nil, &InvalidTransitionError{AllocationID: pre.ID, From: pre.State, To: pre.State}
	}

	res, err := s.lookupResource(ctx, pre.ResourceID)
	if err != nil {
		return nil, err
	}

	if pre.State == StateApproved {
		return s.amendCommitted(ctx, req, res)
	}
	return s.amendPending(ctx, req, res)
}

func (s *Service) amendCommitted(ctx context.Context, req AmendRequest, res *resource.Resource) (*Allocation, error) {
	unlock := s.locks.acquire(res.ID)
	defer unlock()

	alloc, err := s.get(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if req.ExpectedVersion != 0 && alloc.Version != req.ExpectedVersion {
		return nil, &StaleVersionError{AllocationID: alloc.ID, Expected: req.ExpectedVersion}
	}
	if alloc.State != StateApproved {
		return nil, &InvalidTransitionError{AllocationID: alloc.ID, From: alloc.State, To: alloc.State}
	}

	oldInterval, oldPercent := alloc.Interval(), alloc.Percent

	candidate := capacity.Claim{
		AllocationID: alloc.ID,
		ProjectID:    alloc.ProjectID,
		Interval:     capacity.Interval{Start: req.NewStart.UTC(), End: req.NewEnd.UTC()},
		Percent:      req.NewPercent,
	}
	// The record's own commitment is provisionally released: the check
	// excludes it and runs against everything else that holds capacity.
	if err := s.hardCheck(ctx, res, candidate, alloc.ID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	expected := alloc.Version
	alloc.Start = candidate.Interval.Start
	alloc.End = candidate.Interval.End
	alloc.Percent = req.NewPercent
	alloc.UpdatedBy = req.Actor
	alloc.ModifiedAt = now
	alloc.Version++

	tr := &Transition{
		AllocationID: alloc.ID,
		From:         StateApproved,
		To:           StateApproved,
		Actor:        req.Actor,
		Reason:       amendReason(oldInterval, oldPercent, candidate),
		OccurredAt:   now,
	}
	if err := s.update(ctx, alloc, expected, tr, s.newEvent(event.TypeAmended, alloc, req.Actor, now)); err != nil {
		return nil, err
	}

	s.index.Remove(alloc.ResourceID, oldInterval, oldPercent)
	s.index.Add(alloc.ResourceID, alloc.Interval(), alloc.Percent)

	s.logger.Info("allocation amended",
		"allocation_id", alloc.ID, "resource_id", alloc.ResourceID,
		"percent", alloc.Percent, "actor", req.Actor)
	return alloc, nil
}

func (s *Service) amendPending(ctx context.Context, req AmendRequest, res *resource.Resource) (*Allocation, error) {
	alloc, err := s.get(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if req.ExpectedVersion != 0 && alloc.Version != req.ExpectedVersion {
		return nil, &StaleVersionError{AllocationID: alloc.ID, Expected: req.ExpectedVersion}
	}
	if alloc.State != StatePending {
		return nil, &InvalidTransitionError{AllocationID: alloc.ID, From: alloc.State, To: alloc.State}
	}

	oldInterval, oldPercent := alloc.Interval(), alloc.Percent

	candidate := capacity.Claim{
		AllocationID: alloc.ID,
		ProjectID:    alloc.ProjectID,
		Interval:     capacity.Interval{Start: req.NewStart.UTC(), End: req.NewEnd.UTC()},
		Percent:      req.NewPercent,
	}
	warnings, err := s.softCheck(ctx, res, candidate, alloc.ID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	expected := alloc.Version
	alloc.Start = candidate.Interval.Start
	alloc.End = candidate.Interval.End
	alloc.Percent = req.NewPercent
	alloc.UpdatedBy = req.Actor
	alloc.ModifiedAt = now
	alloc.Version++
	alloc.Warnings = warnings

	tr := &Transition{
		AllocationID: alloc.ID,
		From:         StatePending,
		To:           StatePending,
		Actor:        req.Actor,
		Reason:       amendReason(oldInterval, oldPercent, candidate),
		OccurredAt:   now,
	}
	if err := s.update(ctx, alloc, expected, tr, s.newEvent(event.TypeAmended, alloc, req.Actor, now)); err != nil {
		return nil, err
	}
	return alloc, nil
}

// Cancel transitions APPROVED or ACTIVE -> CANCELLED and releases the
// committed capacity. A cancellation out of ACTIVE is a reversal; the
// audit trail records the prior state so reporting can tell it apart
// from an allocation that never started.
func (s *Service) Cancel(ctx context.Context, id, actor, reason string) error {
	pre, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if !CanTransition(pre.State, StateCancelled) {
		return &InvalidTransitionError{AllocationID: pre.ID, From: pre.State, To: StateCancelled}
	}

	unlock := s.locks.acquire(pre.ResourceID)
	defer unlock()

	alloc, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if !CanTransition(alloc.State, StateCancelled) {
		return &InvalidTransitionError{AllocationID: alloc.ID, From: alloc.State, To: StateCancelled}
	}

	now := time.Now().UTC()
	expected := alloc.Version
	from := alloc.State
	alloc.State = StateCancelled
	alloc.UpdatedBy = actor
	alloc.ModifiedAt = now
	alloc.Version++

	tr := &Transition{
		AllocationID: alloc.ID,
		From:         from,
		To:           StateCancelled,
		Actor:        actor,
		Reason:       reason,
		OccurredAt:   now,
	}
	if err := s.update(ctx, alloc, expected, tr, s.newEvent(event.TypeCancelled, alloc, actor, now)); err != nil {
		return err
	}
	s.index.Remove(alloc.ResourceID, alloc.Interval(), alloc.Percent)

	s.logger.Info("allocation cancelled",
		"allocation_id", alloc.ID, "resource_id", alloc.ResourceID,
		"prior_state", from, "actor", actor)
	return nil
}

// Activate transitions APPROVED -> ACTIVE. The capacity stays committed
// so the index is untouched.
func (s *Service) Activate(ctx context.Context, id, actor string) error {
	return s.simpleTransition(ctx, id, actor, "", StateActive, event.TypeActivated)
}

// Complete transitions ACTIVE -> COMPLETED. Historical commitments stay
// queryable in the ledger; the index drops the claim because completed
// records never participate in future conflict checks.
func (s *Service) Complete(ctx context.Context, id, actor string) error {
	pre, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if !CanTransition(pre.State, StateCompleted) {
		return &InvalidTransitionError{AllocationID: pre.ID, From: pre.State, To: StateCompleted}
	}

	unlock := s.locks.acquire(pre.ResourceID)
	defer unlock()

	alloc, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if !CanTransition(alloc.State, StateCompleted) {
		return &InvalidTransitionError{AllocationID: alloc.ID, From: alloc.State, To: StateCompleted}
	}

	now := time.Now().UTC()
	expected := alloc.Version
	from := alloc.State
	alloc.State = StateCompleted
	alloc.UpdatedBy = actor
	alloc.ModifiedAt = now
	alloc.Version++

	tr := &Transition{
		AllocationID: alloc.ID,
		From:         from,
		To:           StateCompleted,
		Actor:        actor,
		OccurredAt:   now,
	}
	if err := s.update(ctx, alloc, expected, tr, s.newEvent(event.TypeCompleted, alloc, actor, now)); err != nil {
		return err
	}
	s.index.Remove(alloc.ResourceID, alloc.Interval(), alloc.Percent)
	return nil
}

// Get returns one allocation by id.
func (s *Service) Get(ctx context.Context, id string) (*Allocation, error) {
	return s.get(ctx, id)
}

// QueryByResource returns a resource's allocations, filtered by state
// and overlap window. Read-only and idempotent.
func (s *Service) QueryByResource(ctx context.Context, resourceID string, opts ListOptions) ([]Allocation, error) {
	return s.ledger.ListForResource(ctx, resourceID, opts)
}

// QueryByProject returns a project's allocations across resources.
func (s *Service) QueryByProject(ctx context.Context, projectID string, opts ListOptions) ([]Allocation, error) {
	return s.ledger.ListForProject(ctx, projectID, opts)
}

// History returns the audited transition trail for an allocation.
func (s *Service) History(ctx context.Context, id string) ([]Transition, error) {
	if _, err := s.get(ctx, id); err != nil {
		return nil, err
	}
	return s.ledger.Transitions(ctx, id)
}

// simpleTransition handles lifecycle steps that don't move capacity:
// reject and activate. The conditional ledger update is enough to
// serialize racing callers on the record itself.
func (s *Service) simpleTransition(ctx context.Context, id, actor, reason string, to State, evType event.Type) error {
	if actor == "" {
		return &ValidationError{Field: "actor", Reason: "required"}
	}
	alloc, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if !CanTransition(alloc.State, to) {
		return &InvalidTransitionError{AllocationID: alloc.ID, From: alloc.State, To: to}
	}

	now := time.Now().UTC()
	expected := alloc.Version
	from := alloc.State
	alloc.State = to
	alloc.UpdatedBy = actor
	alloc.ModifiedAt = now
	alloc.Version++

	tr := &Transition{
		AllocationID: alloc.ID,
		From:         from,
		To:           to,
		Actor:        actor,
		Reason:       reason,
		OccurredAt:   now,
	}
	if err := s.update(ctx, alloc, expected, tr, s.newEvent(evType, alloc, actor, now)); err != nil {
		return err
	}

	s.logger.Info("allocation transitioned",
		"allocation_id", alloc.ID, "from", from, "to", to, "actor", actor)
	return nil
}

// hardCheck enforces the capacity invariant against APPROVED/ACTIVE
// records. The bucket index answers the common no-conflict case; a
// bucket-level breach falls back to the exact boundary sweep because
// bucket sums over-approximate.
func (s *Service) hardCheck(ctx context.Context, res *resource.Resource, candidate capacity.Claim, excludeID string) error {
	if excludeID == "" && s.index.MaxOver(res.ID, candidate.Interval)+candidate.Percent <= res.BaseCapacity {
		return nil
	}

	existing, err := s.ledger.ListForResource(ctx, res.ID, ListOptions{
		States:    CommittedStates,
		From:      candidate.Interval.Start,
		To:        candidate.Interval.End,
		ExcludeID: excludeID,
	})
	if err != nil {
		return fmt.Errorf("listing committed allocations: %w", err)
	}

	report := capacity.Check(candidate, toClaims(existing))
	if report.Exceeds(res.BaseCapacity) {
		return &ConflictError{
			ResourceID:   res.ID,
			BaseCapacity: res.BaseCapacity,
			Peak:         report.Peak,
			Window:       report.Window,
			Overlapping:  report.Overlapping,
		}
	}
	return nil
}

// softCheck runs the same sweep against pending and committed records,
// downgrading a violation to a warning.
func (s *Service) softCheck(ctx context.Context, res *resource.Resource, candidate capacity.Claim, excludeID string) ([]string, error) {
	existing, err := s.ledger.ListForResource(ctx, res.ID, ListOptions{
		States:    CheckedStatesSoft,
		From:      candidate.Interval.Start,
		To:        candidate.Interval.End,
		ExcludeID: excludeID,
	})
	if err != nil {
		return nil, fmt.Errorf("listing allocations: %w", err)
	}

	report := capacity.Check(candidate, toClaims(existing))
	if !report.Exceeds(res.BaseCapacity) {
		return nil, nil
	}
	return []string{fmt.Sprintf(
		"approving alongside existing requests would commit %d%% of resource %s (base %d%%) in [%s, %s)",
		report.Peak, res.ID, res.BaseCapacity,
		report.Window.Start.Format(time.RFC3339),
		report.Window.End.Format(time.RFC3339))}, nil
}

func (s *Service) lookupResource(ctx context.Context, id string) (*resource.Resource, error) {
	res, err := s.catalog.GetResource(ctx, id)
	if err != nil {
		if errors.Is(err, resource.ErrNotFound) {
			return nil, &ValidationError{Field: "resource_id", Reason: "unknown resource"}
		}
		return nil, err
	}
	if !res.Active {
		return nil, &ValidationError{Field: "resource_id", Reason: "resource is inactive"}
	}
	return res, nil
}

func (s *Service) get(ctx context.Context, id string) (*Allocation, error) {
	alloc, err := s.ledger.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting allocation: %w", err)
	}
	return alloc, nil
}

func (s *Service) update(ctx context.Context, alloc *Allocation, expected int64, tr *Transition, ev *event.Event) error {
	if err := s.ledger.Update(ctx, alloc, expected, tr, ev); err != nil {
		if errors.Is(err, repository.ErrVersionConflict) {
			return &StaleVersionError{AllocationID: alloc.ID, Expected: expected}
		}
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("updating allocation: %w", err)
	}
	return nil
}

func (s *Service) newEvent(t event.Type, alloc *Allocation, actor string, at time.Time) *event.Event {
	return &event.Event{
		ID:           uuid.NewString(),
		Type:         t,
		AllocationID: alloc.ID,
		ResourceID:   alloc.ResourceID,
		ProjectID:    alloc.ProjectID,
		Actor:        actor,
		Timestamp:    at,
	}
}

func validateCandidate(start, end time.Time, percent int) error {
	if start.IsZero() || end.IsZero() || !start.Before(end) {
		return &ValidationError{Field: "interval", Reason: "start must precede end"}
	}
	if percent <= 0 || percent > 100 {
		return &ValidationError{Field: "percent", Reason: "must be in (0, 100]"}
	}
	return nil
}

func amendReason(oldIv capacity.Interval, oldPercent int, candidate capacity.Claim) string {
	return fmt.Sprintf("amended from [%s, %s) at %d%% to [%s, %s) at %d%%",
		oldIv.Start.Format(time.RFC3339), oldIv.End.Format(time.RFC3339), oldPercent,
		candidate.Interval.Start.Format(time.RFC3339), candidate.Interval.End.Format(time.RFC3339), candidate.Percent)
}

func toClaims(allocs []Allocation) []capacity.Claim {
	claims := make([]capacity.Claim, 0, len(allocs))
	for i := range allocs {
		claims = append(claims, allocs[i].Claim())
	}
	return claims
}
