package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ganot/capalloc/internal/domain/allocation"
	"github.com/ganot/capalloc/internal/event"
	"github.com/ganot/capalloc/internal/repository"
)

// LedgerRepository implements allocation.Ledger for SQLite. Committing
// writes put the allocation row, the audit transition, and the outbox
// event into one transaction, so a failure leaves the ledger untouched.
type LedgerRepository struct {
	db *DB
}

// NewLedgerRepository creates a new LedgerRepository
func NewLedgerRepository(db *DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// Create inserts a new allocation with its first transition and event.
func (r *LedgerRepository) Create(ctx context.Context, alloc *allocation.Allocation, tr *allocation.Transition, ev *event.Event) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO allocations (
			id, resource_id, project_id, start_ts, end_ts, percent,
			state, created_by, updated_by, created_at, modified_at, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = tx.ExecContext(ctx, query,
		alloc.ID,
		alloc.ResourceID,
		alloc.ProjectID,
		alloc.Start.UnixMicro(),
		alloc.End.UnixMicro(),
		alloc.Percent,
		alloc.State,
		alloc.CreatedBy,
		alloc.UpdatedBy,
		alloc.CreatedAt.UnixMicro(),
		alloc.ModifiedAt.UnixMicro(),
		alloc.Version,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return repository.ErrForeignKeyViolation
		}
		return fmt.Errorf("failed to create allocation: %w", err)
	}

	if err := insertTransition(ctx, tx, tr); err != nil {
		return err
	}
	if err := insertEvent(ctx, tx, ev); err != nil {
		return err
	}

	return tx.Commit()
}

// Get retrieves an allocation by ID
func (r *LedgerRepository) Get(ctx context.Context, id string) (*allocation.Allocation, error) {
	query := `
		SELECT
			id, resource_id, project_id, start_ts, end_ts, percent,
			state, created_by, updated_by, created_at, modified_at, version
		FROM allocations
		WHERE id = ?
	`
	alloc, err := scanAllocation(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get allocation: %w", err)
	}
	return alloc, nil
}

// Update applies a state or interval change with optimistic concurrency
// control, recording the transition and event in the same transaction.
func (r *LedgerRepository) Update(ctx context.Context, alloc *allocation.Allocation, expectedVersion int64, tr *allocation.Transition, ev *event.Event) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		UPDATE allocations
		SET start_ts = ?, end_ts = ?, percent = ?, state = ?,
		    updated_by = ?, modified_at = ?, version = ?
		WHERE id = ? AND version = ?
	`
	result, err := tx.ExecContext(ctx, query,
		alloc.Start.UnixMicro(),
		alloc.End.UnixMicro(),
		alloc.Percent,
		alloc.State,
		alloc.UpdatedBy,
		alloc.ModifiedAt.UnixMicro(),
		alloc.Version,
		alloc.ID,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update allocation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		var exists bool
		checkQuery := `SELECT EXISTS(SELECT 1 FROM allocations WHERE id = ?)`
		if err := tx.QueryRowContext(ctx, checkQuery, alloc.ID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check allocation existence: %w", err)
		}
		if !exists {
			return repository.ErrNotFound
		}
		// Row exists but version doesn't match - stale read
		return repository.ErrVersionConflict
	}

	if err := insertTransition(ctx, tx, tr); err != nil {
		return err
	}
	if err := insertEvent(ctx, tx, ev); err != nil {
		return err
	}

	return tx.Commit()
}

// ListForResource returns a resource's allocations matching the options.
func (r *LedgerRepository) ListForResource(ctx context.Context, resourceID string, opts allocation.ListOptions) ([]allocation.Allocation, error) {
	return r.list(ctx, "resource_id = ?", resourceID, opts)
}

// ListForProject returns a project's allocations matching the options.
func (r *LedgerRepository) ListForProject(ctx context.Context, projectID string, opts allocation.ListOptions) ([]allocation.Allocation, error) {
	return r.list(ctx, "project_id = ?", projectID, opts)
}

// ListCommitted returns every APPROVED/ACTIVE allocation, for capacity
// index rebuilds.
func (r *LedgerRepository) ListCommitted(ctx context.Context) ([]allocation.Allocation, error) {
	query := `
		SELECT
			id, resource_id, project_id, start_ts, end_ts, percent,
			state, created_by, updated_by, created_at, modified_at, version
		FROM allocations
		WHERE state IN ('APPROVED', 'ACTIVE')
		ORDER BY resource_id, start_ts
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list committed allocations: %w", err)
	}
	defer rows.Close()
	return collectAllocations(rows)
}

// Transitions returns an allocation's audit trail, oldest first.
func (r *LedgerRepository) Transitions(ctx context.Context, allocationID string) ([]allocation.Transition, error) {
	query := `
		SELECT allocation_id, from_state, to_state, actor, reason, occurred_at
		FROM allocation_transitions
		WHERE allocation_id = ?
		ORDER BY id ASC
	`
	rows, err := r.db.QueryContext(ctx, query, allocationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	defer rows.Close()

	var transitions []allocation.Transition
	for rows.Next() {
		var tr allocation.Transition
		var reason sql.NullString
		var occurredAt int64
		if err := rows.Scan(&tr.AllocationID, &tr.From, &tr.To, &tr.Actor, &reason, &occurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		tr.Reason = reason.String
		tr.OccurredAt = time.UnixMicro(occurredAt).UTC()
		transitions = append(transitions, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transition rows: %w", err)
	}
	return transitions, nil
}

func (r *LedgerRepository) list(ctx context.Context, keyCond, keyArg string, opts allocation.ListOptions) ([]allocation.Allocation, error) {
	query := `
		SELECT
			id, resource_id, project_id, start_ts, end_ts, percent,
			state, created_by, updated_by, created_at, modified_at, version
		FROM allocations
		WHERE ` + keyCond

	args := []interface{}{keyArg}

	if len(opts.States) > 0 {
		placeholders := make([]string, len(opts.States))
		for i, state := range opts.States {
			placeholders[i] = "?"
			args = append(args, state)
		}
		query += fmt.Sprintf(" AND state IN (%s)", strings.Join(placeholders, ","))
	}

	// Half-open overlap with [From, To): start < To AND end > From
	if !opts.To.IsZero() {
		query += " AND start_ts < ?"
		args = append(args, opts.To.UnixMicro())
	}
	if !opts.From.IsZero() {
		query += " AND end_ts > ?"
		args = append(args, opts.From.UnixMicro())
	}

	if opts.ExcludeID != "" {
		query += " AND id != ?"
		args = append(args, opts.ExcludeID)
	}

	query += " ORDER BY start_ts ASC, id ASC"

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list allocations: %w", err)
	}
	defer rows.Close()
	return collectAllocations(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAllocation(row rowScanner) (*allocation.Allocation, error) {
	var alloc allocation.Allocation
	var startTs, endTs, createdAt, modifiedAt int64
	err := row.Scan(
		&alloc.ID,
		&alloc.ResourceID,
		&alloc.ProjectID,
		&startTs,
		&endTs,
		&alloc.Percent,
		&alloc.State,
		&alloc.CreatedBy,
		&alloc.UpdatedBy,
		&createdAt,
		&modifiedAt,
		&alloc.Version,
	)
	if err != nil {
		return nil, err
	}
	alloc.Start = time.UnixMicro(startTs).UTC()
	alloc.End = time.UnixMicro(endTs).UTC()
	alloc.CreatedAt = time.UnixMicro(createdAt).UTC()
	alloc.ModifiedAt = time.UnixMicro(modifiedAt).UTC()
	return &alloc, nil
}

func collectAllocations(rows *sql.Rows) ([]allocation.Allocation, error) {
	var allocs []allocation.Allocation
	for rows.Next() {
		alloc, err := scanAllocation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan allocation: %w", err)
		}
		allocs = append(allocs, *alloc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating allocation rows: %w", err)
	}
	return allocs, nil
}

func insertTransition(ctx context.Context, tx *sql.Tx, tr *allocation.Transition) error {
	query := `
		INSERT INTO allocation_transitions (allocation_id, from_state, to_state, actor, reason, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := tx.ExecContext(ctx, query,
		tr.AllocationID, tr.From, tr.To, tr.Actor, tr.Reason, tr.OccurredAt.UnixMicro())
	if err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}
	return nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, ev *event.Event) error {
	query := `
		INSERT INTO event_outbox (id, event_type, allocation_id, resource_id, project_id, actor, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := tx.ExecContext(ctx, query,
		ev.ID, ev.Type, ev.AllocationID, ev.ResourceID, ev.ProjectID, ev.Actor, ev.Timestamp.UnixMicro())
	if err != nil {
		return fmt.Errorf("failed to enqueue event: %w", err)
	}
	return nil
}
