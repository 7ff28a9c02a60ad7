package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ganot/capalloc/internal/event"
	"github.com/ganot/capalloc/internal/repository"
)

// OutboxRepository implements event.Outbox for SQLite. Rows are written
// by LedgerRepository inside commit transactions; this repository only
// reads pending events and records delivery outcomes.
type OutboxRepository struct {
	db *DB
}

// NewOutboxRepository creates a new OutboxRepository
func NewOutboxRepository(db *DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// ListPending returns undelivered events, oldest first.
func (r *OutboxRepository) ListPending(ctx context.Context, limit int) ([]event.Event, error) {
	query := `
		SELECT id, event_type, allocation_id, resource_id, project_id, actor, occurred_at, attempts
		FROM event_outbox
		WHERE delivered_at IS NULL
		ORDER BY occurred_at ASC, id ASC
		LIMIT ?
	`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending events: %w", err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		var ev event.Event
		var occurredAt int64
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.AllocationID, &ev.ResourceID, &ev.ProjectID, &ev.Actor, &occurredAt, &ev.Attempts); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Timestamp = time.UnixMicro(occurredAt).UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}
	return events, nil
}

// MarkDelivered records a successful delivery.
func (r *OutboxRepository) MarkDelivered(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE event_outbox SET delivered_at = ? WHERE id = ?`,
		time.Now().UTC().UnixMicro(), id)
	if err != nil {
		return fmt.Errorf("failed to mark event delivered: %w", err)
	}
	return checkFound(result)
}

// MarkFailed bumps the attempt count and records the delivery error.
func (r *OutboxRepository) MarkFailed(ctx context.Context, id string, deliveryErr string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE event_outbox SET attempts = attempts + 1, last_error = ? WHERE id = ?`,
		deliveryErr, id)
	if err != nil {
		return fmt.Errorf("failed to mark event failed: %w", err)
	}
	return checkFound(result)
}

func checkFound(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return repository.ErrNotFound
	}
	return nil
}
