package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/ganot/capalloc/internal/domain/resource"
)

// SnapshotRepository implements resource.SnapshotStore for SQLite,
// persisting the last-known catalog view across restarts.
type SnapshotRepository struct {
	db *DB
}

// NewSnapshotRepository creates a new SnapshotRepository
func NewSnapshotRepository(db *DB) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

// Save replaces the stored snapshot with the given resources.
func (r *SnapshotRepository) Save(ctx context.Context, resources []resource.Resource, takenAt time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM resource_snapshots`); err != nil {
		return fmt.Errorf("failed to clear snapshot: %w", err)
	}

	query := `
		INSERT INTO resource_snapshots (id, category, base_capacity, active, taken_at)
		VALUES (?, ?, ?, ?, ?)
	`
	for _, res := range resources {
		active := 0
		if res.Active {
			active = 1
		}
		if _, err := tx.ExecContext(ctx, query, res.ID, res.Category, res.BaseCapacity, active, takenAt.UnixMicro()); err != nil {
			return fmt.Errorf("failed to save resource snapshot: %w", err)
		}
	}

	return tx.Commit()
}

// Load returns the stored snapshot and when it was taken.
func (r *SnapshotRepository) Load(ctx context.Context) ([]resource.Resource, time.Time, error) {
	query := `SELECT id, category, base_capacity, active, taken_at FROM resource_snapshots ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to load snapshot: %w", err)
	}
	defer rows.Close()

	var resources []resource.Resource
	var takenAt int64
	for rows.Next() {
		var res resource.Resource
		var active int
		if err := rows.Scan(&res.ID, &res.Category, &res.BaseCapacity, &active, &takenAt); err != nil {
			return nil, time.Time{}, fmt.Errorf("failed to scan resource snapshot: %w", err)
		}
		res.Active = active != 0
		resources = append(resources, res)
	}
	if err := rows.Err(); err != nil {
		return nil, time.Time{}, fmt.Errorf("error iterating snapshot rows: %w", err)
	}
	return resources, time.UnixMicro(takenAt).UTC(), nil
}
