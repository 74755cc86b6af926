package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"spa_engine/internal/models"
)

type SnapshotSQLite struct {
	db *sql.DB
}

func NewSnapshotSQLite(db *sql.DB) *SnapshotSQLite {
	return &SnapshotSQLite{db: db}
}

var _ SnapshotRepo = (*SnapshotSQLite)(nil)

const (
	snapshotRowID = 1

	upsertSnapshotSQL = `
		INSERT INTO device_snapshot (id, payload, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			payload=excluded.payload,
			updated_at=excluded.updated_at
	`

	selectSnapshotSQL = `SELECT payload, updated_at FROM device_snapshot WHERE id=?`
)

// Save upserts the single device_snapshot row (id always 1).
func (r *SnapshotSQLite) Save(ctx context.Context, s models.DeviceSnapshot, at time.Time) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if at.IsZero() {
		at = time.Now()
	}
	_, err = r.db.ExecContext(ctx, upsertSnapshotSQL, snapshotRowID, string(b), at.UTC())
	return err
}

// Load returns the last saved snapshot, or nil if none was ever saved.
func (r *SnapshotSQLite) Load(ctx context.Context) (*models.DeviceSnapshot, time.Time, error) {
	var (
		payload string
		at      time.Time
	)
	err := r.db.QueryRowContext(ctx, selectSnapshotSQL, snapshotRowID).Scan(&payload, &at)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, time.Time{}, nil
		}
		return nil, time.Time{}, err
	}
	var s models.DeviceSnapshot
	if err := json.Unmarshal([]byte(payload), &s); err != nil {
		return nil, time.Time{}, err
	}
	return &s, at.UTC(), nil
}
