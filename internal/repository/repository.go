package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"spa_engine/internal/models"
)

// ErrNotFound is returned when a keyed record does not exist.
var ErrNotFound = errors.New("record not found")

// RuleRepo persists the ordered automation rule collection.
type RuleRepo interface {
	List(ctx context.Context) ([]models.AutomationRule, error)
	Create(ctx context.Context, r models.AutomationRule) error
	Update(ctx context.Context, r models.AutomationRule) error
	Delete(ctx context.Context, id string) error
	MarkFired(ctx context.Context, id string, at time.Time, enabled bool) error
}

// SnapshotRepo keeps the last known device snapshot across restarts.
type SnapshotRepo interface {
	Save(ctx context.Context, s models.DeviceSnapshot, at time.Time) error
	Load(ctx context.Context) (*models.DeviceSnapshot, time.Time, error)
}

// HistoryRepo is the append-only history log.
type HistoryRepo interface {
	Append(e models.LogEntry) error
	Tail(n int, category models.LogCategory) ([]models.LogEntry, error)
	Prune(now time.Time) (int, error)
}

type Repository struct {
	Rules    RuleRepo
	Snapshot SnapshotRepo
	History  HistoryRepo
}

func NewRepository(db *sql.DB, history HistoryRepo) *Repository {
	return &Repository{
		Rules:    NewRuleSQLite(db),
		Snapshot: NewSnapshotSQLite(db),
		History:  history,
	}
}
