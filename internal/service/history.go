package service

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"spa_engine/internal/logger"
	"spa_engine/internal/metrics"
	"spa_engine/internal/models"
	"spa_engine/internal/repository"

	"github.com/google/uuid"
)

const (
	defaultTailLimit = 100
	defaultTailMax   = 500
)

// HistoryService is the append-only history sink. Record never fails its caller; a broken
// store is reported once and then every entry is dropped silently until writes succeed again.
type HistoryService struct {
	repo    repository.HistoryRepo
	events  Publisher
	log     *logger.Logger
	tailMax int

	failing atomic.Bool
	nowFunc func() time.Time
}

// NewHistoryService returns a service over repo. events may be nil.
func NewHistoryService(repo repository.HistoryRepo, events Publisher, tailMax int, log *logger.Logger) *HistoryService {
	if events == nil {
		events = nopPublisher{}
	}
	if tailMax <= 0 {
		tailMax = defaultTailMax
	}
	if log == nil {
		log = logger.Nop()
	}
	return &HistoryService{repo: repo, events: events, log: log, tailMax: tailMax, nowFunc: time.Now}
}

// Record appends one entry and pushes it to subscribers as an event_log event.
func (h *HistoryService) Record(cat models.LogCategory, msg string, fields map[string]any) {
	e := models.LogEntry{
		ID:        uuid.NewString(),
		Timestamp: h.nowFunc(),
		Category:  cat,
		Message:   msg,
		Fields:    fields,
	}
	if err := h.repo.Append(e); err != nil {
		metrics.IncHistoryWriteError()
		if h.failing.CompareAndSwap(false, true) {
			h.log.Errorw("history_write_failed", "category", cat, "err", err)
		}
	} else if h.failing.CompareAndSwap(true, false) {
		h.log.Infow("history_write_recovered", "category", cat)
	}
	h.events.Publish(models.Event{Type: models.EventLog, At: e.Timestamp, Payload: e})
}

// normalizeLogFilter trims and lowercases the category and clamps the limit.
func (h *HistoryService) normalizeLogFilter(f LogFilter) (models.LogCategory, int, error) {
	cat := models.LogCategory(strings.ToLower(strings.TrimSpace(f.Category)))
	if cat != "" && !cat.Valid() {
		return "", 0, fmt.Errorf("%w: unknown category %q", ErrInvalidFilter, f.Category)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultTailLimit
	}
	if limit > h.tailMax {
		limit = h.tailMax
	}
	return cat, limit, nil
}

// Tail returns the most recent entries, oldest first.
func (h *HistoryService) Tail(ctx context.Context, f LogFilter) ([]models.LogEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cat, limit, err := h.normalizeLogFilter(f)
	if err != nil {
		return nil, err
	}
	entries, err := h.repo.Tail(limit, cat)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		entries[i].Timestamp = toUTC(entries[i].Timestamp)
	}
	return entries, nil
}

// RunJanitor prunes expired history files every interval until ctx is canceled.
func (h *HistoryService) RunJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Hour
	}
	h.prune()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			h.prune()
		}
	}
}

func (h *HistoryService) prune() {
	n, err := h.repo.Prune(h.nowFunc())
	if err != nil {
		h.log.Warnw("history_prune_failed", "err", err)
		return
	}
	if n > 0 {
		h.log.Infow("history_pruned", "files", n)
	}
}
