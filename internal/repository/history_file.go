package repository

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"spa_engine/internal/models"

	"github.com/google/uuid"
)

const (
	historyDayLayout = "2006-01-02"
	historyFileExt   = ".log"
	maxHistoryLine   = 1 << 20
)

// HistoryFile stores each category as JSON lines in one file per day:
// <dir>/<category>-YYYY-MM-DD.log. A new day starts a new file; Prune removes files older
// than the retention window.
type HistoryFile struct {
	dir           string
	retentionDays int

	mu    sync.Mutex
	files map[models.LogCategory]*dayFile
}

type dayFile struct {
	day string
	f   *os.File
}

var _ HistoryRepo = (*HistoryFile)(nil)

// NewHistoryFile creates dir if needed. retentionDays <= 0 keeps files forever.
func NewHistoryFile(dir string, retentionDays int) (*HistoryFile, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create history dir %q: %w", dir, err)
	}
	return &HistoryFile{
		dir:           dir,
		retentionDays: retentionDays,
		files:         make(map[models.LogCategory]*dayFile),
	}, nil
}

func (h *HistoryFile) path(cat models.LogCategory, day string) string {
	return filepath.Join(h.dir, string(cat)+"-"+day+historyFileExt)
}

// Append writes one entry. If ID or Timestamp are empty, they're set.
func (h *HistoryFile) Append(e models.LogEntry) error {
	if !e.Category.Valid() {
		return fmt.Errorf("unknown history category %q", e.Category)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode history entry: %w", err)
	}
	line = append(line, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()

	f, err := h.fileFor(e.Category, e.Timestamp.Format(historyDayLayout))
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("write history %s: %w", e.Category, err)
	}
	return nil
}

// fileFor returns the open file for (cat, day), rotating when the day changed.
func (h *HistoryFile) fileFor(cat models.LogCategory, day string) (*os.File, error) {
	if cur, ok := h.files[cat]; ok {
		if cur.day == day {
			return cur.f, nil
		}
		_ = cur.f.Close()
		delete(h.files, cat)
	}
	f, err := os.OpenFile(h.path(cat, day), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open history file: %w", err)
	}
	h.files[cat] = &dayFile{day: day, f: f}
	return f, nil
}

// Tail returns up to n most recent entries in chronological order. An empty category
// means all categories.
func (h *HistoryFile) Tail(n int, category models.LogCategory) ([]models.LogEntry, error) {
	if n <= 0 {
		return []models.LogEntry{}, nil
	}
	cats := models.Categories
	if category != "" {
		if !category.Valid() {
			return nil, fmt.Errorf("unknown history category %q", category)
		}
		cats = []models.LogCategory{category}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	var out []models.LogEntry
	for _, cat := range cats {
		entries, err := h.tailCategory(cat, n)
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

func (h *HistoryFile) tailCategory(cat models.LogCategory, n int) ([]models.LogEntry, error) {
	days, err := h.days(cat)
	if err != nil {
		return nil, err
	}
	var collected []models.LogEntry
	// newest day first; prepend older days until n are collected
	for i := len(days) - 1; i >= 0 && len(collected) < n; i-- {
		entries, err := readHistoryFile(h.path(cat, days[i]))
		if err != nil {
			return nil, err
		}
		collected = append(entries, collected...)
	}
	if len(collected) > n {
		collected = collected[len(collected)-n:]
	}
	return collected, nil
}

// days lists the dates that have a file for cat, ascending.
func (h *HistoryFile) days(cat models.LogCategory) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(h.dir, string(cat)+"-*"+historyFileExt))
	if err != nil {
		return nil, err
	}
	days := make([]string, 0, len(matches))
	prefix := string(cat) + "-"
	for _, m := range matches {
		day := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), prefix), historyFileExt)
		if _, err := time.Parse(historyDayLayout, day); err != nil {
			continue
		}
		days = append(days, day)
	}
	sort.Strings(days)
	return days, nil
}

func readHistoryFile(path string) ([]models.LogEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []models.LogEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxHistoryLine)
	for sc.Scan() {
		var e models.LogEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue // a torn last line from a crash is skipped
		}
		out = append(out, e)
	}
	return out, sc.Err()
}

// Prune keeps the newest retentionDays days of files and returns how many it removed.
func (h *HistoryFile) Prune(now time.Time) (int, error) {
	if h.retentionDays <= 0 {
		return 0, nil
	}
	// today counts as one of the retained days
	cutoff := now.AddDate(0, 0, -(h.retentionDays - 1)).Format(historyDayLayout)

	h.mu.Lock()
	defer h.mu.Unlock()

	removed := 0
	for _, cat := range models.Categories {
		days, err := h.days(cat)
		if err != nil {
			return removed, err
		}
		for _, day := range days {
			if day >= cutoff {
				break
			}
			if cur, ok := h.files[cat]; ok && cur.day == day {
				_ = cur.f.Close()
				delete(h.files, cat)
			}
			if err := os.Remove(h.path(cat, day)); err != nil && !os.IsNotExist(err) {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

// Close releases open file handles.
func (h *HistoryFile) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var firstErr error
	for cat, df := range h.files {
		if err := df.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(h.files, cat)
	}
	return firstErr
}
