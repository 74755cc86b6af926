package service

import (
	"errors"
	"testing"
	"time"

	"spa_engine/internal/models"
)

func TestNormalizeTrigger(t *testing.T) {
	t.Parallel()

	when := time.Date(2026, 3, 5, 10, 0, 0, 0, time.FixedZone("UTC+1", 3600))
	cases := []struct {
		name    string
		in      models.Trigger
		wantErr bool
		check   func(t *testing.T, got models.Trigger)
	}{
		{
			name: "daily canonicalizes clock and days",
			in:   models.Trigger{Type: " Daily ", At: "7:05", Days: []time.Weekday{time.Friday, time.Monday, time.Friday}},
			check: func(t *testing.T, got models.Trigger) {
				if got.Type != models.TriggerDaily || got.At != "07:05" {
					t.Fatalf("unexpected trigger %+v", got)
				}
				if len(got.Days) != 2 || got.Days[0] != time.Monday || got.Days[1] != time.Friday {
					t.Fatalf("unexpected days %v", got.Days)
				}
			},
		},
		{
			name: "all seven days collapse to every day",
			in:   models.Trigger{Type: "daily", At: "09:00", Days: []time.Weekday{0, 1, 2, 3, 4, 5, 6}},
			check: func(t *testing.T, got models.Trigger) {
				if got.Days != nil {
					t.Fatalf("expected nil days, got %v", got.Days)
				}
			},
		},
		{name: "bad clock", in: models.Trigger{Type: "daily", At: "25:00"}, wantErr: true},
		{name: "bad weekday", in: models.Trigger{Type: "daily", At: "09:00", Days: []time.Weekday{7}}, wantErr: true},
		{
			name: "one-shot stored in UTC",
			in:   models.Trigger{Type: "once", When: &when},
			check: func(t *testing.T, got models.Trigger) {
				if got.When == nil || got.When.Location() != time.UTC || !got.When.Equal(when) {
					t.Fatalf("unexpected when %v", got.When)
				}
			},
		},
		{name: "one-shot without time", in: models.Trigger{Type: "once"}, wantErr: true},
		{name: "unknown type", in: models.Trigger{Type: "hourly"}, wantErr: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := normalizeTrigger(tc.in)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidRule) {
					t.Fatalf("expected ErrInvalidRule, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tc.check(t, got)
		})
	}
}

func TestOccurrences_Daily(t *testing.T) {
	t.Parallel()

	loc := time.UTC
	// 2026-03-04 is a Wednesday
	now := time.Date(2026, 3, 4, 8, 30, 0, 0, loc)
	every := models.Trigger{Type: models.TriggerDaily, At: "09:00"}
	weekdays := models.Trigger{Type: models.TriggerDaily, At: "09:00", Days: []time.Weekday{time.Monday, time.Friday}}

	if prev, ok := prevOccurrence(every, now, loc); !ok || !prev.Equal(time.Date(2026, 3, 3, 9, 0, 0, 0, loc)) {
		t.Fatalf("prev every-day = %v %v", prev, ok)
	}
	if next, ok := nextOccurrence(every, now, loc); !ok || !next.Equal(time.Date(2026, 3, 4, 9, 0, 0, 0, loc)) {
		t.Fatalf("next every-day = %v %v", next, ok)
	}
	if prev, ok := prevOccurrence(weekdays, now, loc); !ok || !prev.Equal(time.Date(2026, 3, 2, 9, 0, 0, 0, loc)) {
		t.Fatalf("prev weekdays = %v %v", prev, ok)
	}
	if next, ok := nextOccurrence(weekdays, now, loc); !ok || !next.Equal(time.Date(2026, 3, 6, 9, 0, 0, 0, loc)) {
		t.Fatalf("next weekdays = %v %v", next, ok)
	}

	exact := time.Date(2026, 3, 4, 9, 0, 0, 0, loc)
	if prev, ok := prevOccurrence(every, exact, loc); !ok || !prev.Equal(exact) {
		t.Fatalf("an occurrence at now counts as previous, got %v", prev)
	}
	if next, _ := nextOccurrence(every, exact, loc); !next.Equal(exact.AddDate(0, 0, 1)) {
		t.Fatalf("next must be strictly after now, got %v", next)
	}
}

func TestOccurrences_UsesLocation(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("UTC-5", -5*3600)
	tr := models.Trigger{Type: models.TriggerDaily, At: "09:00"}
	now := time.Date(2026, 3, 4, 13, 0, 0, 0, time.UTC) // 08:00 local

	next, ok := nextOccurrence(tr, now, loc)
	if !ok || !next.Equal(time.Date(2026, 3, 4, 14, 0, 0, 0, time.UTC)) {
		t.Fatalf("next = %v, want 14:00 UTC", next)
	}
}

func TestOccurrences_OneShot(t *testing.T) {
	t.Parallel()

	when := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)
	tr := models.Trigger{Type: models.TriggerOneShot, When: &when}

	if _, ok := prevOccurrence(tr, when.Add(-time.Second), time.UTC); ok {
		t.Fatalf("no previous occurrence before the instant")
	}
	if prev, ok := prevOccurrence(tr, when.Add(time.Hour), time.UTC); !ok || !prev.Equal(when) {
		t.Fatalf("prev = %v %v", prev, ok)
	}
	if next, ok := nextOccurrence(tr, when.Add(-time.Minute), time.UTC); !ok || !next.Equal(when) {
		t.Fatalf("next = %v %v", next, ok)
	}
	if _, ok := nextOccurrence(tr, when, time.UTC); ok {
		t.Fatalf("no next occurrence once the instant has passed")
	}
}
