package service

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"spa_engine/internal/models"
)

const clockLayout = "15:04"

// normalizeTrigger validates t and returns it in canonical form.
func normalizeTrigger(t models.Trigger) (models.Trigger, error) {
	switch strings.ToLower(strings.TrimSpace(t.Type)) {
	case models.TriggerDaily:
		at, err := time.Parse(clockLayout, strings.TrimSpace(t.At))
		if err != nil {
			return t, fmt.Errorf("%w: at must be HH:MM", ErrInvalidRule)
		}
		seen := make(map[time.Weekday]bool, len(t.Days))
		days := make([]time.Weekday, 0, len(t.Days))
		for _, d := range t.Days {
			if d < time.Sunday || d > time.Saturday {
				return t, fmt.Errorf("%w: day %d out of range 0..6", ErrInvalidRule, d)
			}
			if !seen[d] {
				seen[d] = true
				days = append(days, d)
			}
		}
		sort.Slice(days, func(i, j int) bool { return days[i] < days[j] })
		if len(days) == 0 || len(days) == 7 {
			days = nil
		}
		return models.Trigger{Type: models.TriggerDaily, At: at.Format(clockLayout), Days: days}, nil

	case models.TriggerOneShot:
		if t.When == nil || t.When.IsZero() {
			return t, fmt.Errorf("%w: when is required for a one-shot trigger", ErrInvalidRule)
		}
		when := t.When.UTC()
		return models.Trigger{Type: models.TriggerOneShot, When: &when}, nil
	}
	return t, fmt.Errorf("%w: trigger type must be %q or %q", ErrInvalidRule, models.TriggerDaily, models.TriggerOneShot)
}

// validateTemplate checks the action shape. Ranges are checked by the dispatcher at fire time.
func validateTemplate(a models.CommandTemplate) error {
	switch a.Kind {
	case models.KindSetTemperature:
		if a.Payload.Temperature == nil {
			return fmt.Errorf("%w: set-temperature needs a temperature", ErrInvalidRule)
		}
	case models.KindToggleActuator:
		if a.Payload.ActuatorID == "" {
			return fmt.Errorf("%w: toggle-actuator needs an actuator_id", ErrInvalidRule)
		}
	case models.KindToggleLight:
	default:
		return fmt.Errorf("%w: unknown action kind %q", ErrInvalidRule, a.Kind)
	}
	return nil
}

func dayAllowed(days []time.Weekday, d time.Weekday) bool {
	if len(days) == 0 {
		return true
	}
	for _, x := range days {
		if x == d {
			return true
		}
	}
	return false
}

func clockOn(day time.Time, at string, loc *time.Location) (time.Time, bool) {
	c, err := time.Parse(clockLayout, at)
	if err != nil {
		return time.Time{}, false
	}
	y, m, d := day.Date()
	return time.Date(y, m, d, c.Hour(), c.Minute(), 0, 0, loc), true
}

// prevOccurrence is the latest trigger instant at or before now.
func prevOccurrence(t models.Trigger, now time.Time, loc *time.Location) (time.Time, bool) {
	switch t.Type {
	case models.TriggerOneShot:
		if t.When != nil && !t.When.After(now) {
			return *t.When, true
		}
	case models.TriggerDaily:
		local := now.In(loc)
		for i := 0; i <= 7; i++ {
			day := local.AddDate(0, 0, -i)
			occ, ok := clockOn(day, t.At, loc)
			if !ok {
				return time.Time{}, false
			}
			if !occ.After(now) && dayAllowed(t.Days, occ.Weekday()) {
				return occ, true
			}
		}
	}
	return time.Time{}, false
}

// nextOccurrence is the earliest trigger instant strictly after now.
func nextOccurrence(t models.Trigger, now time.Time, loc *time.Location) (time.Time, bool) {
	switch t.Type {
	case models.TriggerOneShot:
		if t.When != nil && t.When.After(now) {
			return *t.When, true
		}
	case models.TriggerDaily:
		local := now.In(loc)
		for i := 0; i <= 7; i++ {
			day := local.AddDate(0, 0, i)
			occ, ok := clockOn(day, t.At, loc)
			if !ok {
				return time.Time{}, false
			}
			if occ.After(now) && dayAllowed(t.Days, occ.Weekday()) {
				return occ, true
			}
		}
	}
	return time.Time{}, false
}
