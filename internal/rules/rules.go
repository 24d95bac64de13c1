// Package rules stores recurring booking rules: a user's standing intent to
// book a class slot (class, weekday, time) every week.
package rules

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound      = errors.New("rule not found")
	ErrForbidden     = errors.New("rule belongs to a different owner")
	ErrDuplicateRule = errors.New("identical rule already exists for owner")
)

type Status string

const (
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
)

type Rule struct {
	ID         uuid.UUID
	Owner      string
	ClassName  string
	DayOfWeek  time.Weekday
	TimeOfDay  string // "15:04", site-local
	Instructor string
	Status     Status
	CreatedAt  time.Time
}

func (r Rule) Validate() error {
	if r.Owner == "" {
		return fmt.Errorf("owner required")
	}
	if strings.TrimSpace(r.ClassName) == "" {
		return fmt.Errorf("class_name required")
	}
	if r.DayOfWeek < time.Sunday || r.DayOfWeek > time.Saturday {
		return fmt.Errorf("day_of_week must be 0-6")
	}
	if _, _, err := parseTimeOfDay(r.TimeOfDay); err != nil {
		return fmt.Errorf("time_of_day must be HH:MM: %v", err)
	}
	return nil
}

// ClassOccurrenceOnOrBefore returns the most recent instant at or before t
// that falls on the rule's weekday at its time of day, in t's location.
func (r Rule) ClassOccurrenceOnOrBefore(t time.Time) time.Time {
	hh, mm, err := parseTimeOfDay(r.TimeOfDay)
	if err != nil {
		return time.Time{}
	}
	daysBack := (int(t.Weekday()) - int(r.DayOfWeek) + 7) % 7
	cand := time.Date(t.Year(), t.Month(), t.Day()-daysBack, hh, mm, 0, 0, t.Location())
	if cand.After(t) {
		cand = cand.AddDate(0, 0, -7)
	}
	return cand
}

// Due reports whether the rule's booking window opened within (at-grace, at].
// The window for a class occurrence opens lead before the class; occurrences
// whose window opened earlier than grace ago are skipped, not fired late.
func (r Rule) Due(at time.Time, lead, grace time.Duration) (fireAt, classAt time.Time, ok bool) {
	classAt = r.ClassOccurrenceOnOrBefore(at.Add(lead))
	if classAt.IsZero() {
		return time.Time{}, time.Time{}, false
	}
	fireAt = classAt.Add(-lead)
	if fireAt.After(at) || !fireAt.After(at.Add(-grace)) {
		return time.Time{}, time.Time{}, false
	}
	return fireAt, classAt, true
}

func parseTimeOfDay(s string) (hh, mm int, err error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("want HH:MM, got %q", s)
	}
	if hh, err = strconv.Atoi(parts[0]); err != nil {
		return 0, 0, err
	}
	if mm, err = strconv.Atoi(parts[1]); err != nil {
		return 0, 0, err
	}
	if hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return 0, 0, fmt.Errorf("out of range: %q", s)
	}
	return hh, mm, nil
}
