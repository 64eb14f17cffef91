package services

import (
	"fmt"
	"time"

	"github.com/incidentops/courier/db"
	"github.com/incidentops/courier/internal/clock"
)

// QuietHoursCalculator decides whether "now" falls inside a stakeholder's
// configured quiet window and how long to defer to exit it.
type QuietHoursCalculator struct {
	clock clock.Clock
}

func NewQuietHoursCalculator(clk clock.Clock) *QuietHoursCalculator {
	return &QuietHoursCalculator{clock: clk}
}

// IsQuietNow renders the current time in the preference timezone as HH:MM and
// checks start <= now <= end lexically. Windows that cross midnight (start >
// end) are therefore never quiet under this comparison; that behavior is
// intentional for compatibility and pinned by tests.
func (q *QuietHoursCalculator) IsQuietNow(prefs *db.NotificationPreferences) bool {
	if prefs == nil || prefs.QuietHours == nil {
		return false
	}
	qh := prefs.QuietHours
	loc, err := time.LoadLocation(qh.Timezone)
	if err != nil {
		return false
	}
	now := q.clock.Now().In(loc).Format("15:04")
	return qh.Start <= now && now <= qh.End
}

// DelayUntilQuietHoursEnd returns the minutes from now until the window's end
// today, or until end tomorrow if end has already passed.
func (q *QuietHoursCalculator) DelayUntilQuietHoursEnd(prefs *db.NotificationPreferences) (int, error) {
	if prefs == nil || prefs.QuietHours == nil {
		return 0, nil
	}
	qh := prefs.QuietHours
	loc, err := time.LoadLocation(qh.Timezone)
	if err != nil {
		return 0, fmt.Errorf("invalid quiet hours timezone %q: %w", qh.Timezone, err)
	}

	endClock, err := time.ParseInLocation("15:04", qh.End, loc)
	if err != nil {
		return 0, fmt.Errorf("invalid quiet hours end %q: %w", qh.End, err)
	}

	now := q.clock.Now().In(loc)
	end := time.Date(now.Year(), now.Month(), now.Day(), endClock.Hour(), endClock.Minute(), 0, 0, loc)
	if !end.After(now) {
		end = end.AddDate(0, 0, 1)
	}

	return int(end.Sub(now).Minutes()), nil
}
