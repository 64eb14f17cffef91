package services

import (
	"testing"
	"time"

	"github.com/incidentops/courier/db"
	"github.com/incidentops/courier/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietPrefs(start, end, tz string) *db.NotificationPreferences {
	return &db.NotificationPreferences{
		TeamID:     "core",
		QuietHours: &db.QuietHours{Start: start, End: end, Timezone: tz},
	}
}

func calcAt(hour, minute int) *QuietHoursCalculator {
	now := clock.Fixed(time.Date(2024, 1, 16, hour, minute, 0, 0, time.UTC))
	return NewQuietHoursCalculator(now)
}

func TestIsQuietNowInsideWindow(t *testing.T) {
	calc := calcAt(10, 30)
	assert.True(t, calc.IsQuietNow(quietPrefs("09:00", "17:00", "UTC")))
}

func TestIsQuietNowOutsideWindow(t *testing.T) {
	calc := calcAt(18, 0)
	assert.False(t, calc.IsQuietNow(quietPrefs("09:00", "17:00", "UTC")))
}

// A window spanning midnight is never quiet under the lexical comparison:
// start <= now <= end cannot hold when start > end. 23:00 sits inside the
// intuitive 22:00-06:00 window yet reports false. Documented behavior, kept
// for compatibility.
func TestIsQuietNowMidnightCrossingWindowIsNeverQuiet(t *testing.T) {
	calc := calcAt(23, 0)
	assert.False(t, calc.IsQuietNow(quietPrefs("22:00", "06:00", "UTC")))

	calc = calcAt(2, 0)
	assert.False(t, calc.IsQuietNow(quietPrefs("22:00", "06:00", "UTC")))
}

func TestIsQuietNowBoundariesInclusive(t *testing.T) {
	assert.True(t, calcAt(9, 0).IsQuietNow(quietPrefs("09:00", "17:00", "UTC")))
	assert.True(t, calcAt(17, 0).IsQuietNow(quietPrefs("09:00", "17:00", "UTC")))
	assert.False(t, calcAt(17, 1).IsQuietNow(quietPrefs("09:00", "17:00", "UTC")))
}

func TestIsQuietNowHonorsTimezone(t *testing.T) {
	// 14:30 UTC is 09:30 in New York (EST, January).
	calc := calcAt(14, 30)
	assert.True(t, calc.IsQuietNow(quietPrefs("09:00", "10:00", "America/New_York")))
	assert.False(t, calc.IsQuietNow(quietPrefs("09:00", "10:00", "UTC")))
}

func TestIsQuietNowToleratesMissingOrBrokenConfig(t *testing.T) {
	calc := calcAt(10, 0)
	assert.False(t, calc.IsQuietNow(nil))
	assert.False(t, calc.IsQuietNow(&db.NotificationPreferences{}))
	assert.False(t, calc.IsQuietNow(quietPrefs("09:00", "17:00", "Not/AZone")))
}

func TestDelayUntilQuietHoursEndSameDay(t *testing.T) {
	calc := calcAt(10, 0)
	delay, err := calc.DelayUntilQuietHoursEnd(quietPrefs("09:00", "17:00", "UTC"))
	require.NoError(t, err)
	assert.Equal(t, 7*60, delay)
}

func TestDelayUntilQuietHoursEndRollsToTomorrow(t *testing.T) {
	// End already passed: defer until 09:00 tomorrow.
	calc := calcAt(10, 0)
	delay, err := calc.DelayUntilQuietHoursEnd(quietPrefs("22:00", "09:00", "UTC"))
	require.NoError(t, err)
	assert.Equal(t, 23*60, delay)
}

func TestDelayUntilQuietHoursEndBadConfig(t *testing.T) {
	calc := calcAt(10, 0)

	_, err := calc.DelayUntilQuietHoursEnd(quietPrefs("09:00", "17:00", "Not/AZone"))
	assert.Error(t, err)

	_, err = calc.DelayUntilQuietHoursEnd(quietPrefs("09:00", "5pm", "UTC"))
	assert.Error(t, err)
}
