package llmgate_test

import (
	"testing"
	"time"

	lg "github.com/ineyio/llmgate"
	"github.com/stretchr/testify/assert"
)

// Test 1: Day window starts at midnight of the same day
func TestDayWindow_StartsAtMidnight(t *testing.T) {
	now := time.Date(2025, 6, 18, 14, 30, 45, 0, time.UTC) // a Wednesday

	start := lg.WindowDay.Start(now)
	assert.Equal(t, time.Date(2025, 6, 18, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2025, 6, 19, 0, 0, 0, 0, time.UTC), lg.WindowDay.End(now))
}

// Test 2: Week window starts on Monday 00:00
func TestWeekWindow_StartsOnMonday(t *testing.T) {
	// Wednesday June 18 2025; the week began Monday June 16.
	now := time.Date(2025, 6, 18, 14, 30, 45, 0, time.UTC)

	start := lg.WindowWeek.Start(now)
	assert.Equal(t, time.Date(2025, 6, 16, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Monday, start.Weekday())
	assert.Equal(t, time.Date(2025, 6, 23, 0, 0, 0, 0, time.UTC), lg.WindowWeek.End(now))
}

// Test 3: Week window on a Sunday still anchors to the preceding Monday
func TestWeekWindow_SundayBelongsToPrecedingMonday(t *testing.T) {
	now := time.Date(2025, 6, 22, 23, 0, 0, 0, time.UTC) // Sunday

	start := lg.WindowWeek.Start(now)
	assert.Equal(t, time.Date(2025, 6, 16, 0, 0, 0, 0, time.UTC), start)
}

// Test 4: Week window on a Monday starts that same day
func TestWeekWindow_MondayStartsToday(t *testing.T) {
	now := time.Date(2025, 6, 16, 0, 0, 1, 0, time.UTC) // Monday just after midnight

	assert.Equal(t, time.Date(2025, 6, 16, 0, 0, 0, 0, time.UTC), lg.WindowWeek.Start(now))
}

// Test 5: Day TTL shrinks to zero at the boundary
func TestDayWindow_TTLNearMidnight(t *testing.T) {
	now := time.Date(2025, 6, 18, 23, 59, 50, 0, time.UTC)

	assert.Equal(t, 10*time.Second, lg.WindowDay.TTL(now))
}

// Test 6: Crossing a day boundary rolls the day window but not the week window
func TestWindows_DayRollsWeekPersists(t *testing.T) {
	before := time.Date(2025, 6, 18, 23, 59, 0, 0, time.UTC)
	after := before.Add(2 * time.Minute) // Thursday 00:01

	assert.NotEqual(t, lg.WindowDay.Start(before), lg.WindowDay.Start(after))
	assert.Equal(t, lg.WindowWeek.Start(before), lg.WindowWeek.Start(after))
}

// Test 7: Windows respect the clock's location
func TestWindows_LocalMidnight(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*3600)
	// 01:00 local is still the previous day in UTC.
	now := time.Date(2025, 6, 18, 1, 0, 0, 0, loc)

	start := lg.WindowDay.Start(now)
	assert.Equal(t, time.Date(2025, 6, 18, 0, 0, 0, 0, loc), start)
	assert.Equal(t, loc, start.Location())
}
