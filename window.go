package llmgate

import "time"

// Window is a rolling time bucket over which a quota budget applies.
// Day windows roll over at local midnight, week windows at Monday 00:00
// local time. Counters expire at the window boundary, so an actively
// used counter never accumulates usage across windows.
type Window string

const (
	WindowDay  Window = "day"
	WindowWeek Window = "week"
)

// Start returns the beginning of the window containing now.
func (w Window) Start(now time.Time) time.Time {
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	if w == WindowDay {
		return day
	}
	// Monday-based weekday offset.
	offset := (int(now.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

// End returns the window boundary following now.
func (w Window) End(now time.Time) time.Time {
	if w == WindowDay {
		return w.Start(now).AddDate(0, 0, 1)
	}
	return w.Start(now).AddDate(0, 0, 7)
}

// TTL returns the time remaining until the window boundary. It is
// recomputed on every counter write so the expiry keeps sliding to the
// end of the current window.
func (w Window) TTL(now time.Time) time.Duration {
	return w.End(now).Sub(now)
}
