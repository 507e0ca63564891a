package scheduler

import "time"

// QuietHours is a [Start, End) window of local hours during which the
// display is not updated. Start > End wraps midnight; Start == End is an
// empty window.
type QuietHours struct {
	Enabled bool
	Start   int
	End     int
}

// Contains reports whether hour (0..23) falls inside the window. It ignores
// Enabled.
func (q QuietHours) Contains(hour int) bool {
	if q.Start > q.End {
		return hour >= q.Start || hour < q.End
	}
	return q.Start <= hour && hour < q.End
}

// Active reports whether now is inside an enabled window.
func (q QuietHours) Active(now time.Time) bool {
	return q.Enabled && q.Contains(now.Hour())
}

// Remaining returns how long until the window ends, i.e. the next
// occurrence of End:00 strictly after now in now's location.
func (q QuietHours) Remaining(now time.Time) time.Duration {
	end := time.Date(now.Year(), now.Month(), now.Day(), q.End, 0, 0, 0, now.Location())
	if !end.After(now) {
		end = end.AddDate(0, 0, 1)
	}
	return end.Sub(now)
}
