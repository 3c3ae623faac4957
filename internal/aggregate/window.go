package aggregate

import "time"

const (
	// BaselineHours is the window size used when nothing has been
	// learned for a (user, folder) pair.
	BaselineHours = 24

	// MaxWindowHours caps how far back a single window may reach.
	MaxWindowHours = 720 // 30 days

	// maxAttempts bounds the widen-and-retry loop within one request.
	maxAttempts = 3
)

// TimeWindow is one adaptive query window: how far back to look and
// how many windows of that size to skip for pagination.
type TimeWindow struct {
	HoursBack   int
	BatchOffset int
}

// Bounds resolves the window against now as the half-open range
// [now-(offset+1)*hours, now-offset*hours).
func (w TimeWindow) Bounds(now time.Time) (since, before time.Time) {
	span := time.Duration(w.HoursBack) * time.Hour
	before = now.Add(-time.Duration(w.BatchOffset) * span)
	since = before.Add(-span)
	return since, before
}

// clampHours forces a learned seed into [1, MaxWindowHours].
func clampHours(hours int) int {
	if hours < 1 {
		return 1
	}
	if hours > MaxWindowHours {
		return MaxWindowHours
	}
	return hours
}

// nextHours is the proportional re-estimate: the window size expected
// to yield batchSize records, given that hours yielded rawCount.
// Rounded up so the estimate never shrinks below the exact proportion.
func nextHours(hours, batchSize, rawCount int) int {
	return (hours*batchSize + rawCount - 1) / rawCount
}
