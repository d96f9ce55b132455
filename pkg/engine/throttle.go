package engine

import "time"

const (
	DefaultProgressInterval   = 100 * time.Millisecond
	DefaultProgressMinPercent = 1.0
)

// throttle limits progress callbacks to one per interval or one per
// minPercent of the total, whichever comes first.
type throttle struct {
	interval   time.Duration
	minPercent float64
	now        func() time.Time

	lastAt    time.Time
	lastBytes uint64
}

func newThrottle(interval time.Duration, minPercent float64, now func() time.Time) *throttle {
	if now == nil {
		now = time.Now
	}
	return &throttle{interval: interval, minPercent: minPercent, now: now}
}

// reset starts a new run; the zero-progress callback is always emitted.
func (t *throttle) reset() {
	t.lastAt = t.now()
	t.lastBytes = 0
}

func (t *throttle) allow(p Progress) bool {
	if p.CompletedBytes <= t.lastBytes {
		return false
	}
	now := t.now()
	delta := Progress{TotalBytes: p.TotalBytes, CompletedBytes: p.CompletedBytes - t.lastBytes}
	if now.Sub(t.lastAt) < t.interval && delta.Percentage() < t.minPercent {
		return false
	}
	t.lastAt = now
	t.lastBytes = p.CompletedBytes
	return true
}
