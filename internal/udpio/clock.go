package udpio

import "time"

// processStart anchors monotonicNow's return values; only the deltas
// between calls matter anywhere in this package; the wheel and queue never
// interpret "now" as wall-clock time.
var processStart = time.Now()

// monotonicNow returns nanoseconds elapsed since package init, using the
// monotonic reading time.Time carries internally so it is immune to
// wall-clock adjustments. The wheel, queue and reactor all operate purely
// in this timebase.
func monotonicNow() int64 {
	return time.Since(processStart).Nanoseconds()
}
