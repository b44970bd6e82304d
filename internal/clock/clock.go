// Package clock provides the monotonic millisecond clock the TTL heap and
// idle list are measured against, standing in for the original's
// clock_gettime(CLOCK_MONOTONIC, ...).
package clock

import "time"

var start = time.Now()

// NowMS returns milliseconds elapsed since the process started. It only
// ever increases, even across wall-clock adjustments, because it is
// derived from time.Since's monotonic reading rather than from wall-clock
// timestamps.
func NowMS() int64 {
	return int64(time.Since(start) / time.Millisecond)
}
