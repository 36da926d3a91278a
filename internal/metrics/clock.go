package metrics

import "time"

var epoch = time.Now()

// Nanotime returns monotonic nanoseconds since process start. Send and
// receive instants handed to the Tracker must come from this clock.
func Nanotime() int64 {
	return int64(time.Since(epoch))
}
