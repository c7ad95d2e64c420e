package session

import "time"

const bytesPerMB = 1e6

// ShouldStop is the stop policy: true once more than StopOnBytesMB
// megabytes (10^6 bytes) were consumed or more than StopOnSeconds seconds
// elapsed. A zero threshold is disabled. The result depends only on its
// arguments and never turns false again as the counters grow.
func ShouldStop(bytesConsumed uint64, elapsed time.Duration, p Parameters) bool {
	return Evaluate(bytesConsumed, elapsed, p) != ReasonNone
}

// Evaluate is ShouldStop reporting which threshold fired. Bytes win when
// both do.
func Evaluate(bytesConsumed uint64, elapsed time.Duration, p Parameters) StopReason {
	if p.StopOnBytesMB > 0 && float64(bytesConsumed)/bytesPerMB > float64(p.StopOnBytesMB) {
		return ReasonBytes
	}
	if p.StopOnSeconds > 0 && elapsed.Seconds() > float64(p.StopOnSeconds) {
		return ReasonTime
	}
	return ReasonNone
}
