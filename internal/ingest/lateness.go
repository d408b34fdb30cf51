package ingest

import (
	"time"

	"github.com/sells-group/janus/internal/model"
)

// LatenessPolicy decides when an event counts as late.
type LatenessPolicy struct {
	// Grace is the lag tolerated before an event is late.
	Grace time.Duration
	// SameDayBoundary exempts events received on the UTC day they occurred.
	SameDayBoundary bool
}

// Tag returns the late flag and lateness in whole seconds. Lateness is zero
// when the event was received at or before its event time.
func (p LatenessPolicy) Tag(eventTS, receivedTS time.Time) (bool, int64) {
	lag := receivedTS.Sub(eventTS)
	if lag <= 0 {
		return false, 0
	}
	seconds := int64(lag / time.Second)
	if lag <= p.Grace {
		return false, seconds
	}
	if p.SameDayBoundary && model.DayOf(eventTS) == model.DayOf(receivedTS) {
		return false, seconds
	}
	return true, seconds
}
