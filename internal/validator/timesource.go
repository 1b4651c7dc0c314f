package validator

import (
	"math"
	"math/rand"
)

// Clock is the shared simulation clock, in seconds.
type Clock interface {
	Now() float64
}

// TimeSource derives a validator-local timestamp from a shared clock.
type TimeSource struct {
	clock     Clock
	precision float64
	offset    int64
}

// NewTimeSource draws a fixed offset in [-jitter/2, jitter/2) from rng.
// A non-positive jitter means no offset.
func NewTimeSource(clock Clock, precision float64, jitter int64, rng *rand.Rand) *TimeSource {
	var offset int64
	if jitter > 0 {
		offset = rng.Int63n(jitter) - jitter/2
	}
	return &TimeSource{clock: clock, precision: precision, offset: offset}
}

// Now returns floor(clock * precision) + offset.
func (t *TimeSource) Now() int64 {
	return int64(math.Floor(t.clock.Now()*t.precision)) + t.offset
}

// Offset returns the fixed local offset.
func (t *TimeSource) Offset() int64 { return t.offset }

// Precision returns the number of timestamp units per clock second.
func (t *TimeSource) Precision() float64 { return t.precision }
