package models

import "time"

// Baseline is the rolling statistical summary of one signal's normal
// behaviour for one vehicle. State is O(1) regardless of history length.
type Baseline struct {
	VehicleID   string
	Signal      string
	Mean        float64
	Variance    float64
	TrendSlope  float64
	SampleCount uint64
	FirstSeen   time.Time
	LastSeen    time.Time
	LastSeq     uint64
	Warm        bool
	Archived    bool
}

// Span returns the observed time span of the series.
func (b Baseline) Span() time.Duration {
	if b.FirstSeen.IsZero() || b.LastSeen.Before(b.FirstSeen) {
		return 0
	}
	return b.LastSeen.Sub(b.FirstSeen)
}
