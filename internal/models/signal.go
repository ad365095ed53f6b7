package models

import "time"

// SourceType enumerates supported telemetry origins.
type SourceType string

const (
	SourceOBD       SourceType = "obd2"
	SourceGPS       SourceType = "gps"
	SourceFuel      SourceType = "fuel_sensor"
	SourceBattery   SourceType = "battery_sensor"
	SourceAftermkt  SourceType = "aftermarket"
	SourceUnknownTy SourceType = "unknown"
)

// RawReading is a telemetry datum as received on the ingestion API, before
// normalization. Value semantics depend on Unit and Source.
type RawReading struct {
	VehicleID string     `json:"vehicle_id"`
	Signal    string     `json:"signal_name"`
	Timestamp time.Time  `json:"timestamp"`
	Value     float64    `json:"value"`
	Unit      string     `json:"unit"`
	Source    SourceType `json:"source"`
}

// Sample is the canonical time-stamped signal tuple produced by the
// normalizer. Sequence is monotonic per (vehicle, signal) and drives ordering
// and replay idempotence downstream.
type Sample struct {
	VehicleID string
	Signal    string
	Timestamp time.Time
	Value     float64
	Unit      string
	Source    SourceType
	Sequence  uint64
}

// SeriesKey identifies one per-vehicle signal stream.
type SeriesKey struct {
	VehicleID string
	Signal    string
}

// Key returns the sample's series key.
func (s Sample) Key() SeriesKey {
	return SeriesKey{VehicleID: s.VehicleID, Signal: s.Signal}
}

// QuarantinedReading records a rejected raw reading and why it was rejected.
// Quarantined rows are kept for audit, never silently dropped.
type QuarantinedReading struct {
	ID        string
	Reading   RawReading
	Reason    string
	Code      string
	CreatedAt time.Time
}
