package models

import "time"

// AlertState enumerates the alert lifecycle.
type AlertState string

const (
	AlertOpen            AlertState = "open"
	AlertAcknowledged    AlertState = "acknowledged"
	AlertWorkOrderOpened AlertState = "work_order_created"
	AlertDismissed       AlertState = "dismissed"
	AlertResolved        AlertState = "resolved"
	AlertArchived        AlertState = "archived"
)

// Resolution classifies how a resolved alert turned out. It is what feeds
// the threshold adjustment loop.
type Resolution string

const (
	ResolutionConfirmed     Resolution = "confirmed"
	ResolutionFalsePositive Resolution = "false_positive"
	ResolutionInconclusive  Resolution = "inconclusive"
)

// Terminal reports whether the state admits no further transitions except
// archival bookkeeping.
func (s AlertState) Terminal() bool {
	return s == AlertResolved || s == AlertArchived
}

// Alert is a confidence-scored maintenance prediction for one vehicle,
// uniquely keyed by (vehicle, pattern, detection window).
type Alert struct {
	ID           string
	VehicleID    string
	VehicleClass string
	Signals      []string
	PatternRef   string
	Confidence   float64
	Explanation  string
	ActionWindow time.Duration
	WindowStart  time.Time
	WindowEnd    time.Time
	State        AlertState
	Resolution   Resolution
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AlertEvent is the export contract published to the work-order system on
// every state change.
type AlertEvent struct {
	AlertID      string     `json:"alert_id"`
	VehicleID    string     `json:"vehicle_id"`
	VehicleClass string     `json:"vehicle_class"`
	PatternRef   string     `json:"pattern_version"`
	Confidence   float64    `json:"confidence"`
	Explanation  string     `json:"explanation"`
	ActionWindow string     `json:"recommended_action_window"`
	State        AlertState `json:"state"`
	OccurredAt   time.Time  `json:"occurred_at"`
}
