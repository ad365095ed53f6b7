package models

import "time"

// FeedbackRecord is one technician decision about a resolved alert. Records
// are immutable once created; the ledger is append-only.
type FeedbackRecord struct {
	AlertID      string     `json:"alert_id"`
	Decision     Resolution `json:"decision"`
	Reason       string     `json:"reason"`
	TechnicianID string     `json:"technician_id"`
	SubmittedAt  time.Time  `json:"timestamp"`
}

// ThresholdProfile holds the active confidence gate for one
// (vehicle class, pattern) pair. Only the feedback adjuster mutates it; the
// scorer reads it. Version supports optimistic concurrency on updates.
type ThresholdProfile struct {
	VehicleClass   string
	PatternRef     string
	Confidence     float64
	Version        int64
	LastAdjustedAt time.Time
}
