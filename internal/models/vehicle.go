package models

import "time"

// Vehicle carries the fleet identity and classification used to select
// pattern templates and default thresholds. Identity is immutable; class and
// metadata may change over the vehicle's life.
type Vehicle struct {
	ID             string
	Class          string
	Commissioned   time.Time
	Decommissioned *time.Time
	Metadata       map[string]string
}

// Active reports whether the vehicle is still in service.
func (v Vehicle) Active() bool {
	return v.Decommissioned == nil
}

// SignalStream describes one named metric a vehicle is expected to report.
type SignalStream struct {
	Name    string        `yaml:"name"`
	Unit    string        `yaml:"unit"`
	Cadence time.Duration `yaml:"cadence"`
	Min     float64       `yaml:"min"`
	Max     float64       `yaml:"max"`
}
