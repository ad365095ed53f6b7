package models

import (
	"fmt"
	"time"
)

// DeviationShape names the expected trajectory of a signal relative to its
// baseline during a degradation phase.
type DeviationShape string

const (
	ShapeMonotonicRise DeviationShape = "monotonic_rise"
	ShapeMonotonicFall DeviationShape = "monotonic_fall"
	ShapeStepChange    DeviationShape = "step_change"
	ShapeOscillation   DeviationShape = "oscillation"
)

// PhaseSpec is one ordered element of a degradation signature: a signal that
// must deviate in a given shape, with slope expressed as a multiple of the
// baseline standard deviation per day.
type PhaseSpec struct {
	Signal       string         `yaml:"signal"`
	Shape        DeviationShape `yaml:"shape"`
	MinSlopeSD   float64        `yaml:"min_slope_sd"`
	MinDeviation float64        `yaml:"min_deviation_sd"`
}

// TTFDistribution summarises historical time-to-failure observations for a
// template, used to compute the recommended action window.
type TTFDistribution struct {
	MedianDays float64 `yaml:"median_days"`
	P10Days    float64 `yaml:"p10_days"`
	P90Days    float64 `yaml:"p90_days"`
	SampleSize int     `yaml:"sample_size"`
}

// PatternTemplate is a versioned, reusable signature of a known failure
// mode. Versions are append-only; matching always references a specific
// version so results stay reproducible.
type PatternTemplate struct {
	Name            string          `yaml:"name"`
	Version         int             `yaml:"version"`
	Description     string          `yaml:"description"`
	VehicleClasses  []string        `yaml:"vehicle_classes"`
	Phases          []PhaseSpec     `yaml:"phases"`
	MinDurationDays float64         `yaml:"min_duration_days"`
	MaxDurationDays float64         `yaml:"max_duration_days"`
	TTF             TTFDistribution `yaml:"ttf"`
	HistConfidence  float64         `yaml:"historical_confidence"`
	Retracted       bool            `yaml:"retracted"`
}

// MinWindow is the shortest trajectory duration the template accepts.
func (t PatternTemplate) MinWindow() time.Duration {
	return time.Duration(t.MinDurationDays * 24 * float64(time.Hour))
}

// MaxWindow bounds how long a partial match is tracked before it expires.
func (t PatternTemplate) MaxWindow() time.Duration {
	return time.Duration(t.MaxDurationDays * 24 * float64(time.Hour))
}

// Ref returns the immutable "name_vN" identifier of this template version.
func (t PatternTemplate) Ref() string {
	return fmt.Sprintf("%s_v%d", t.Name, t.Version)
}

// AppliesTo reports whether the template covers the vehicle class. An empty
// class list means the template applies fleet-wide.
func (t PatternTemplate) AppliesTo(class string) bool {
	if len(t.VehicleClasses) == 0 {
		return true
	}
	for _, c := range t.VehicleClasses {
		if c == class {
			return true
		}
	}
	return false
}

// ActionWindow derives the recommended action window from the TTF
// distribution: act well before the earliest historical failures.
func (t TTFDistribution) ActionWindow() time.Duration {
	days := t.P10Days
	if days <= 0 {
		days = t.MedianDays / 2
	}
	if days < 1 {
		days = 1
	}
	return time.Duration(days * 24 * float64(time.Hour))
}

// GenericAnomalyRef labels alerts raised from raw deviation with no matching
// template.
const GenericAnomalyRef = "generic_anomaly"
