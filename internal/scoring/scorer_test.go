package scoring

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/fleetpulse/pdm-engine/internal/config"
	"github.com/fleetpulse/pdm-engine/internal/models"
	"github.com/fleetpulse/pdm-engine/internal/patterns"
)

type staticThresholds struct {
	threshold float64
	err       error
}

func (s staticThresholds) Threshold(context.Context, string, string) (float64, error) {
	return s.threshold, s.err
}

func testScoringConfig() config.ScoringConfig {
	return config.ScoringConfig{
		DefaultThreshold: 0.75,
		DeviationWeight:  0.45,
		MatchWeight:      0.55,
		GenericZScore:    4.0,
	}
}

func testMatch(strength float64) *patterns.Match {
	start := time.Date(2026, time.February, 1, 0, 0, 0, 0, time.UTC)
	return &patterns.Match{
		Template: models.PatternTemplate{
			Name:            "thermostat_failure",
			Version:         1,
			MinDurationDays: 14,
			MaxDurationDays: 28,
			TTF:             models.TTFDistribution{MedianDays: 21, P10Days: 7, P90Days: 45},
			HistConfidence:  0.82,
		},
		Strength:    strength,
		Deviation:   12.0,
		WindowStart: start,
		WindowEnd:   start.Add(21 * 24 * time.Hour),
		Signals:     []string{"engine_temp"},
	}
}

func testSample() models.Sample {
	return models.Sample{
		VehicleID: "veh-1",
		Signal:    "engine_temp",
		Timestamp: time.Date(2026, time.February, 22, 0, 0, 0, 0, time.UTC),
		Value:     212,
		Unit:      "fahrenheit",
	}
}

func warm() models.Baseline { return models.Baseline{Mean: 200, Variance: 1, Warm: true} }
func cold() models.Baseline { return models.Baseline{Mean: 200, Variance: 1, Warm: false} }

func TestScoreCombinesDeviationAndMatchStrength(t *testing.T) {
	s := NewScorer(nil, testScoringConfig(), staticThresholds{threshold: 0.75})

	z := 12.0
	v, ok := s.Score(context.Background(), testSample(), "standard", warm(), z, testMatch(1.0))
	if !ok {
		t.Fatal("no verdict for a matched pattern")
	}
	want := 0.45*(z/(z+3)) + 0.55*1.0
	if math.Abs(v.Confidence-want) > 1e-9 {
		t.Fatalf("confidence = %.4f, want %.4f", v.Confidence, want)
	}
	if !v.Fire || v.Suppressed != "" {
		t.Fatalf("verdict = %+v, want fire", v)
	}
	if v.PatternRef != "thermostat_failure_v1" {
		t.Fatalf("pattern ref = %s", v.PatternRef)
	}
	if v.ActionWindow != 7*24*time.Hour {
		t.Fatalf("action window = %s, want 168h from the p10 time to failure", v.ActionWindow)
	}
	if !strings.Contains(v.Explanation, "within 7 days") {
		t.Fatalf("explanation lacks the action window: %q", v.Explanation)
	}
}

func TestScoreSuppressesUnwarmedBaselines(t *testing.T) {
	s := NewScorer(nil, testScoringConfig(), staticThresholds{threshold: 0.75})

	v, ok := s.Score(context.Background(), testSample(), "standard", cold(), 12.0, testMatch(1.0))
	if !ok {
		t.Fatal("no verdict")
	}
	if v.Fire {
		t.Fatal("fired on an unwarmed baseline")
	}
	if v.Suppressed != SuppressedUnwarmed {
		t.Fatalf("suppression cause = %q, want %q", v.Suppressed, SuppressedUnwarmed)
	}
}

func TestScoreSuppressesBelowThreshold(t *testing.T) {
	s := NewScorer(nil, testScoringConfig(), staticThresholds{threshold: 0.95})

	v, ok := s.Score(context.Background(), testSample(), "standard", warm(), 5.0, testMatch(0.6))
	if !ok {
		t.Fatal("no verdict")
	}
	if v.Fire {
		t.Fatal("fired below the threshold")
	}
	if v.Suppressed != SuppressedThreshold {
		t.Fatalf("suppression cause = %q, want %q", v.Suppressed, SuppressedThreshold)
	}
	if v.Threshold != 0.95 {
		t.Fatalf("threshold = %.2f, want 0.95", v.Threshold)
	}
}

func TestScoreGenericAnomalyGating(t *testing.T) {
	s := NewScorer(nil, testScoringConfig(), staticThresholds{threshold: 0.75})
	ctx := context.Background()

	// Below the generic gate with no match: nothing to consider.
	if _, ok := s.Score(ctx, testSample(), "standard", warm(), 3.5, nil); ok {
		t.Fatal("verdict below the generic z gate")
	}

	v, ok := s.Score(ctx, testSample(), "standard", warm(), 30.0, nil)
	if !ok {
		t.Fatal("no verdict for an extreme deviation")
	}
	if v.PatternRef != models.GenericAnomalyRef {
		t.Fatalf("pattern ref = %s, want %s", v.PatternRef, models.GenericAnomalyRef)
	}
	want := 30.0 / 33.0
	if math.Abs(v.Confidence-want) > 1e-9 {
		t.Fatalf("confidence = %.4f, want %.4f", v.Confidence, want)
	}
	if !v.Fire {
		t.Fatalf("generic anomaly at z=30 did not fire: %+v", v)
	}
}

func TestScoreFallsBackToDefaultThresholdOnLookupFailure(t *testing.T) {
	s := NewScorer(nil, testScoringConfig(), staticThresholds{threshold: 0.5, err: errors.New("store down")})

	v, ok := s.Score(context.Background(), testSample(), "standard", warm(), 12.0, testMatch(1.0))
	if !ok {
		t.Fatal("no verdict")
	}
	if v.Threshold != 0.75 {
		t.Fatalf("threshold = %.2f, want the configured default", v.Threshold)
	}
}
