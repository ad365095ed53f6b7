package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/fleetpulse/pdm-engine/internal/alerts"
	"github.com/fleetpulse/pdm-engine/internal/baseline"
	"github.com/fleetpulse/pdm-engine/internal/config"
	"github.com/fleetpulse/pdm-engine/internal/models"
	"github.com/fleetpulse/pdm-engine/internal/normalizer"
	"github.com/fleetpulse/pdm-engine/internal/patterns"
	"github.com/fleetpulse/pdm-engine/internal/scoring"
	"github.com/fleetpulse/pdm-engine/internal/store"
	"github.com/fleetpulse/pdm-engine/internal/utils"
)

type fixedThreshold float64

func (f fixedThreshold) Threshold(context.Context, string, string) (float64, error) {
	return float64(f), nil
}

func thermostatTemplate() models.PatternTemplate {
	return models.PatternTemplate{
		Name:        "thermostat_failure",
		Version:     1,
		Description: "slow engine temperature climb",
		Phases: []models.PhaseSpec{
			{Signal: "engine_temp", Shape: models.ShapeMonotonicRise, MinSlopeSD: 0.1, MinDeviation: 2.0},
		},
		MinDurationDays: 14,
		MaxDurationDays: 28,
		TTF:             models.TTFDistribution{MedianDays: 21, P10Days: 7, P90Days: 45, SampleSize: 112},
		HistConfidence:  0.82,
	}
}

// newTestPipeline builds a full in-memory pipeline. minSamples tunes how
// fast baselines warm up.
func newTestPipeline(t *testing.T, mem *store.MemoryStore, minSamples uint64) *Pipeline {
	t.Helper()

	catalog := []models.SignalStream{
		{Name: "engine_temp", Unit: "fahrenheit", Min: -40, Max: 400},
	}
	lib, err := patterns.LoadLibrary("")
	if err != nil {
		t.Fatal(err)
	}
	if err := lib.Add(thermostatTemplate()); err != nil {
		t.Fatal(err)
	}

	norm := normalizer.New(nil, catalog, mem, 5*time.Minute)
	baselines := baseline.NewStore(nil, 0.05, minSamples, 0, nil)
	matcher := patterns.NewMatcher(nil, lib)
	scorer := scoring.NewScorer(nil, config.ScoringConfig{
		DefaultThreshold: 0.75,
		DeviationWeight:  0.45,
		MatchWeight:      0.55,
		GenericZScore:    4.0,
	}, fixedThreshold(0.75))
	alertMgr := alerts.NewManager(nil, mem, nil, 30*24*time.Hour)

	return NewPipeline(nil, norm, baselines, matcher, scorer, alertMgr, NewRegistry(), mem, 1, 64, 16)
}

// feedDegradation drives the thermostat scenario: warmDays of stable
// readings around 200F followed by riseDays climbing 0.5F per day, sampled
// every 12 hours ending now.
func feedDegradation(p *Pipeline, vehicleID string, warmDays, riseDays int) {
	ctx := context.Background()
	step := 12 * time.Hour
	total := time.Duration(warmDays+riseDays) * 24 * time.Hour
	start := time.Now().UTC().Add(-total)
	riseStart := start.Add(time.Duration(warmDays) * 24 * time.Hour)

	noise := 0.5
	for ts := start; ts.Before(time.Now().UTC()); ts = ts.Add(step) {
		value := 200.0 + noise
		noise = -noise
		if ts.After(riseStart) {
			value += 0.5 * ts.Sub(riseStart).Hours() / 24
		}
		p.process(ctx, models.RawReading{
			VehicleID: vehicleID,
			Signal:    "engine_temp",
			Timestamp: ts,
			Value:     value,
			Unit:      "fahrenheit",
			Source:    models.SourceOBD,
		})
	}
}

func TestPipelineRaisesOneAlertForSlowDegradation(t *testing.T) {
	mem := store.NewMemoryStore()
	p := newTestPipeline(t, mem, 20)

	feedDegradation(p, "veh-1", 20, 21)

	open, err := mem.ListAlerts(context.Background(), "veh-1", models.AlertOpen)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 {
		t.Fatalf("open alerts = %d, want exactly 1 despite repeated matching samples", len(open))
	}
	alert := open[0]
	if alert.PatternRef != "thermostat_failure_v1" {
		t.Fatalf("pattern = %s, want thermostat_failure_v1", alert.PatternRef)
	}
	if alert.Confidence < 0.75 {
		t.Fatalf("confidence = %.3f, want >= threshold", alert.Confidence)
	}
	if alert.ActionWindow != 7*24*time.Hour {
		t.Fatalf("action window = %s, want 7 days from the p10 time to failure", alert.ActionWindow)
	}
	if !strings.Contains(alert.Explanation, "thermostat_failure_v1") ||
		!strings.Contains(alert.Explanation, "within 7 days") {
		t.Fatalf("explanation = %q", alert.Explanation)
	}
	// No generic anomaly alert alongside the matched pattern.
	if all, _ := mem.ListAlerts(context.Background(), "veh-1", ""); len(all) != 1 {
		t.Fatalf("total alerts = %d, want 1", len(all))
	}
}

func TestPipelineSuppressesUnwarmedBaselines(t *testing.T) {
	mem := store.NewMemoryStore()
	// Warm-up requires more samples than the whole scenario provides.
	p := newTestPipeline(t, mem, 10000)

	feedDegradation(p, "veh-1", 20, 21)

	all, err := mem.ListAlerts(context.Background(), "veh-1", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 0 {
		t.Fatalf("alerts = %d on an unwarmed baseline, want 0", len(all))
	}
}

func TestPipelineQuarantinesBadReadingsWithoutStalling(t *testing.T) {
	mem := store.NewMemoryStore()
	p := newTestPipeline(t, mem, 5)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	p.process(ctx, models.RawReading{
		VehicleID: "veh-1", Signal: "engine_temp", Timestamp: base, Value: 900, Unit: "fahrenheit",
	})
	p.process(ctx, models.RawReading{
		VehicleID: "veh-1", Signal: "engine_temp", Timestamp: base.Add(time.Minute), Value: 200, Unit: "fahrenheit",
	})

	if got := len(mem.Quarantined()); got != 1 {
		t.Fatalf("quarantined = %d, want 1", got)
	}
	if got := len(mem.ArchivedSamples()); got != 1 {
		t.Fatalf("archived samples = %d, want 1", got)
	}
}

func TestPipelineIgnoresRedeliveredReadings(t *testing.T) {
	mem := store.NewMemoryStore()
	p := newTestPipeline(t, mem, 5)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	raw := models.RawReading{
		VehicleID: "veh-1", Signal: "engine_temp", Timestamp: base, Value: 200, Unit: "fahrenheit",
	}
	p.process(ctx, raw)
	// An ingest retry delivers the identical reading again. It must be
	// quarantined, not folded into the baseline a second time.
	p.process(ctx, raw)

	snaps := p.baselines.VehicleSnapshots("veh-1")
	if len(snaps) != 1 || snaps[0].SampleCount != 1 {
		t.Fatalf("snapshots = %+v, want the reading applied exactly once", snaps)
	}
	if got := len(mem.Quarantined()); got != 1 {
		t.Fatalf("quarantined = %d, want 1", got)
	}
}

func TestSubmitShedsWhenShardQueueIsFull(t *testing.T) {
	mem := store.NewMemoryStore()
	p := NewPipeline(nil, normalizer.New(nil, nil, mem, time.Minute),
		baseline.NewStore(nil, 0.05, 1, 0, nil),
		patterns.NewMatcher(nil, mustEmptyLibrary(t)),
		scoring.NewScorer(nil, config.ScoringConfig{DefaultThreshold: 0.75, GenericZScore: 4}, fixedThreshold(0.75)),
		alerts.NewManager(nil, mem, nil, 0),
		NewRegistry(), mem, 1, 1, 4)

	raw := models.RawReading{VehicleID: "veh-1", Signal: "engine_temp", Timestamp: time.Now(), Value: 200}
	if err := p.Submit(raw); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	err := p.Submit(raw)
	if utils.KindOf(err) != utils.KindQueueFull {
		t.Fatalf("error kind = %q, want queue_full", utils.KindOf(err))
	}
}

func mustEmptyLibrary(t *testing.T) *patterns.Library {
	t.Helper()
	lib, err := patterns.LoadLibrary("")
	if err != nil {
		t.Fatal(err)
	}
	return lib
}

func TestReorderBufferStraightensOutOfOrderBursts(t *testing.T) {
	buf := newReorderBuffer(3)
	now := time.Now()
	base := now.Add(-time.Minute)

	mk := func(offset time.Duration) models.RawReading {
		return models.RawReading{VehicleID: "veh-1", Signal: "engine_temp", Timestamp: base.Add(offset)}
	}

	// Out-of-order arrivals within capacity stay buffered.
	if got := buf.push(mk(2*time.Second), now); len(got) != 0 {
		t.Fatalf("released early: %v", got)
	}
	buf.push(mk(0), now)
	buf.push(mk(1*time.Second), now)

	// Overflow releases the earliest reading first.
	released := buf.push(mk(3*time.Second), now)
	if len(released) != 1 || !released[0].Timestamp.Equal(base) {
		t.Fatalf("overflow released %+v, want the earliest reading", released)
	}

	// After the hold elapses everything comes out in timestamp order.
	ripe := buf.ripe(now.Add(time.Second), 500*time.Millisecond)
	if len(ripe) != 3 {
		t.Fatalf("ripe = %d readings, want 3", len(ripe))
	}
	for i := 1; i < len(ripe); i++ {
		if ripe[i].Timestamp.Before(ripe[i-1].Timestamp) {
			t.Fatalf("ripe out of order: %v", ripe)
		}
	}
	if got := buf.drain(); len(got) != 0 {
		t.Fatalf("drain after ripe = %d, want 0", len(got))
	}
}

func TestRegistryDecommissionStopsProcessing(t *testing.T) {
	mem := store.NewMemoryStore()
	p := newTestPipeline(t, mem, 1)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	p.process(ctx, models.RawReading{
		VehicleID: "veh-1", Signal: "engine_temp", Timestamp: base, Value: 200, Unit: "fahrenheit",
	})
	if err := p.vehicles.Decommission(ctx, "veh-1", p.baselines, mem); err != nil {
		t.Fatal(err)
	}
	if got := len(mem.ArchivedBaselines()); got != 1 {
		t.Fatalf("archived baselines = %d, want 1", got)
	}

	// Telemetry arriving after decommission must not move the frozen
	// baseline.
	p.process(ctx, models.RawReading{
		VehicleID: "veh-1", Signal: "engine_temp", Timestamp: base.Add(time.Minute), Value: 399, Unit: "fahrenheit",
	})
	snaps := p.baselines.VehicleSnapshots("veh-1")
	if len(snaps) != 1 || snaps[0].SampleCount != 1 {
		t.Fatalf("snapshots = %+v, want the single pre-decommission sample", snaps)
	}
}
