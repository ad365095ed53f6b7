package baseline

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/fleetpulse/pdm-engine/internal/models"
)

func sampleAt(seq uint64, ts time.Time, value float64) models.Sample {
	return models.Sample{
		VehicleID: "veh-1",
		Signal:    "engine_temp",
		Timestamp: ts,
		Value:     value,
		Unit:      "fahrenheit",
		Sequence:  seq,
	}
}

func TestApplyWarmsUpByCount(t *testing.T) {
	s := NewStore(nil, 0.05, 3, 0, nil)
	ctx := context.Background()
	base := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)

	var snap models.Baseline
	for i := uint64(1); i <= 3; i++ {
		var applied bool
		snap, applied = s.Apply(ctx, sampleAt(i, base.Add(time.Duration(i)*time.Hour), 200))
		if !applied {
			t.Fatalf("sample %d not applied", i)
		}
		wantWarm := i >= 3
		if snap.Warm != wantWarm {
			t.Fatalf("after %d samples warm = %v, want %v", i, snap.Warm, wantWarm)
		}
	}
	if snap.SampleCount != 3 {
		t.Fatalf("sample count = %d, want 3", snap.SampleCount)
	}
}

func TestApplyWarmsUpBySpan(t *testing.T) {
	s := NewStore(nil, 0.05, 1000, 48*time.Hour, nil)
	ctx := context.Background()
	base := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)

	snap, _ := s.Apply(ctx, sampleAt(1, base, 200))
	if snap.Warm {
		t.Fatal("warm after a single sample")
	}
	snap, _ = s.Apply(ctx, sampleAt(2, base.Add(72*time.Hour), 200))
	if !snap.Warm {
		t.Fatal("not warm after 72h span with 48h requirement")
	}
}

func TestApplyIsIdempotentUnderReplay(t *testing.T) {
	s := NewStore(nil, 0.2, 1, 0, nil)
	ctx := context.Background()
	base := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)

	s.Apply(ctx, sampleAt(1, base, 200))
	first, applied := s.Apply(ctx, sampleAt(2, base.Add(time.Hour), 210))
	if !applied {
		t.Fatal("second sample not applied")
	}

	// Redelivery of the same sequence must not move the EWMA.
	replayed, applied := s.Apply(ctx, sampleAt(2, base.Add(time.Hour), 210))
	if applied {
		t.Fatal("replayed sequence reported as applied")
	}
	if replayed.Mean != first.Mean || replayed.Variance != first.Variance || replayed.SampleCount != first.SampleCount {
		t.Fatalf("replay changed baseline: %+v vs %+v", replayed, first)
	}

	// An older sequence is likewise ignored.
	if _, applied := s.Apply(ctx, sampleAt(1, base, 999)); applied {
		t.Fatal("stale sequence reported as applied")
	}
}

func TestScoreUsesStandardDeviationFloor(t *testing.T) {
	s := NewStore(nil, 0.05, 1, 0, nil)
	ctx := context.Background()
	base := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)

	// A flat series has near-zero variance; the floor keeps z finite.
	for i := uint64(1); i <= 10; i++ {
		s.Apply(ctx, sampleAt(i, base.Add(time.Duration(i)*time.Hour), 200))
	}
	key := models.SeriesKey{VehicleID: "veh-1", Signal: "engine_temp"}

	z := s.Score(key, 200.5)
	if math.IsInf(z, 0) || math.IsNaN(z) {
		t.Fatalf("z = %v, want finite", z)
	}
	if z < 10 {
		t.Fatalf("z = %.2f, expected a large deviation on a flat baseline", z)
	}
	if got := s.Score(models.SeriesKey{VehicleID: "ghost", Signal: "engine_temp"}, 200); got != 0 {
		t.Fatalf("unknown series z = %v, want 0", got)
	}
}

func TestTrendSlopeTracksSustainedRise(t *testing.T) {
	s := NewStore(nil, 0.2, 1, 0, nil)
	ctx := context.Background()
	base := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)

	// 0.5 units per day for 30 days.
	var snap models.Baseline
	for i := 0; i < 30; i++ {
		snap, _ = s.Apply(ctx, sampleAt(uint64(i+1), base.Add(time.Duration(i)*24*time.Hour), 200+0.5*float64(i)))
	}
	if math.Abs(snap.TrendSlope-0.5) > 0.05 {
		t.Fatalf("trend slope = %.3f units/day, want ~0.5", snap.TrendSlope)
	}
}

type captureArchiver struct {
	archived []models.Baseline
}

func (c *captureArchiver) ArchiveBaseline(_ context.Context, b models.Baseline) error {
	c.archived = append(c.archived, b)
	return nil
}

func TestDecommissionFreezesAndArchives(t *testing.T) {
	s := NewStore(nil, 0.05, 1, 0, nil)
	ctx := context.Background()
	base := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)

	s.Apply(ctx, sampleAt(1, base, 200))
	s.Apply(ctx, models.Sample{VehicleID: "veh-2", Signal: "engine_temp", Timestamp: base, Value: 180, Sequence: 1})

	arch := &captureArchiver{}
	if err := s.Decommission(ctx, "veh-1", arch); err != nil {
		t.Fatalf("Decommission: %v", err)
	}
	if len(arch.archived) != 1 || arch.archived[0].VehicleID != "veh-1" {
		t.Fatalf("archived = %+v, want one veh-1 baseline", arch.archived)
	}

	// Frozen series accept no further samples.
	if _, applied := s.Apply(ctx, sampleAt(2, base.Add(time.Hour), 210)); applied {
		t.Fatal("archived series accepted a sample")
	}
	// The other vehicle is untouched.
	if _, applied := s.Apply(ctx, models.Sample{VehicleID: "veh-2", Signal: "engine_temp", Timestamp: base.Add(time.Hour), Value: 181, Sequence: 2}); !applied {
		t.Fatal("unrelated vehicle was frozen")
	}
}
