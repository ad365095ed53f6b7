package baseline

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/fleetpulse/pdm-engine/internal/metrics"
	"github.com/fleetpulse/pdm-engine/internal/models"
)

// Mirror receives live baseline snapshots for out-of-process consumers.
type Mirror interface {
	MirrorBaseline(ctx context.Context, b models.Baseline) error
}

// Archiver persists baselines when a vehicle is decommissioned.
type Archiver interface {
	ArchiveBaseline(ctx context.Context, b models.Baseline) error
}

// Store maintains the rolling per-(vehicle, signal) statistical baseline.
// State is exponentially weighted so memory stays O(1) per series. Updates
// are idempotent under replay of the same sequence number.
type Store struct {
	logger     *slog.Logger
	alpha      float64
	minSamples uint64
	minSpan    time.Duration
	mirror     Mirror

	mu     sync.RWMutex
	series map[models.SeriesKey]*state
}

type state struct {
	mean       float64
	variance   float64
	slope      float64
	count      uint64
	firstSeen  time.Time
	lastSeen   time.Time
	lastSeq    uint64
	lastValue  float64
	archived   bool
}

// NewStore constructs a baseline store. mirror may be nil.
func NewStore(logger *slog.Logger, alpha float64, minSamples uint64, minSpan time.Duration, mirror Mirror) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if alpha <= 0 || alpha >= 1 {
		alpha = 0.05
	}
	return &Store{
		logger:     logger,
		alpha:      alpha,
		minSamples: minSamples,
		minSpan:    minSpan,
		mirror:     mirror,
		series:     make(map[models.SeriesKey]*state),
	}
}

// Apply folds one canonical sample into its series baseline and returns the
// post-update snapshot. Samples whose sequence was already applied are
// acknowledged without effect so retried deliveries cannot skew the EWMA.
func (s *Store) Apply(ctx context.Context, sample models.Sample) (models.Baseline, bool) {
	key := sample.Key()

	s.mu.Lock()
	st, ok := s.series[key]
	if !ok {
		st = &state{}
		s.series[key] = st
	}
	if st.archived || (st.lastSeq > 0 && sample.Sequence <= st.lastSeq) {
		snap := s.snapshotLocked(key, st)
		s.mu.Unlock()
		metrics.SamplesReplayed.Inc()
		return snap, false
	}

	if st.count == 0 {
		st.mean = sample.Value
		st.variance = 0
		st.firstSeen = sample.Timestamp
	} else {
		delta := sample.Value - st.mean
		st.mean += s.alpha * delta
		st.variance = (1 - s.alpha) * (st.variance + s.alpha*delta*delta)

		if dt := sample.Timestamp.Sub(st.lastSeen); dt > 0 {
			instSlope := (sample.Value - st.lastValue) / dt.Hours() * 24
			if st.count == 1 {
				st.slope = instSlope
			} else {
				st.slope += s.alpha * (instSlope - st.slope)
			}
		}
	}
	st.count++
	st.lastSeq = sample.Sequence
	st.lastValue = sample.Value
	if sample.Timestamp.After(st.lastSeen) {
		st.lastSeen = sample.Timestamp
	}

	snap := s.snapshotLocked(key, st)
	s.mu.Unlock()

	if s.mirror != nil {
		if err := s.mirror.MirrorBaseline(ctx, snap); err != nil {
			s.logger.Debug("baseline mirror failed",
				slog.String("vehicle", key.VehicleID),
				slog.String("signal", key.Signal),
				slog.Any("error", err))
		}
	}
	return snap, true
}

// Score returns the z-score of value against the series baseline. Unknown
// series score zero; callers gate alerting on the warm flag, not on Score.
func (s *Store) Score(key models.SeriesKey, value float64) float64 {
	s.mu.RLock()
	st, ok := s.series[key]
	if !ok {
		s.mu.RUnlock()
		return 0
	}
	mean, variance := st.mean, st.variance
	s.mu.RUnlock()

	sd := math.Sqrt(variance)
	if sd < 0.01 {
		sd = 0.01
	}
	return (value - mean) / sd
}

// Snapshot returns the baseline for one series.
func (s *Store) Snapshot(key models.SeriesKey) (models.Baseline, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.series[key]
	if !ok {
		return models.Baseline{}, false
	}
	return s.snapshotLocked(key, st), true
}

// VehicleSnapshots returns all series baselines for a vehicle, for the
// diagnostic API.
func (s *Store) VehicleSnapshots(vehicleID string) []models.Baseline {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Baseline, 0, 4)
	for key, st := range s.series {
		if key.VehicleID == vehicleID {
			out = append(out, s.snapshotLocked(key, st))
		}
	}
	return out
}

// Decommission freezes every series for the vehicle and hands the final
// snapshots to the archiver. Archived baselines stay readable for audit but
// accept no further samples.
func (s *Store) Decommission(ctx context.Context, vehicleID string, archiver Archiver) error {
	s.mu.Lock()
	snaps := make([]models.Baseline, 0, 4)
	for key, st := range s.series {
		if key.VehicleID != vehicleID || st.archived {
			continue
		}
		st.archived = true
		snaps = append(snaps, s.snapshotLocked(key, st))
	}
	s.mu.Unlock()

	if archiver == nil {
		return nil
	}
	for _, snap := range snaps {
		if err := archiver.ArchiveBaseline(ctx, snap); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) snapshotLocked(key models.SeriesKey, st *state) models.Baseline {
	warm := st.count >= s.minSamples
	if !warm && s.minSpan > 0 && !st.firstSeen.IsZero() && st.lastSeen.Sub(st.firstSeen) >= s.minSpan {
		warm = true
	}
	return models.Baseline{
		VehicleID:   key.VehicleID,
		Signal:      key.Signal,
		Mean:        st.mean,
		Variance:    st.variance,
		TrendSlope:  st.slope,
		SampleCount: st.count,
		FirstSeen:   st.firstSeen,
		LastSeen:    st.lastSeen,
		LastSeq:     st.lastSeq,
		Warm:        warm,
		Archived:    st.archived,
	}
}
