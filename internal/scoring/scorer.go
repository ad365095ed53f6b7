package scoring

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/fleetpulse/pdm-engine/internal/config"
	"github.com/fleetpulse/pdm-engine/internal/metrics"
	"github.com/fleetpulse/pdm-engine/internal/models"
	"github.com/fleetpulse/pdm-engine/internal/patterns"
	"github.com/fleetpulse/pdm-engine/internal/utils"
)

// ThresholdSource resolves the active confidence gate for a
// (vehicle class, pattern) pair. Implementations fall back to the configured
// default when no profile exists yet.
type ThresholdSource interface {
	Threshold(ctx context.Context, vehicleClass, patternRef string) (float64, error)
}

// Verdict is the scorer's decision for one sample: whether an alert should
// fire, at what confidence, and why not when suppressed.
type Verdict struct {
	PatternRef   string
	Signals      []string
	Confidence   float64
	Threshold    float64
	Fire         bool
	Suppressed   string
	Explanation  string
	ActionWindow time.Duration
	WindowStart  time.Time
	WindowEnd    time.Time
}

// Suppression causes recorded on withheld verdicts.
const (
	SuppressedUnwarmed  = "unwarmed"
	SuppressedThreshold = "below_threshold"
)

// Scorer combines raw deviation and pattern match strength into a single
// confidence value. The combination is deterministic and monotonic in both
// inputs:
//
//	pattern match:   confidence = wD*(d/(d+3)) + wM*strength
//	generic anomaly: confidence = z/(z+3)
//
// where d is the match's deviation against its onset reference and z the
// ambient z-score. x/(x+3) maps deviations into [0,1) and grows monotonically.
type Scorer struct {
	logger     *slog.Logger
	cfg        config.ScoringConfig
	thresholds ThresholdSource
}

// NewScorer constructs a Scorer.
func NewScorer(logger *slog.Logger, cfg config.ScoringConfig, thresholds ThresholdSource) *Scorer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scorer{logger: logger, cfg: cfg, thresholds: thresholds}
}

// Score evaluates one sample against its baseline and the best concurrent
// pattern match (nil for none). It returns false when nothing is anomalous
// enough to consider.
func (s *Scorer) Score(ctx context.Context, sample models.Sample, vehicleClass string, b models.Baseline, z float64, match *patterns.Match) (Verdict, bool) {
	absZ := math.Abs(z)

	var v Verdict
	switch {
	case match != nil:
		// Matched patterns score their deviation against the reference
		// baseline frozen at onset. The ambient z is measured against the
		// live EWMA, which has partially absorbed the drift by now.
		v = Verdict{
			PatternRef:   match.Template.Ref(),
			Signals:      match.Signals,
			Confidence:   s.cfg.DeviationWeight*sigmoidZ(match.Deviation) + s.cfg.MatchWeight*match.Strength,
			Explanation:  explainMatch(sample, *match, match.Deviation),
			ActionWindow: match.Template.TTF.ActionWindow(),
			WindowStart:  match.WindowStart,
			WindowEnd:    match.WindowEnd,
		}
	case absZ >= s.cfg.GenericZScore:
		v = Verdict{
			PatternRef:   models.GenericAnomalyRef,
			Signals:      []string{sample.Signal},
			Confidence:   sigmoidZ(absZ),
			Explanation:  explainGeneric(sample, b, absZ),
			ActionWindow: 14 * 24 * time.Hour,
			WindowStart:  sample.Timestamp,
			WindowEnd:    sample.Timestamp,
		}
	default:
		return Verdict{}, false
	}

	threshold, err := s.thresholds.Threshold(ctx, vehicleClass, v.PatternRef)
	if err != nil {
		s.logger.Warn("threshold lookup failed, using default",
			slog.String("class", vehicleClass),
			slog.String("pattern", v.PatternRef),
			slog.Any("error", err))
		threshold = s.cfg.DefaultThreshold
	}
	v.Threshold = threshold

	if !b.Warm {
		v.Suppressed = SuppressedUnwarmed
		metrics.AlertsSuppressed.WithLabelValues(SuppressedUnwarmed).Inc()
		return v, true
	}
	if v.Confidence < threshold {
		v.Suppressed = SuppressedThreshold
		metrics.AlertsSuppressed.WithLabelValues(SuppressedThreshold).Inc()
		return v, true
	}
	v.Fire = true
	return v, true
}

func sigmoidZ(z float64) float64 {
	if z <= 0 {
		return 0
	}
	return z / (z + 3)
}

func explainMatch(sample models.Sample, match patterns.Match, deviation float64) string {
	days := match.WindowEnd.Sub(match.WindowStart).Hours() / 24
	return fmt.Sprintf("%s trajectory on %s matches %s over %.0f days (deviation %.1f sd, match strength %.2f); historical median time to failure %.0f days; %s",
		strings.Join(match.Signals, ","),
		sample.VehicleID,
		match.Template.Ref(),
		days,
		deviation,
		match.Strength,
		match.Template.TTF.MedianDays,
		utils.FormatDays(match.Template.TTF.ActionWindow()),
	)
}

func explainGeneric(sample models.Sample, b models.Baseline, absZ float64) string {
	return fmt.Sprintf("%s on %s deviates %.1f sd from baseline mean %.2f %s with no known pattern; inspect sensor and component",
		sample.Signal, sample.VehicleID, absZ, b.Mean, sample.Unit)
}
