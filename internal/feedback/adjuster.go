package feedback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetpulse/pdm-engine/internal/config"
	"github.com/fleetpulse/pdm-engine/internal/metrics"
	"github.com/fleetpulse/pdm-engine/internal/models"
	"github.com/fleetpulse/pdm-engine/internal/utils"
)

// minResolutions is the floor of observed resolutions before any adjustment
// is considered; a couple of early dismissals should not move thresholds.
const minResolutions = 5

// ThresholdRepo persists threshold profiles and the feedback ledger.
type ThresholdRepo interface {
	GetProfile(ctx context.Context, vehicleClass, patternRef string) (models.ThresholdProfile, bool, error)
	// SwapProfile writes the profile only when the stored version still
	// equals expectedVersion, returning a threshold-conflict error otherwise.
	SwapProfile(ctx context.Context, p models.ThresholdProfile, expectedVersion int64) (models.ThresholdProfile, error)
	AppendFeedback(ctx context.Context, rec models.FeedbackRecord) error
}

// Adjuster consumes technician decisions on resolved alerts and tunes the
// per-(class, pattern) confidence thresholds. Raising is faster than
// lowering, biasing the engine toward fewer false alarms; accuracy matures
// over months as an emergent property of this loop.
type Adjuster struct {
	logger           *slog.Logger
	cfg              config.FeedbackConfig
	repo             ThresholdRepo
	defaultThreshold float64

	mu      sync.Mutex
	windows map[pairKey]*window
}

type pairKey struct {
	class   string
	pattern string
}

type window struct {
	decisions []models.Resolution
	size      int
}

func (w *window) push(d models.Resolution) {
	w.decisions = append(w.decisions, d)
	if len(w.decisions) > w.size {
		copy(w.decisions, w.decisions[1:])
		w.decisions = w.decisions[:w.size]
	}
}

func (w *window) falsePositiveRate() (float64, int) {
	n := len(w.decisions)
	if n == 0 {
		return 0, 0
	}
	fp := 0
	for _, d := range w.decisions {
		if d == models.ResolutionFalsePositive {
			fp++
		}
	}
	return float64(fp) / float64(n), n
}

// NewAdjuster constructs the feedback control loop.
func NewAdjuster(logger *slog.Logger, cfg config.FeedbackConfig, defaultThreshold float64, repo ThresholdRepo) *Adjuster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adjuster{
		logger:           logger,
		cfg:              cfg,
		repo:             repo,
		defaultThreshold: defaultThreshold,
		windows:          make(map[pairKey]*window),
	}
}

// Threshold implements scoring.ThresholdSource.
func (a *Adjuster) Threshold(ctx context.Context, vehicleClass, patternRef string) (float64, error) {
	profile, ok, err := a.repo.GetProfile(ctx, vehicleClass, patternRef)
	if err != nil {
		return a.defaultThreshold, err
	}
	if !ok {
		return a.defaultThreshold, nil
	}
	return profile.Confidence, nil
}

// Record appends one feedback decision for a resolved alert and runs an
// adjustment pass for the alert's (class, pattern) pair.
func (a *Adjuster) Record(ctx context.Context, alert models.Alert, rec models.FeedbackRecord) error {
	if !alert.State.Terminal() {
		return utils.NewEngineError("feedback.Record", utils.KindInvalidTransition, "alert_not_resolved",
			fmt.Sprintf("feedback requires a resolved alert, %s is %s", alert.ID, alert.State), nil)
	}
	if err := a.repo.AppendFeedback(ctx, rec); err != nil {
		return fmt.Errorf("append feedback ledger: %w", err)
	}

	key := pairKey{class: alert.VehicleClass, pattern: alert.PatternRef}
	a.mu.Lock()
	w, ok := a.windows[key]
	if !ok {
		w = &window{size: a.cfg.WindowSize}
		a.windows[key] = w
	}
	w.push(rec.Decision)
	rate, n := w.falsePositiveRate()
	a.mu.Unlock()

	return a.adjust(ctx, key, rate, n)
}

// adjust applies the asymmetric control policy: raise by RaiseStep when the
// false-positive rate breaches the ceiling, lower by the smaller LowerStep
// only once a full window sits well below it.
func (a *Adjuster) adjust(ctx context.Context, key pairKey, rate float64, n int) error {
	if n < minResolutions {
		return nil
	}

	var direction string
	switch {
	case rate > a.cfg.FPCeiling:
		direction = metrics.DirectionRaise
	case n >= a.cfg.WindowSize && rate < a.cfg.FPCeiling/2:
		direction = metrics.DirectionLower
	default:
		return nil
	}

	for attempt := 0; attempt <= a.cfg.MaxRetries; attempt++ {
		profile, ok, err := a.repo.GetProfile(ctx, key.class, key.pattern)
		if err != nil {
			return fmt.Errorf("load threshold profile: %w", err)
		}
		if !ok {
			profile = models.ThresholdProfile{
				VehicleClass: key.class,
				PatternRef:   key.pattern,
				Confidence:   a.defaultThreshold,
				Version:      0,
			}
		}

		prior := profile.Confidence
		next := prior
		if direction == metrics.DirectionRaise {
			next = prior + a.cfg.RaiseStep
			if next > a.cfg.MaxThreshold {
				next = a.cfg.MaxThreshold
			}
		} else {
			next = prior - a.cfg.LowerStep
			if next < a.cfg.MinThreshold {
				next = a.cfg.MinThreshold
			}
		}
		if next == prior {
			return nil
		}

		profile.Confidence = next
		profile.LastAdjustedAt = time.Now().UTC()
		expected := profile.Version
		profile.Version++

		_, err = a.repo.SwapProfile(ctx, profile, expected)
		if err == nil {
			metrics.ThresholdAdjustments.WithLabelValues(direction).Inc()
			a.logger.Info("threshold adjusted",
				slog.String("class", key.class),
				slog.String("pattern", key.pattern),
				slog.String("direction", direction),
				slog.Float64("fp_rate", rate),
				slog.Float64("prior", prior),
				slog.Float64("new", next))
			return nil
		}
		if utils.KindOf(err) != utils.KindThresholdConflict {
			return fmt.Errorf("swap threshold profile: %w", err)
		}
		// Another writer won; re-read and retry against the new version.
		time.Sleep(a.cfg.RetryBackoff * time.Duration(attempt+1))
	}

	return utils.NewEngineError("feedback.adjust", utils.KindThresholdConflict, "retries_exhausted",
		fmt.Sprintf("could not adjust threshold for (%s, %s)", key.class, key.pattern), nil)
}
