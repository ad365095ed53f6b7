package patterns

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/fleetpulse/pdm-engine/internal/metrics"
	"github.com/fleetpulse/pdm-engine/internal/models"
	"github.com/fleetpulse/pdm-engine/internal/utils"
)

// Match reports one template whose expected trajectory the vehicle's live
// signals currently satisfy.
type Match struct {
	Template models.PatternTemplate
	// Strength in [0,1]: how decisively the trajectory exceeds the
	// template's minimum deviation.
	Strength float64
	// Deviation is the binding signed deviation in reference sigmas, the
	// smallest across phases.
	Deviation   float64
	WindowStart time.Time
	WindowEnd   time.Time
	Signals     []string
}

// Matcher compares live signal trajectories against the pattern library.
// Partial matches are tracked per (vehicle, template version) inside the
// template's duration window; anything older is discarded to bound memory.
// Tracks are keyed by vehicle first so one pass only ever touches the
// observed vehicle's state.
type Matcher struct {
	logger    *slog.Logger
	lib       *Library
	latencies *utils.LatencyTracker

	mu     sync.Mutex
	tracks map[string]map[string]*track // vehicle id -> template ref
}

type track struct {
	phases []phaseState
}

type phaseState struct {
	active  bool
	onset   time.Time
	lastTS  time.Time
	signedZ float64

	// Reference statistics frozen at onset. The live baseline keeps
	// absorbing the degradation, so deviation is measured against the
	// pre-degradation state or a slow drift would never accumulate sigma.
	refMean float64
	refSD   float64
}

// NewMatcher constructs a Matcher over the library.
func NewMatcher(logger *slog.Logger, lib *Library) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{
		logger:    logger,
		lib:       lib,
		latencies: utils.NewLatencyTracker(1024),
		tracks:    make(map[string]map[string]*track),
	}
}

// Observe folds one sample into the vehicle's partial matches and returns
// every template currently satisfied, ordered so the highest historical
// confidence comes first (the tie-break when several match concurrently).
func (m *Matcher) Observe(sample models.Sample, vehicleClass string, b models.Baseline, z float64) []Match {
	started := time.Now()
	defer func() {
		d := time.Since(started)
		metrics.ObserveMatch(d)
		m.latencies.Observe(d)
	}()

	candidates := m.lib.ActiveForClass(vehicleClass)

	m.mu.Lock()
	defer m.mu.Unlock()

	vt, ok := m.tracks[sample.VehicleID]
	if !ok {
		vt = make(map[string]*track)
		m.tracks[sample.VehicleID] = vt
	}

	// Open tracks for templates whose signature includes this signal. The
	// track pins the version active at onset for reproducibility.
	for _, tmpl := range candidates {
		if !templateUsesSignal(tmpl, sample.Signal) {
			continue
		}
		if _, ok := vt[tmpl.Ref()]; !ok {
			vt[tmpl.Ref()] = &track{phases: make([]phaseState, len(tmpl.Phases))}
		}
	}

	matches := make([]Match, 0, 2)
	for ref, tr := range vt {
		tmpl, err := m.lib.Get(ref)
		if err != nil {
			// Retracted mid-flight: skip the template for this cycle and
			// drop the stale partial match.
			if utils.KindOf(err) == utils.KindPatternVersion {
				m.logger.Warn("skipping retracted template", slog.String("ref", ref), slog.Any("error", err))
				delete(vt, ref)
				continue
			}
			continue
		}

		m.advance(tmpl, tr, sample, b, z)

		if match, ok := evaluate(tmpl, tr, sample.Timestamp); ok {
			matches = append(matches, match)
		}
	}
	return matches
}

// advance updates the track phases touched by this sample and expires stale
// partial matches beyond the template's maximum window.
func (m *Matcher) advance(tmpl models.PatternTemplate, tr *track, sample models.Sample, b models.Baseline, z float64) {
	maxWindow := tmpl.MaxWindow()
	for i, phase := range tmpl.Phases {
		ps := &tr.phases[i]

		if ps.active {
			if sample.Timestamp.Sub(ps.onset) > maxWindow || sample.Timestamp.Sub(ps.lastTS) > maxWindow {
				*ps = phaseState{}
			}
		}

		if phase.Signal != sample.Signal {
			continue
		}

		onsetGate := phase.MinDeviation / 2
		if onsetGate < 1 {
			onsetGate = 1
		}

		if !ps.active {
			// Onset needs the deviation gate plus a trend that does not
			// oppose the expected shape. The slope magnitude is judged on
			// the continuation path against the onset reference, where the
			// live variance inflated by the drift cannot distort it.
			if phase.MinSlopeSD > 0 && slopeOpposes(phase.Shape, b.TrendSlope) {
				continue
			}
			if signed := shapeSignedScore(phase.Shape, z); signed >= onsetGate {
				ps.active = true
				ps.onset = sample.Timestamp
				ps.refMean = b.Mean
				ps.refSD = sdFloor(b.Variance)
				ps.signedZ = signed
				ps.lastTS = sample.Timestamp
			}
			continue
		}

		signed := shapeSignedScore(phase.Shape, (sample.Value-ps.refMean)/ps.refSD)
		if signed < onsetGate/2 {
			// Signal recovered; the partial match no longer describes an
			// ongoing degradation.
			*ps = phaseState{}
			continue
		}
		ps.lastTS = sample.Timestamp
		if phase.MinSlopeSD > 0 && !slopeHoldsAgainst(phase, b.TrendSlope, ps.refSD) {
			// The EWMA trend estimate dips under the gate on noisy
			// cadences. Hold the partial match; only a deviation recovery
			// resets it.
			continue
		}
		ps.signedZ = signed
	}
}

// evaluate reports whether every phase of the template is currently
// satisfied within the duration window.
func evaluate(tmpl models.PatternTemplate, tr *track, now time.Time) (Match, bool) {
	strength := math.Inf(1)
	deviation := math.Inf(1)
	var windowStart time.Time
	signals := make([]string, 0, len(tmpl.Phases))

	for i, phase := range tmpl.Phases {
		ps := tr.phases[i]
		if !ps.active || ps.signedZ < phase.MinDeviation {
			return Match{}, false
		}
		elapsed := now.Sub(ps.onset)
		if elapsed < tmpl.MinWindow() || elapsed > tmpl.MaxWindow() {
			return Match{}, false
		}
		phaseStrength := ps.signedZ / (2 * phase.MinDeviation)
		if phaseStrength > 1 {
			phaseStrength = 1
		}
		if phaseStrength < strength {
			strength = phaseStrength
		}
		if ps.signedZ < deviation {
			deviation = ps.signedZ
		}
		if windowStart.IsZero() || ps.onset.Before(windowStart) {
			windowStart = ps.onset
		}
		signals = append(signals, phase.Signal)
	}

	return Match{
		Template:    tmpl,
		Strength:    strength,
		Deviation:   deviation,
		WindowStart: windowStart,
		WindowEnd:   now,
		Signals:     signals,
	}, true
}

// Best applies the tie-break rule: among concurrent matches pick the one
// with the highest historical confidence, not the most recently matched.
func Best(matches []Match) (Match, bool) {
	if len(matches) == 0 {
		return Match{}, false
	}
	best := matches[0]
	for _, m := range matches[1:] {
		if m.Template.HistConfidence > best.Template.HistConfidence {
			best = m
		}
	}
	return best, true
}

// DropVehicle discards every partial match for a vehicle. Called when the
// vehicle is decommissioned so its tracks cannot linger or match again.
func (m *Matcher) DropVehicle(vehicleID string) {
	m.mu.Lock()
	delete(m.tracks, vehicleID)
	m.mu.Unlock()
}

// P95Latency exposes the matcher's recent p95 pass latency.
func (m *Matcher) P95Latency() time.Duration {
	return m.latencies.Percentile(95)
}

func templateUsesSignal(tmpl models.PatternTemplate, signal string) bool {
	for _, phase := range tmpl.Phases {
		if phase.Signal == signal {
			return true
		}
	}
	return false
}

// shapeSignedScore orients the z-score so that positive values always mean
// "deviating in the template's expected direction".
func shapeSignedScore(shape models.DeviationShape, z float64) float64 {
	switch shape {
	case models.ShapeMonotonicRise:
		return z
	case models.ShapeMonotonicFall:
		return -z
	default:
		return math.Abs(z)
	}
}

func sdFloor(variance float64) float64 {
	sd := math.Sqrt(variance)
	if sd < 0.01 {
		sd = 0.01
	}
	return sd
}

// slopeOpposes reports whether the trend runs against the shape's expected
// direction. Shapeless phases accept any trend.
func slopeOpposes(shape models.DeviationShape, slope float64) bool {
	switch shape {
	case models.ShapeMonotonicRise:
		return slope < 0
	case models.ShapeMonotonicFall:
		return slope > 0
	default:
		return false
	}
}

// slopeHoldsAgainst checks the trend direction and magnitude against the
// reference standard deviation, in sd per day.
func slopeHoldsAgainst(phase models.PhaseSpec, slope, refSD float64) bool {
	required := phase.MinSlopeSD * refSD
	switch phase.Shape {
	case models.ShapeMonotonicFall:
		return -slope >= required
	case models.ShapeMonotonicRise:
		return slope >= required
	default:
		return math.Abs(slope) >= required
	}
}
