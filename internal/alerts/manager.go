package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetpulse/pdm-engine/internal/metrics"
	"github.com/fleetpulse/pdm-engine/internal/models"
	"github.com/fleetpulse/pdm-engine/internal/scoring"
	"github.com/fleetpulse/pdm-engine/internal/utils"
)

// Repo abstracts durable alert storage.
type Repo interface {
	InsertAlert(ctx context.Context, a models.Alert) error
	// UpdateAlert persists a state change only if the stored alert is still
	// in the from state, so concurrent writers cannot both win.
	UpdateAlert(ctx context.Context, a models.Alert, from models.AlertState) error
	GetAlert(ctx context.Context, id string) (models.Alert, error)
	ListAlerts(ctx context.Context, vehicleID string, state models.AlertState) ([]models.Alert, error)
	// FindActive returns the non-terminal alert for a (vehicle, pattern)
	// pair, if one exists.
	FindActive(ctx context.Context, vehicleID, patternRef string) (models.Alert, bool, error)
}

// Publisher exports alert state changes to the external work-order system.
type Publisher interface {
	PublishAlert(ctx context.Context, ev models.AlertEvent) error
}

// Manager owns alert creation and the lifecycle state machine. Creation is
// single-writer per (vehicle, pattern) so at most one non-terminal alert can
// exist for a pair regardless of how many shards resolve concurrently.
type Manager struct {
	logger    *slog.Logger
	repo      Repo
	publisher Publisher
	retention time.Duration
	now       func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager constructs an alert manager. publisher may be nil.
func NewManager(logger *slog.Logger, repo Repo, publisher Publisher, retention time.Duration) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:    logger,
		repo:      repo,
		publisher: publisher,
		retention: retention,
		now:       time.Now,
		locks:     make(map[string]*sync.Mutex),
	}
}

// Create raises an alert for a firing verdict. If a non-terminal alert
// already exists for the (vehicle, pattern) pair the call is a no-op and the
// existing alert is returned, preventing alert storms from one ongoing
// degradation event.
func (m *Manager) Create(ctx context.Context, vehicle models.Vehicle, v scoring.Verdict) (models.Alert, bool, error) {
	lock := m.keyLock(vehicle.ID + "|" + v.PatternRef)
	lock.Lock()
	defer lock.Unlock()

	existing, found, err := m.repo.FindActive(ctx, vehicle.ID, v.PatternRef)
	if err != nil {
		return models.Alert{}, false, fmt.Errorf("find active alert: %w", err)
	}
	if found {
		metrics.AlertsSuppressed.WithLabelValues("duplicate").Inc()
		return existing, false, nil
	}

	now := m.now().UTC()
	alert := models.Alert{
		ID:           uuid.NewString(),
		VehicleID:    vehicle.ID,
		VehicleClass: vehicle.Class,
		Signals:      append([]string(nil), v.Signals...),
		PatternRef:   v.PatternRef,
		Confidence:   v.Confidence,
		Explanation:  v.Explanation,
		ActionWindow: v.ActionWindow,
		WindowStart:  v.WindowStart,
		WindowEnd:    v.WindowEnd,
		State:        models.AlertOpen,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.repo.InsertAlert(ctx, alert); err != nil {
		return models.Alert{}, false, fmt.Errorf("insert alert: %w", err)
	}

	metrics.AlertsFired.WithLabelValues(alert.PatternRef).Inc()
	m.logger.Info("alert created",
		slog.String("alert_id", alert.ID),
		slog.String("vehicle", alert.VehicleID),
		slog.String("pattern", alert.PatternRef),
		slog.Float64("confidence", alert.Confidence))
	m.publish(ctx, alert)
	return alert, true, nil
}

// Transition applies one lifecycle step. Invalid steps return an
// invalid-transition error; the engine never coerces state. resolution is
// required when transitioning into Resolved and ignored otherwise.
func (m *Manager) Transition(ctx context.Context, alertID string, to models.AlertState, resolution models.Resolution) (models.Alert, error) {
	lock := m.keyLock("transition|" + alertID)
	lock.Lock()
	defer lock.Unlock()

	alert, err := m.repo.GetAlert(ctx, alertID)
	if err != nil {
		return models.Alert{}, fmt.Errorf("load alert %s: %w", alertID, err)
	}

	if !ValidState(to) {
		metrics.TransitionsRejected.Inc()
		return models.Alert{}, utils.NewEngineError("alerts.Transition", utils.KindInvalidTransition,
			"unknown_state", fmt.Sprintf("unknown target state %q", to), nil)
	}
	if !CanTransition(alert.State, to) {
		metrics.TransitionsRejected.Inc()
		return models.Alert{}, utils.NewEngineError("alerts.Transition", utils.KindInvalidTransition,
			"illegal_step", fmt.Sprintf("cannot transition %s from %s to %s", alertID, alert.State, to), nil)
	}

	switch to {
	case models.AlertResolved:
		if !ValidResolution(resolution) {
			metrics.TransitionsRejected.Inc()
			return models.Alert{}, utils.NewEngineError("alerts.Transition", utils.KindInvalidTransition,
				"missing_resolution", "resolved requires a resolution classification", nil)
		}
		alert.Resolution = resolution
	case models.AlertArchived:
		if m.retention > 0 && m.now().Before(alert.UpdatedAt.Add(m.retention)) {
			metrics.TransitionsRejected.Inc()
			return models.Alert{}, utils.NewEngineError("alerts.Transition", utils.KindInvalidTransition,
				"retention_window", "alert is still inside the retention window", nil)
		}
	}

	from := alert.State
	alert.State = to
	alert.UpdatedAt = m.now().UTC()
	if err := m.repo.UpdateAlert(ctx, alert, from); err != nil {
		if utils.KindOf(err) == utils.KindInvalidTransition {
			metrics.TransitionsRejected.Inc()
			return models.Alert{}, err
		}
		return models.Alert{}, fmt.Errorf("update alert %s: %w", alertID, err)
	}

	m.logger.Info("alert transitioned",
		slog.String("alert_id", alert.ID),
		slog.String("state", string(alert.State)))
	m.publish(ctx, alert)
	return alert, nil
}

// ArchiveExpired sweeps resolved alerts whose retention window has elapsed.
func (m *Manager) ArchiveExpired(ctx context.Context) (int, error) {
	resolved, err := m.repo.ListAlerts(ctx, "", models.AlertResolved)
	if err != nil {
		return 0, fmt.Errorf("list resolved alerts: %w", err)
	}
	archived := 0
	cutoff := m.now().Add(-m.retention)
	for _, alert := range resolved {
		if alert.UpdatedAt.After(cutoff) {
			continue
		}
		alert.State = models.AlertArchived
		alert.UpdatedAt = m.now().UTC()
		if err := m.repo.UpdateAlert(ctx, alert, models.AlertResolved); err != nil {
			// Moved by a concurrent transition since the listing; skip it.
			if utils.KindOf(err) == utils.KindInvalidTransition {
				continue
			}
			return archived, fmt.Errorf("archive alert %s: %w", alert.ID, err)
		}
		m.publish(ctx, alert)
		archived++
	}
	return archived, nil
}

// Get returns one alert by id.
func (m *Manager) Get(ctx context.Context, alertID string) (models.Alert, error) {
	return m.repo.GetAlert(ctx, alertID)
}

// List returns alerts filtered by vehicle and/or state; empty filters match
// everything.
func (m *Manager) List(ctx context.Context, vehicleID string, state models.AlertState) ([]models.Alert, error) {
	return m.repo.ListAlerts(ctx, vehicleID, state)
}

func (m *Manager) publish(ctx context.Context, alert models.Alert) {
	if m.publisher == nil {
		return
	}
	ev := models.AlertEvent{
		AlertID:      alert.ID,
		VehicleID:    alert.VehicleID,
		VehicleClass: alert.VehicleClass,
		PatternRef:   alert.PatternRef,
		Confidence:   alert.Confidence,
		Explanation:  alert.Explanation,
		ActionWindow: utils.FormatDays(alert.ActionWindow),
		State:        alert.State,
		OccurredAt:   alert.UpdatedAt,
	}
	if err := m.publisher.PublishAlert(ctx, ev); err != nil {
		m.logger.Warn("alert publish failed", slog.String("alert_id", alert.ID), slog.Any("error", err))
	}
}

func (m *Manager) keyLock(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[key] = lock
	}
	return lock
}
