package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"

	"github.com/fleetpulse/pdm-engine/internal/alerts"
	"github.com/fleetpulse/pdm-engine/internal/baseline"
	"github.com/fleetpulse/pdm-engine/internal/engine"
	"github.com/fleetpulse/pdm-engine/internal/feedback"
	"github.com/fleetpulse/pdm-engine/internal/models"
	"github.com/fleetpulse/pdm-engine/internal/patterns"
	"github.com/fleetpulse/pdm-engine/internal/utils"
)

// Submitter accepts raw readings for asynchronous processing.
type Submitter interface {
	Submit(raw models.RawReading) error
}

// Handlers binds the HTTP surface to the engine components.
type Handlers struct {
	logger    *slog.Logger
	pipeline  Submitter
	alerts    *alerts.Manager
	adjuster  *feedback.Adjuster
	baselines *baseline.Store
	vehicles  *engine.Registry
	library   *patterns.Library
	matcher   *patterns.Matcher
	archiver  baseline.Archiver
	now       func() time.Time
}

// NewHandlers wires the handler set.
func NewHandlers(logger *slog.Logger, pipeline Submitter, alertMgr *alerts.Manager, adjuster *feedback.Adjuster,
	baselines *baseline.Store, vehicles *engine.Registry, library *patterns.Library, matcher *patterns.Matcher,
	archiver baseline.Archiver) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		logger:    logger,
		pipeline:  pipeline,
		alerts:    alertMgr,
		adjuster:  adjuster,
		baselines: baselines,
		vehicles:  vehicles,
		library:   library,
		matcher:   matcher,
		archiver:  archiver,
		now:       time.Now,
	}
}

// Health reports liveness.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type ingestRequest struct {
	// Readings is a pointer so an explicitly empty batch can be told apart
	// from a single-reading body.
	Readings *[]models.RawReading `json:"readings"`
}

type ingestResponse struct {
	Accepted int `json:"accepted"`
	Shed     int `json:"shed"`
}

// IngestTelemetry accepts a single reading or a {"readings": [...]} batch
// and enqueues each onto its vehicle shard. Validation happens downstream;
// only backpressure is reported here.
func (h *Handlers) IngestTelemetry(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "cannot read request body")
		return
	}

	var batch ingestRequest
	var readings []models.RawReading
	if err := json.Unmarshal(body, &batch); err == nil && batch.Readings != nil {
		if len(*batch.Readings) == 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "readings batch is empty")
			return
		}
		readings = *batch.Readings
	} else {
		var single models.RawReading
		if err := json.Unmarshal(body, &single); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "body must be a reading or a readings batch")
			return
		}
		readings = []models.RawReading{single}
	}

	var resp ingestResponse
	for _, reading := range readings {
		if err := h.pipeline.Submit(reading); err != nil {
			if utils.KindOf(err) == utils.KindQueueFull {
				resp.Shed++
				continue
			}
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		resp.Accepted++
	}

	if resp.Accepted == 0 && resp.Shed > 0 {
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

type alertResponse struct {
	ID           string    `json:"id"`
	VehicleID    string    `json:"vehicle_id"`
	VehicleClass string    `json:"vehicle_class"`
	Signals      []string  `json:"signals"`
	PatternRef   string    `json:"pattern_version"`
	Confidence   float64   `json:"confidence"`
	Explanation  string    `json:"explanation"`
	ActionWindow string    `json:"recommended_action_window"`
	WindowStart  time.Time `json:"window_start"`
	WindowEnd    time.Time `json:"window_end"`
	State        string    `json:"state"`
	Resolution   string    `json:"resolution,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func toAlertResponse(a models.Alert) alertResponse {
	return alertResponse{
		ID:           a.ID,
		VehicleID:    a.VehicleID,
		VehicleClass: a.VehicleClass,
		Signals:      a.Signals,
		PatternRef:   a.PatternRef,
		Confidence:   a.Confidence,
		Explanation:  a.Explanation,
		ActionWindow: utils.FormatDays(a.ActionWindow),
		WindowStart:  a.WindowStart,
		WindowEnd:    a.WindowEnd,
		State:        string(a.State),
		Resolution:   string(a.Resolution),
		CreatedAt:    a.CreatedAt,
		UpdatedAt:    a.UpdatedAt,
	}
}

// ListAlerts returns alerts filtered by optional vehicle_id and state query
// parameters, newest first.
func (h *Handlers) ListAlerts(w http.ResponseWriter, r *http.Request) {
	vehicleID := r.URL.Query().Get("vehicle_id")
	state := models.AlertState(r.URL.Query().Get("state"))
	if state != "" && !alerts.ValidState(state) {
		writeError(w, http.StatusBadRequest, "bad_request", "unknown alert state "+string(state))
		return
	}

	list, err := h.alerts.List(r.Context(), vehicleID, state)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	out := make([]alertResponse, 0, len(list))
	for _, a := range list {
		out = append(out, toAlertResponse(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": out})
}

// GetAlert returns one alert by id.
func (h *Handlers) GetAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "alertID")
	a, err := h.alerts.Get(r.Context(), id)
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(w, http.StatusNotFound, "not_found", "alert "+id+" not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toAlertResponse(a))
}

type transitionRequest struct {
	State      string `json:"state"`
	Resolution string `json:"resolution"`
}

// TransitionAlert advances the alert lifecycle. Illegal steps are rejected
// with 409 and leave the alert unchanged.
func (h *Handlers) TransitionAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "alertID")
	var req transitionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	a, err := h.alerts.Transition(r.Context(), id, models.AlertState(req.State), models.Resolution(req.Resolution))
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		writeError(w, http.StatusNotFound, "not_found", "alert "+id+" not found")
		return
	case utils.KindOf(err) == utils.KindInvalidTransition:
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toAlertResponse(a))
}

type feedbackRequest struct {
	AlertID      string `json:"alert_id"`
	Decision     string `json:"decision"`
	Reason       string `json:"reason"`
	TechnicianID string `json:"technician_id"`
}

// SubmitFeedback records a technician decision on a resolved alert and
// triggers a threshold adjustment pass.
func (h *Handlers) SubmitFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	decision := models.Resolution(req.Decision)
	if req.AlertID == "" || !alerts.ValidResolution(decision) {
		writeError(w, http.StatusBadRequest, "bad_request", "alert_id and a valid decision are required")
		return
	}

	alert, err := h.alerts.Get(r.Context(), req.AlertID)
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(w, http.StatusNotFound, "not_found", "alert "+req.AlertID+" not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	rec := models.FeedbackRecord{
		AlertID:      req.AlertID,
		Decision:     decision,
		Reason:       req.Reason,
		TechnicianID: req.TechnicianID,
		SubmittedAt:  h.now().UTC(),
	}
	err = h.adjuster.Record(r.Context(), alert, rec)
	switch {
	case utils.KindOf(err) == utils.KindInvalidTransition:
		writeError(w, http.StatusConflict, "alert_not_resolved", err.Error())
		return
	case utils.KindOf(err) == utils.KindThresholdConflict:
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "threshold_adjustment_conflict", err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}

type vehicleResponse struct {
	ID             string            `json:"id"`
	Class          string            `json:"class"`
	Commissioned   time.Time         `json:"commissioned"`
	Decommissioned *time.Time        `json:"decommissioned,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// ListVehicles returns every registered vehicle.
func (h *Handlers) ListVehicles(w http.ResponseWriter, r *http.Request) {
	list := h.vehicles.List()
	out := make([]vehicleResponse, 0, len(list))
	for _, v := range list {
		out = append(out, vehicleResponse{
			ID:             v.ID,
			Class:          v.Class,
			Commissioned:   v.Commissioned,
			Decommissioned: v.Decommissioned,
			Metadata:       v.Metadata,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"vehicles": out})
}

type baselineResponse struct {
	Signal      string    `json:"signal"`
	Mean        float64   `json:"mean"`
	Variance    float64   `json:"variance"`
	TrendSlope  float64   `json:"trend_slope_per_day"`
	SampleCount uint64    `json:"sample_count"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	Warm        bool      `json:"warm"`
}

// VehicleBaselines exposes a vehicle's per-signal baseline state, including
// warm-up progress.
func (h *Handlers) VehicleBaselines(w http.ResponseWriter, r *http.Request) {
	vehicleID := chi.URLParam(r, "vehicleID")
	if _, ok := h.vehicles.Get(vehicleID); !ok {
		writeError(w, http.StatusNotFound, "not_found", "vehicle "+vehicleID+" not found")
		return
	}
	snaps := h.baselines.VehicleSnapshots(vehicleID)
	out := make([]baselineResponse, 0, len(snaps))
	for _, b := range snaps {
		out = append(out, baselineResponse{
			Signal:      b.Signal,
			Mean:        b.Mean,
			Variance:    b.Variance,
			TrendSlope:  b.TrendSlope,
			SampleCount: b.SampleCount,
			FirstSeen:   b.FirstSeen,
			LastSeen:    b.LastSeen,
			Warm:        b.Warm,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"vehicle_id": vehicleID, "baselines": out})
}

// DecommissionVehicle retires a vehicle: its baselines are archived and its
// telemetry is ignored from now on.
func (h *Handlers) DecommissionVehicle(w http.ResponseWriter, r *http.Request) {
	vehicleID := chi.URLParam(r, "vehicleID")
	if err := h.vehicles.Decommission(r.Context(), vehicleID, h.baselines, h.archiver); err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	h.matcher.DropVehicle(vehicleID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "decommissioned", "vehicle_id": vehicleID})
}

type patternResponse struct {
	Ref             string   `json:"ref"`
	Name            string   `json:"name"`
	Version         int      `json:"version"`
	Description     string   `json:"description"`
	VehicleClasses  []string `json:"vehicle_classes,omitempty"`
	Signals         []string `json:"signals"`
	MinDurationDays float64  `json:"min_duration_days"`
	MaxDurationDays float64  `json:"max_duration_days"`
	HistConfidence  float64  `json:"historical_confidence"`
	Retracted       bool     `json:"retracted"`
}

// ListPatterns returns every pattern version in the library, retracted ones
// included so auditors can see the full history.
func (h *Handlers) ListPatterns(w http.ResponseWriter, r *http.Request) {
	all := h.library.All()
	out := make([]patternResponse, 0, len(all))
	for _, t := range all {
		signals := make([]string, 0, len(t.Phases))
		for _, ph := range t.Phases {
			signals = append(signals, ph.Signal)
		}
		out = append(out, patternResponse{
			Ref:             t.Ref(),
			Name:            t.Name,
			Version:         t.Version,
			Description:     t.Description,
			VehicleClasses:  t.VehicleClasses,
			Signals:         signals,
			MinDurationDays: t.MinDurationDays,
			MaxDurationDays: t.MaxDurationDays,
			HistConfidence:  t.HistConfidence,
			Retracted:       t.Retracted,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"patterns": out})
}

// --- helpers ---

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": code, "message": msg})
}
