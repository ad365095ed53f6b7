package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetpulse/pdm-engine/internal/models"
	"github.com/fleetpulse/pdm-engine/internal/utils"
)

// sampleBatchSize is the CopyFrom flush threshold for the telemetry archive.
const sampleBatchSize = 500

// PostgresStore is the durable side of the engine: alerts, the feedback
// ledger, threshold profiles, baseline archive, quarantine, and the
// telemetry archive.
type PostgresStore struct {
	pool *pgxpool.Pool

	mu      sync.Mutex
	pending []models.Sample
}

// NewPostgresStore connects a pgx pool and pings it to fail fast.
func NewPostgresStore(ctx context.Context, dsn string, maxConns int32) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close flushes the archive buffer and releases the pool.
func (s *PostgresStore) Close() {
	_ = s.FlushSamples(context.Background())
	s.pool.Close()
}

// Ping reports connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// InitSchema creates the engine tables when absent. The partial unique
// index on alerts is the durable backstop for the single-non-terminal-alert
// invariant.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			vehicle_id TEXT NOT NULL,
			vehicle_class TEXT NOT NULL,
			signals TEXT[] NOT NULL,
			pattern_ref TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			explanation TEXT NOT NULL,
			action_window_secs BIGINT NOT NULL,
			window_start TIMESTAMPTZ,
			window_end TIMESTAMPTZ,
			state TEXT NOT NULL,
			resolution TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_alerts_active
			ON alerts (vehicle_id, pattern_ref)
			WHERE state NOT IN ('resolved', 'archived')`,
		`CREATE TABLE IF NOT EXISTS feedback (
			alert_id TEXT NOT NULL,
			decision TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			technician_id TEXT NOT NULL DEFAULT '',
			submitted_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS threshold_profiles (
			vehicle_class TEXT NOT NULL,
			pattern_ref TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			version BIGINT NOT NULL,
			last_adjusted_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (vehicle_class, pattern_ref)
		)`,
		`CREATE TABLE IF NOT EXISTS baseline_archive (
			vehicle_id TEXT NOT NULL,
			signal TEXT NOT NULL,
			mean DOUBLE PRECISION NOT NULL,
			variance DOUBLE PRECISION NOT NULL,
			trend_slope DOUBLE PRECISION NOT NULL,
			sample_count BIGINT NOT NULL,
			first_seen TIMESTAMPTZ,
			last_seen TIMESTAMPTZ,
			last_seq BIGINT NOT NULL,
			warm BOOLEAN NOT NULL,
			archived_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS quarantine (
			id TEXT PRIMARY KEY,
			vehicle_id TEXT NOT NULL DEFAULT '',
			signal_name TEXT NOT NULL DEFAULT '',
			ts TIMESTAMPTZ,
			value DOUBLE PRECISION NOT NULL,
			unit TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL,
			code TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS telemetry_archive (
			vehicle_id TEXT NOT NULL,
			signal TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			value DOUBLE PRECISION NOT NULL,
			unit TEXT NOT NULL,
			source TEXT NOT NULL,
			sequence BIGINT NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// --- alerts.Repo ---

// InsertAlert writes a new alert row.
func (s *PostgresStore) InsertAlert(ctx context.Context, a models.Alert) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO alerts
			(id, vehicle_id, vehicle_class, signals, pattern_ref, confidence, explanation,
			 action_window_secs, window_start, window_end, state, resolution, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		a.ID, a.VehicleID, a.VehicleClass, a.Signals, a.PatternRef, a.Confidence, a.Explanation,
		int64(a.ActionWindow/time.Second), a.WindowStart, a.WindowEnd, string(a.State), string(a.Resolution),
		a.CreatedAt, a.UpdatedAt)
	return err
}

// UpdateAlert persists a state change. The prior state is part of the
// predicate so a concurrent transition cannot be overwritten; the caller
// always loads the alert first, so zero affected rows means it moved.
func (s *PostgresStore) UpdateAlert(ctx context.Context, a models.Alert, from models.AlertState) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE alerts SET state=$2, resolution=$3, updated_at=$4 WHERE id=$1 AND state=$5`,
		a.ID, string(a.State), string(a.Resolution), a.UpdatedAt, string(from))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return staleTransition(a)
	}
	return nil
}

// GetAlert loads one alert by id.
func (s *PostgresStore) GetAlert(ctx context.Context, id string) (models.Alert, error) {
	row := s.pool.QueryRow(ctx, alertSelect+` WHERE id=$1`, id)
	return scanAlert(row)
}

// ListAlerts returns alerts matching the optional vehicle and state filters.
func (s *PostgresStore) ListAlerts(ctx context.Context, vehicleID string, state models.AlertState) ([]models.Alert, error) {
	rows, err := s.pool.Query(ctx, alertSelect+`
		WHERE ($1 = '' OR vehicle_id = $1) AND ($2 = '' OR state = $2)
		ORDER BY created_at DESC`, vehicleID, string(state))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// FindActive returns the non-terminal alert for a (vehicle, pattern) pair.
func (s *PostgresStore) FindActive(ctx context.Context, vehicleID, patternRef string) (models.Alert, bool, error) {
	row := s.pool.QueryRow(ctx, alertSelect+`
		WHERE vehicle_id=$1 AND pattern_ref=$2 AND state NOT IN ('resolved','archived')`,
		vehicleID, patternRef)
	a, err := scanAlert(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Alert{}, false, nil
	}
	if err != nil {
		return models.Alert{}, false, err
	}
	return a, true, nil
}

const alertSelect = `
	SELECT id, vehicle_id, vehicle_class, signals, pattern_ref, confidence, explanation,
	       action_window_secs, window_start, window_end, state, resolution, created_at, updated_at
	FROM alerts`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row rowScanner) (models.Alert, error) {
	var a models.Alert
	var state, resolution string
	var actionSecs int64
	err := row.Scan(&a.ID, &a.VehicleID, &a.VehicleClass, &a.Signals, &a.PatternRef, &a.Confidence,
		&a.Explanation, &actionSecs, &a.WindowStart, &a.WindowEnd, &state, &resolution,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return models.Alert{}, err
	}
	a.ActionWindow = time.Duration(actionSecs) * time.Second
	a.State = models.AlertState(state)
	a.Resolution = models.Resolution(resolution)
	return a, nil
}

// --- feedback.ThresholdRepo ---

// GetProfile loads the threshold profile for a (class, pattern) pair.
func (s *PostgresStore) GetProfile(ctx context.Context, vehicleClass, patternRef string) (models.ThresholdProfile, bool, error) {
	var p models.ThresholdProfile
	err := s.pool.QueryRow(ctx, `
		SELECT vehicle_class, pattern_ref, confidence, version, last_adjusted_at
		FROM threshold_profiles WHERE vehicle_class=$1 AND pattern_ref=$2`,
		vehicleClass, patternRef).
		Scan(&p.VehicleClass, &p.PatternRef, &p.Confidence, &p.Version, &p.LastAdjustedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ThresholdProfile{}, false, nil
	}
	if err != nil {
		return models.ThresholdProfile{}, false, err
	}
	return p, true, nil
}

// SwapProfile writes the profile with compare-and-swap semantics on the
// version column so concurrent adjusters cannot lose updates.
func (s *PostgresStore) SwapProfile(ctx context.Context, p models.ThresholdProfile, expectedVersion int64) (models.ThresholdProfile, error) {
	if expectedVersion == 0 {
		tag, err := s.pool.Exec(ctx, `
			INSERT INTO threshold_profiles (vehicle_class, pattern_ref, confidence, version, last_adjusted_at)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (vehicle_class, pattern_ref) DO NOTHING`,
			p.VehicleClass, p.PatternRef, p.Confidence, p.Version, p.LastAdjustedAt)
		if err != nil {
			return models.ThresholdProfile{}, err
		}
		if tag.RowsAffected() == 0 {
			return models.ThresholdProfile{}, swapConflict(p)
		}
		return p, nil
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE threshold_profiles
		SET confidence=$3, version=$4, last_adjusted_at=$5
		WHERE vehicle_class=$1 AND pattern_ref=$2 AND version=$6`,
		p.VehicleClass, p.PatternRef, p.Confidence, p.Version, p.LastAdjustedAt, expectedVersion)
	if err != nil {
		return models.ThresholdProfile{}, err
	}
	if tag.RowsAffected() == 0 {
		return models.ThresholdProfile{}, swapConflict(p)
	}
	return p, nil
}

func swapConflict(p models.ThresholdProfile) error {
	return utils.NewEngineError("store.SwapProfile", utils.KindThresholdConflict, "version_mismatch",
		fmt.Sprintf("threshold profile (%s, %s) was modified concurrently", p.VehicleClass, p.PatternRef), nil)
}

func staleTransition(a models.Alert) error {
	return utils.NewEngineError("store.UpdateAlert", utils.KindInvalidTransition, "state_changed",
		fmt.Sprintf("alert %s changed state concurrently", a.ID), nil)
}

// AppendFeedback writes one immutable ledger entry.
func (s *PostgresStore) AppendFeedback(ctx context.Context, rec models.FeedbackRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO feedback (alert_id, decision, reason, technician_id, submitted_at)
		VALUES ($1,$2,$3,$4,$5)`,
		rec.AlertID, string(rec.Decision), rec.Reason, rec.TechnicianID, rec.SubmittedAt)
	return err
}

// --- normalizer.QuarantineSink ---

// Quarantine stores a rejected reading for audit.
func (s *PostgresStore) Quarantine(ctx context.Context, q models.QuarantinedReading) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO quarantine (id, vehicle_id, signal_name, ts, value, unit, source, reason, code, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		q.ID, q.Reading.VehicleID, q.Reading.Signal, q.Reading.Timestamp, q.Reading.Value,
		q.Reading.Unit, string(q.Reading.Source), q.Reason, q.Code, q.CreatedAt)
	return err
}

// --- baseline.Archiver ---

// ArchiveBaseline persists a decommissioned vehicle's final baseline state.
func (s *PostgresStore) ArchiveBaseline(ctx context.Context, b models.Baseline) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO baseline_archive
			(vehicle_id, signal, mean, variance, trend_slope, sample_count, first_seen, last_seen, last_seq, warm)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		b.VehicleID, b.Signal, b.Mean, b.Variance, b.TrendSlope, int64(b.SampleCount),
		b.FirstSeen, b.LastSeen, int64(b.LastSeq), b.Warm)
	return err
}

// --- engine.TelemetrySink ---

// ArchiveSample buffers a committed sample; full batches flush with
// CopyFrom to keep ingest cheap.
func (s *PostgresStore) ArchiveSample(ctx context.Context, sample models.Sample) error {
	s.mu.Lock()
	s.pending = append(s.pending, sample)
	flush := len(s.pending) >= sampleBatchSize
	s.mu.Unlock()
	if !flush {
		return nil
	}
	return s.FlushSamples(ctx)
}

// FlushSamples writes any buffered samples to the telemetry archive.
func (s *PostgresStore) FlushSamples(ctx context.Context) error {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	rows := make([][]any, len(batch))
	for i, sm := range batch {
		rows[i] = []any{sm.VehicleID, sm.Signal, sm.Timestamp, sm.Value, sm.Unit, string(sm.Source), int64(sm.Sequence)}
	}
	_, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"telemetry_archive"},
		[]string{"vehicle_id", "signal", "ts", "value", "unit", "source", "sequence"},
		pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("telemetry archive CopyFrom of %d samples: %w", len(batch), err)
	}
	return nil
}
