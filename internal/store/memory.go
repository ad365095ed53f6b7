package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5"

	"github.com/fleetpulse/pdm-engine/internal/models"
)

// MemoryStore is a process-local implementation of the durable store. It
// backs tests and DSN-less development runs with the same semantics as
// Postgres, including the version CAS on threshold profiles.
type MemoryStore struct {
	mu         sync.RWMutex
	alerts     map[string]models.Alert
	order      []string
	profiles   map[string]models.ThresholdProfile
	feedback   []models.FeedbackRecord
	quarantine []models.QuarantinedReading
	baselines  []models.Baseline
	samples    []models.Sample
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		alerts:   make(map[string]models.Alert),
		profiles: make(map[string]models.ThresholdProfile),
	}
}

func profileKey(vehicleClass, patternRef string) string {
	return vehicleClass + "|" + patternRef
}

// --- alerts.Repo ---

func (s *MemoryStore) InsertAlert(_ context.Context, a models.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.alerts[a.ID]; ok {
		return fmt.Errorf("alert %s already exists", a.ID)
	}
	s.alerts[a.ID] = a
	s.order = append(s.order, a.ID)
	return nil
}

func (s *MemoryStore) UpdateAlert(_ context.Context, a models.Alert, from models.AlertState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.alerts[a.ID]
	if !ok {
		return pgx.ErrNoRows
	}
	if current.State != from {
		return staleTransition(a)
	}
	s.alerts[a.ID] = a
	return nil
}

func (s *MemoryStore) GetAlert(_ context.Context, id string) (models.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return models.Alert{}, pgx.ErrNoRows
	}
	return a, nil
}

func (s *MemoryStore) ListAlerts(_ context.Context, vehicleID string, state models.AlertState) ([]models.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Alert
	for _, id := range s.order {
		a := s.alerts[id]
		if vehicleID != "" && a.VehicleID != vehicleID {
			continue
		}
		if state != "" && a.State != state {
			continue
		}
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) FindActive(_ context.Context, vehicleID, patternRef string) (models.Alert, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.alerts {
		if a.VehicleID == vehicleID && a.PatternRef == patternRef && !a.State.Terminal() {
			return a, true, nil
		}
	}
	return models.Alert{}, false, nil
}

// --- feedback.ThresholdRepo ---

func (s *MemoryStore) GetProfile(_ context.Context, vehicleClass, patternRef string) (models.ThresholdProfile, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[profileKey(vehicleClass, patternRef)]
	return p, ok, nil
}

func (s *MemoryStore) SwapProfile(_ context.Context, p models.ThresholdProfile, expectedVersion int64) (models.ThresholdProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := profileKey(p.VehicleClass, p.PatternRef)
	current, ok := s.profiles[key]
	switch {
	case expectedVersion == 0 && ok:
		return models.ThresholdProfile{}, swapConflict(p)
	case expectedVersion != 0 && (!ok || current.Version != expectedVersion):
		return models.ThresholdProfile{}, swapConflict(p)
	}
	s.profiles[key] = p
	return p, nil
}

func (s *MemoryStore) AppendFeedback(_ context.Context, rec models.FeedbackRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feedback = append(s.feedback, rec)
	return nil
}

// FeedbackLedger returns a copy of the appended records, oldest first.
func (s *MemoryStore) FeedbackLedger() []models.FeedbackRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.FeedbackRecord, len(s.feedback))
	copy(out, s.feedback)
	return out
}

// --- normalizer.QuarantineSink ---

func (s *MemoryStore) Quarantine(_ context.Context, q models.QuarantinedReading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quarantine = append(s.quarantine, q)
	return nil
}

// Quarantined returns a copy of the quarantine log.
func (s *MemoryStore) Quarantined() []models.QuarantinedReading {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.QuarantinedReading, len(s.quarantine))
	copy(out, s.quarantine)
	return out
}

// --- baseline.Archiver ---

func (s *MemoryStore) ArchiveBaseline(_ context.Context, b models.Baseline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baselines = append(s.baselines, b)
	return nil
}

// ArchivedBaselines returns a copy of the baseline archive.
func (s *MemoryStore) ArchivedBaselines() []models.Baseline {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Baseline, len(s.baselines))
	copy(out, s.baselines)
	return out
}

// --- engine.TelemetrySink ---

func (s *MemoryStore) ArchiveSample(_ context.Context, sample models.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, sample)
	return nil
}

// ArchivedSamples returns a copy of the telemetry archive.
func (s *MemoryStore) ArchivedSamples() []models.Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Sample, len(s.samples))
	copy(out, s.samples)
	return out
}
