package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fleetpulse/pdm-engine/internal/models"
	"github.com/fleetpulse/pdm-engine/internal/utils"
)

func profile(version int64, confidence float64) models.ThresholdProfile {
	return models.ThresholdProfile{
		VehicleClass: "light_duty",
		PatternRef:   "thermostat_failure_v1",
		Confidence:   confidence,
		Version:      version,
	}
}

func TestSwapProfileInsertThenUpdate(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.SwapProfile(ctx, profile(1, 0.78), 0); err != nil {
		t.Fatalf("initial insert: %v", err)
	}
	got, ok, err := s.GetProfile(ctx, "light_duty", "thermostat_failure_v1")
	if err != nil || !ok || got.Confidence != 0.78 {
		t.Fatalf("profile = %+v ok=%v err=%v", got, ok, err)
	}

	if _, err := s.SwapProfile(ctx, profile(2, 0.81), 1); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _, _ = s.GetProfile(ctx, "light_duty", "thermostat_failure_v1")
	if got.Version != 2 || got.Confidence != 0.81 {
		t.Fatalf("profile after update = %+v", got)
	}
}

func TestSwapProfileRejectsStaleVersions(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.SwapProfile(ctx, profile(1, 0.78), 0); err != nil {
		t.Fatal(err)
	}

	// A second insert attempt and an update against a version another writer
	// already advanced past both conflict.
	_, err := s.SwapProfile(ctx, profile(1, 0.80), 0)
	if utils.KindOf(err) != utils.KindThresholdConflict {
		t.Fatalf("insert conflict kind = %q", utils.KindOf(err))
	}
	_, err = s.SwapProfile(ctx, profile(3, 0.80), 2)
	if utils.KindOf(err) != utils.KindThresholdConflict {
		t.Fatalf("stale update kind = %q", utils.KindOf(err))
	}

	got, _, _ := s.GetProfile(ctx, "light_duty", "thermostat_failure_v1")
	if got.Version != 1 || got.Confidence != 0.78 {
		t.Fatalf("profile mutated by failed swap: %+v", got)
	}
}

func TestFindActiveIgnoresTerminalAlerts(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	resolved := models.Alert{ID: "a1", VehicleID: "veh-1", PatternRef: "p_v1",
		State: models.AlertResolved, CreatedAt: now.Add(-2 * time.Hour)}
	open := models.Alert{ID: "a2", VehicleID: "veh-1", PatternRef: "p_v1",
		State: models.AlertOpen, CreatedAt: now}
	for _, a := range []models.Alert{resolved, open} {
		if err := s.InsertAlert(ctx, a); err != nil {
			t.Fatal(err)
		}
	}

	got, found, err := s.FindActive(ctx, "veh-1", "p_v1")
	if err != nil || !found || got.ID != "a2" {
		t.Fatalf("active = %+v found=%v err=%v", got, found, err)
	}

	if _, found, _ = s.FindActive(ctx, "veh-1", "other_v1"); found {
		t.Fatal("found active alert for a pattern with none")
	}
}

func TestListAlertsFiltersAndOrdersNewestFirst(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	for i, a := range []models.Alert{
		{ID: "a1", VehicleID: "veh-1", State: models.AlertOpen},
		{ID: "a2", VehicleID: "veh-2", State: models.AlertOpen},
		{ID: "a3", VehicleID: "veh-1", State: models.AlertResolved},
	} {
		a.CreatedAt = now.Add(time.Duration(i) * time.Minute)
		if err := s.InsertAlert(ctx, a); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.ListAlerts(ctx, "veh-1", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].ID != "a3" || all[1].ID != "a1" {
		t.Fatalf("veh-1 alerts = %+v", all)
	}

	open, _ := s.ListAlerts(ctx, "", models.AlertOpen)
	if len(open) != 2 {
		t.Fatalf("open alerts = %d, want 2", len(open))
	}
}

func TestGetAndUpdateMissingAlert(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.GetAlert(ctx, "ghost"); !errors.Is(err, pgx.ErrNoRows) {
		t.Fatalf("get err = %v, want pgx.ErrNoRows", err)
	}
	if err := s.UpdateAlert(ctx, models.Alert{ID: "ghost"}, models.AlertOpen); !errors.Is(err, pgx.ErrNoRows) {
		t.Fatalf("update err = %v, want pgx.ErrNoRows", err)
	}
}

func TestUpdateAlertRejectsStalePriorState(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	a := models.Alert{ID: "a1", VehicleID: "veh-1", State: models.AlertOpen}
	if err := s.InsertAlert(ctx, a); err != nil {
		t.Fatal(err)
	}

	a.State = models.AlertAcknowledged
	if err := s.UpdateAlert(ctx, a, models.AlertOpen); err != nil {
		t.Fatalf("first update: %v", err)
	}

	// A second writer that loaded the alert while it was still open must
	// lose the race, not overwrite the acknowledged state.
	stale := models.Alert{ID: "a1", VehicleID: "veh-1", State: models.AlertDismissed}
	err := s.UpdateAlert(ctx, stale, models.AlertOpen)
	if utils.KindOf(err) != utils.KindInvalidTransition {
		t.Fatalf("stale update kind = %q, want invalid_transition", utils.KindOf(err))
	}
	got, err := s.GetAlert(ctx, "a1")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != models.AlertAcknowledged {
		t.Fatalf("state = %s, want acknowledged", got.State)
	}
}
