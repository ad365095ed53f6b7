package patterns

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fleetpulse/pdm-engine/internal/models"
	"github.com/fleetpulse/pdm-engine/internal/utils"
)

func tmpl(name string, version int, conf float64, classes ...string) models.PatternTemplate {
	return models.PatternTemplate{
		Name:           name,
		Version:        version,
		VehicleClasses: classes,
		Phases: []models.PhaseSpec{
			{Signal: "engine_temp", Shape: models.ShapeMonotonicRise, MinDeviation: 2.0},
		},
		MinDurationDays: 1,
		MaxDurationDays: 30,
		HistConfidence:  conf,
	}
}

func TestAddEnforcesAppendOnlyVersions(t *testing.T) {
	lib, _ := LoadLibrary("")

	if err := lib.Add(tmpl("thermostat_failure", 1, 0.8)); err != nil {
		t.Fatalf("add v1: %v", err)
	}
	if err := lib.Add(tmpl("thermostat_failure", 2, 0.85)); err != nil {
		t.Fatalf("add v2: %v", err)
	}
	if err := lib.Add(tmpl("thermostat_failure", 2, 0.9)); err == nil {
		t.Fatal("rewriting v2 was accepted")
	}
	if err := lib.Add(tmpl("thermostat_failure", 1, 0.9)); err == nil {
		t.Fatal("regressing to v1 was accepted")
	}
}

func TestGetResolvesSpecificVersions(t *testing.T) {
	lib, _ := LoadLibrary("")
	lib.Add(tmpl("thermostat_failure", 1, 0.8))
	lib.Add(tmpl("thermostat_failure", 2, 0.85))

	v1, err := lib.Get("thermostat_failure_v1")
	if err != nil {
		t.Fatalf("get v1: %v", err)
	}
	if v1.Version != 1 {
		t.Fatalf("version = %d, want 1", v1.Version)
	}

	_, err = lib.Get("thermostat_failure_v9")
	if utils.KindOf(err) != utils.KindPatternVersion {
		t.Fatalf("unknown version error kind = %q, want pattern_version_mismatch", utils.KindOf(err))
	}
}

func TestRetractHidesVersionFromMatchingButKeepsHistory(t *testing.T) {
	lib, _ := LoadLibrary("")
	lib.Add(tmpl("thermostat_failure", 1, 0.8))
	lib.Add(tmpl("thermostat_failure", 2, 0.85))

	if err := lib.Retract("thermostat_failure_v2"); err != nil {
		t.Fatalf("retract: %v", err)
	}
	if _, err := lib.Get("thermostat_failure_v2"); utils.KindOf(err) != utils.KindPatternVersion {
		t.Fatalf("retracted Get error kind = %q, want pattern_version_mismatch", utils.KindOf(err))
	}

	// Matching falls back to the newest non-retracted version.
	active := lib.ActiveForClass("standard")
	if len(active) != 1 || active[0].Ref() != "thermostat_failure_v1" {
		t.Fatalf("active = %+v, want v1 only", active)
	}
	// History stays visible for audit.
	if len(lib.All()) != 2 {
		t.Fatalf("All() = %d templates, want 2", len(lib.All()))
	}
}

func TestActiveForClassFiltersAndOrders(t *testing.T) {
	lib, _ := LoadLibrary("")
	lib.Add(tmpl("thermostat_failure", 1, 0.82))
	lib.Add(tmpl("battery_degradation", 1, 0.77))
	lib.Add(tmpl("oil_pressure_loss", 1, 0.71, "heavy_duty"))

	std := lib.ActiveForClass("standard")
	if len(std) != 2 {
		t.Fatalf("standard active = %d templates, want 2", len(std))
	}
	if std[0].Name != "thermostat_failure" {
		t.Fatalf("first active = %s, want highest historical confidence first", std[0].Name)
	}

	heavy := lib.ActiveForClass("heavy_duty")
	if len(heavy) != 3 {
		t.Fatalf("heavy_duty active = %d templates, want 3", len(heavy))
	}
}

func TestLoadLibraryFromPack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pack.yaml")
	pack := `templates:
  - name: thermostat_failure
    version: 1
    phases:
      - signal: engine_temp
        shape: monotonic_rise
        min_slope_sd: 0.1
        min_deviation_sd: 2.0
    min_duration_days: 14
    max_duration_days: 28
    ttf:
      median_days: 21
      p10_days: 7
      p90_days: 45
      sample_size: 112
    historical_confidence: 0.82
`
	if err := os.WriteFile(path, []byte(pack), 0o644); err != nil {
		t.Fatal(err)
	}

	lib, err := LoadLibrary(path)
	if err != nil {
		t.Fatalf("LoadLibrary: %v", err)
	}
	got, err := lib.Get("thermostat_failure_v1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Phases[0].MinDeviation != 2.0 || got.TTF.P10Days != 7 {
		t.Fatalf("parsed template = %+v", got)
	}

	// A missing pack path is not an error.
	empty, err := LoadLibrary(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing pack: %v", err)
	}
	if len(empty.All()) != 0 {
		t.Fatal("missing pack produced templates")
	}
}
