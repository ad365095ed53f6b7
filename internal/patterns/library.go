package patterns

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/fleetpulse/pdm-engine/internal/models"
	"github.com/fleetpulse/pdm-engine/internal/utils"
)

// PackFile is the YAML root structure of a pattern pack.
type PackFile struct {
	Templates []models.PatternTemplate `yaml:"templates"`
}

// Library is the versioned catalog of degradation signatures. Versions are
// append-only: a newer version supersedes matching, older versions remain
// resolvable so historical alerts stay reproducible.
type Library struct {
	mu       sync.RWMutex
	byRef    map[string]models.PatternTemplate
	versions map[string][]int
}

// LoadLibrary reads a pattern pack from path. An empty path yields an empty
// library rather than an error, matching how optional packs are deployed.
func LoadLibrary(path string) (*Library, error) {
	lib := &Library{
		byRef:    make(map[string]models.PatternTemplate),
		versions: make(map[string][]int),
	}
	if path == "" {
		return lib, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return lib, nil
		}
		return nil, fmt.Errorf("read pattern pack: %w", err)
	}
	var pack PackFile
	if err := yaml.Unmarshal(data, &pack); err != nil {
		return nil, fmt.Errorf("parse pattern pack: %w", err)
	}
	for _, tmpl := range pack.Templates {
		if err := lib.Add(tmpl); err != nil {
			return nil, err
		}
	}
	return lib, nil
}

// Add appends a template version. The version must extend the template's
// version history; rewriting an existing version is rejected.
func (l *Library) Add(tmpl models.PatternTemplate) error {
	if tmpl.Name == "" || tmpl.Version <= 0 {
		return fmt.Errorf("template requires a name and positive version, got %q v%d", tmpl.Name, tmpl.Version)
	}
	if len(tmpl.Phases) == 0 {
		return fmt.Errorf("template %s has no phases", tmpl.Ref())
	}
	if tmpl.MaxDurationDays <= 0 || tmpl.MaxDurationDays < tmpl.MinDurationDays {
		return fmt.Errorf("template %s has an invalid duration range", tmpl.Ref())
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.byRef[tmpl.Ref()]; exists {
		return fmt.Errorf("template version %s already exists; versions are append-only", tmpl.Ref())
	}
	history := l.versions[tmpl.Name]
	if len(history) > 0 && tmpl.Version <= history[len(history)-1] {
		return fmt.Errorf("template %s must extend version history (latest v%d)", tmpl.Ref(), history[len(history)-1])
	}
	l.byRef[tmpl.Ref()] = tmpl
	l.versions[tmpl.Name] = append(history, tmpl.Version)
	return nil
}

// Get resolves a specific template version. Retracted versions return a
// pattern-version error so the caller can skip them for the cycle.
func (l *Library) Get(ref string) (models.PatternTemplate, error) {
	l.mu.RLock()
	tmpl, ok := l.byRef[ref]
	l.mu.RUnlock()
	if !ok {
		return models.PatternTemplate{}, utils.NewEngineError("patterns.Get", utils.KindPatternVersion,
			"unknown_version", fmt.Sprintf("template version %s not in library", ref), nil)
	}
	if tmpl.Retracted {
		return models.PatternTemplate{}, utils.NewEngineError("patterns.Get", utils.KindPatternVersion,
			"retracted_version", fmt.Sprintf("template version %s was retracted", ref), nil)
	}
	return tmpl, nil
}

// Retract marks a version unusable for matching without deleting it.
func (l *Library) Retract(ref string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	tmpl, ok := l.byRef[ref]
	if !ok {
		return fmt.Errorf("template version %s not in library", ref)
	}
	tmpl.Retracted = true
	l.byRef[ref] = tmpl
	return nil
}

// ActiveForClass returns the latest non-retracted version of every template
// applicable to the vehicle class, ordered by descending historical
// confidence so callers can apply the tie-break rule cheaply.
func (l *Library) ActiveForClass(class string) []models.PatternTemplate {
	l.mu.RLock()
	defer l.mu.RUnlock()

	active := make([]models.PatternTemplate, 0, len(l.versions))
	for name, history := range l.versions {
		for i := len(history) - 1; i >= 0; i-- {
			ref := fmt.Sprintf("%s_v%d", name, history[i])
			tmpl := l.byRef[ref]
			if tmpl.Retracted {
				continue
			}
			if tmpl.AppliesTo(class) {
				active = append(active, tmpl)
			}
			break
		}
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].HistConfidence != active[j].HistConfidence {
			return active[i].HistConfidence > active[j].HistConfidence
		}
		return active[i].Name < active[j].Name
	})
	return active
}

// All returns every stored version, for the patterns API.
func (l *Library) All() []models.PatternTemplate {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]models.PatternTemplate, 0, len(l.byRef))
	for _, tmpl := range l.byRef {
		out = append(out, tmpl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref() < out[j].Ref() })
	return out
}
