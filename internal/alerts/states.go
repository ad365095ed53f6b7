package alerts

import "github.com/fleetpulse/pdm-engine/internal/models"

// transitions is the allowed lifecycle graph. Anything not listed is
// rejected, never coerced.
var transitions = map[models.AlertState][]models.AlertState{
	models.AlertOpen:            {models.AlertAcknowledged},
	models.AlertAcknowledged:    {models.AlertWorkOrderOpened, models.AlertDismissed},
	models.AlertWorkOrderOpened: {models.AlertResolved},
	models.AlertDismissed:       {models.AlertResolved},
	models.AlertResolved:        {models.AlertArchived},
	models.AlertArchived:        {},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to models.AlertState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidState reports whether s names a known lifecycle state.
func ValidState(s models.AlertState) bool {
	_, ok := transitions[s]
	return ok
}

// ValidResolution reports whether r is a known resolution classification.
func ValidResolution(r models.Resolution) bool {
	switch r {
	case models.ResolutionConfirmed, models.ResolutionFalsePositive, models.ResolutionInconclusive:
		return true
	}
	return false
}
