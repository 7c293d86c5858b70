package store

import "ivalet/internal/models"

// transitionMap is the single source of truth for legal status changes,
// keyed by target status. Transitions into terminal states are never
// defined out of another terminal state.
var transitionMap = map[string][]string{
	models.StatusRequested: {models.StatusRunning},
	models.StatusAssigned:  {models.StatusRequested},
	models.StatusCompleted: {models.StatusAssigned},
	models.StatusCancelled: {models.StatusRunning, models.StatusRequested, models.StatusAssigned},
	models.StatusExpired:   {models.StatusRunning},
}

// KnownStatus reports whether target is a defined transition target.
// The initial status "running" is assigned at creation, never via transition.
func KnownStatus(target string) bool {
	_, ok := transitionMap[target]
	return ok
}

func ValidTransition(target, fromStatus string) bool {
	allowed, ok := transitionMap[target]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}

// AllowedFrom returns the set of statuses a ticket may hold immediately
// before transitioning into target.
func AllowedFrom(target string) []string {
	return transitionMap[target]
}
