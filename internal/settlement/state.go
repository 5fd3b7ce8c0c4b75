package settlement

import (
	"fmt"

	"launchpad/internal/models"
)

// transitions is the authoritative presale lifecycle. The settling_* self-transitions
// let an interrupted settlement be resumed in the direction already decided.
var transitions = map[models.PresaleStatus][]models.PresaleStatus{
	models.PresaleStatusPending: {
		models.PresaleStatusActive,
		models.PresaleStatusSettlingFailure,
	},
	models.PresaleStatusActive: {
		models.PresaleStatusFunded,
		models.PresaleStatusSettlingFailure,
	},
	models.PresaleStatusFunded: {
		models.PresaleStatusSettlingSuccess,
		models.PresaleStatusSettlingFailure,
	},
	models.PresaleStatusSettlingSuccess: {
		models.PresaleStatusSettlingSuccess,
		models.PresaleStatusCompleted,
	},
	models.PresaleStatusSettlingFailure: {
		models.PresaleStatusSettlingFailure,
		models.PresaleStatusFailed,
	},
}

// CanTransition reports whether a presale may move from one status to another.
func CanTransition(from, to models.PresaleStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates a status change and returns an ErrInvalidState error for illegal moves.
func Transition(from, to models.PresaleStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: cannot move presale from %s to %s", ErrInvalidState, from, to)
	}
	return nil
}

// IsTerminal reports whether no further transition is possible.
func IsTerminal(status models.PresaleStatus) bool {
	return len(transitions[status]) == 0
}

// sourcesOf lists every status that may legally move to the given one.
// Used as the compare-and-swap precondition for store updates.
func sourcesOf(to models.PresaleStatus) []models.PresaleStatus {
	var from []models.PresaleStatus
	for _, status := range orderedStatuses {
		if CanTransition(status, to) {
			from = append(from, status)
		}
	}
	return from
}

var orderedStatuses = []models.PresaleStatus{
	models.PresaleStatusPending,
	models.PresaleStatusActive,
	models.PresaleStatusFunded,
	models.PresaleStatusSettlingSuccess,
	models.PresaleStatusSettlingFailure,
	models.PresaleStatusCompleted,
	models.PresaleStatusFailed,
}
