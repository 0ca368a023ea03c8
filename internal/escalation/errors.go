package escalation

import (
	"fmt"

	"fieldops/internal/model"
)

// InvalidTransitionError is returned when an operator command is not allowed
// from the building's current state. Callers match it with errors.As.
type InvalidTransitionError struct {
	BuildingID string
	From       model.EmergencyState
	To         model.EmergencyState
	Reason     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s for building %s: %s", e.From, e.To, e.BuildingID, e.Reason)
}

func invalid(id string, from, to model.EmergencyState, reason string) error {
	return &InvalidTransitionError{BuildingID: id, From: from, To: to, Reason: reason}
}
