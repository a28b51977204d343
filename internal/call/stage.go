package call

import (
	"fmt"
	"slices"
)

// Stage is the negotiation stage of the in-flight call.
type Stage string

const (
	StageIdle     Stage = "idle"
	StageCalling  Stage = "calling"
	StageRinging  Stage = "ringing"
	StageIncoming Stage = "incoming"
	StageAccepted Stage = "accepted"
)

// validTransitions defines the allowed stage moves. Hangup is the universal
// edge back to idle.
var validTransitions = map[Stage][]Stage{
	StageIdle:     {StageCalling, StageIncoming},
	StageCalling:  {StageRinging, StageAccepted, StageIdle},
	StageRinging:  {StageAccepted, StageIdle},
	StageIncoming: {StageAccepted, StageIdle},
	StageAccepted: {StageIdle},
}

func (s Stage) canMove(to Stage) bool {
	return slices.Contains(validTransitions[s], to)
}

// transitionLocked moves the session to a new stage, rejecting moves outside
// the table.
func (s *Session) transitionLocked(to Stage) error {
	if !s.stage.canMove(to) {
		return fmt.Errorf("invalid call transition from %s to %s", s.stage, to)
	}
	s.stage = to
	return nil
}

// Active reports whether a call is being set up or running.
func (s Stage) Active() bool {
	return s != StageIdle
}
