package models

import "fmt"

type HoldStatus string

const (
	HoldRequested    HoldStatus = "REQUESTED"
	HoldLockAcquired HoldStatus = "LOCK_ACQUIRED"
	HoldActive       HoldStatus = "ACTIVE"
	HoldConsumed     HoldStatus = "CONSUMED"
	HoldExpired      HoldStatus = "EXPIRED"
	HoldReleased     HoldStatus = "RELEASED"
)

var holdTransitions = map[HoldStatus][]HoldStatus{
	HoldRequested:    {HoldLockAcquired},
	HoldLockAcquired: {HoldActive},
	HoldActive:       {HoldConsumed, HoldExpired, HoldReleased},
}

func (s HoldStatus) CanTransition(to HoldStatus) bool {
	for _, next := range holdTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// InFlight is true for claim rows whose creator has not settled yet.
func (s HoldStatus) InFlight() bool {
	return s == HoldRequested || s == HoldLockAcquired
}

// Transition moves the hold to status to, rejecting anything outside the table above.
func (h *Hold) Transition(to HoldStatus) error {
	if !h.Status.CanTransition(to) {
		return ErrInvalidTransition.Wrap(fmt.Errorf("hold %s: %s -> %s", h.ID, h.Status, to))
	}
	h.Status = to
	return nil
}
