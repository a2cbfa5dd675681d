package signal

import "time"

// ConfirmState is the persisted confirmation machine state. A nil StartAt
// is IDLE; otherwise the machine is CONFIRMING(Action) since StartAt.
type ConfirmState struct {
	StartAt *time.Time
	Action  Action
}

// Idle reports whether no confirmation is in progress
func (s ConfirmState) Idle() bool {
	return s.StartAt == nil
}

// ConfirmResult is the outcome of one Advance step
type ConfirmResult struct {
	State         ConfirmState
	Confirmed     bool
	Progress      float64
	TimeRemaining time.Duration
}

// Advance runs one step of the confirmation machine. Promotion is
// inclusive: elapsed equal to the window confirms. A changed action resets
// the clock; hold resets to IDLE. Advance is pure so the persistence of
// StartAt and Action stays the caller's problem.
func Advance(cur ConfirmState, action Action, now time.Time, confirmationSeconds int) ConfirmResult {
	if action == ActionHold {
		return ConfirmResult{State: ConfirmState{}}
	}

	window := time.Duration(confirmationSeconds) * time.Second

	if cur.Idle() || cur.Action != action {
		start := now
		res := ConfirmResult{
			State:         ConfirmState{StartAt: &start, Action: action},
			TimeRemaining: window,
		}
		if window <= 0 {
			res.Confirmed = true
			res.Progress = 1
			res.TimeRemaining = 0
		}
		return res
	}

	elapsed := now.Sub(*cur.StartAt)
	if elapsed >= window {
		return ConfirmResult{
			State:     cur,
			Confirmed: true,
			Progress:  1,
		}
	}

	return ConfirmResult{
		State:         cur,
		Progress:      float64(elapsed) / float64(window),
		TimeRemaining: window - elapsed,
	}
}
