package trading

import "fmt"

// BusyError means the bot's trade mutex is held elsewhere. The decision
// is discarded; the next confirmation retries naturally.
type BusyError struct {
	BotID string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("another trade in progress for bot %s", e.BotID)
}

// RejectedError carries a gate rejection out of the executor's re-check
type RejectedError struct {
	Reason Reason
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("trade rejected: %s", e.Reason)
}

// ExecutionError means order placement failed after validation. No trade
// record exists; the confirmation is reset by the caller.
type ExecutionError struct {
	Pair string
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("order placement failed for %s: %v", e.Pair, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
