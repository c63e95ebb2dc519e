package domain

import "fmt"

// VenueError wraps a venue-logic error: invalid trading
// pair, unknown chain selector, unknown currency. It fails the tick
// immediately and leaves the job parked for an operator, as opposed to a
// transient adapter error (kind 1, just logged and retried next tick) or a
// domain-expected terminal event (kind 2, resolved by transitioning to IDLE
// or RETRYING).
type VenueError struct {
	Op  string
	Err error
}

func (e *VenueError) Error() string {
	return fmt.Sprintf("venue logic error during %s: %v", e.Op, e.Err)
}

func (e *VenueError) Unwrap() error {
	return e.Err
}

// NewVenueError wraps err as a VenueError tagged with the operation it
// occurred during, for callers that want to short-circuit the tick.
func NewVenueError(op string, err error) *VenueError {
	return &VenueError{Op: op, Err: err}
}

// ErrNoActiveJob is returned by a JobStore when the caller expects a
// job to be in flight (state != IDLE) but the store holds none.
var ErrNoActiveJob = fmt.Errorf("no active rebalance job")

// ErrJobAlreadyActive is the "at most one job" invariant
// stated as an error: a new job cannot be started while one is already in
// flight.
var ErrJobAlreadyActive = fmt.Errorf("a rebalance job is already in flight")
