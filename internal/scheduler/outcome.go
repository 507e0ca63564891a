package scheduler

import (
	"context"
	"errors"
	"fmt"
)

// Outcome classifies how one update cycle ended. The loop branches on it
// instead of on raw errors.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	// OutcomeCaptureFailed means every screenshot attempt failed.
	OutcomeCaptureFailed
	// OutcomePushFailed means the screenshot could not be shown.
	OutcomePushFailed
	// OutcomeFault is anything unexpected, such as a panicking collaborator.
	OutcomeFault
	// OutcomeCanceled means the context ended mid-cycle.
	OutcomeCanceled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeCaptureFailed:
		return "capture_failed"
	case OutcomePushFailed:
		return "push_failed"
	case OutcomeFault:
		return "fault"
	case OutcomeCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Failed reports whether the outcome counts toward consecutive failures.
func (o Outcome) Failed() bool {
	switch o {
	case OutcomeCaptureFailed, OutcomePushFailed, OutcomeFault:
		return true
	default:
		return false
	}
}

// CycleError carries the outcome of a cycle that did not succeed.
type CycleError struct {
	Outcome Outcome
	Err     error
}

func (e *CycleError) Error() string {
	return e.Outcome.String() + ": " + e.Err.Error()
}

func (e *CycleError) Unwrap() error {
	return e.Err
}

// OutcomeOf maps an error returned by RunOnce to its Outcome.
func OutcomeOf(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	var ce *CycleError
	if errors.As(err, &ce) {
		return ce.Outcome
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return OutcomeCanceled
	}
	return OutcomeFault
}
