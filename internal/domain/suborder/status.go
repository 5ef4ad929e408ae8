package suborder

import "errors"

// ErrInvalidStateTransition is returned when a payment status change is not
// present in the transition table.
var ErrInvalidStateTransition = errors.New("suborder: invalid payment status transition")

// Status is the closed set of sub-order payment states.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusSucceeded  Status = "SUCCEEDED"
	StatusFailed     Status = "FAILED"
)

// transitions is the validated transition table:
//
//	PENDING    -> PROCESSING | SUCCEEDED | FAILED
//	PROCESSING -> SUCCEEDED | FAILED
//	FAILED     -> PENDING (scheduled or manual retry) | SUCCEEDED
//	SUCCEEDED  -> (terminal)
//
// FAILED -> SUCCEEDED covers settlement after a failed attempt: a capture
// that timed out locally may still have gone through at the gateway, and
// the reconciled outcome must be persistable. Self-transitions are allowed
// so idempotent re-application is a no-op.
var transitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusPending:    {},
		StatusProcessing: {},
		StatusSucceeded:  {},
		StatusFailed:     {},
	},
	StatusProcessing: {
		StatusProcessing: {},
		StatusSucceeded:  {},
		StatusFailed:     {},
	},
	StatusFailed: {
		StatusFailed:    {},
		StatusPending:   {},
		StatusSucceeded: {},
	},
	StatusSucceeded: {
		StatusSucceeded: {},
	},
}

// CanTransition reports whether moving from s to next is allowed.
func (s Status) CanTransition(next Status) bool {
	allowed, ok := transitions[s]
	if !ok {
		return false
	}
	_, ok = allowed[next]
	return ok
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool { return s == StatusSucceeded }
