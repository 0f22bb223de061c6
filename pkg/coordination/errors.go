package coordination

import "errors"

// Kind is a coordination error's category. Each Kind except
// KindTelemetryEmission and KindAdvisorUnavailable has exactly one
// sentinel below so callers match with errors.Is and wrapping uses
// fmt.Errorf("...: %w").
type Kind string

const (
	KindValidation            Kind = "validation"
	KindNotFound              Kind = "not_found"
	KindStateMachineViolation Kind = "state_machine_violation"
	KindOwnershipViolation    Kind = "ownership_violation"
	KindCapacityExceeded      Kind = "capacity_exceeded"
	KindLockTimeout           Kind = "lock_timeout"
	KindStoreCorruption       Kind = "store_corruption"
	KindDuplicateAgent        Kind = "duplicate_agent"
	KindInvalidCapacity       Kind = "invalid_capacity"
	KindNoAgentContext        Kind = "no_agent_context"
	KindAlreadyTerminal       Kind = "already_terminal"
	KindTelemetryEmission     Kind = "telemetry_emission_failure"
	KindAdvisorUnavailable    Kind = "advisor_unavailable"
	KindCancelled             Kind = "cancelled"
)

// coordErr is a sentinel that also reports its own Kind, so a handler
// can branch on Kind() after errors.As without a second lookup table.
type coordErr struct {
	kind Kind
}

func (e *coordErr) Error() string { return string(e.kind) }
func (e *coordErr) Kind() Kind    { return e.kind }

func newErr(k Kind) error { return &coordErr{kind: k} }

var (
	ErrValidation        = newErr(KindValidation)
	ErrNotFound          = newErr(KindNotFound)
	ErrInvalidTransition = newErr(KindStateMachineViolation)
	ErrNotOwner          = newErr(KindOwnershipViolation)
	ErrAgentAtCapacity   = newErr(KindCapacityExceeded)
	ErrLockTimeout       = newErr(KindLockTimeout)
	ErrStoreCorruption   = newErr(KindStoreCorruption)
	ErrDuplicateAgent    = newErr(KindDuplicateAgent)
	ErrInvalidCapacity   = newErr(KindInvalidCapacity)
	ErrNoAgentContext    = newErr(KindNoAgentContext)
	ErrAlreadyTerminal   = newErr(KindAlreadyTerminal)
	ErrCancelled         = newErr(KindCancelled)
)

// KindOf extracts the Kind of err, walking wrapped errors, or "" if err
// does not originate from this package.
func KindOf(err error) Kind {
	var ce *coordErr
	if errors.As(err, &ce) {
		return ce.kind
	}
	return ""
}

// retryable reports whether an error should be retried internally by
// the engine up to MaxRetries before surfacing to the caller.
func retryable(err error) bool {
	return KindOf(err) == KindLockTimeout
}
