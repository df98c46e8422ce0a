package domain

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline error so the dispatcher can apply the right
// retry/audit policy without inspecting error strings.
type Kind string

const (
	KindValidation       Kind = "validation_error"
	KindRiskRejection    Kind = "risk_rejection"
	KindConflictRejection Kind = "conflict_rejection"
	KindTransientExchange Kind = "transient_exchange_error"
	KindPermanentExchange Kind = "permanent_exchange_error"
	KindPersistence      Kind = "persistence_error"
	KindLockTimeout      Kind = "lock_timeout"
	KindCancellation     Kind = "cancellation"
)

// PipelineError wraps an underlying error with a Kind the dispatcher
// switches on, and an optional Reason used verbatim in the response
// envelope and audit row.
type PipelineError struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// Is supports errors.Is(err, &domain.PipelineError{Kind: domain.KindRiskRejection})
// style checks: any *PipelineError target matches when its Kind equals this
// error's Kind, whatever its Reason and Err.
func (e *PipelineError) Is(target error) bool {
	var t *PipelineError
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

func newErr(kind Kind, reason string, err error) *PipelineError {
	return &PipelineError{Kind: kind, Reason: reason, Err: err}
}

func NewValidationError(reason string, err error) *PipelineError {
	return newErr(KindValidation, reason, err)
}

func NewRiskRejection(limitName string) *PipelineError {
	return newErr(KindRiskRejection, limitName, nil)
}

func NewConflictRejection(reason string) *PipelineError {
	return newErr(KindConflictRejection, reason, nil)
}

func NewTransientExchangeError(reason string, err error) *PipelineError {
	return newErr(KindTransientExchange, reason, err)
}

func NewPermanentExchangeError(reason string, err error) *PipelineError {
	return newErr(KindPermanentExchange, reason, err)
}

func NewPersistenceError(reason string, err error) *PipelineError {
	return newErr(KindPersistence, reason, err)
}

func NewLockTimeout(symbol string) *PipelineError {
	return newErr(KindLockTimeout, fmt.Sprintf("lock timeout for %s", symbol), nil)
}

func NewCancellation(reason string) *PipelineError {
	return newErr(KindCancellation, reason, nil)
}

// KindOf extracts the Kind from err, walking the Unwrap chain. Returns ""
// if err does not carry a *PipelineError anywhere in its chain.
func KindOf(err error) Kind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// IsRetryable reports whether the pipeline's retry policy applies to err.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransientExchange
}
