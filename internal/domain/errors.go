package domain

import (
	"errors"
	"fmt"
)

// Trade and settlement taxonomy. Every error surfaced by the core wraps one of
// these so callers can branch with errors.Is.
var (
	ErrValidation           = errors.New("validation failed")
	ErrNotFound             = errors.New("not found")
	ErrStaleQuote           = errors.New("stale quote")
	ErrRiskRejected         = errors.New("risk rejected")
	ErrHedgeTimeout         = errors.New("hedge timed out")
	ErrHedgeExecutionFailed = errors.New("hedge execution failed")
	ErrAlreadyResolved      = errors.New("market already resolved")
	ErrTransactionFailed    = errors.New("transaction failed")
)

// Infrastructure errors.
var (
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrSigningFailed = errors.New("signing failed")
	ErrWSDisconnect  = errors.New("websocket disconnected")
	ErrLockHeld      = errors.New("lock already held")
)

// RejectError carries a specific, user-actionable reason alongside one of the
// taxonomy sentinels.
type RejectError struct {
	Kind   error
	Reason string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *RejectError) Unwrap() error { return e.Kind }

// Reject builds a RejectError of the given kind.
func Reject(kind error, format string, args ...any) error {
	return &RejectError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Reason extracts the human-readable reason from err, falling back to
// err.Error() when err is not a RejectError.
func Reason(err error) string {
	var re *RejectError
	if errors.As(err, &re) {
		return re.Reason
	}
	return err.Error()
}
