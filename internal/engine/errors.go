package engine

import (
	"errors"
	"fmt"

	"github.com/tendrilbot/tendril/internal/platform"
)

// ErrorKind classifies an action failure for the scheduler.
type ErrorKind int

const (
	// ErrKindTransient covers ordinary platform failures (network, timeout,
	// user gone). The scheduler logs and moves on; no retry within the cycle.
	ErrKindTransient ErrorKind = iota
	// ErrKindFeedback means the platform flagged automated behavior during
	// the action. The spam guard handles the pause; the kind exists so the
	// log line is unambiguous.
	ErrKindFeedback
	// ErrKindStorage covers ledger or cache persistence failures. These are
	// the only failures that abort an action mid-way.
	ErrKindStorage
	// ErrKindConsistency covers expected state that was already gone. Treated
	// as resolved; surfaced only for visibility.
	ErrKindConsistency
)

// String returns the log label for an error kind.
func (k ErrorKind) String() string {
	switch k {
	case ErrKindTransient:
		return "transient"
	case ErrKindFeedback:
		return "feedback"
	case ErrKindStorage:
		return "storage"
	case ErrKindConsistency:
		return "consistency"
	default:
		return "unknown"
	}
}

// ActionError is the typed failure result of one action execution.
type ActionError struct {
	Action Action
	Kind   ErrorKind
	Err    error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Action, e.Kind, e.Err)
}

func (e *ActionError) Unwrap() error {
	return e.Err
}

// storageError wraps a ledger or cache write failure.
func (e *Engine) storageError(action Action, err error) *ActionError {
	return &ActionError{Action: action, Kind: ErrKindStorage, Err: err}
}

// platformError classifies a platform call failure, consulting the client's
// last response status to distinguish an abuse flag from ordinary flakiness.
func (e *Engine) platformError(action Action, err error) *ActionError {
	kind := ErrKindTransient

	switch {
	case e.client.LastStatus() == platform.StatusFeedbackRequired:
		kind = ErrKindFeedback
	case errors.Is(err, platform.ErrUserNotFound):
		kind = ErrKindConsistency
	}

	return &ActionError{Action: action, Kind: kind, Err: err}
}
