package workflow

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed set of failure classifications every component
// funnels its errors through before they reach a StageRecord. Core
// orchestration code never branches on error strings, only on ErrorKind.
type ErrorKind string

const (
	KindInvalidInput         ErrorKind = "InvalidInput"
	KindUnresolvedReference  ErrorKind = "UnresolvedReference"
	KindMissingField         ErrorKind = "MissingField"
	KindInvalidOutput        ErrorKind = "InvalidOutput"
	KindTimeout              ErrorKind = "Timeout"
	KindLeaseLost            ErrorKind = "LeaseLost"
	KindInferenceFailed      ErrorKind = "InferenceFailed"
	KindStoreUnavailable     ErrorKind = "StoreUnavailable"
	KindCancelled            ErrorKind = "Cancelled"
	KindConflict             ErrorKind = "Conflict"
	KindAlreadyRunning       ErrorKind = "AlreadyRunning"
	KindAlreadyExists        ErrorKind = "AlreadyExists"
	KindNotFound             ErrorKind = "NotFound"
)

// defaultRetryable records whether each kind is retryable absent a
// node-specific override (nodes may additionally opt specific kinds, e.g.
// InferenceFailed, into their own retryable set — see
// Node.RetryableErrorKinds).
var defaultRetryable = map[ErrorKind]bool{
	KindInvalidInput:        false,
	KindUnresolvedReference: false,
	KindMissingField:        false,
	KindInvalidOutput:       false,
	KindTimeout:             true,
	KindLeaseLost:           true,
	KindInferenceFailed:     false,
	KindStoreUnavailable:    true,
	KindCancelled:           false,
	KindConflict:            true,
	KindAlreadyRunning:      false,
	KindAlreadyExists:       false,
	KindNotFound:            false,
}

// DefaultRetryable reports whether kind is retryable when a node does not
// explicitly declare it in its RetryableErrorKinds set.
func DefaultRetryable(kind ErrorKind) bool {
	return defaultRetryable[kind]
}

// OrchestratorError is the typed error carrier threaded through the
// Executor, Scheduler, and Context Store. It implements error and Unwrap
// so callers can still errors.Is/errors.As against a wrapped Cause.
type OrchestratorError struct {
	Kind      ErrorKind `json:"kind"`
	Stage     string    `json:"stage,omitempty"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

func (e *OrchestratorError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s: %s: %s", e.Stage, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *OrchestratorError) Unwrap() error { return e.Cause }

// NewError builds an OrchestratorError with Retryable taken from the
// kind's closed-set policy (DefaultRetryable).
func NewError(kind ErrorKind, stage, message string, cause error) *OrchestratorError {
	return &OrchestratorError{
		Kind:      kind,
		Stage:     stage,
		Message:   message,
		Retryable: DefaultRetryable(kind),
		Cause:     cause,
	}
}

// Wrap classifies an arbitrary error into the taxonomy. If err is already
// an *OrchestratorError it is returned unchanged (with Stage filled in if
// empty); otherwise it is wrapped as a new error of the given kind
// (callers pass InferenceFailed as the catch-all for an unexpected error
// from core_logic).
func Wrap(kind ErrorKind, stage string, err error) *OrchestratorError {
	if err == nil {
		return nil
	}
	var oe *OrchestratorError
	if errors.As(err, &oe) {
		if oe.Stage == "" {
			oe.Stage = stage
		}
		return oe
	}
	return NewError(kind, stage, err.Error(), err)
}

// AsOrchestratorError extracts the typed error, if any.
func AsOrchestratorError(err error) (*OrchestratorError, bool) {
	var oe *OrchestratorError
	if errors.As(err, &oe) {
		return oe, true
	}
	return nil, false
}
