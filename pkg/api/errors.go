package api

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnknownGraph is returned when a run names an unregistered graph.
	ErrUnknownGraph = errors.New("unknown graph")

	// ErrGraphExists is returned when a graph name is registered twice.
	ErrGraphExists = errors.New("graph already registered")

	// ErrStageTimeout is the error of an attempt that exceeded its deadline.
	ErrStageTimeout = errors.New("stage timed out")

	// ErrNotCompleted marks a group member abandoned at the group deadline.
	ErrNotCompleted = errors.New("stage not completed before group deadline")

	// ErrCheckpointNotFound is returned by checkpoint stores when a session
	// has no checkpoint.
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrStepLimit is returned when a run exceeds its step budget.
	ErrStepLimit = errors.New("step limit exceeded")
)

// ErrorKind tags a run failure.
type ErrorKind string

const (
	KindDefinition   ErrorKind = "definition"
	KindStageTimeout ErrorKind = "stage_timeout"
	KindStageError   ErrorKind = "stage_error"
	KindCache        ErrorKind = "cache"
	KindCancelled    ErrorKind = "cancelled"
	KindPersistence  ErrorKind = "persistence"
	KindStepLimit    ErrorKind = "step_limit"
)

// DefinitionError reports a malformed graph. It is returned by
// Engine.RegisterGraph, or at run time when a route returns a name the graph
// does not know.
type DefinitionError struct {
	Graph  string
	Stage  string
	Reason string
	Err    error
}

func (e *DefinitionError) Error() string {
	msg := "graph " + quote(e.Graph)
	if e.Stage != "" {
		msg += " stage " + quote(e.Stage)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DefinitionError) Unwrap() error { return e.Err }

// RunError is the error of a run that ended without reaching Terminal.
type RunError struct {
	RunID     string
	SessionID string
	Graph     string
	Stage     string
	Kind      ErrorKind
	Err       error
	Audit     []AuditEntry
}

func (e *RunError) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("run %s (%s): %s: %v", e.RunID, e.Graph, e.Kind, e.Err)
	}
	return fmt.Sprintf("run %s (%s) stage %q: %s: %v", e.RunID, e.Graph, e.Stage, e.Kind, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// KindOf returns the taxonomy tag of err.
func KindOf(err error) ErrorKind {
	var runErr *RunError
	if errors.As(err, &runErr) {
		return runErr.Kind
	}
	var defErr *DefinitionError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &defErr):
		return KindDefinition
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, ErrStageTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindStageTimeout
	case errors.Is(err, ErrStepLimit):
		return KindStepLimit
	default:
		return KindStageError
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying: the task runner returns it
// immediately regardless of the stage's retry policy.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

func quote(s string) string { return fmt.Sprintf("%q", s) }
