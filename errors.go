package tenantmigration

import (
	"errors"
	"fmt"
	"time"
)

// Error codes for migration outcomes. They double as durable terminal
// statuses, metric labels, and API error codes.
const (
	CodeCompleted             = "completed"
	CodeParseError            = "parse_error"
	CodeReadPrefUnsatisfiable = "read_preference_unsatisfiable"
	CodePrimaryLost           = "primary_lost"
	CodeInterrupted           = "interrupted"
	CodeRemoteQueryFailure    = "remote_query_failure"
)

// ErrNotPrimary rejects instance creation while this node does not hold the
// primary role.
var ErrNotPrimary = errors.New("node is not primary")

// ParseError reports a donor address that does not denote a replica set. It
// is raised before any network attempt.
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse donor address %q: %s", e.Input, e.Reason)
}

// Code returns CodeParseError.
func (e *ParseError) Code() string { return CodeParseError }

// ReadPrefUnsatisfiableError reports that no donor member satisfied the read
// preference within the selection timeout. Cause, when set, is the last
// probe or dial failure seen before the timeout.
type ReadPrefUnsatisfiableError struct {
	SetName string
	Pref    ReadPreference
	Timeout time.Duration
	Cause   error
}

func (e *ReadPrefUnsatisfiableError) Error() string {
	msg := fmt.Sprintf("no member of donor set %q satisfied %s within %s",
		e.SetName, e.Pref, e.Timeout)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ReadPrefUnsatisfiableError) Unwrap() error { return e.Cause }

// Code returns CodeReadPrefUnsatisfiable.
func (e *ReadPrefUnsatisfiableError) Code() string { return CodeReadPrefUnsatisfiable }

// PrimaryLostError reports a durable write that failed because this node no
// longer held the primary role (or durability could not be satisfied) at the
// given term.
type PrimaryLostError struct {
	Term  int64
	Cause error
}

func (e *PrimaryLostError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("primary role lost at term %d", e.Term)
	}
	return fmt.Sprintf("primary role lost at term %d: %v", e.Term, e.Cause)
}

func (e *PrimaryLostError) Unwrap() error { return e.Cause }

// Code returns CodePrimaryLost.
func (e *PrimaryLostError) Code() string { return CodePrimaryLost }

// InterruptedError reports cooperative cancellation from a step-down or
// shutdown. The document stays resumable.
type InterruptedError struct {
	Cause error
}

func (e *InterruptedError) Error() string {
	if e.Cause == nil {
		return "migration interrupted"
	}
	return fmt.Sprintf("migration interrupted: %v", e.Cause)
}

func (e *InterruptedError) Unwrap() error { return e.Cause }

// Code returns CodeInterrupted.
func (e *InterruptedError) Code() string { return CodeInterrupted }

// RemoteQueryError reports a donor-side read that failed or returned an
// unusable result.
type RemoteQueryError struct {
	Op    string
	Cause error
}

func (e *RemoteQueryError) Error() string {
	return fmt.Sprintf("donor query %s: %v", e.Op, e.Cause)
}

func (e *RemoteQueryError) Unwrap() error { return e.Cause }

// Code returns CodeRemoteQueryFailure.
func (e *RemoteQueryError) Code() string { return CodeRemoteQueryFailure }

// ErrorCode maps a workflow error to its taxonomy code. A nil error is
// CodeCompleted. Errors outside the taxonomy map to CodeInterrupted, which
// is never durably recorded, so an unclassified failure cannot mark a
// document terminal.
func ErrorCode(err error) string {
	if err == nil {
		return CodeCompleted
	}
	var (
		parseErr   *ParseError
		prefErr    *ReadPrefUnsatisfiableError
		primaryErr *PrimaryLostError
		intrErr    *InterruptedError
		remoteErr  *RemoteQueryError
	)
	switch {
	case errors.As(err, &parseErr):
		return CodeParseError
	case errors.As(err, &prefErr):
		return CodeReadPrefUnsatisfiable
	case errors.As(err, &primaryErr):
		return CodePrimaryLost
	case errors.As(err, &remoteErr):
		return CodeRemoteQueryFailure
	case errors.As(err, &intrErr):
		return CodeInterrupted
	default:
		return CodeInterrupted
	}
}
