package api

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrJourneyNotFound is returned when no published journey matches.
	ErrJourneyNotFound = errors.New("journey not found")

	// ErrSessionNotFound is returned when a session id is unknown.
	ErrSessionNotFound = errors.New("session not found")

	// ErrVersionPublished is returned when publishing a journey version that
	// already exists. Published versions are immutable.
	ErrVersionPublished = errors.New("journey version already published")

	// ErrConflict is returned by a session store when the session moved on
	// since it was read. The engine retries it internally.
	ErrConflict = errors.New("session transition conflict")
)

// ProblemKind classifies a defect found while validating a journey.
type ProblemKind string

const (
	ProblemDanglingReference ProblemKind = "dangling_reference"
	ProblemDuplicateID       ProblemKind = "duplicate_id"
	ProblemUnreachable       ProblemKind = "unreachable"
	ProblemNoEscapePath      ProblemKind = "no_escape_path"
	ProblemMissingEntry      ProblemKind = "missing_entry"
	ProblemUnknownKind       ProblemKind = "unknown_kind"
	ProblemInvalidStep       ProblemKind = "invalid_step"
	ProblemBranchCycle       ProblemKind = "branch_cycle"
	ProblemInvalidVariant    ProblemKind = "invalid_variant"
)

// Problem is one validation failure.
type Problem struct {
	Kind   ProblemKind
	StepID string
	// Target is the referenced step id for reference problems.
	Target string
	Detail string
}

func (p Problem) String() string {
	var b strings.Builder
	b.WriteString(string(p.Kind))
	if p.StepID != "" {
		fmt.Fprintf(&b, " step=%q", p.StepID)
	}
	if p.Target != "" {
		fmt.Fprintf(&b, " target=%q", p.Target)
	}
	if p.Detail != "" {
		b.WriteString(": ")
		b.WriteString(p.Detail)
	}
	return b.String()
}

// ValidationError reports every problem found in a journey definition.
// A journey with a ValidationError is never published.
type ValidationError struct {
	JourneyID string
	Version   int
	Problems  []Problem
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		parts[i] = p.String()
	}
	return fmt.Sprintf("invalid journey %q v%d: %s", e.JourneyID, e.Version, strings.Join(parts, "; "))
}

// Has reports whether the error contains a problem of the given kind.
func (e *ValidationError) Has(kind ProblemKind) bool {
	for _, p := range e.Problems {
		if p.Kind == kind {
			return true
		}
	}
	return false
}

// StepErrorCode classifies a rejected step completion.
type StepErrorCode string

const (
	StepStale           StepErrorCode = "stale_step"
	StepMissingFields   StepErrorCode = "missing_fields"
	StepCriteriaUnmet   StepErrorCode = "criteria_unmet"
	StepNotReady        StepErrorCode = "not_ready"
	StepConflict        StepErrorCode = "conflict"
	StepSessionInactive StepErrorCode = "session_inactive"
	StepUnknown         StepErrorCode = "unknown_step"
)

// StepError is returned to callers of CompleteStep for caller-driven
// correction. It carries enough context to build an actionable message.
type StepError struct {
	Code      StepErrorCode
	SessionID string
	StepID    string

	// CurrentStep is the session's step at the time of the rejection.
	CurrentStep string

	// Fields lists missing required fields (StepMissingFields) or the
	// unmet criteria / event token.
	Fields []string

	Err error
}

func (e *StepError) Error() string {
	msg := fmt.Sprintf("step %q of session %s: %s", e.StepID, e.SessionID, e.Code)
	switch e.Code {
	case StepStale:
		msg += fmt.Sprintf(" (session is at %q)", e.CurrentStep)
	case StepMissingFields, StepCriteriaUnmet, StepNotReady:
		if len(e.Fields) > 0 {
			msg += " [" + strings.Join(e.Fields, ", ") + "]"
		}
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StepError) Unwrap() error { return e.Err }

// Is matches another *StepError by code, so callers can write
// errors.Is(err, api.ErrMissingFields).
func (e *StepError) Is(target error) bool {
	t, ok := target.(*StepError)
	if !ok {
		return false
	}
	return t.SessionID == "" && t.StepID == "" && t.Code == e.Code
}

// Code-only sentinels for use with errors.Is.
var (
	ErrStaleStep       = &StepError{Code: StepStale}
	ErrMissingFields   = &StepError{Code: StepMissingFields}
	ErrCriteriaUnmet   = &StepError{Code: StepCriteriaUnmet}
	ErrNotReady        = &StepError{Code: StepNotReady}
	ErrStepConflict    = &StepError{Code: StepConflict}
	ErrSessionInactive = &StepError{Code: StepSessionInactive}
	ErrUnknownStep     = &StepError{Code: StepUnknown}
)

// AsStepError returns the *StepError in err's chain, if any.
func AsStepError(err error) (*StepError, bool) {
	var se *StepError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
