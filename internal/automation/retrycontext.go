package automation

import (
	"errors"

	"github.com/lucidcoder/lucidcoder/internal/edits"
)

// FailureKind classifies a recoverable attempt failure.
type FailureKind string

const (
	FailureScopeViolation FailureKind = "scope_violation"
	FailureEmptyEdits     FailureKind = "empty_edits"
	FailureReplacement    FailureKind = "replacement"
)

// RetryContext describes the failure the next attempt should correct.
// Kind and the detail fields describe the most actionable failure so far;
// Latest is the kind of the failure that just happened.
type RetryContext struct {
	Stage        string      `json:"stage"`
	Attempt      int         `json:"attempt"`
	Kind         FailureKind `json:"kind"`
	Latest       FailureKind `json:"latest"`
	Path         string      `json:"path,omitempty"`
	Message      string      `json:"message"`
	ScopeWarning string      `json:"scopeWarning,omitempty"`
	Search       string      `json:"search,omitempty"`
}

// ContextFor converts a recoverable failure into a retry context. Errors
// outside the edits.Failure family return false.
func ContextFor(stage string, attempt int, err error) (RetryContext, bool) {
	f, ok := edits.AsFailure(err)
	if !ok {
		return RetryContext{}, false
	}
	rc := RetryContext{Stage: stage, Attempt: attempt, Message: f.Error()}

	var (
		scope *edits.ScopeViolationError
		repl  *edits.ReplacementError
	)
	switch {
	case errors.As(f, &scope):
		rc.Kind = FailureScopeViolation
		rc.Path = scope.Path
		rc.ScopeWarning = scope.ScopeWarning
	case errors.As(f, &repl):
		rc.Kind = FailureReplacement
		rc.Path = repl.Path
		rc.Search = repl.Search
	default:
		rc.Kind = FailureEmptyEdits
	}
	rc.Latest = rc.Kind
	return rc, true
}

// MergeRetryContext folds the newest failure into the carried context. An
// empty-edits failure carries no detail of its own, so when it follows a
// scope violation or replacement failure the earlier path, message and
// warning stay in place. Any other failure replaces the context.
func MergeRetryContext(prev *RetryContext, next RetryContext) *RetryContext {
	next.Latest = next.Kind
	if prev == nil || next.Kind != FailureEmptyEdits || prev.Kind == FailureEmptyEdits {
		return &next
	}
	merged := *prev
	merged.Stage = next.Stage
	merged.Attempt = next.Attempt
	merged.Latest = next.Kind
	return &merged
}
