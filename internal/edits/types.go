// Package edits parses LLM-proposed file edits and applies them inside a
// project workspace, staging every changed file on the branch workflow.
package edits

import (
	"errors"
	"fmt"
)

// Type is the kind of change an Edit makes.
type Type string

const (
	TypeModify Type = "modify"
	TypeUpsert Type = "upsert"
	TypeDelete Type = "delete"
)

// Valid reports whether t is a known edit type.
func (t Type) Valid() bool {
	switch t {
	case TypeModify, TypeUpsert, TypeDelete:
		return true
	}
	return false
}

// Replacement swaps one exact occurrence of Search with Replace.
type Replacement struct {
	Search  string `json:"search"`
	Replace string `json:"replace"`
}

// Edit is a single proposed file change. Modify edits use Replacements when
// present and otherwise replace the whole file with Content.
type Edit struct {
	Type         Type          `json:"type"`
	Path         string        `json:"path"`
	Content      string        `json:"content,omitempty"`
	Replacements []Replacement `json:"replacements,omitempty"`
}

// Failure is a recoverable automation failure. The set is closed: only
// ScopeViolationError, EmptyEditsError and ReplacementError implement it.
type Failure interface {
	error
	failure()
}

// ScopeViolationError reports an edit that touches a path outside the
// allowed scope.
type ScopeViolationError struct {
	Path         string
	Message      string
	ScopeWarning string
}

func (e *ScopeViolationError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("edit to %s is outside the allowed scope", e.Path)
}

func (*ScopeViolationError) failure() {}

// EmptyEditsError reports a response or apply call that produced no change.
type EmptyEditsError struct {
	Stage string
}

func (e *EmptyEditsError) Error() string {
	if e.Stage == "" {
		return "no edits were produced"
	}
	return fmt.Sprintf("no edits were produced for the %s stage", e.Stage)
}

func (*EmptyEditsError) failure() {}

// ReplacementError reports a search/replace that could not be resolved
// against the current file contents.
type ReplacementError struct {
	Path   string
	Search string
	Reason string
}

func (e *ReplacementError) Error() string {
	return fmt.Sprintf("cannot apply replacement in %s: %s", e.Path, e.Reason)
}

func (*ReplacementError) failure() {}

// AsFailure extracts a Failure from err's chain.
func AsFailure(err error) (Failure, bool) {
	var (
		scope *ScopeViolationError
		empty *EmptyEditsError
		repl  *ReplacementError
	)
	switch {
	case errors.As(err, &scope):
		return scope, true
	case errors.As(err, &empty):
		return empty, true
	case errors.As(err, &repl):
		return repl, true
	}
	return nil, false
}
