// Package goal tracks automation goals: prompts decomposed into child goals
// that advance through a fixed phase sequence and a small state machine.
package goal

import (
	"time"

	perrors "github.com/lucidcoder/lucidcoder/internal/errors"
)

// EventGoalsUpdated is published after every goal mutation.
const EventGoalsUpdated = "goals.updated"

// Phase is a goal's position in the automation sequence.
type Phase string

const (
	PhasePlanning     Phase = "planning"
	PhaseTesting      Phase = "testing"
	PhaseImplementing Phase = "implementing"
	PhaseVerifying    Phase = "verifying"
	PhaseReady        Phase = "ready"
)

var phaseOrder = []Phase{PhasePlanning, PhaseTesting, PhaseImplementing, PhaseVerifying, PhaseReady}

// ParsePhase validates a phase name.
func ParsePhase(s string) (Phase, error) {
	for _, p := range phaseOrder {
		if string(p) == s {
			return p, nil
		}
	}
	return "", perrors.Invalid("unknown phase %q", s)
}

// Next returns the phase after p, or false when p is the last one.
func (p Phase) Next() (Phase, bool) {
	for i, q := range phaseOrder {
		if q == p && i+1 < len(phaseOrder) {
			return phaseOrder[i+1], true
		}
	}
	return "", false
}

// State is a goal's lifecycle state.
type State string

const (
	StatePending    State = "pending"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

var transitions = map[State][]State{
	StatePending:    {StateInProgress, StateCancelled},
	StateInProgress: {StateCompleted, StateFailed, StateCancelled},
	StateFailed:     {StateInProgress},
}

// ParseState validates a state name.
func ParseState(s string) (State, error) {
	switch st := State(s); st {
	case StatePending, StateInProgress, StateCompleted, StateFailed, StateCancelled:
		return st, nil
	}
	return "", perrors.Invalid("unknown state %q", s)
}

// CanTransition reports whether a goal in state from may move to to.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to State) error {
	if !CanTransition(from, to) {
		return perrors.Transition("cannot move goal from %s to %s", from, to)
	}
	return nil
}

// Goal is one unit of automation work.
type Goal struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	ParentID  *string   `json:"parentId,omitempty"`
	Title     string    `json:"title"`
	Prompt    string    `json:"prompt"`
	Phase     Phase     `json:"phase"`
	State     State     `json:"state"`
	Error     *string   `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Children  []*Goal   `json:"children,omitempty"`
}

// CreateRequest is the input to Create.
type CreateRequest struct {
	Prompt   string `json:"prompt"`
	Title    string `json:"title"`
	ParentID string `json:"parentId"`
}

// PlanResult is the outcome of Plan.
type PlanResult struct {
	Parent   *Goal   `json:"parent"`
	Children []*Goal `json:"children"`
	Fallback bool    `json:"fallback"`
}
