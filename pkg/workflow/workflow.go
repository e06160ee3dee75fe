// Package workflow defines remediation workflows and their state machine.
package workflow

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/yairfalse/tagwarden/pkg/compliance"
)

// ErrInvalidTransition is returned when a state change is not allowed.
var ErrInvalidTransition = errors.New("invalid workflow transition")

// State is the lifecycle state of a workflow.
type State string

const (
	StatePendingApproval State = "pending_approval"
	StateApproved        State = "approved"
	StateApplying        State = "applying"
	StateApplied         State = "applied"
	StateRejected        State = "rejected"
	StateFailed          State = "failed"
)

// States lists every state in lifecycle order.
var States = []State{
	StatePendingApproval, StateApproved, StateApplying,
	StateApplied, StateRejected, StateFailed,
}

var transitions = map[State][]State{
	StatePendingApproval: {StateApproved, StateRejected},
	StateApproved:        {StateApplying},
	StateApplying:        {StateApplied, StateFailed},
	StateFailed:          {StateApproved, StateRejected},
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateApplied || s == StateRejected
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	return slices.Contains(States, s)
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// Transition is one audited state change.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	Actor  string    `json:"actor"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// KeyFailure records a tag key that could not be applied.
type KeyFailure struct {
	Key       string `json:"key"`
	Error     string `json:"error"`
	Permanent bool   `json:"permanent"`
}

// Workflow is an approval-gated set of tag changes for one resource.
type Workflow struct {
	ID              string                 `json:"id"`
	ResourceID      string                 `json:"resource_id"`
	Provider        string                 `json:"provider"`
	ResourceType    string                 `json:"resource_type"`
	NativeID        string                 `json:"native_id"`
	Region          string                 `json:"region"`
	Violations      []compliance.Violation `json:"violations"`
	ProposedChanges map[string]string      `json:"proposed_changes"`
	Confirmed       []string               `json:"confirmed,omitempty"`
	State           State                  `json:"state"`
	Approver        string                 `json:"approver,omitempty"`
	CreatedBy       string                 `json:"created_by"`
	RejectReason    string                 `json:"reject_reason,omitempty"`
	RetryCount      int                    `json:"retry_count"`
	ResourceVersion int64                  `json:"resource_version"`
	TagSnapshot     map[string]string      `json:"tag_snapshot,omitempty"`
	Failures        []KeyFailure           `json:"failures,omitempty"`
	LastError       string                 `json:"last_error,omitempty"`
	History         []Transition           `json:"history"`
	Version         int64                  `json:"version"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
	AppliedAt       *time.Time             `json:"applied_at,omitempty"`
}

// Open reports whether the workflow is non-terminal.
func (w *Workflow) Open() bool {
	return !w.State.Terminal()
}

// Transition moves the workflow to the given state and records who did it.
func (w *Workflow) Transition(to State, actor, reason string, at time.Time) error {
	if !CanTransition(w.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, w.State, to)
	}
	w.History = append(w.History, Transition{
		From:   w.State,
		To:     to,
		Actor:  actor,
		Reason: reason,
		At:     at,
	})
	w.State = to
	w.UpdatedAt = at
	return nil
}

// Cancel rejects an open workflow whatever its approval state, for
// resources that no longer exist. An applying workflow must settle first.
func (w *Workflow) Cancel(actor, reason string, at time.Time) error {
	if w.State.Terminal() || w.State == StateApplying {
		return fmt.Errorf("%w: cancel %s", ErrInvalidTransition, w.State)
	}
	w.History = append(w.History, Transition{
		From:   w.State,
		To:     StateRejected,
		Actor:  actor,
		Reason: reason,
		At:     at,
	})
	w.State = StateRejected
	w.RejectReason = reason
	w.UpdatedAt = at
	return nil
}

// PendingKeys returns the proposed keys not yet confirmed applied, sorted.
func (w *Workflow) PendingKeys() []string {
	keys := make([]string, 0, len(w.ProposedChanges))
	for k := range w.ProposedChanges {
		if !slices.Contains(w.Confirmed, k) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}

// Confirm marks keys as applied and verified.
func (w *Workflow) Confirm(keys ...string) {
	for _, k := range keys {
		if !slices.Contains(w.Confirmed, k) {
			w.Confirmed = append(w.Confirmed, k)
		}
	}
	slices.Sort(w.Confirmed)
}
