// Package workflow holds the approval state machine: states, decisions and
// the transition guards. All transition legality lives here so the service
// layer never re-derives "check state, check role, check level" per endpoint.
package workflow

import (
	"github.com/edusuite/be-approvals/internal/errors"
)

// State is the lifecycle state of an approval request.
type State string

const (
	StatePending   State = "pending"
	StateInReview  State = "in_review"
	StateApproved  State = "approved"
	StateRejected  State = "rejected"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transitions are permitted.
func (s State) Terminal() bool {
	switch s {
	case StateApproved, StateRejected, StateCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateInReview, StateApproved, StateRejected, StateCancelled:
		return true
	}
	return false
}

// Decision is an action taken against a request.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
	DecisionCancel  Decision = "cancel"
)

// Snapshot is the minimal view of a request the guards need. The service
// builds it from the stored request it just read; the version check against
// concurrent writers happens at the store, not here.
type Snapshot struct {
	State        State
	CurrentLevel int
	Chain        []string
	CreatedBy    string
}

// Outcome is the result of a legal transition.
type Outcome struct {
	State State
	Level int
}

// Apply validates a decision against the snapshot and returns the resulting
// state and level.
//
// Guards:
//   - terminal states reject every decision with INVALID_STATE_TRANSITION
//   - approve/reject require level == CurrentLevel and the actor's role to
//     equal Chain[level], otherwise WRONG_APPROVAL_LEVEL
//   - cancel requires an untouched pending request and actor == creator
//
// Rejection at any level is itself terminal; the level freezes where the
// rejection happened.
func Apply(s Snapshot, d Decision, actorID, actorRole string, level int) (Outcome, error) {
	if s.State.Terminal() {
		return Outcome{}, errors.Newf(errors.ErrCodeInvalidStateTransition,
			"request is already %s", s.State)
	}

	switch d {
	case DecisionApprove, DecisionReject:
		if s.State != StatePending && s.State != StateInReview {
			return Outcome{}, errors.Newf(errors.ErrCodeInvalidStateTransition,
				"cannot %s a request in state %s", d, s.State)
		}
		if level != s.CurrentLevel {
			return Outcome{}, errors.Newf(errors.ErrCodeWrongApprovalLevel,
				"level %d is not the current level %d", level, s.CurrentLevel)
		}
		if level < 0 || level >= len(s.Chain) {
			return Outcome{}, errors.Newf(errors.ErrCodeInvalidStateTransition,
				"level %d is out of range for a chain of %d", level, len(s.Chain))
		}
		if actorRole != s.Chain[level] {
			return Outcome{}, errors.Newf(errors.ErrCodeWrongApprovalLevel,
				"role %q may not act at level %d (requires %q)", actorRole, level, s.Chain[level])
		}

		if d == DecisionReject {
			return Outcome{State: StateRejected, Level: s.CurrentLevel}, nil
		}
		next := level + 1
		if next == len(s.Chain) {
			return Outcome{State: StateApproved, Level: next}, nil
		}
		return Outcome{State: StateInReview, Level: next}, nil

	case DecisionCancel:
		// Only an untouched request can be cancelled, even though a request
		// is still "pending" before the first approval.
		if s.State != StatePending || s.CurrentLevel != 0 {
			return Outcome{}, errors.Newf(errors.ErrCodeInvalidStateTransition,
				"only an untouched pending request can be cancelled (state %s, level %d)",
				s.State, s.CurrentLevel)
		}
		if actorID != s.CreatedBy {
			return Outcome{}, errors.New(errors.ErrCodeUnauthorized,
				"only the creator may cancel a request")
		}
		return Outcome{State: StateCancelled, Level: s.CurrentLevel}, nil
	}

	return Outcome{}, errors.Newf(errors.ErrCodeValidation, "unknown decision %q", d)
}
