package decision

import (
	"errors"
	"fmt"
	"slices"

	"github.com/Mindburn-Labs/permengine/pkg/contracts"
)

// ErrIllegalTransition is returned for any transition outside
// Pending -> Evaluating -> {Granted, Denied, Flagged}.
var ErrIllegalTransition = errors.New("decision: illegal state transition")

var transitions = map[contracts.DecisionState][]contracts.DecisionState{
	contracts.StatePending:    {contracts.StateEvaluating},
	contracts.StateEvaluating: {contracts.StateGranted, contracts.StateDenied, contracts.StateFlagged},
}

// Evaluation tracks the lifecycle of one request.
type Evaluation struct {
	RequestID string
	state     contracts.DecisionState
}

// NewEvaluation starts in Pending.
func NewEvaluation(requestID string) *Evaluation {
	return &Evaluation{RequestID: requestID, state: contracts.StatePending}
}

// State returns the current state.
func (e *Evaluation) State() contracts.DecisionState { return e.state }

// Advance moves to the next state.
func (e *Evaluation) Advance(to contracts.DecisionState) error {
	if !slices.Contains(transitions[e.state], to) {
		return fmt.Errorf("%w: %s -> %s (request %s)", ErrIllegalTransition, e.state, to, e.RequestID)
	}
	e.state = to
	return nil
}

// StateFor maps an outcome to its terminal state.
func StateFor(o contracts.Outcome) contracts.DecisionState {
	switch o {
	case contracts.OutcomeGranted:
		return contracts.StateGranted
	case contracts.OutcomeFlagged:
		return contracts.StateFlagged
	default:
		return contracts.StateDenied
	}
}
