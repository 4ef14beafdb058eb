package subscription

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a query-based sync subscription. The numeric values are
// the codes stored in the subscription class and exchanged with the server.
type State int64

const (
	StateError       State = -1
	StatePending     State = 0
	StateComplete    State = 1
	StateCreating    State = 2
	StateInvalidated State = 3
)

var stateNames = map[State]string{
	StateError:       "error",
	StatePending:     "pending",
	StateComplete:    "complete",
	StateCreating:    "creating",
	StateInvalidated: "invalidated",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int64(s))
}

// Terminal reports whether waiting for synchronization stops in this state.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateError || s == StateInvalidated
}

// ErrFailed is wrapped by every error carried by a subscription in the Error state.
var ErrFailed = errors.New("subscription: failed")

// Failure describes why a subscription is in the Error state.
type Failure struct {
	Code    int64
	Message string
}

func (e *Failure) Error() string {
	return e.Message
}

func (e *Failure) Unwrap() error {
	return ErrFailed
}

// ParseState maps a stored code onto a State. Codes outside the known set map to StateError
// together with an error naming the code.
func ParseState(code int64) (State, error) {
	state := State(code)
	if _, ok := stateNames[state]; !ok || state == StateError {
		return StateError, unknownError(code)
	}
	return state, nil
}

func unknownError(code int64) *Failure {
	return &Failure{Code: code, Message: fmt.Sprintf("unknown error, state=%d", code)}
}
