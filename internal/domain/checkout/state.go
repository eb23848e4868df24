package checkout

import "fmt"

type State string

const (
	StatePending       State = "pending"
	StateValidating    State = "validating"
	StateReserving     State = "reserving"
	StateLockingPrices State = "locking_prices"
	StateAuthorizing   State = "authorizing"
	StateCreatingOrder State = "creating_order"
	StateCapturing     State = "capturing"
	StateCommitting    State = "committing"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
)

// sequence is the happy path; every non-terminal state may also fail.
var sequence = []State{
	StatePending,
	StateValidating,
	StateReserving,
	StateLockingPrices,
	StateAuthorizing,
	StateCreatingOrder,
	StateCapturing,
	StateCommitting,
	StateCompleted,
}

var validTransitions = map[State][]State{
	StatePending:       {StateValidating, StateFailed},
	StateValidating:    {StateReserving, StateFailed},
	StateReserving:     {StateLockingPrices, StateFailed},
	StateLockingPrices: {StateAuthorizing, StateFailed},
	StateAuthorizing:   {StateCreatingOrder, StateFailed},
	StateCreatingOrder: {StateCapturing, StateFailed},
	StateCapturing:     {StateCommitting, StateFailed},
	StateCommitting:    {StateCompleted, StateFailed},
	StateCompleted:     {}, // terminal
	StateFailed:        {}, // terminal
}

var phases = map[State]string{
	StatePending:       "initiated",
	StateValidating:    "cart_validation",
	StateReserving:     "inventory_hold",
	StateLockingPrices: "price_lock",
	StateAuthorizing:   "payment_authorization",
	StateCreatingOrder: "order_creation",
	StateCapturing:     "payment_capture",
	StateCommitting:    "commit",
	StateCompleted:     "done",
	StateFailed:        "failed",
}

func ParseState(s string) (State, error) {
	st := State(s)
	if _, ok := validTransitions[st]; !ok {
		return "", fmt.Errorf("unknown checkout state %q", s)
	}
	return st, nil
}

func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Phase is the human-facing label stored next to the state.
func (s State) Phase() string {
	return phases[s]
}

func (s State) CanTransitionTo(target State) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// Next returns the successor on the happy path, or "" for terminal states.
func (s State) Next() State {
	for i, st := range sequence {
		if st == s && i+1 < len(sequence) {
			return sequence[i+1]
		}
	}
	return ""
}
