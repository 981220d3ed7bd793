// Package lifecycle models the external activity state that gates delivery to
// lifecycle-bound subscribers.
//
// The bus never drives these states. A host (UI shell, plugin runtime, request
// scope) reports them through an Owner and the bus only asks two questions: is the
// owner at or above a minimum State right now, and has it been destroyed.
package lifecycle

// State is a position on the owner lifecycle ladder. Later states compare greater,
// except StateDestroyed which sits below everything and is terminal.
type State int

const (
	// StateDestroyed is terminal; subscriptions bound to the owner are removed.
	StateDestroyed State = iota
	// StateInitialized means the owner exists but has not been created yet.
	StateInitialized
	// StateCreated is the broad tier used by always-active channels.
	StateCreated
	// StateStarted is the narrow tier, the default minimum for delivery.
	StateStarted
	// StateResumed is the foreground state.
	StateResumed
)

// AtLeast reports whether s is the same as or later than min.
func (s State) AtLeast(min State) bool {
	return s >= min
}

func (s State) String() string {
	switch s {
	case StateDestroyed:
		return "destroyed"
	case StateInitialized:
		return "initialized"
	case StateCreated:
		return "created"
	case StateStarted:
		return "started"
	case StateResumed:
		return "resumed"
	default:
		return "unknown"
	}
}

// Owner is the activity-state source a lifecycle-bound subscription follows.
//
// Watch callbacks may run on any goroutine; consumers that need serialization must
// forward them. The returned cancel func stops further callbacks and is safe to call
// more than once.
type Owner interface {
	State() State
	Watch(fn func(State)) (cancel func())
}
