package lifecycle

import "sync"

// Manual is an Owner whose state is driven explicitly by the host.
type Manual struct {
	mu       sync.Mutex
	name     string
	state    State
	nextID   uint64
	watchers map[uint64]func(State)
	order    []uint64
}

// NewManual constructs an owner starting in StateInitialized.
func NewManual(name string) *Manual {
	m := new(Manual)
	m.name = name
	m.state = StateInitialized
	m.watchers = make(map[uint64]func(State))
	return m
}

// Name returns the label supplied at construction.
func (m *Manual) Name() string {
	return m.name
}

func (m *Manual) String() string {
	return "owner(" + m.name + ")"
}

// State returns the current lifecycle state.
func (m *Manual) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Watch registers fn for state transitions. Watching a destroyed owner is a no-op.
func (m *Manual) Watch(fn func(State)) func() {
	if fn == nil {
		return func() {}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateDestroyed {
		return func() {}
	}
	m.nextID++
	id := m.nextID
	m.watchers[id] = fn
	m.order = append(m.order, id)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.watchers, id)
	}
}

// Set moves the owner to state and notifies watchers in registration order.
// Transitions out of StateDestroyed are ignored.
func (m *Manual) Set(state State) {
	m.mu.Lock()
	if m.state == StateDestroyed || m.state == state {
		m.mu.Unlock()
		return
	}
	m.state = state
	notify := make([]func(State), 0, len(m.watchers))
	live := m.order[:0]
	for _, id := range m.order {
		fn, ok := m.watchers[id]
		if !ok {
			continue
		}
		live = append(live, id)
		notify = append(notify, fn)
	}
	m.order = live
	if state == StateDestroyed {
		m.watchers = make(map[uint64]func(State))
		m.order = nil
	}
	m.mu.Unlock()

	for _, fn := range notify {
		fn(state)
	}
}

// Create moves the owner to StateCreated.
func (m *Manual) Create() { m.Set(StateCreated) }

// Start moves the owner to StateStarted.
func (m *Manual) Start() { m.Set(StateStarted) }

// Resume moves the owner to StateResumed.
func (m *Manual) Resume() { m.Set(StateResumed) }

// Pause drops a resumed owner back to StateStarted.
func (m *Manual) Pause() { m.Set(StateStarted) }

// Stop drops the owner back to StateCreated.
func (m *Manual) Stop() { m.Set(StateCreated) }

// Destroy moves the owner to the terminal state.
func (m *Manual) Destroy() { m.Set(StateDestroyed) }
