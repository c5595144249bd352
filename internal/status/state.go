package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/yarsha/internal/bus"
)

// State represents the connection state of one stream session.
type State string

const (
	Idle         State = "IDLE"
	Connecting   State = "CONNECTING"
	Streaming    State = "STREAMING"
	Disconnected State = "DISCONNECTED"
	Closed       State = "CLOSED"
)

// validTransitions defines allowed state transitions. CLOSED is terminal.
var validTransitions = map[State][]State{
	Idle:         {Connecting, Closed},
	Connecting:   {Streaming, Disconnected, Closed},
	Streaming:    {Disconnected, Closed},
	Disconnected: {Connecting, Closed},
	Closed:       {},
}

// Machine tracks and enforces stream session state transitions.
type Machine struct {
	mu      sync.RWMutex
	key     string
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine for the stream identified by key,
// starting in Idle state.
func NewMachine(key string, b *bus.Bus) *Machine {
	return &Machine{
		key:     key,
		current: Idle,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	return m.transition(to, nil)
}

// Fail moves the machine to Disconnected and records the cause on the
// published event.
func (m *Machine) Fail(cause error) error {
	return m.transition(Disconnected, cause)
}

func (m *Machine) transition(to State, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to

	m.bus.Emit(bus.StreamStatusChanged, StatusChange{Key: m.key, From: from, To: to})
	if to == Disconnected {
		m.bus.Emit(bus.StreamDisconnected, bus.StreamChange{Key: m.key, State: string(to), Err: cause})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	Key  string
	From State
	To   State
}
