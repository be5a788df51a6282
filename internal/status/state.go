package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/relay/internal/bus"
)

// State represents the connectivity state of the remote store link.
type State string

const (
	Booting    State = "BOOTING"
	Connecting State = "CONNECTING"
	Syncing    State = "SYNCING"
	Online     State = "ONLINE"
	Offline    State = "OFFLINE"
	Error      State = "ERROR"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Booting:    {Connecting, Offline, Error},
	Connecting: {Syncing, Online, Offline, Error},
	Syncing:    {Online, Offline, Error},
	Online:     {Syncing, Offline, Error},
	Offline:    {Connecting, Error},
	Error:      {Booting},
}

// Machine tracks and enforces connectivity state transitions. It is the
// reachability source for the outbound queue.
type Machine struct {
	mu      sync.RWMutex
	current State
	since   time.Time
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Booting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Booting,
		since:   time.Now(),
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Since returns when the current state was entered.
func (m *Machine) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// Reachable reports whether the remote store can currently take writes.
func (m *Machine) Reachable() bool {
	switch m.Current() {
	case Online, Syncing:
		return true
	}
	return false
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.since = time.Now()
	m.bus.Publish(bus.Event{
		Kind:      bus.KindConnectivityChanged,
		Timestamp: m.since,
		Payload: StatusChange{
			From: from,
			To:   to,
		},
	})
	return nil
}

// GoOnline walks the machine to Online through the shortest valid path.
// It is a no-op when already online.
func (m *Machine) GoOnline() error {
	for _, step := range onlinePath[m.Current()] {
		if err := m.Transition(step); err != nil {
			return err
		}
	}
	return nil
}

// GoOffline moves the machine to Offline. It is a no-op when already offline.
func (m *Machine) GoOffline() error {
	switch m.Current() {
	case Offline:
		return nil
	case Error:
		if err := m.Transition(Booting); err != nil {
			return err
		}
	}
	return m.Transition(Offline)
}

var onlinePath = map[State][]State{
	Booting:    {Connecting, Online},
	Connecting: {Online},
	Syncing:    {Online},
	Offline:    {Connecting, Online},
	Error:      {Booting, Connecting, Online},
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
