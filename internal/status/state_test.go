package status

import (
	"testing"

	"github.com/matheus3301/relay/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Booting {
		t.Errorf("initial state = %s, want BOOTING", m.Current())
	}
	if m.Reachable() {
		t.Error("booting machine should not be reachable")
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Booting, Connecting},
		{Booting, Offline},
		{Booting, Error},
		{Connecting, Syncing},
		{Connecting, Online},
		{Syncing, Online},
		{Online, Offline},
		{Offline, Connecting},
		{Error, Booting},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			// Walk to the "from" state.
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Online); err == nil {
		t.Error("Transition(BOOTING -> ONLINE) should fail")
	}
}

func TestOfflineMustReconnectFirst(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Offline)

	if err := m.Transition(Online); err == nil {
		t.Fatal("Transition(OFFLINE -> ONLINE) should fail; must go through CONNECTING first")
	}
	if m.Current() != Offline {
		t.Errorf("state = %s, want OFFLINE (should not have changed)", m.Current())
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("connectivity.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Connecting); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != bus.KindConnectivityChanged {
		t.Errorf("event kind = %q, want %s", evt.Kind, bus.KindConnectivityChanged)
	}
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if change.From != Booting || change.To != Connecting {
		t.Errorf("change = %v -> %v, want BOOTING -> CONNECTING", change.From, change.To)
	}
}

// TestDisconnectReconnectCycle verifies the reconnect loop:
// ONLINE → OFFLINE → CONNECTING → ONLINE
func TestDisconnectReconnectCycle(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Online)

	if err := m.GoOffline(); err != nil {
		t.Fatal(err)
	}
	if m.Reachable() {
		t.Error("offline machine should not be reachable")
	}
	if err := m.GoOnline(); err != nil {
		t.Fatal(err)
	}
	if m.Current() != Online || !m.Reachable() {
		t.Errorf("final state = %s, want ONLINE", m.Current())
	}
}

func TestGoOnlineFromEveryState(t *testing.T) {
	for _, from := range []State{Booting, Connecting, Syncing, Online, Offline, Error} {
		t.Run(string(from), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, from)
			if err := m.GoOnline(); err != nil {
				t.Fatalf("GoOnline from %s: %v", from, err)
			}
			if m.Current() != Online {
				t.Errorf("state = %s, want ONLINE", m.Current())
			}
		})
	}
}

func TestGoOfflineIdempotent(t *testing.T) {
	m := NewMachine(nil)
	if err := m.GoOffline(); err != nil {
		t.Fatal(err)
	}
	if err := m.GoOffline(); err != nil {
		t.Fatalf("second GoOffline: %v", err)
	}
	if m.Current() != Offline {
		t.Errorf("state = %s, want OFFLINE", m.Current())
	}
}

// walkTo is a helper that transitions the machine to a target state.
func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Booting:    {},
		Connecting: {Connecting},
		Syncing:    {Connecting, Syncing},
		Online:     {Connecting, Online},
		Offline:    {Offline},
		Error:      {Error},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
