package status

import (
	"testing"

	"github.com/lumechat/lume/internal/bus"
)

func TestValidTransitionChain(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Disconnected {
		t.Fatalf("initial state = %s, want %s", m.Current(), Disconnected)
	}

	chain := []State{Connecting, Connected, Reconnecting, Connecting, Connected, Disconnected}
	for _, s := range chain {
		if err := m.Transition(s); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
	if m.Current() != Disconnected {
		t.Errorf("final state = %s, want %s", m.Current(), Disconnected)
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Connected); err == nil {
		t.Error("Disconnected -> Connected should be rejected")
	}
	if m.Current() != Disconnected {
		t.Errorf("state changed on rejected transition: %s", m.Current())
	}
}

func TestSelfTransitionIsNoOp(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Disconnected); err != nil {
		t.Errorf("self transition: %v", err)
	}
}

func TestGiveUpRequiresReconnecting(t *testing.T) {
	m := NewMachine(nil)
	mustTransition(t, m, Connecting, Connected, Reconnecting, GaveUp)
	// A fresh connect attempt leaves GaveUp.
	if err := m.Transition(Connecting); err != nil {
		t.Errorf("GaveUp -> Connecting: %v", err)
	}
}

func TestTransitionPublishesStatusChange(t *testing.T) {
	b := bus.New(nil)
	var got []StatusChange
	unsub := b.Subscribe("conn.status_changed", func(evt bus.Event) {
		got = append(got, evt.Payload.(StatusChange))
	})
	defer unsub()

	m := NewMachine(b)
	mustTransition(t, m, Connecting, Connected)

	if len(got) != 2 {
		t.Fatalf("got %d status changes, want 2", len(got))
	}
	if got[0].From != Disconnected || got[0].To != Connecting {
		t.Errorf("first change = %+v", got[0])
	}
	if got[1].From != Connecting || got[1].To != Connected {
		t.Errorf("second change = %+v", got[1])
	}
}

func mustTransition(t *testing.T, m *Machine, states ...State) {
	t.Helper()
	for _, s := range states {
		if err := m.Transition(s); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
}
