package presence

import (
	"testing"
	"time"
)

func TestOnlineIsDisjunctionOfSignals(t *testing.T) {
	tr := NewTracker()

	tr.SetLive("u1", true)
	tr.SetSnapshot([]string{"u2"})

	if !tr.IsOnline("u1") {
		t.Error("u1 should be online via live signal")
	}
	if !tr.IsOnline("u2") {
		t.Error("u2 should be online via polled snapshot")
	}
	if tr.IsOnline("u3") {
		t.Error("u3 should be offline")
	}
}

func TestLiveOfflineStillOnlineViaSnapshot(t *testing.T) {
	tr := NewTracker()

	tr.SetSnapshot([]string{"u1"})
	tr.SetLive("u1", true)
	tr.SetLive("u1", false)

	// The poll can lag the socket; either signal keeps the user online.
	if !tr.IsOnline("u1") {
		t.Error("u1 should remain online via snapshot")
	}

	tr.SetSnapshot(nil)
	if tr.IsOnline("u1") {
		t.Error("u1 should be offline once both signals clear")
	}
}

func TestResetLive(t *testing.T) {
	tr := NewTracker()
	tr.SetLive("u1", true)
	tr.ResetLive()

	if tr.IsOnline("u1") {
		t.Error("u1 should be offline after live reset")
	}
}

func TestOnlineUnion(t *testing.T) {
	tr := NewTracker()
	tr.SetLive("u1", true)
	tr.SetSnapshot([]string{"u1", "u2"})

	online := tr.Online()
	if len(online) != 2 {
		t.Errorf("online = %v, want 2 unique users", online)
	}
}

func TestTypingExpiry(t *testing.T) {
	r := NewTypingRegistry(5 * time.Second)
	current := time.Unix(1000, 0)
	r.now = func() time.Time { return current }

	r.MarkTyping("c1", "u1")
	r.MarkTyping("c1", "u2")

	if got := r.Typing("c1"); len(got) != 2 {
		t.Errorf("typing = %v, want 2 users", got)
	}

	current = current.Add(10 * time.Second)
	if got := r.Typing("c1"); len(got) != 0 {
		t.Errorf("typing after expiry = %v, want none", got)
	}
}
