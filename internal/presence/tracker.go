// Package presence tracks who is online and who is typing. Trackers are
// explicit objects created at daemon start and passed to their consumers;
// they hold no package-level state.
package presence

import (
	"sync"
	"time"
)

// Tracker merges two independent online/offline signals: live socket events
// and a periodically polled snapshot. A user is considered online if either
// signal says so, since the poll can lag the socket and the socket can
// momentarily miss a transition.
type Tracker struct {
	mu     sync.RWMutex
	live   map[string]bool
	polled map[string]bool
}

// NewTracker creates an empty presence tracker.
func NewTracker() *Tracker {
	return &Tracker{
		live:   make(map[string]bool),
		polled: make(map[string]bool),
	}
}

// SetLive records a socket-driven online/offline transition for a user.
func (t *Tracker) SetLive(userID string, online bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if online {
		t.live[userID] = true
	} else {
		delete(t.live, userID)
	}
}

// SetSnapshot replaces the polled snapshot with the given online set.
func (t *Tracker) SetSnapshot(online []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.polled = make(map[string]bool, len(online))
	for _, id := range online {
		t.polled[id] = true
	}
}

// ResetLive clears the live signal. Called on (re)connection, since events
// missed while disconnected are not retroactively delivered.
func (t *Tracker) ResetLive() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.live = make(map[string]bool)
}

// IsOnline reports whether either signal considers the user online.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.live[userID] || t.polled[userID]
}

// Online returns the union of both signals.
func (t *Tracker) Online() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	seen := make(map[string]bool, len(t.live)+len(t.polled))
	var ids []string
	for id := range t.live {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for id := range t.polled {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}

// DefaultTypingTTL is how long a typing signal stays visible without a
// follow-up typing-start.
const DefaultTypingTTL = 5 * time.Second

// TypingRegistry tracks who is typing in which chat. Entries expire after
// a fixed interval since typing-stop events are not guaranteed.
type TypingRegistry struct {
	mu     sync.Mutex
	ttl    time.Duration
	typing map[string]map[string]time.Time // chatID -> userID -> started
	now    func() time.Time
}

// NewTypingRegistry creates a typing registry with the given entry TTL.
func NewTypingRegistry(ttl time.Duration) *TypingRegistry {
	return &TypingRegistry{
		ttl:    ttl,
		typing: make(map[string]map[string]time.Time),
		now:    time.Now,
	}
}

// MarkTyping records that a user started typing in a chat.
func (r *TypingRegistry) MarkTyping(chatID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.typing[chatID] == nil {
		r.typing[chatID] = make(map[string]time.Time)
	}
	r.typing[chatID][userID] = r.now()
}

// Typing returns the users currently typing in a chat, pruning expired
// entries as a side effect.
func (r *TypingRegistry) Typing(chatID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	users := r.typing[chatID]
	cutoff := r.now().Add(-r.ttl)
	var ids []string
	for id, started := range users {
		if started.Before(cutoff) {
			delete(users, id)
			continue
		}
		ids = append(ids, id)
	}
	return ids
}
