package upload

import (
	"fmt"
	"slices"
	"sync"
)

// State represents an upload lifecycle state.
type State string

const (
	StateIdle            State = "idle"
	StateSessionResolved State = "sessionResolved"
	StateChunksUploading State = "chunksUploading"
	StateCompleting      State = "completing"
	StateDone            State = "done"
	StateError           State = "error"
	StateAborted         State = "aborted"
)

// validTransitions defines allowed state transitions. Done, Error, and
// Aborted are terminal; a retry is a new task.
var validTransitions = map[State][]State{
	StateIdle:            {StateSessionResolved, StateError},
	StateSessionResolved: {StateChunksUploading, StateError, StateAborted},
	StateChunksUploading: {StateCompleting, StateError, StateAborted},
	StateCompleting:      {StateDone, StateError, StateAborted},
}

// machine enforces upload state transitions for one task.
type machine struct {
	mu      sync.Mutex
	current State
}

func newMachine() *machine {
	return &machine{current: StateIdle}
}

func (m *machine) state() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *machine) transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid upload transition from %s to %s", m.current, to)
	}
	m.current = to
	return nil
}
