package session

import (
	"fmt"
	"sync"
)

// Status is the lifecycle state of a recording session.
type Status string

const (
	StatusRecording Status = "recording"
	StatusComplete  Status = "complete"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusCancelled || s == StatusFailed
}

// Handle is an immutable reference to one recording session. Every
// asynchronous unit of work (a chunk flush, a transcription request) carries
// a Handle captured at creation time, so a late-finishing operation can
// always attribute its result even after the recorder has moved on.
type Handle struct {
	ID string
}

// Machine guards the legal lifecycle of one session. Transitions are
// monotonic: once the status leaves recording it never changes again.
type Machine struct {
	mu     sync.Mutex
	handle Handle
	status Status
}

func NewMachine(handle Handle) *Machine {
	return &Machine{handle: handle, status: StatusRecording}
}

func (m *Machine) Handle() Handle {
	return m.handle
}

func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Transition moves the session into a terminal status. It fails if the
// session has already left recording or if to is not a terminal status.
func (m *Machine) Transition(to Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !to.Terminal() {
		return fmt.Errorf("session %s: illegal transition target %q", m.handle.ID, to)
	}
	if m.status != StatusRecording {
		return fmt.Errorf("session %s: already terminal (%s), cannot transition to %s", m.handle.ID, m.status, to)
	}
	m.status = to
	return nil
}
