package core

import (
	"sync"
)

// Session groups handles created by one client and carries the event
// queue its long-poll drains.
type Session struct {
	ID    uint64
	Queue *EventQueue

	mu        sync.Mutex
	destroyed bool
	handles   map[uint64]*Handle
}

func newSession(id uint64) *Session {
	return &Session{
		ID:      id,
		Queue:   NewEventQueue(),
		handles: make(map[uint64]*Handle),
	}
}

// Destroyed reports whether the session was torn down.
func (s *Session) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

// attachHandle links an already allocated handle to the session,
// refusing when the session is destroyed.
func (s *Session) attachHandle(h *Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return false
	}
	s.handles[h.ID] = h
	return true
}

// FindHandle returns the live handle with the given id.
func (s *Session) FindHandle(id uint64) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return nil, false
	}
	h, ok := s.handles[id]
	return h, ok
}

// unlinkHandle marks the handle destroyed and removes it from the
// session. Plugin and transport teardown happen outside the lock.
func (s *Session) unlinkHandle(id uint64) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	if !ok {
		return nil, false
	}
	h.markDestroyed()
	delete(s.handles, id)
	return h, true
}

// unlinkAll marks the session destroyed and detaches every handle,
// returning them for teardown outside the lock.
func (s *Session) unlinkAll() []*Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyed = true
	out := make([]*Handle, 0, len(s.handles))
	for id, h := range s.handles {
		h.markDestroyed()
		delete(s.handles, id)
		out = append(out, h)
	}
	return out
}

// HandleCount returns the number of live handles.
func (s *Session) HandleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}
