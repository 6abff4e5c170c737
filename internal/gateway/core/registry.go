package core

import (
	"sync"

	"github.com/voxgate/voxgate/internal/logger"
)

// Registry is the table of live sessions and handles. Handle ids are
// allocated here so they are unique across the whole gateway, which
// lets inbound media be routed by handle id alone. Handle teardown
// (plugin detach, transport close) runs through the OnDetach hook so
// the registry never calls back into a plugin or the ICE agent while
// holding a lock.
type Registry struct {
	// OnDetach tears down the transport side of a detached handle.
	// Set once during wiring, before any traffic.
	OnDetach func(*Handle)

	mu       sync.Mutex
	sessions map[uint64]*Session
	handles  map[uint64]*Handle
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[uint64]*Session),
		handles:  make(map[uint64]*Handle),
	}
}

// CreateSession allocates a session with a fresh random id.
func (r *Registry) CreateSession() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := NewID(func(id uint64) bool {
		_, taken := r.sessions[id]
		return taken
	})
	s := newSession(id)
	r.sessions[id] = s
	logger.Debug("[SessionMgr] session created", "session", id)
	return s
}

// FindSession returns the live session with the given id.
func (r *Registry) FindSession(id uint64) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.Destroyed() {
		return nil, false
	}
	return s, true
}

// FindHandle returns a live handle by its gateway-wide id.
func (r *Registry) FindHandle(id uint64) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[id]
	if !ok || h.Destroyed() {
		return nil, false
	}
	return h, true
}

// SessionCount returns the number of live sessions.
func (r *Registry) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// AttachHandle creates a handle bound to the plugin and links it to the
// session. It fails only when the session was destroyed concurrently.
func (r *Registry) AttachHandle(s *Session, p Plugin) (*Handle, bool) {
	r.mu.Lock()
	id := NewID(func(id uint64) bool {
		_, taken := r.handles[id]
		return taken
	})
	h := newHandle(id, s.ID, p)
	r.handles[id] = h
	r.mu.Unlock()

	if !s.attachHandle(h) {
		r.mu.Lock()
		delete(r.handles, id)
		r.mu.Unlock()
		return nil, false
	}
	return h, true
}

// DestroySession marks the session destroyed, unlinks it and tears down
// every handle it still had. The destroyed flag is set before the
// session leaves the table so concurrent lookups cannot resurrect it.
func (r *Registry) DestroySession(id uint64) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, id)
	r.mu.Unlock()

	handles := s.unlinkAll()
	r.mu.Lock()
	for _, h := range handles {
		delete(r.handles, h.ID)
	}
	r.mu.Unlock()

	for _, h := range handles {
		r.teardownHandle(h)
	}
	logger.Debug("[SessionMgr] session destroyed", "session", id, "handles", len(handles))
	return true
}

// DestroyHandle detaches one handle from its session and tears it down.
func (r *Registry) DestroyHandle(s *Session, handleID uint64) bool {
	h, ok := s.unlinkHandle(handleID)
	if !ok {
		return false
	}
	r.mu.Lock()
	delete(r.handles, handleID)
	r.mu.Unlock()

	r.teardownHandle(h)
	return true
}

func (r *Registry) teardownHandle(h *Handle) {
	if h.Plugin != nil {
		if err := h.Plugin.DestroySession(h); err != nil {
			logger.Warn("[SessionMgr] plugin detach failed",
				"handle", h.ID, "plugin", h.Plugin.Package(), "error", err)
		}
	}
	if r.OnDetach != nil {
		r.OnDetach(h)
	}
}
