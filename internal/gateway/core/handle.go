package core

import (
	"sync"

	"github.com/voxgate/voxgate/internal/gateway/ice"
)

// Handle is a plugin attachment within a session. Each handle owns one
// media context and belongs to exactly one plugin for its lifetime.
type Handle struct {
	ID        uint64
	SessionID uint64
	Plugin    Plugin

	// Media is the ICE/DTLS context negotiated for this handle.
	Media *ice.Context

	mu        sync.Mutex
	destroyed bool
}

func newHandle(id, sessionID uint64, p Plugin) *Handle {
	return &Handle{
		ID:        id,
		SessionID: sessionID,
		Plugin:    p,
		Media:     ice.NewContext(id),
	}
}

// Destroyed reports whether the handle was detached.
func (h *Handle) Destroyed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.destroyed
}

func (h *Handle) markDestroyed() {
	h.mu.Lock()
	h.destroyed = true
	h.mu.Unlock()
}
