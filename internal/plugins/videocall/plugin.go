// Package videocall is the reference pair-matching plugin: users
// register a name, call each other, and the gateway relays media
// between the two handles.
package videocall

import (
	"context"
	"fmt"
	"sync"

	"github.com/looplab/fsm"

	"github.com/voxgate/voxgate/internal/gateway/core"
	"github.com/voxgate/voxgate/internal/logger"
)

const (
	pluginVersion       = 1
	pluginVersionString = "0.1.0"
	pluginName          = "VideoCall plugin"
	pluginDescription   = "Pair-matching video call plugin, bridging two WebRTC peers through the gateway"
	pluginPackage       = "janus.plugin.videocall"
)

// Session states.
const (
	stateUnregistered = "unregistered"
	stateRegistered   = "registered"
	stateInCall       = "incall"
)

// callSession is the plugin state bound to one handle.
type callSession struct {
	handle   *core.Handle
	state    *fsm.FSM
	username string
	peer     *callSession

	audioEnabled bool
	videoEnabled bool
	// bitrate caps the peer's sending rate via REMB, 0 means no cap.
	bitrate uint64
	// videoSSRC is the SSRC observed on this user's inbound video,
	// used when synthesizing REMB towards them.
	videoSSRC uint32
}

func newCallSession(h *core.Handle) *callSession {
	return &callSession{
		handle:       h,
		audioEnabled: true,
		videoEnabled: true,
		state: fsm.NewFSM(stateUnregistered, fsm.Events{
			{Name: "register", Src: []string{stateUnregistered}, Dst: stateRegistered},
			{Name: "call", Src: []string{stateRegistered}, Dst: stateInCall},
			{Name: "hangup", Src: []string{stateInCall}, Dst: stateRegistered},
		}, fsm.Callbacks{}),
	}
}

// resetMedia restores the media defaults when the transport goes away.
func (s *callSession) resetMedia() {
	s.audioEnabled = true
	s.videoEnabled = true
	s.bitrate = 0
	s.videoSSRC = 0
}

// Plugin implements core.Plugin.
type Plugin struct {
	gw core.Gateway

	mu        sync.Mutex
	sessions  map[uint64]*callSession
	usernames map[string]*callSession
}

// Create is the plugin factory registered with the host.
func Create() core.Plugin {
	return &Plugin{
		sessions:  make(map[uint64]*callSession),
		usernames: make(map[string]*callSession),
	}
}

func (p *Plugin) Version() int          { return pluginVersion }
func (p *Plugin) VersionString() string { return pluginVersionString }
func (p *Plugin) Name() string          { return pluginName }
func (p *Plugin) Description() string   { return pluginDescription }
func (p *Plugin) Package() string       { return pluginPackage }

func (p *Plugin) Init(gw core.Gateway, configPath string) error {
	if gw == nil {
		return fmt.Errorf("no gateway callbacks")
	}
	p.gw = gw
	logger.Info("[VideoCall] initialized", "version", pluginVersionString)
	return nil
}

func (p *Plugin) Destroy() {
	p.mu.Lock()
	p.sessions = make(map[uint64]*callSession)
	p.usernames = make(map[string]*callSession)
	p.mu.Unlock()
	logger.Info("[VideoCall] destroyed")
}

func (p *Plugin) CreateSession(h *core.Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, dup := p.sessions[h.ID]; dup {
		return fmt.Errorf("handle %d already has a session", h.ID)
	}
	p.sessions[h.ID] = newCallSession(h)
	logger.Debug("[VideoCall] session created", "handle", h.ID)
	return nil
}

func (p *Plugin) DestroySession(h *core.Handle) error {
	p.mu.Lock()
	s, ok := p.sessions[h.ID]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	delete(p.sessions, h.ID)
	if s.username != "" {
		delete(p.usernames, s.username)
	}
	peer := s.peer
	s.peer = nil
	if peer != nil {
		peer.peer = nil
	}
	p.mu.Unlock()

	if peer != nil {
		p.transition(peer, "hangup")
		p.pushResult(peer, "", map[string]any{
			"event":    "hangup",
			"username": s.username,
			"reason":   "Remote hangup",
		}, "", "")
	}
	logger.Debug("[VideoCall] session destroyed", "handle", h.ID)
	return nil
}

// find returns the call session of a handle.
func (p *Plugin) find(h *core.Handle) *callSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[h.ID]
}

// transition fires an fsm event, logging rejected transitions.
func (p *Plugin) transition(s *callSession, event string) {
	if err := s.state.Event(context.Background(), event); err != nil {
		logger.Debug("[VideoCall] state transition rejected",
			"handle", s.handle.ID, "event", event, "state", s.state.Current())
	}
}

// pushResult wraps a result into the plugin event shape and queues it.
func (p *Plugin) pushResult(s *callSession, transaction string, result map[string]any, jsepType, sdp string) {
	event := map[string]any{"videocall": "event", "result": result}
	if err := p.gw.PushEvent(s.handle, transaction, event, jsepType, sdp); err != nil {
		logger.Warn("[VideoCall] event push failed", "handle", s.handle.ID, "error", err)
	}
}

// pushError reports a request failure to the client as a plugin event.
func (p *Plugin) pushError(s *callSession, transaction, cause string) {
	event := map[string]any{"videocall": "event", "error": cause}
	if err := p.gw.PushEvent(s.handle, transaction, event, "", ""); err != nil {
		logger.Warn("[VideoCall] error push failed", "handle", s.handle.ID, "error", err)
	}
}
