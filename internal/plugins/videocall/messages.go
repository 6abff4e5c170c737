package videocall

import (
	"fmt"
	"sort"

	"github.com/mitchellh/mapstructure"

	"github.com/voxgate/voxgate/internal/gateway/core"
	"github.com/voxgate/voxgate/internal/logger"
)

// clientRequest is the decoded message body. Pointers distinguish
// absent fields from explicit zero values.
type clientRequest struct {
	Request  string  `mapstructure:"request"`
	Username string  `mapstructure:"username"`
	Audio    *bool   `mapstructure:"audio"`
	Video    *bool   `mapstructure:"video"`
	Bitrate  *uint64 `mapstructure:"bitrate"`
}

func decodeRequest(body map[string]any) (*clientRequest, error) {
	var req clientRequest
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &req,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(body); err != nil {
		return nil, fmt.Errorf("malformed request: %w", err)
	}
	return &req, nil
}

func (p *Plugin) HandleMessage(h *core.Handle, transaction string, body map[string]any, jsepType, sdp string) error {
	s := p.find(h)
	if s == nil {
		return fmt.Errorf("no session for handle %d", h.ID)
	}

	req, err := decodeRequest(body)
	if err != nil {
		p.pushError(s, transaction, err.Error())
		return nil
	}
	if req.Request == "" {
		p.pushError(s, transaction, "Missing element (request)")
		return nil
	}
	logger.Debug("[VideoCall] request", "handle", h.ID, "request", req.Request)

	switch req.Request {
	case "list":
		p.list(s, transaction)
	case "register":
		p.register(s, transaction, req.Username)
	case "call":
		p.call(s, transaction, req.Username, jsepType, sdp)
	case "accept":
		p.accept(s, transaction, jsepType, sdp)
	case "set":
		p.set(s, transaction, req)
	case "hangup":
		p.hangup(s, transaction)
	default:
		p.pushError(s, transaction, fmt.Sprintf("Unknown request (%s)", req.Request))
	}
	return nil
}

func (p *Plugin) list(s *callSession, transaction string) {
	p.mu.Lock()
	names := make([]string, 0, len(p.usernames))
	for name := range p.usernames {
		names = append(names, name)
	}
	p.mu.Unlock()
	sort.Strings(names)

	p.pushResult(s, transaction, map[string]any{"list": names}, "", "")
}

func (p *Plugin) register(s *callSession, transaction, username string) {
	if username == "" {
		p.pushError(s, transaction, "Missing element (username)")
		return
	}

	p.mu.Lock()
	if s.username != "" {
		taken := s.username
		p.mu.Unlock()
		p.pushError(s, transaction, fmt.Sprintf("Already registered (%s)", taken))
		return
	}
	if _, taken := p.usernames[username]; taken {
		p.mu.Unlock()
		p.pushError(s, transaction, fmt.Sprintf("Username '%s' taken", username))
		return
	}
	s.username = username
	p.usernames[username] = s
	p.mu.Unlock()

	p.transition(s, "register")
	p.pushResult(s, transaction, map[string]any{
		"event":    "registered",
		"username": username,
	}, "", "")
}

func (p *Plugin) call(s *callSession, transaction, username, jsepType, sdp string) {
	if username == "" {
		p.pushError(s, transaction, "Missing element (username)")
		return
	}
	if s.state.Current() == stateUnregistered {
		p.pushError(s, transaction, "Register a username first")
		return
	}
	if username == s.username {
		p.pushError(s, transaction, "You can't call yourself")
		return
	}
	if jsepType == "" || sdp == "" {
		p.pushError(s, transaction, "Missing SDP offer")
		return
	}

	p.mu.Lock()
	if s.peer != nil {
		p.mu.Unlock()
		p.pushError(s, transaction, "Already in a call")
		return
	}
	callee, ok := p.usernames[username]
	if !ok {
		p.mu.Unlock()
		p.pushError(s, transaction, fmt.Sprintf("Username '%s' doesn't exist", username))
		return
	}
	if callee.peer != nil || callee.state.Current() == stateInCall {
		caller := s.username
		p.mu.Unlock()
		// The callee never learns about the attempt.
		p.pushResult(s, transaction, map[string]any{
			"event":    "hangup",
			"username": caller,
			"reason":   "User busy",
		}, "", "")
		return
	}
	s.peer = callee
	callee.peer = s
	caller := s.username
	p.mu.Unlock()

	p.transition(s, "call")
	p.transition(callee, "call")

	// The anonymized offer travels to the callee; the gateway merges
	// its own transport parameters on the way out.
	p.pushResult(callee, "", map[string]any{
		"event":    "incomingcall",
		"username": caller,
	}, jsepType, sdp)
	p.pushResult(s, transaction, map[string]any{"event": "calling"}, "", "")
}

func (p *Plugin) accept(s *callSession, transaction, jsepType, sdp string) {
	p.mu.Lock()
	peer := s.peer
	username := s.username
	p.mu.Unlock()

	if peer == nil {
		p.pushError(s, transaction, "No incoming call to accept")
		return
	}
	if jsepType == "" || sdp == "" {
		p.pushError(s, transaction, "Missing SDP answer")
		return
	}

	p.pushResult(peer, "", map[string]any{
		"event":    "accepted",
		"username": username,
	}, jsepType, sdp)
	p.pushResult(s, transaction, map[string]any{
		"event":    "accepted",
		"username": username,
	}, "", "")
}

func (p *Plugin) set(s *callSession, transaction string, req *clientRequest) {
	p.mu.Lock()
	if req.Audio != nil {
		s.audioEnabled = *req.Audio
	}
	if req.Video != nil {
		s.videoEnabled = *req.Video
	}
	var sendREMB bool
	if req.Bitrate != nil {
		s.bitrate = *req.Bitrate
		sendREMB = s.bitrate > 0
	}
	ssrc := s.videoSSRC
	bitrate := s.bitrate
	p.mu.Unlock()

	if sendREMB {
		// Ask the sender's browser to lower its rate right away
		// instead of waiting for the next capped REMB.
		p.sendREMB(s, bitrate, ssrc)
	}
	p.pushResult(s, transaction, map[string]any{"event": "set"}, "", "")
}

func (p *Plugin) hangup(s *callSession, transaction string) {
	p.mu.Lock()
	peer := s.peer
	s.peer = nil
	if peer != nil {
		peer.peer = nil
	}
	username := s.username
	p.mu.Unlock()

	if peer == nil {
		// Nothing to hang up, ignore.
		logger.Debug("[VideoCall] hangup with no call", "handle", s.handle.ID)
		return
	}

	p.transition(s, "hangup")
	p.transition(peer, "hangup")

	p.pushResult(s, transaction, map[string]any{
		"event":    "hangup",
		"username": username,
		"reason":   "We did the hangup",
	}, "", "")
	p.pushResult(peer, "", map[string]any{
		"event":    "hangup",
		"username": username,
		"reason":   "Remote hangup",
	}, "", "")
}
