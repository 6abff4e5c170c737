package videocall

import (
	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/voxgate/voxgate/internal/gateway/core"
	"github.com/voxgate/voxgate/internal/logger"
)

func (p *Plugin) SetupMedia(h *core.Handle) {
	logger.Info("[VideoCall] media up", "handle", h.ID)
}

// IncomingRTP relays media to the peer, honoring the sender's mute
// flags and tracking the video SSRC for REMB synthesis.
func (p *Plugin) IncomingRTP(h *core.Handle, video bool, buf []byte) {
	var header rtp.Header
	if _, err := header.Unmarshal(buf); err != nil {
		// Not RTP, drop it.
		return
	}

	p.mu.Lock()
	s := p.sessions[h.ID]
	if s == nil || s.peer == nil {
		p.mu.Unlock()
		return
	}
	if video {
		s.videoSSRC = header.SSRC
	}
	muted := (video && !s.videoEnabled) || (!video && !s.audioEnabled)
	peer := s.peer
	p.mu.Unlock()

	if muted {
		return
	}
	p.gw.RelayRTP(peer.handle, video, buf)
}

// IncomingRTCP relays feedback to the peer. When the receiving user
// configured a bitrate cap, REMB messages in their feedback are clamped
// so the peer never sends faster than the cap.
func (p *Plugin) IncomingRTCP(h *core.Handle, video bool, buf []byte) {
	p.mu.Lock()
	s := p.sessions[h.ID]
	if s == nil || s.peer == nil {
		p.mu.Unlock()
		return
	}
	peer := s.peer
	bitrate := s.bitrate
	p.mu.Unlock()

	if video && bitrate > 0 {
		buf = capREMB(buf, bitrate)
	}
	p.gw.RelayRTCP(peer.handle, video, buf)
}

// HangupMedia resets the media settings and tears the call down when
// the transport goes away.
func (p *Plugin) HangupMedia(h *core.Handle) {
	p.mu.Lock()
	s := p.sessions[h.ID]
	if s == nil {
		p.mu.Unlock()
		return
	}
	s.resetMedia()
	peer := s.peer
	s.peer = nil
	if peer != nil {
		peer.peer = nil
	}
	username := s.username
	p.mu.Unlock()

	if s.state.Current() == stateInCall {
		p.transition(s, "hangup")
	}
	if peer != nil {
		p.transition(peer, "hangup")
		p.pushResult(peer, "", map[string]any{
			"event":    "hangup",
			"username": username,
			"reason":   "Remote hangup",
		}, "", "")
	}
	logger.Debug("[VideoCall] media hangup", "handle", h.ID)
}

// capREMB clamps every REMB message in an RTCP compound packet to the
// configured bitrate. Unparsable packets pass through untouched.
func capREMB(buf []byte, bitrate uint64) []byte {
	pkts, err := rtcp.Unmarshal(buf)
	if err != nil {
		return buf
	}
	changed := false
	for _, pkt := range pkts {
		remb, ok := pkt.(*rtcp.ReceiverEstimatedMaximumBitrate)
		if !ok {
			continue
		}
		if remb.Bitrate > float32(bitrate) {
			remb.Bitrate = float32(bitrate)
			changed = true
		}
	}
	if !changed {
		return buf
	}
	out, err := rtcp.Marshal(pkts)
	if err != nil {
		return buf
	}
	return out
}

// sendREMB synthesizes a REMB towards the user's own browser.
func (p *Plugin) sendREMB(s *callSession, bitrate uint64, ssrc uint32) {
	remb := rtcp.ReceiverEstimatedMaximumBitrate{
		SenderSSRC: 1,
		Bitrate:    float32(bitrate),
	}
	if ssrc != 0 {
		remb.SSRCs = []uint32{ssrc}
	}
	buf, err := remb.Marshal()
	if err != nil {
		logger.Warn("[VideoCall] REMB marshal failed", "error", err)
		return
	}
	logger.Debug("[VideoCall] sending REMB", "handle", s.handle.ID, "bitrate", bitrate)
	p.gw.RelayRTCP(s.handle, true, buf)
}
