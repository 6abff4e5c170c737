package ice

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/randutil"
	"github.com/pion/sdp/v3"

	"github.com/voxgate/voxgate/internal/logger"
)

const runesAlpha = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// LoopbackConfig configures the in-process agent.
type LoopbackConfig struct {
	// Address advertised in host candidates.
	Address string
	// MinPort/MaxPort bound the fake allocation range. Zero values fall
	// back to 10000-60000.
	MinPort int
	MaxPort int
}

// PacketSink receives outbound media written through the agent. Tests
// install one to observe what a plugin relayed.
type PacketSink func(handleID uint64, video bool, rtcp bool, buf []byte)

// LoopbackAgent is an in-process Agent: candidates are fabricated host
// candidates on the configured address, gathering completes immediately
// and media written out is handed to an optional sink instead of a
// socket. The real ICE/DTLS stack lives behind the same interface.
type LoopbackAgent struct {
	cfg         LoopbackConfig
	fingerprint string
	nextPort    atomic.Int64

	mu      sync.Mutex
	handler MediaHandler
	sink    PacketSink
}

// NewLoopbackAgent creates a loopback agent with a fresh fingerprint.
func NewLoopbackAgent(cfg LoopbackConfig) *LoopbackAgent {
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1"
	}
	if cfg.MinPort <= 0 {
		cfg.MinPort = 10000
	}
	if cfg.MaxPort <= cfg.MinPort {
		cfg.MaxPort = 60000
	}
	a := &LoopbackAgent{cfg: cfg, fingerprint: newFingerprint()}
	a.nextPort.Store(int64(cfg.MinPort))
	return a
}

// newFingerprint fabricates a SHA-256 certificate fingerprint. There is
// no DTLS certificate behind the loopback agent, only the SDP attribute.
func newFingerprint() string {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		panic(fmt.Sprintf("fingerprint entropy: %v", err))
	}
	sum := sha256.Sum256(raw)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":")
}

func (a *LoopbackAgent) SetHandler(h MediaHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = h
}

// SetSink installs the outbound packet sink.
func (a *LoopbackAgent) SetSink(s PacketSink) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sink = s
}

func (a *LoopbackAgent) Fingerprint() string {
	return a.fingerprint
}

func (a *LoopbackAgent) allocPort() int {
	p := int(a.nextPort.Add(2))
	if p >= a.cfg.MaxPort {
		a.nextPort.Store(int64(a.cfg.MinPort))
		p = a.cfg.MinPort
	}
	return p
}

func (a *LoopbackAgent) SetupLocal(ctx *Context, audio, video bool) error {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if ctx.setup {
		return nil
	}
	ctx.setup = true

	id := 0
	addStream := func() (*Stream, error) {
		id++
		ufrag, err := randutil.GenerateCryptoRandomString(8, runesAlpha)
		if err != nil {
			return nil, fmt.Errorf("generate ufrag: %w", err)
		}
		pwd, err := randutil.GenerateCryptoRandomString(22, runesAlpha)
		if err != nil {
			return nil, fmt.Errorf("generate password: %w", err)
		}
		port := a.allocPort()
		s := &Stream{
			ID:       id,
			Ufrag:    ufrag,
			Password: pwd,
			Candidates: []string{
				fmt.Sprintf("%d 1 udp 2130706431 %s %d typ host", id, a.cfg.Address, port),
				fmt.Sprintf("%d 2 udp 2130706430 %s %d typ host", id, a.cfg.Address, port+1),
			},
		}
		ctx.streams[id] = s
		ctx.streamsNum++
		return s, nil
	}

	if audio {
		s, err := addStream()
		if err != nil {
			return err
		}
		ctx.audioID = s.ID
	}
	if video {
		s, err := addStream()
		if err != nil {
			return err
		}
		ctx.videoID = s.ID
	}
	if ctx.streamsNum == 0 {
		ctx.gatherFail = true
	}

	// Host candidates only, so gathering is already complete.
	close(ctx.gatherDone)
	logger.Debug("[ICE] local setup done", "handle", ctx.HandleID,
		"audio", audio, "video", video, "streams", ctx.streamsNum)
	return nil
}

func (a *LoopbackAgent) ParseRemote(ctx *Context, desc *sdp.SessionDescription) error {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if !ctx.setup {
		return fmt.Errorf("handle %d: remote description before local setup", ctx.HandleID)
	}

	for _, m := range desc.MediaDescriptions {
		var id int
		switch m.MediaName.Media {
		case "audio":
			id = ctx.audioID
		case "video":
			id = ctx.videoID
		default:
			continue
		}
		stream := ctx.streams[id]
		if stream == nil {
			continue
		}
		for _, attr := range m.Attributes {
			switch attr.Key {
			case "ice-ufrag":
				stream.RemoteUfrag = attr.Value
			case "ice-pwd":
				stream.RemotePassword = attr.Value
			case "candidate":
				stream.RemoteCandidates = append(stream.RemoteCandidates, attr.Value)
			}
		}
	}
	return nil
}

func (a *LoopbackAgent) AddRemoteCandidates(ctx *Context, streamID, component int) error {
	ctx.mu.Lock()
	stream := ctx.streams[streamID]
	if stream == nil {
		ctx.mu.Unlock()
		return fmt.Errorf("handle %d: no stream %d", ctx.HandleID, streamID)
	}
	if component == ComponentRTP {
		ctx.gathered++
	}
	// Connectivity is instantaneous in-process. Media is up once the
	// RTP component of every stream started checks.
	up := !ctx.ready && ctx.gathered >= ctx.streamsNum && ctx.streamsNum > 0
	if up {
		ctx.ready = true
	}
	ctx.mu.Unlock()

	if up {
		a.mu.Lock()
		h := a.handler
		a.mu.Unlock()
		if h != nil {
			h.HandleMediaUp(ctx.HandleID)
		}
	}
	return nil
}

func (a *LoopbackAgent) WriteRTP(ctx *Context, video bool, buf []byte) error {
	return a.write(ctx, video, false, buf)
}

func (a *LoopbackAgent) WriteRTCP(ctx *Context, video bool, buf []byte) error {
	return a.write(ctx, video, true, buf)
}

func (a *LoopbackAgent) write(ctx *Context, video, rtcp bool, buf []byte) error {
	if !ctx.Ready() {
		return fmt.Errorf("handle %d: media not ready", ctx.HandleID)
	}
	a.mu.Lock()
	sink := a.sink
	a.mu.Unlock()
	if sink != nil {
		out := make([]byte, len(buf))
		copy(out, buf)
		sink(ctx.HandleID, video, rtcp, out)
	}
	return nil
}

// InjectRTP feeds an inbound RTP packet to the gateway, as if it had
// arrived from the peer.
func (a *LoopbackAgent) InjectRTP(ctx *Context, video bool, buf []byte) {
	a.mu.Lock()
	h := a.handler
	a.mu.Unlock()
	if h != nil {
		h.HandleRTP(ctx.HandleID, video, buf)
	}
}

// InjectRTCP feeds an inbound RTCP packet to the gateway.
func (a *LoopbackAgent) InjectRTCP(ctx *Context, video bool, buf []byte) {
	a.mu.Lock()
	h := a.handler
	a.mu.Unlock()
	if h != nil {
		h.HandleRTCP(ctx.HandleID, video, buf)
	}
}

func (a *LoopbackAgent) Close(ctx *Context) {
	ctx.mu.Lock()
	wasReady := ctx.ready
	ctx.ready = false
	ctx.streams = make(map[int]*Stream)
	ctx.streamsNum = 0
	ctx.audioID, ctx.videoID = 0, 0
	ctx.mu.Unlock()

	if wasReady {
		a.mu.Lock()
		h := a.handler
		a.mu.Unlock()
		if h != nil {
			h.HandleHangup(ctx.HandleID)
		}
	}
	logger.Debug("[ICE] context closed", "handle", ctx.HandleID)
}
