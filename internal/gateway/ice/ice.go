// Package ice is the seam between the gateway core and the ICE/DTLS-SRTP
// stack. The core only ever talks to the Agent interface; the stack itself
// (candidate gathering, connectivity checks, SRTP protect/unprotect) is an
// external collaborator behind it.
package ice

import (
	"sync"

	"github.com/pion/sdp/v3"
)

// ICE component identifiers within a stream.
const (
	ComponentRTP  = 1
	ComponentRTCP = 2
)

// Stream is one negotiated ICE media stream (audio or video) of a handle.
type Stream struct {
	ID       int
	Ufrag    string
	Password string
	// Candidates are local candidate attribute values, without the
	// leading "candidate:" prefix.
	Candidates []string

	RemoteUfrag      string
	RemotePassword   string
	RemoteCandidates []string
}

// Context is the per-handle media context filled in by the SDP bridge:
// stream identifiers, candidate gathering state and negotiated streams.
type Context struct {
	HandleID uint64

	mu         sync.Mutex
	audioID    int
	videoID    int
	streamsNum int
	streams    map[int]*Stream

	gathered   int
	gatherFail bool
	gatherDone chan struct{}

	setup bool
	ready bool
}

// NewContext creates an empty media context for a handle.
func NewContext(handleID uint64) *Context {
	return &Context{
		HandleID:   handleID,
		streams:    make(map[int]*Stream),
		gatherDone: make(chan struct{}),
	}
}

// AudioID returns the audio stream id, 0 if no audio was negotiated.
func (c *Context) AudioID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audioID
}

// VideoID returns the video stream id, 0 if no video was negotiated.
func (c *Context) VideoID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.videoID
}

// StreamsNum returns the number of negotiated streams.
func (c *Context) StreamsNum() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamsNum
}

// Setup reports whether local ICE setup ran for this context.
func (c *Context) Setup() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setup
}

// Ready reports whether media can flow on this context.
func (c *Context) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// GatheringDone returns a channel closed once candidate gathering
// completed (or failed) for every stream of the context.
func (c *Context) GatheringDone() <-chan struct{} {
	return c.gatherDone
}

// GatheringFailed reports a candidate gathering failure.
func (c *Context) GatheringFailed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gatherFail
}

// Stream returns the stream with the given id, nil when absent.
func (c *Context) Stream(id int) *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[id]
}

// MediaHandler receives demultiplexed inbound traffic and media state
// transitions from the agent. Implemented by the gateway, which forwards
// to the plugin bound to the handle.
type MediaHandler interface {
	HandleRTP(handleID uint64, video bool, buf []byte)
	HandleRTCP(handleID uint64, video bool, buf []byte)
	// HandleMediaUp fires once the first component of every stream is
	// connected (plugin setup_media).
	HandleMediaUp(handleID uint64)
	// HandleHangup fires when the transport goes away (plugin hangup_media).
	HandleHangup(handleID uint64)
}

// Agent abstracts the ICE/DTLS-SRTP stack.
type Agent interface {
	// SetupLocal allocates local streams for the handle and starts
	// candidate gathering. At most one audio and one video stream are
	// negotiated regardless of how many m-lines the peer offered.
	// Calling it again on an already set up context is a no-op.
	SetupLocal(ctx *Context, audio, video bool) error

	// ParseRemote ingests a remote session description into the context
	// (remote credentials and candidates per stream).
	ParseRemote(ctx *Context, desc *sdp.SessionDescription) error

	// AddRemoteCandidates starts connectivity checks for one component
	// of a stream, using the candidates learnt by ParseRemote.
	AddRemoteCandidates(ctx *Context, streamID, component int) error

	// Fingerprint returns the DTLS certificate fingerprint to advertise.
	Fingerprint() string

	// WriteRTP and WriteRTCP send protected media towards the peer.
	WriteRTP(ctx *Context, video bool, buf []byte) error
	WriteRTCP(ctx *Context, video bool, buf []byte) error

	// SetHandler installs the inbound media handler.
	SetHandler(h MediaHandler)

	// Close releases every resource of the context.
	Close(ctx *Context)
}
