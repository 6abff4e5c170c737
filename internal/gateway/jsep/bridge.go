package jsep

import (
	"fmt"
	"time"

	"github.com/voxgate/voxgate/internal/gateway/ice"
	"github.com/voxgate/voxgate/internal/logger"
)

// DefaultGatherTimeout bounds the wait for candidate gathering when a
// local description goes out.
const DefaultGatherTimeout = 3 * time.Second

// Bridge runs the offer/answer machinery between the control protocol,
// the plugins and the ICE agent.
type Bridge struct {
	agent         ice.Agent
	publicAddr    string
	gatherTimeout time.Duration
}

// NewBridge creates a bridge advertising addr in merged descriptions.
func NewBridge(agent ice.Agent, addr string) *Bridge {
	return &Bridge{
		agent:         agent,
		publicAddr:    addr,
		gatherTimeout: DefaultGatherTimeout,
	}
}

// ProcessRemote ingests a description received from the client and
// returns the anonymized SDP to hand to the plugin. An offer sets up
// the local ICE side; an answer completes negotiation and starts
// connectivity checks.
func (b *Bridge) ProcessRemote(ctx *ice.Context, jsepType, sdpText string) (string, error) {
	if jsepType != TypeOffer && jsepType != TypeAnswer {
		return "", ErrUnknownType
	}
	desc, audio, video, err := Preparse(sdpText)
	if err != nil {
		return "", err
	}
	logger.Debug("[Bridge] remote description", "handle", ctx.HandleID,
		"type", jsepType, "audio", audio, "video", video)

	if jsepType == TypeOffer {
		if err := b.agent.SetupLocal(ctx, audio > 0, video > 0); err != nil {
			return "", fmt.Errorf("local setup: %w", err)
		}
	}
	if err := b.agent.ParseRemote(ctx, desc); err != nil {
		return "", fmt.Errorf("parse remote: %w", err)
	}
	if jsepType == TypeAnswer {
		if err := b.startChecks(ctx); err != nil {
			return "", err
		}
	}

	Anonymize(desc)
	out, err := desc.Marshal()
	if err != nil {
		return "", ErrInvalidSDP
	}
	return string(out), nil
}

// ProcessLocal takes a description produced by a plugin, waits for
// candidate gathering, and returns the merged SDP to deliver to the
// client. An answer additionally starts connectivity checks against the
// candidates learnt from the client's offer.
func (b *Bridge) ProcessLocal(ctx *ice.Context, jsepType, sdpText string) (string, error) {
	if jsepType != TypeOffer && jsepType != TypeAnswer {
		return "", ErrUnknownType
	}
	desc, audio, video, err := Preparse(sdpText)
	if err != nil {
		return "", err
	}

	if jsepType == TypeOffer {
		if err := b.agent.SetupLocal(ctx, audio > 0, video > 0); err != nil {
			return "", fmt.Errorf("local setup: %w", err)
		}
	}

	select {
	case <-ctx.GatheringDone():
	case <-time.After(b.gatherTimeout):
		logger.Warn("[Bridge] candidate gathering timed out", "handle", ctx.HandleID)
		return "", ErrInvalidSDP
	}
	if ctx.GatheringFailed() {
		return "", ErrInvalidSDP
	}

	Anonymize(desc)
	if err := Merge(desc, ctx, b.agent.Fingerprint(), b.publicAddr); err != nil {
		return "", fmt.Errorf("merge: %w", err)
	}

	if jsepType == TypeAnswer {
		if err := b.startChecks(ctx); err != nil {
			return "", err
		}
	}

	out, err := desc.Marshal()
	if err != nil {
		return "", ErrInvalidSDP
	}
	logger.Debug("[Bridge] local description ready", "handle", ctx.HandleID, "type", jsepType)
	return string(out), nil
}

// startChecks installs the remote candidates of every negotiated stream.
func (b *Bridge) startChecks(ctx *ice.Context) error {
	for _, id := range []int{ctx.AudioID(), ctx.VideoID()} {
		if id == 0 {
			continue
		}
		for _, component := range []int{ice.ComponentRTP, ice.ComponentRTCP} {
			if err := b.agent.AddRemoteCandidates(ctx, id, component); err != nil {
				return fmt.Errorf("remote candidates: %w", err)
			}
		}
	}
	return nil
}
