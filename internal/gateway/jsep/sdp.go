// Package jsep bridges session descriptions between WebRTC peers and
// plugins: remote descriptions are stripped of transport attributes
// before a plugin sees them, local descriptions get the gateway's own
// ICE credentials, fingerprint and candidates injected before they go
// back to the client.
package jsep

import (
	"errors"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"

	"github.com/voxgate/voxgate/internal/gateway/ice"
)

// TypeOffer and TypeAnswer are the accepted description types.
const (
	TypeOffer  = "offer"
	TypeAnswer = "answer"
)

var (
	// ErrUnknownType reports a jsep type other than offer/answer.
	ErrUnknownType = errors.New("unknown session description type")
	// ErrInvalidSDP reports an unparsable or unusable description.
	ErrInvalidSDP = errors.New("invalid session description")
)

// transport attributes owned by the gateway, not the plugins
var anonymizedAttrs = map[string]bool{
	"ice-ufrag":   true,
	"ice-pwd":     true,
	"ice-options": true,
	"fingerprint": true,
	"candidate":   true,
}

// Preparse parses a description and counts its audio and video m-lines.
func Preparse(sdpText string) (desc *sdp.SessionDescription, audio, video int, err error) {
	desc = &sdp.SessionDescription{}
	if err := desc.Unmarshal([]byte(sdpText)); err != nil {
		return nil, 0, 0, ErrInvalidSDP
	}
	for _, m := range desc.MediaDescriptions {
		switch m.MediaName.Media {
		case "audio":
			audio++
		case "video":
			video++
		}
	}
	return desc, audio, video, nil
}

// Anonymize strips every transport-level attribute (ICE credentials,
// fingerprint, candidates) from the description. Running it twice
// yields the same result.
func Anonymize(desc *sdp.SessionDescription) {
	desc.Attributes = stripAttrs(desc.Attributes)
	for _, m := range desc.MediaDescriptions {
		m.Attributes = stripAttrs(m.Attributes)
	}
}

func stripAttrs(attrs []sdp.Attribute) []sdp.Attribute {
	out := attrs[:0]
	for _, a := range attrs {
		if anonymizedAttrs[a.Key] {
			continue
		}
		out = append(out, a)
	}
	return out
}

// Merge injects the gateway's transport parameters into an anonymized
// local description: per-stream ICE credentials and candidates, the
// DTLS fingerprint, and the advertised address on the c= lines.
func Merge(desc *sdp.SessionDescription, ctx *ice.Context, fingerprint, addr string) error {
	conn := &sdp.ConnectionInformation{
		NetworkType: "IN",
		AddressType: "IP4",
		Address:     &sdp.Address{Address: addr},
	}
	desc.Origin.UnicastAddress = addr
	desc.Origin.NetworkType = "IN"
	desc.Origin.AddressType = "IP4"
	if desc.ConnectionInformation != nil {
		desc.ConnectionInformation = conn
	}

	for _, m := range desc.MediaDescriptions {
		var stream *ice.Stream
		switch m.MediaName.Media {
		case "audio":
			stream = ctx.Stream(ctx.AudioID())
		case "video":
			stream = ctx.Stream(ctx.VideoID())
		}
		if stream == nil {
			// Media the gateway did not negotiate stays disabled.
			m.MediaName.Port = sdp.RangedPort{Value: 0}
			continue
		}

		m.ConnectionInformation = conn
		if port := candidatePort(stream.Candidates); port > 0 {
			m.MediaName.Port = sdp.RangedPort{Value: port}
		}
		m.Attributes = append(m.Attributes,
			sdp.Attribute{Key: "ice-ufrag", Value: stream.Ufrag},
			sdp.Attribute{Key: "ice-pwd", Value: stream.Password},
			sdp.Attribute{Key: "fingerprint", Value: "sha-256 " + fingerprint},
		)
		for _, c := range stream.Candidates {
			m.Attributes = append(m.Attributes, sdp.Attribute{Key: "candidate", Value: c})
		}
	}
	return nil
}

// candidatePort extracts the port of the first RTP component candidate.
func candidatePort(candidates []string) int {
	for _, c := range candidates {
		fields := strings.Fields(c)
		if len(fields) < 6 || fields[1] != "1" {
			continue
		}
		port, err := strconv.Atoi(fields[5])
		if err == nil {
			return port
		}
	}
	return 0
}
