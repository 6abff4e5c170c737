package app

import (
	"encoding/json"
	"fmt"

	"github.com/voxgate/voxgate/internal/gateway/core"
	"github.com/voxgate/voxgate/internal/logger"
)

// gatewayBridge is the core.Gateway surface handed to plugins.
type gatewayBridge struct {
	a *App
}

// PushEvent wraps a plugin event into the protocol envelope and queues
// it on the handle's session. A session description attached by the
// plugin is merged with the gateway's transport parameters first.
func (g *gatewayBridge) PushEvent(h *core.Handle, transaction string, event map[string]any, jsepType, sdpText string) error {
	if h == nil || h.Destroyed() {
		return fmt.Errorf("push event on destroyed handle")
	}
	sess, ok := g.a.Registry.FindSession(h.SessionID)
	if !ok {
		return fmt.Errorf("no such session %d", h.SessionID)
	}

	env := map[string]any{
		"janus":  "event",
		"sender": h.ID,
		"plugindata": map[string]any{
			"plugin": h.Plugin.Package(),
			"data":   event,
		},
	}
	if transaction != "" {
		env["transaction"] = transaction
	}
	if jsepType != "" {
		merged, err := g.a.Bridge.ProcessLocal(h.Media, jsepType, sdpText)
		if err != nil {
			return fmt.Errorf("process local description: %w", err)
		}
		env["jsep"] = map[string]any{"type": jsepType, "sdp": merged}
	}

	buf, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	sess.Queue.Push(buf)
	g.a.Collector.EventPushed()
	logger.Debug("[App] event queued", "session", sess.ID, "handle", h.ID)
	return nil
}

// RelayRTP sends plugin media towards the handle's peer. Without a
// ready transport the packet is dropped silently.
func (g *gatewayBridge) RelayRTP(h *core.Handle, video bool, buf []byte) {
	if h == nil || h.Destroyed() || !h.Media.Ready() {
		return
	}
	if err := g.a.Agent.WriteRTP(h.Media, video, buf); err != nil {
		logger.Debug("[App] RTP relay failed", "handle", h.ID, "error", err)
	}
}

// RelayRTCP sends plugin RTCP towards the handle's peer.
func (g *gatewayBridge) RelayRTCP(h *core.Handle, video bool, buf []byte) {
	if h == nil || h.Destroyed() || !h.Media.Ready() {
		return
	}
	if err := g.a.Agent.WriteRTCP(h.Media, video, buf); err != nil {
		logger.Debug("[App] RTCP relay failed", "handle", h.ID, "error", err)
	}
}

// mediaRouter forwards transport callbacks to the plugin bound to the
// handle.
type mediaRouter struct {
	a *App
}

func (m *mediaRouter) HandleRTP(handleID uint64, video bool, buf []byte) {
	if h, ok := m.a.Registry.FindHandle(handleID); ok {
		h.Plugin.IncomingRTP(h, video, buf)
	}
}

func (m *mediaRouter) HandleRTCP(handleID uint64, video bool, buf []byte) {
	if h, ok := m.a.Registry.FindHandle(handleID); ok {
		h.Plugin.IncomingRTCP(h, video, buf)
	}
}

func (m *mediaRouter) HandleMediaUp(handleID uint64) {
	if h, ok := m.a.Registry.FindHandle(handleID); ok {
		logger.Info("[App] media up", "handle", handleID)
		h.Plugin.SetupMedia(h)
	}
}

func (m *mediaRouter) HandleHangup(handleID uint64) {
	if h, ok := m.a.Registry.FindHandle(handleID); ok {
		logger.Info("[App] media hangup", "handle", handleID)
		h.Plugin.HangupMedia(h)
	}
}
