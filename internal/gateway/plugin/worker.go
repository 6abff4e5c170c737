package plugin

import (
	"github.com/voxgate/voxgate/internal/gateway/core"
	"github.com/voxgate/voxgate/internal/logger"
)

// InboundMessage is one asynchronous client message bound for a plugin.
// The SDP, when present, is already anonymized.
type InboundMessage struct {
	Handle      *core.Handle
	Transaction string
	Body        map[string]any
	JsepType    string
	SDP         string
}

// work drains one plugin's queue in FIFO order until shutdown. Messages
// whose handle was destroyed while queued are dropped.
func (h *Host) work(e *entry) {
	defer h.wg.Done()
	for {
		select {
		case msg := <-e.queue:
			if msg.Handle.Destroyed() {
				logger.Debug("[PluginHost] dropping message for destroyed handle",
					"plugin", e.plugin.Package(), "handle", msg.Handle.ID)
				continue
			}
			err := e.plugin.HandleMessage(msg.Handle, msg.Transaction,
				msg.Body, msg.JsepType, msg.SDP)
			if err != nil {
				logger.Warn("[PluginHost] message handler failed",
					"plugin", e.plugin.Package(), "handle", msg.Handle.ID, "error", err)
			}
		case <-h.stop:
			return
		}
	}
}
