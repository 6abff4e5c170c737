package core

// Plugin is the contract every gateway plugin implements. The gateway
// calls these entry points; the plugin talks back through the Gateway
// callbacks it received in Init.
type Plugin interface {
	Version() int
	VersionString() string
	Name() string
	Description() string
	// Package is the unique reverse-domain plugin identifier clients
	// use in attach requests.
	Package() string

	Init(gw Gateway, configPath string) error
	Destroy()

	// CreateSession binds the plugin to a freshly attached handle.
	CreateSession(h *Handle) error
	// DestroySession releases plugin state bound to the handle.
	DestroySession(h *Handle) error

	// HandleMessage processes one asynchronous client message. body is
	// the request payload; jsepType/sdp carry the (already anonymized)
	// session description, empty when the message had none.
	HandleMessage(h *Handle, transaction string, body map[string]any, jsepType, sdp string) error

	// SetupMedia fires when the handle's transport comes up.
	SetupMedia(h *Handle)
	// IncomingRTP and IncomingRTCP deliver inbound media.
	IncomingRTP(h *Handle, video bool, buf []byte)
	IncomingRTCP(h *Handle, video bool, buf []byte)
	// HangupMedia fires when the handle's transport goes away.
	HangupMedia(h *Handle)
}

// Gateway is the callback surface the core exposes to plugins.
type Gateway interface {
	// PushEvent queues an asynchronous event for the handle's session.
	// jsepType/sdp attach a session description to the event; the
	// gateway enriches the SDP with its own transport parameters before
	// delivery.
	PushEvent(h *Handle, transaction string, event map[string]any, jsepType, sdp string) error

	// RelayRTP and RelayRTCP send media towards the handle's peer.
	RelayRTP(h *Handle, video bool, buf []byte)
	RelayRTCP(h *Handle, video bool, buf []byte)
}
