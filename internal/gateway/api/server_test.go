package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxgate/voxgate/internal/gateway/core"
	"github.com/voxgate/voxgate/internal/gateway/ice"
	"github.com/voxgate/voxgate/internal/gateway/jsep"
	"github.com/voxgate/voxgate/internal/gateway/plugin"
)

const testOffer = "v=0\r\n" +
	"o=- 1 1 IN IP4 192.0.2.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 5004 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 192.0.2.1\r\n" +
	"a=ice-ufrag:aliceUfrag\r\n" +
	"a=ice-pwd:alicePwd\r\n" +
	"a=candidate:1 1 udp 2130706431 192.0.2.1 5004 typ host\r\n"

// echoPlugin records delivered messages.
type echoPlugin struct {
	messages chan plugin.InboundMessage
}

func (e *echoPlugin) Version() int                         { return 1 }
func (e *echoPlugin) VersionString() string                { return "0.0.1" }
func (e *echoPlugin) Name() string                         { return "Echo plugin" }
func (e *echoPlugin) Description() string                  { return "test echo" }
func (e *echoPlugin) Package() string                      { return "test.plugin.echo" }
func (e *echoPlugin) Init(core.Gateway, string) error      { return nil }
func (e *echoPlugin) Destroy()                             {}
func (e *echoPlugin) CreateSession(*core.Handle) error     { return nil }
func (e *echoPlugin) DestroySession(*core.Handle) error    { return nil }

func (e *echoPlugin) HandleMessage(h *core.Handle, transaction string, body map[string]any, jsepType, sdp string) error {
	e.messages <- plugin.InboundMessage{
		Handle:      h,
		Transaction: transaction,
		Body:        body,
		JsepType:    jsepType,
		SDP:         sdp,
	}
	return nil
}

func (e *echoPlugin) SetupMedia(*core.Handle)                 {}
func (e *echoPlugin) IncomingRTP(*core.Handle, bool, []byte)  {}
func (e *echoPlugin) IncomingRTCP(*core.Handle, bool, []byte) {}
func (e *echoPlugin) HangupMedia(*core.Handle)                {}

type stubGateway struct{}

func (stubGateway) PushEvent(*core.Handle, string, map[string]any, string, string) error { return nil }
func (stubGateway) RelayRTP(*core.Handle, bool, []byte)                                  {}
func (stubGateway) RelayRTCP(*core.Handle, bool, []byte)                                 {}

type testEnv struct {
	server   *Server
	registry *core.Registry
	plugin   *echoPlugin
	stop     chan struct{}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	registry := core.NewRegistry()
	agent := ice.NewLoopbackAgent(ice.LoopbackConfig{})
	bridge := jsep.NewBridge(agent, "127.0.0.1")

	echo := &echoPlugin{messages: make(chan plugin.InboundMessage, 16)}
	host := plugin.NewHost()
	require.NoError(t, host.Register(func() core.Plugin { return echo }))
	require.NoError(t, host.Init(stubGateway{}, ""))
	t.Cleanup(host.Shutdown)

	stop := make(chan struct{})
	return &testEnv{
		server:   NewServer("/janus", registry, host, bridge, nil, stop),
		registry: registry,
		plugin:   echo,
		stop:     stop,
	}
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	e.server.ServeHTTP(w, req)
	return w
}

// decode parses a response envelope keeping numbers as json.Number, so
// 64-bit ids are not squeezed through float64.
func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	dec := json.NewDecoder(bytes.NewReader(w.Body.Bytes()))
	dec.UseNumber()
	var out map[string]any
	require.NoError(t, dec.Decode(&out), "body: %s", w.Body.String())
	return out
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) (int, string) {
	t.Helper()
	env := decode(t, w)
	require.Equal(t, "error", env["janus"], "body: %s", w.Body.String())
	errObj, ok := env["error"].(map[string]any)
	require.True(t, ok)
	code, err := errObj["code"].(json.Number).Int64()
	require.NoError(t, err)
	return int(code), errObj["reason"].(string)
}

func decodeID(t *testing.T, env map[string]any) uint64 {
	t.Helper()
	data, ok := env["data"].(map[string]any)
	require.True(t, ok, "envelope: %v", env)
	num, ok := data["id"].(json.Number)
	require.True(t, ok, "id: %v", data["id"])
	id, err := strconv.ParseUint(num.String(), 10, 64)
	require.NoError(t, err)
	return id
}

func (e *testEnv) createSession(t *testing.T) uint64 {
	t.Helper()
	w := e.do(http.MethodPost, "/janus", `{"janus":"create","transaction":"t1"}`)
	env := decode(t, w)
	require.Equal(t, "success", env["janus"])
	return decodeID(t, env)
}

func (e *testEnv) attach(t *testing.T, sid uint64) uint64 {
	t.Helper()
	w := e.do(http.MethodPost, fmt.Sprintf("/janus/%d", sid),
		`{"janus":"attach","transaction":"t2","plugin":"test.plugin.echo"}`)
	env := decode(t, w)
	require.Equal(t, "success", env["janus"], "body: %s", w.Body.String())
	return decodeID(t, env)
}

func TestCORSPreflight(t *testing.T) {
	e := newTestEnv(t)
	req := httptest.NewRequest(http.MethodOptions, "/janus", nil)
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "Content-Type")
	w := httptest.NewRecorder()
	e.server.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "POST", w.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "Content-Type", w.Header().Get("Access-Control-Allow-Headers"))
}

func TestGetRootWantsPost(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(http.MethodGet, "/janus", "")
	assert.Equal(t, http.StatusOK, w.Code)
	code, reason := errorCode(t, w)
	assert.Equal(t, ErrorUsePost, code)
	assert.Equal(t, "Use POST to create a session", reason)
}

func TestUnsupportedMethod(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(http.MethodPut, "/janus", "{}")
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestMalformedPaths(t *testing.T) {
	e := newTestEnv(t)
	for _, path := range []string{"/other", "/janusx", "/janus/abc", "/janus/0", "/janus/1/2/3"} {
		w := e.do(http.MethodGet, path, "")
		assert.Equal(t, http.StatusNotFound, w.Code, "path %s", path)
	}
}

func TestEnvelopeValidation(t *testing.T) {
	e := newTestEnv(t)
	tests := []struct {
		name   string
		body   string
		code   int
		reason string
	}{
		{"invalid json", "{not json", ErrorInvalidJSON, ""},
		{"not an object", "[1,2]", ErrorInvalidJSONObject, "JSON error: not an object"},
		{"missing transaction", `{"janus":"create"}`, ErrorMissingMandatoryElement,
			"JSON error: missing mandatory element (transaction)"},
		{"transaction not a string", `{"janus":"create","transaction":5}`, ErrorInvalidJSONObject,
			"JSON error: transaction is not a string"},
		{"missing janus", `{"transaction":"t"}`, ErrorMissingMandatoryElement,
			"JSON error: missing mandatory element (janus)"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := e.do(http.MethodPost, "/janus", tc.body)
			assert.Equal(t, http.StatusOK, w.Code)
			code, reason := errorCode(t, w)
			assert.Equal(t, tc.code, code)
			if tc.reason != "" {
				assert.Equal(t, tc.reason, reason)
			}
		})
	}
}

func TestCreateAndDestroySession(t *testing.T) {
	e := newTestEnv(t)
	sid := e.createSession(t)
	require.NotZero(t, sid)
	_, ok := e.registry.FindSession(sid)
	require.True(t, ok)

	w := e.do(http.MethodPost, fmt.Sprintf("/janus/%d", sid), `{"janus":"destroy","transaction":"t9"}`)
	env := decode(t, w)
	assert.Equal(t, "success", env["janus"])
	assert.Equal(t, "t9", env["transaction"])

	_, ok = e.registry.FindSession(sid)
	assert.False(t, ok)

	// Commands on the destroyed session now fail.
	w = e.do(http.MethodPost, fmt.Sprintf("/janus/%d", sid), `{"janus":"destroy","transaction":"ta"}`)
	code, reason := errorCode(t, w)
	assert.Equal(t, ErrorSessionNotFound, code)
	assert.Equal(t, fmt.Sprintf("No such session %d", sid), reason)
}

func TestUnknownRequestAtPath(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(http.MethodPost, "/janus", `{"janus":"frobnicate","transaction":"t"}`)
	code, reason := errorCode(t, w)
	assert.Equal(t, ErrorInvalidRequestPath, code)
	assert.Equal(t, "Unhandled request 'frobnicate' at this path", reason)

	// Known commands sent at the wrong scope get the same treatment.
	sid := e.createSession(t)
	w = e.do(http.MethodPost, fmt.Sprintf("/janus/%d", sid), `{"janus":"create","transaction":"t"}`)
	code, _ = errorCode(t, w)
	assert.Equal(t, ErrorInvalidRequestPath, code)

	w = e.do(http.MethodPost, fmt.Sprintf("/janus/%d", sid),
		`{"janus":"message","transaction":"t","body":{}}`)
	code, reason = errorCode(t, w)
	assert.Equal(t, ErrorInvalidRequestPath, code)
	assert.Equal(t, "Unhandled request 'message' at this path", reason)
}

func TestIDsSurviveEnvelopeRoundTrip(t *testing.T) {
	e := newTestEnv(t)
	// Random ids routinely exceed 2^53, where float64 loses integer
	// precision, so the decoded ids must still resolve in the registry.
	for i := 0; i < 8; i++ {
		sid := e.createSession(t)
		hid := e.attach(t, sid)
		_, ok := e.registry.FindSession(sid)
		require.True(t, ok, "session id %d did not round-trip", sid)
		h, ok := e.registry.FindHandle(hid)
		require.True(t, ok, "handle id %d did not round-trip", hid)
		assert.Equal(t, sid, h.SessionID)
	}
}

func TestInvalidJSONReportsPosition(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(http.MethodPost, "/janus", "{\n  \"janus\": oops\n}")
	code, reason := errorCode(t, w)
	assert.Equal(t, ErrorInvalidJSON, code)
	assert.Contains(t, reason, "on line 2, column")
}

func TestAttachUnknownPlugin(t *testing.T) {
	e := newTestEnv(t)
	sid := e.createSession(t)
	w := e.do(http.MethodPost, fmt.Sprintf("/janus/%d", sid),
		`{"janus":"attach","transaction":"t","plugin":"janus.plugin.none"}`)
	code, reason := errorCode(t, w)
	assert.Equal(t, ErrorPluginNotFound, code)
	assert.Equal(t, "No such plugin 'janus.plugin.none'", reason)
}

func TestAttachAndDetach(t *testing.T) {
	e := newTestEnv(t)
	sid := e.createSession(t)
	hid := e.attach(t, sid)
	require.NotZero(t, hid)

	// GET on the handle path redirects to the session path.
	w := e.do(http.MethodGet, fmt.Sprintf("/janus/%d/%d", sid, hid), "")
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, fmt.Sprintf("/janus/%d", sid), w.Header().Get("Location"))

	w = e.do(http.MethodPost, fmt.Sprintf("/janus/%d/%d", sid, hid), `{"janus":"detach","transaction":"t"}`)
	env := decode(t, w)
	assert.Equal(t, "success", env["janus"])

	w = e.do(http.MethodPost, fmt.Sprintf("/janus/%d/%d", sid, hid), `{"janus":"detach","transaction":"t"}`)
	code, reason := errorCode(t, w)
	assert.Equal(t, ErrorHandleNotFound, code)
	assert.Equal(t, fmt.Sprintf("No such handle %d in session %d", hid, sid), reason)
}

func TestMessageDelivery(t *testing.T) {
	e := newTestEnv(t)
	sid := e.createSession(t)
	hid := e.attach(t, sid)
	path := fmt.Sprintf("/janus/%d/%d", sid, hid)

	w := e.do(http.MethodPost, path, `{"janus":"message","transaction":"t"}`)
	code, reason := errorCode(t, w)
	assert.Equal(t, ErrorMissingMandatoryElement, code)
	assert.Equal(t, "JSON error: missing mandatory element (body)", reason)

	w = e.do(http.MethodPost, path, `{"janus":"message","transaction":"t3","body":{"request":"ping"}}`)
	env := decode(t, w)
	assert.Equal(t, "ack", env["janus"])
	assert.Equal(t, "t3", env["transaction"])

	select {
	case msg := <-e.plugin.messages:
		assert.Equal(t, hid, msg.Handle.ID)
		assert.Equal(t, "t3", msg.Transaction)
		assert.Equal(t, "ping", msg.Body["request"])
		assert.Empty(t, msg.JsepType)
	case <-time.After(2 * time.Second):
		t.Fatal("message never reached the plugin worker")
	}
}

func TestMessageWithJsep(t *testing.T) {
	e := newTestEnv(t)
	sid := e.createSession(t)
	hid := e.attach(t, sid)
	path := fmt.Sprintf("/janus/%d/%d", sid, hid)

	w := e.do(http.MethodPost, path,
		`{"janus":"message","transaction":"t","body":{},"jsep":{"type":"rollback","sdp":"v=0"}}`)
	code, reason := errorCode(t, w)
	assert.Equal(t, ErrorJSEPUnknownType, code)
	assert.Equal(t, "JSEP error: unknown message type 'rollback'", reason)

	w = e.do(http.MethodPost, path,
		`{"janus":"message","transaction":"t","body":{},"jsep":{"type":"offer","sdp":"garbage"}}`)
	code, _ = errorCode(t, w)
	assert.Equal(t, ErrorJSEPInvalidSDP, code)

	payload, err := json.Marshal(map[string]any{
		"janus":       "message",
		"transaction": "t5",
		"body":        map[string]any{"request": "call"},
		"jsep":        map[string]any{"type": "offer", "sdp": testOffer},
	})
	require.NoError(t, err)
	w = e.do(http.MethodPost, path, string(payload))
	env := decode(t, w)
	require.Equal(t, "ack", env["janus"], "body: %s", w.Body.String())

	select {
	case msg := <-e.plugin.messages:
		assert.Equal(t, "offer", msg.JsepType)
		assert.NotContains(t, msg.SDP, "a=candidate", "plugin must get the anonymized SDP")
		assert.NotContains(t, msg.SDP, "a=ice-ufrag")
	case <-time.After(2 * time.Second):
		t.Fatal("message never reached the plugin worker")
	}
}

func TestLongPollDeliversPendingEvent(t *testing.T) {
	e := newTestEnv(t)
	sid := e.createSession(t)
	sess, ok := e.registry.FindSession(sid)
	require.True(t, ok)

	sess.Queue.Push(json.RawMessage(`{"janus":"event","sender":7}`))
	w := e.do(http.MethodGet, fmt.Sprintf("/janus/%d", sid), "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"janus":"event","sender":7}`, w.Body.String())
}

func TestLongPollUnknownSession(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(http.MethodGet, "/janus/12345", "")
	assert.Equal(t, http.StatusOK, w.Code)
	code, reason := errorCode(t, w)
	assert.Equal(t, ErrorSessionNotFound, code)
	assert.Equal(t, "No such session 12345", reason)
}

func TestLongPollKeepaliveOnStop(t *testing.T) {
	e := newTestEnv(t)
	sid := e.createSession(t)
	close(e.stop)

	w := e.do(http.MethodGet, fmt.Sprintf("/janus/%d", sid), "")
	env := decode(t, w)
	assert.Equal(t, "keepalive", env["janus"])
}

// blockingPlugin parks CreateSession until released so tests can overlap
// an attach with other registry operations.
type blockingPlugin struct {
	started chan struct{}
	release chan struct{}

	mu       sync.Mutex
	sessions map[uint64]bool
}

func (b *blockingPlugin) Version() int                    { return 1 }
func (b *blockingPlugin) VersionString() string           { return "0.0.1" }
func (b *blockingPlugin) Name() string                    { return "Blocking plugin" }
func (b *blockingPlugin) Description() string             { return "test blocker" }
func (b *blockingPlugin) Package() string                 { return "test.plugin.block" }
func (b *blockingPlugin) Init(core.Gateway, string) error { return nil }
func (b *blockingPlugin) Destroy()                        {}

func (b *blockingPlugin) CreateSession(h *core.Handle) error {
	b.started <- struct{}{}
	<-b.release
	b.mu.Lock()
	b.sessions[h.ID] = true
	b.mu.Unlock()
	return nil
}

func (b *blockingPlugin) DestroySession(h *core.Handle) error {
	b.mu.Lock()
	delete(b.sessions, h.ID)
	b.mu.Unlock()
	return nil
}

func (b *blockingPlugin) HandleMessage(*core.Handle, string, map[string]any, string, string) error {
	return nil
}

func (b *blockingPlugin) SetupMedia(*core.Handle)                 {}
func (b *blockingPlugin) IncomingRTP(*core.Handle, bool, []byte)  {}
func (b *blockingPlugin) IncomingRTCP(*core.Handle, bool, []byte) {}
func (b *blockingPlugin) HangupMedia(*core.Handle)                {}

func TestAttachRacingSessionDestroy(t *testing.T) {
	registry := core.NewRegistry()
	agent := ice.NewLoopbackAgent(ice.LoopbackConfig{})
	bridge := jsep.NewBridge(agent, "127.0.0.1")

	blocker := &blockingPlugin{
		started:  make(chan struct{}),
		release:  make(chan struct{}),
		sessions: make(map[uint64]bool),
	}
	host := plugin.NewHost()
	require.NoError(t, host.Register(func() core.Plugin { return blocker }))
	require.NoError(t, host.Init(stubGateway{}, ""))
	t.Cleanup(host.Shutdown)

	stop := make(chan struct{})
	e := &testEnv{
		server:   NewServer("/janus", registry, host, bridge, nil, stop),
		registry: registry,
		stop:     stop,
	}
	sid := e.createSession(t)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- e.do(http.MethodPost, fmt.Sprintf("/janus/%d", sid),
			`{"janus":"attach","transaction":"t","plugin":"test.plugin.block"}`)
	}()

	// The plugin is now mid-bind; destroy the session underneath it.
	<-blocker.started
	require.True(t, registry.DestroySession(sid))
	close(blocker.release)

	w := <-done
	code, _ := errorCode(t, w)
	assert.Equal(t, ErrorSessionNotFound, code)

	blocker.mu.Lock()
	defer blocker.mu.Unlock()
	assert.Empty(t, blocker.sessions, "plugin state must not outlive the session")
}
