package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxgate/voxgate/internal/gateway/config"
)

const videocallPackage = "janus.plugin.videocall"

func clientSDP(kind, ufrag string) string {
	return "v=0\r\n" +
		"o=- 1 1 IN IP4 192.0.2.1\r\n" +
		"s=-\r\n" +
		"t=0 0\r\n" +
		"m=audio 5004 UDP/TLS/RTP/SAVPF 111\r\n" +
		"c=IN IP4 192.0.2.1\r\n" +
		"a=ice-ufrag:" + ufrag + "A\r\n" +
		"a=ice-pwd:secretsecretsecretA\r\n" +
		"a=candidate:1 1 udp 2130706431 192.0.2.1 5004 typ host\r\n" +
		"a=" + kind + "\r\n" +
		"m=video 5006 UDP/TLS/RTP/SAVPF 96\r\n" +
		"c=IN IP4 192.0.2.1\r\n" +
		"a=ice-ufrag:" + ufrag + "V\r\n" +
		"a=ice-pwd:secretsecretsecretV\r\n" +
		"a=candidate:2 1 udp 2130706431 192.0.2.1 5006 typ host\r\n" +
		"a=" + kind + "\r\n"
}

type client struct {
	t       *testing.T
	baseURL string
	http    *http.Client
}

func newClient(t *testing.T, baseURL string) *client {
	return &client{t: t, baseURL: baseURL, http: &http.Client{Timeout: 10 * time.Second}}
}

func (c *client) post(path string, payload map[string]any) map[string]any {
	c.t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(c.t, err)
	resp, err := c.http.Post(c.baseURL+path, "application/json", bytes.NewReader(body))
	require.NoError(c.t, err)
	defer resp.Body.Close()
	require.Equal(c.t, http.StatusOK, resp.StatusCode)

	// UseNumber keeps 64-bit ids intact instead of rounding through float64.
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	var out map[string]any
	require.NoError(c.t, dec.Decode(&out))
	return out
}

func (c *client) poll(sessionID uint64) map[string]any {
	c.t.Helper()
	resp, err := c.http.Get(fmt.Sprintf("%s/janus/%d", c.baseURL, sessionID))
	require.NoError(c.t, err)
	defer resp.Body.Close()

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	var out map[string]any
	require.NoError(c.t, dec.Decode(&out))
	return out
}

func (c *client) id(env map[string]any) uint64 {
	c.t.Helper()
	num, ok := env["data"].(map[string]any)["id"].(json.Number)
	require.True(c.t, ok, "envelope: %v", env)
	id, err := strconv.ParseUint(num.String(), 10, 64)
	require.NoError(c.t, err)
	return id
}

func (c *client) createSession() uint64 {
	c.t.Helper()
	env := c.post("/janus", map[string]any{"janus": "create", "transaction": "t"})
	require.Equal(c.t, "success", env["janus"], "envelope: %v", env)
	return c.id(env)
}

func (c *client) attach(sessionID uint64) uint64 {
	c.t.Helper()
	env := c.post(fmt.Sprintf("/janus/%d", sessionID), map[string]any{
		"janus": "attach", "transaction": "t", "plugin": videocallPackage,
	})
	require.Equal(c.t, "success", env["janus"], "envelope: %v", env)
	return c.id(env)
}

func (c *client) message(sessionID, handleID uint64, body map[string]any, jsep map[string]any) {
	c.t.Helper()
	payload := map[string]any{"janus": "message", "transaction": "t", "body": body}
	if jsep != nil {
		payload["jsep"] = jsep
	}
	env := c.post(fmt.Sprintf("/janus/%d/%d", sessionID, handleID), payload)
	require.Equal(c.t, "ack", env["janus"], "envelope: %v", env)
}

// pluginResult digs the videocall result out of an event envelope.
func pluginResult(t *testing.T, env map[string]any) map[string]any {
	t.Helper()
	require.Equal(t, "event", env["janus"], "envelope: %v", env)
	data := env["plugindata"].(map[string]any)["data"].(map[string]any)
	res, ok := data["result"].(map[string]any)
	require.True(t, ok, "no result in %v", data)
	return res
}

func newTestApp(t *testing.T) (*App, *client) {
	t.Helper()
	cfg := &config.Config{
		ConfigsFolder: t.TempDir(),
		LogLevel:      "error",
		HTTPEnabled:   true,
		Port:          8088,
		BasePath:      "/janus",
		LocalIP:       "127.0.0.1",
	}
	a, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(a.Host.Shutdown)

	ts := httptest.NewServer(a.httpSrv.Handler)
	t.Cleanup(ts.Close)
	return a, newClient(t, ts.URL)
}

func TestFullCallFlow(t *testing.T) {
	a, c := newTestApp(t)

	aliceSession := c.createSession()
	aliceHandle := c.attach(aliceSession)
	bobSession := c.createSession()
	bobHandle := c.attach(bobSession)

	c.message(aliceSession, aliceHandle, map[string]any{"request": "register", "username": "alice"}, nil)
	res := pluginResult(t, c.poll(aliceSession))
	require.Equal(t, "registered", res["event"])

	c.message(bobSession, bobHandle, map[string]any{"request": "register", "username": "bob"}, nil)
	res = pluginResult(t, c.poll(bobSession))
	require.Equal(t, "registered", res["event"])

	// Alice calls Bob with a real offer.
	c.message(aliceSession, aliceHandle,
		map[string]any{"request": "call", "username": "bob"},
		map[string]any{"type": "offer", "sdp": clientSDP("sendrecv", "alice")})

	bobEvent := c.poll(bobSession)
	res = pluginResult(t, bobEvent)
	assert.Equal(t, "incomingcall", res["event"])
	assert.Equal(t, "alice", res["username"])

	jsepObj, ok := bobEvent["jsep"].(map[string]any)
	require.True(t, ok, "incoming call must carry the offer")
	assert.Equal(t, "offer", jsepObj["type"])
	offerSDP := jsepObj["sdp"].(string)
	assert.Contains(t, offerSDP, "a=candidate:", "gateway candidates must be merged in")
	assert.Contains(t, offerSDP, "a=fingerprint:sha-256 "+a.Agent.Fingerprint())
	assert.NotContains(t, offerSDP, "aliceA", "client credentials must not leak through")

	res = pluginResult(t, c.poll(aliceSession))
	assert.Equal(t, "calling", res["event"])

	// Bob answers; Alice receives the merged answer.
	c.message(bobSession, bobHandle,
		map[string]any{"request": "accept"},
		map[string]any{"type": "answer", "sdp": clientSDP("sendrecv", "bob")})

	aliceEvent := c.poll(aliceSession)
	res = pluginResult(t, aliceEvent)
	assert.Equal(t, "accepted", res["event"])
	jsepObj, ok = aliceEvent["jsep"].(map[string]any)
	require.True(t, ok, "accept must carry the answer")
	assert.Equal(t, "answer", jsepObj["type"])
	assert.Contains(t, jsepObj["sdp"].(string), "a=ice-pwd:")

	res = pluginResult(t, c.poll(bobSession))
	assert.Equal(t, "accepted", res["event"])

	// Both transports completed negotiation.
	ah, ok := a.Registry.FindHandle(aliceHandle)
	require.True(t, ok)
	assert.True(t, ah.Media.Ready())
	bh, ok := a.Registry.FindHandle(bobHandle)
	require.True(t, ok)
	assert.True(t, bh.Media.Ready())

	// Alice hangs up; Bob is told.
	c.message(aliceSession, aliceHandle, map[string]any{"request": "hangup"}, nil)
	res = pluginResult(t, c.poll(aliceSession))
	assert.Equal(t, "hangup", res["event"])
	assert.Equal(t, "We did the hangup", res["reason"])
	res = pluginResult(t, c.poll(bobSession))
	assert.Equal(t, "hangup", res["event"])
	assert.Equal(t, "Remote hangup", res["reason"])
}

func TestDestroySessionFreesUsername(t *testing.T) {
	_, c := newTestApp(t)

	s1 := c.createSession()
	h1 := c.attach(s1)
	c.message(s1, h1, map[string]any{"request": "register", "username": "carol"}, nil)
	require.Equal(t, "registered", pluginResult(t, c.poll(s1))["event"])

	env := c.post(fmt.Sprintf("/janus/%d", s1), map[string]any{"janus": "destroy", "transaction": "t"})
	require.Equal(t, "success", env["janus"])

	s2 := c.createSession()
	h2 := c.attach(s2)
	c.message(s2, h2, map[string]any{"request": "register", "username": "carol"}, nil)
	assert.Equal(t, "registered", pluginResult(t, c.poll(s2))["event"])
}
