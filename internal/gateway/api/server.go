// Package api implements the JSON control protocol over HTTP: session
// and handle commands on POST, event delivery on long-poll GET.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/voxgate/voxgate/internal/gateway/core"
	"github.com/voxgate/voxgate/internal/gateway/jsep"
	"github.com/voxgate/voxgate/internal/gateway/metrics"
	"github.com/voxgate/voxgate/internal/gateway/plugin"
	"github.com/voxgate/voxgate/internal/logger"
)

// pollTimeout is how long a session GET hangs before a keepalive.
const pollTimeout = 30 * time.Second

// maxRequestBody caps control protocol POST bodies.
const maxRequestBody = 1 << 20

// Server dispatches the control protocol. One instance serves both the
// HTTP and HTTPS listeners.
type Server struct {
	basePath  string
	registry  *core.Registry
	plugins   *plugin.Host
	bridge    *jsep.Bridge
	collector *metrics.Collector
	stop      <-chan struct{}
}

// NewServer builds the dispatcher. basePath is the mount point of the
// protocol, already validated by the configuration.
func NewServer(basePath string, registry *core.Registry, plugins *plugin.Host,
	bridge *jsep.Bridge, collector *metrics.Collector, stop <-chan struct{}) *Server {
	return &Server{
		basePath:  basePath,
		registry:  registry,
		plugins:   plugins,
		bridge:    bridge,
		collector: collector,
		stop:      stop,
	}
}

// scope is the parsed request path: session and handle ids, zero when
// the path level is absent.
type scope struct {
	sessionID uint64
	handleID  uint64
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")

	if r.Method == http.MethodOptions {
		if m := r.Header.Get("Access-Control-Request-Method"); m != "" {
			w.Header().Set("Access-Control-Allow-Methods", m)
		}
		if h := r.Header.Get("Access-Control-Request-Headers"); h != "" {
			w.Header().Set("Access-Control-Allow-Headers", h)
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	sc, ok := s.parsePath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleGet(w, r, sc)
	case http.MethodPost:
		s.handlePost(w, r, sc)
	default:
		w.WriteHeader(http.StatusNotImplemented)
	}
}

// parsePath maps the URL onto a scope. Anything that is not the base
// path followed by at most two numeric segments is rejected.
func (s *Server) parsePath(path string) (scope, bool) {
	if !strings.HasPrefix(path, s.basePath) {
		return scope{}, false
	}
	rest := strings.TrimPrefix(path, s.basePath)
	if rest != "" && !strings.HasPrefix(rest, "/") {
		return scope{}, false
	}
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return scope{}, true
	}

	segs := strings.Split(rest, "/")
	if len(segs) > 2 {
		return scope{}, false
	}
	var sc scope
	for i, seg := range segs {
		id, err := strconv.ParseUint(seg, 10, 64)
		if err != nil || id == 0 {
			return scope{}, false
		}
		if i == 0 {
			sc.sessionID = id
		} else {
			sc.handleID = id
		}
	}
	return sc, true
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, sc scope) {
	switch {
	case sc.sessionID == 0:
		s.writeError(w, "", NewError(ErrorUsePost, "Use POST to create a session"))
	case sc.handleID != 0:
		// Events are delivered at the session level.
		http.Redirect(w, r, fmt.Sprintf("%s/%d", s.basePath, sc.sessionID), http.StatusFound)
	default:
		s.longPoll(w, r, sc.sessionID)
	}
}

// longPoll hangs on the session event queue and answers with the oldest
// pending event, or a keepalive after the timeout.
func (s *Server) longPoll(w http.ResponseWriter, r *http.Request, sessionID uint64) {
	sess, ok := s.registry.FindSession(sessionID)
	if !ok {
		s.writeError(w, "", NewError(ErrorSessionNotFound, "No such session %d", sessionID))
		return
	}

	stop := make(chan struct{})
	go func() {
		select {
		case <-s.stop:
		case <-r.Context().Done():
		}
		close(stop)
	}()

	if ev, ok := sess.Queue.Poll(pollTimeout, stop); ok {
		s.writeRaw(w, ev)
		return
	}
	s.writePayload(w, map[string]any{"janus": "keepalive"})
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request, sc scope) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		s.writeError(w, "", NewError(ErrorInvalidJSON, "JSON error: %v", err))
		return
	}

	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		s.writeError(w, "", invalidJSONError(body, err))
		return
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		s.writeError(w, "", NewError(ErrorInvalidJSONObject, "JSON error: not an object"))
		return
	}

	transaction, perr := stringElement(obj, "transaction")
	if perr != nil {
		s.writeError(w, "", perr)
		return
	}
	request, perr := stringElement(obj, "janus")
	if perr != nil {
		s.writeError(w, transaction, perr)
		return
	}

	var payload map[string]any
	switch {
	case sc.sessionID == 0:
		payload, perr = s.rootCommand(request, transaction)
	case sc.handleID == 0:
		payload, perr = s.sessionCommand(request, transaction, obj, sc.sessionID)
	default:
		payload, perr = s.handleCommand(request, transaction, obj, sc)
	}
	if perr != nil {
		s.writeError(w, transaction, perr)
		return
	}
	s.writePayload(w, payload)
}

func (s *Server) rootCommand(request, transaction string) (map[string]any, *Error) {
	if request != "create" {
		return nil, NewError(ErrorInvalidRequestPath, "Unhandled request '%s' at this path", request)
	}
	sess := s.registry.CreateSession()
	s.collector.SessionCreated()
	logger.Info("[API] session created", "session", sess.ID)
	return successEnvelope(transaction, map[string]any{"id": sess.ID}), nil
}

func (s *Server) sessionCommand(request, transaction string, obj map[string]any, sessionID uint64) (map[string]any, *Error) {
	sess, ok := s.registry.FindSession(sessionID)
	if !ok {
		return nil, NewError(ErrorSessionNotFound, "No such session %d", sessionID)
	}

	switch request {
	case "attach":
		return s.attach(transaction, obj, sess)
	case "destroy":
		s.registry.DestroySession(sess.ID)
		s.collector.SessionDestroyed()
		logger.Info("[API] session destroyed", "session", sess.ID)
		return successEnvelope(transaction, nil), nil
	default:
		return nil, NewError(ErrorInvalidRequestPath, "Unhandled request '%s' at this path", request)
	}
}

func (s *Server) attach(transaction string, obj map[string]any, sess *core.Session) (map[string]any, *Error) {
	pkg, perr := stringElement(obj, "plugin")
	if perr != nil {
		return nil, perr
	}
	p, ok := s.plugins.Find(pkg)
	if !ok {
		return nil, NewError(ErrorPluginNotFound, "No such plugin '%s'", pkg)
	}
	h, ok := s.registry.AttachHandle(sess, p)
	if !ok {
		return nil, NewError(ErrorSessionNotFound, "No such session %d", sess.ID)
	}
	if err := p.CreateSession(h); err != nil {
		s.registry.DestroyHandle(sess, h.ID)
		return nil, NewError(ErrorPluginAttach, "Couldn't attach to plugin: %v", err)
	}
	if h.Destroyed() {
		// The session was destroyed while the plugin was binding; the
		// teardown cascade may have run before the plugin state
		// existed, so detach again now that it does.
		if err := p.DestroySession(h); err != nil {
			logger.Warn("[API] detach after raced attach failed", "handle", h.ID, "error", err)
		}
		return nil, NewError(ErrorSessionNotFound, "No such session %d", sess.ID)
	}
	s.collector.HandleAttached()
	logger.Info("[API] handle attached", "session", sess.ID, "handle", h.ID, "plugin", pkg)
	return successEnvelope(transaction, map[string]any{"id": h.ID}), nil
}

func (s *Server) handleCommand(request, transaction string, obj map[string]any, sc scope) (map[string]any, *Error) {
	sess, ok := s.registry.FindSession(sc.sessionID)
	if !ok {
		return nil, NewError(ErrorSessionNotFound, "No such session %d", sc.sessionID)
	}
	h, ok := sess.FindHandle(sc.handleID)
	if !ok {
		return nil, NewError(ErrorHandleNotFound, "No such handle %d in session %d", sc.handleID, sc.sessionID)
	}

	switch request {
	case "detach":
		if !s.registry.DestroyHandle(sess, h.ID) {
			return nil, NewError(ErrorHandleNotFound, "No such handle %d in session %d", sc.handleID, sc.sessionID)
		}
		s.collector.HandleDetached()
		logger.Info("[API] handle detached", "session", sess.ID, "handle", h.ID)
		return successEnvelope(transaction, nil), nil
	case "message":
		return s.message(transaction, obj, h)
	default:
		return nil, NewError(ErrorInvalidRequestPath, "Unhandled request '%s' at this path", request)
	}
}

func (s *Server) message(transaction string, obj map[string]any, h *core.Handle) (map[string]any, *Error) {
	b, present := obj["body"]
	if !present {
		return nil, NewError(ErrorMissingMandatoryElement, "JSON error: missing mandatory element (body)")
	}
	bodyMap, ok := b.(map[string]any)
	if !ok {
		return nil, NewError(ErrorInvalidJSONObject, "JSON error: body is not an object")
	}

	var jsepType, jsepSDP string
	if j, present := obj["jsep"]; present {
		jm, ok := j.(map[string]any)
		if !ok {
			return nil, NewError(ErrorInvalidJSONObject, "JSON error: jsep is not an object")
		}
		var perr *Error
		jsepType, perr = stringElement(jm, "type")
		if perr != nil {
			return nil, perr
		}
		sdpText, perr := stringElement(jm, "sdp")
		if perr != nil {
			return nil, perr
		}

		anonymized, err := s.bridge.ProcessRemote(h.Media, jsepType, sdpText)
		switch {
		case err == jsep.ErrUnknownType:
			return nil, NewError(ErrorJSEPUnknownType, "JSEP error: unknown message type '%s'", jsepType)
		case err != nil:
			logger.Warn("[API] remote description rejected", "handle", h.ID, "error", err)
			return nil, NewError(ErrorJSEPInvalidSDP, "JSEP error: invalid SDP")
		}
		jsepSDP = anonymized
	}

	err := s.plugins.Dispatch(plugin.InboundMessage{
		Handle:      h,
		Transaction: transaction,
		Body:        bodyMap,
		JsepType:    jsepType,
		SDP:         jsepSDP,
	})
	if err != nil {
		return nil, NewError(ErrorPluginMessage, "Couldn't queue message to plugin: %v", err)
	}
	s.collector.MessageQueued()
	return map[string]any{"janus": "ack", "transaction": transaction}, nil
}

// invalidJSONError builds the parse error, locating syntax errors by
// line and column within the request body.
func invalidJSONError(body []byte, err error) *Error {
	var syn *json.SyntaxError
	if !errors.As(err, &syn) {
		return NewError(ErrorInvalidJSON, "JSON error: %v", err)
	}
	line, col := 1, 1
	for i := int64(0); i < syn.Offset-1 && i < int64(len(body)); i++ {
		if body[i] == '\n' {
			line++
			col = 1
		} else {
			col++
		}
	}
	return NewError(ErrorInvalidJSON, "JSON error: on line %d, column %d: %s", line, col, syn.Error())
}

// stringElement fetches a mandatory string member of a JSON object.
func stringElement(obj map[string]any, key string) (string, *Error) {
	v, present := obj[key]
	if !present {
		return "", NewError(ErrorMissingMandatoryElement, "JSON error: missing mandatory element (%s)", key)
	}
	str, ok := v.(string)
	if !ok {
		return "", NewError(ErrorInvalidJSONObject, "JSON error: %s is not a string", key)
	}
	return str, nil
}

func successEnvelope(transaction string, data map[string]any) map[string]any {
	env := map[string]any{"janus": "success", "transaction": transaction}
	if data != nil {
		env["data"] = data
	}
	return env
}

// writeError sends the error envelope. Protocol errors always travel in
// a 200 response; the envelope carries the code.
func (s *Server) writeError(w http.ResponseWriter, transaction string, e *Error) {
	env := map[string]any{"janus": "error", "error": e}
	if transaction != "" {
		env["transaction"] = transaction
	}
	s.writePayload(w, env)
}

func (s *Server) writePayload(w http.ResponseWriter, payload map[string]any) {
	out, err := json.Marshal(payload)
	if err != nil {
		logger.Error("[API] response marshal failed", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	s.writeRaw(w, out)
}

func (s *Server) writeRaw(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}
