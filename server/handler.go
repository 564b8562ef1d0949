// Package server exposes the call engine to agents over a long-lived
// session protocol: JSON-RPC 2.0 messages on POST /rpc with the session id
// carried in a header, plus boundary-only operational endpoints.
package server

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/restgate/restgate"
	"github.com/restgate/restgate/engine"
	"github.com/restgate/restgate/internal/jsonrpc"
	"github.com/restgate/restgate/internal/logctx"
	"github.com/restgate/restgate/obs"
	"github.com/restgate/restgate/sessions"
)

const (
	sessionIDHeader = "Restgate-Session-Id"
	authHeader      = "Restgate-Auth"

	// protocolVersion identifies the tool surface contract.
	protocolVersion = "2026-02-01"
)

var jsonMediaType = contenttype.NewMediaType("application/json")

// Option configures the Handler.
type Option func(*Handler)

// WithLogger sets the slog logger. The handler wraps it with the context
// enricher so request/session/tool groups ride along automatically.
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) { h.log = log }
}

// WithSharedSecret gates every request on the Restgate-Auth header. The
// comparison is constant-time.
func WithSharedSecret(secret string) Option {
	return func(h *Handler) { h.secret = []byte(secret) }
}

// WithServerName sets the name advertised in the handshake result.
func WithServerName(name string) Option {
	return func(h *Handler) { h.serverName = name }
}

// Handler is the HTTP surface. Construct with New; zero value is not usable.
type Handler struct {
	mux      *http.ServeMux
	log      *slog.Logger
	eng      *engine.Engine
	sessions *sessions.Manager
	metrics  *obs.Metrics
	tools    []toolDef

	secret     []byte
	serverName string
}

// New wires the handler over the engine, session manager, and metric set.
func New(eng *engine.Engine, sm *sessions.Manager, metrics *obs.Metrics, opts ...Option) *Handler {
	h := &Handler{
		eng:        eng,
		sessions:   sm,
		metrics:    metrics,
		log:        slog.Default(),
		serverName: "restgate",
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = slog.New(logctx.Handler{Handler: h.log.Handler()})
	h.tools = h.buildTools()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /rpc", h.handlePostRPC)
	mux.HandleFunc("DELETE /rpc", h.handleDeleteRPC)
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /readyz", h.handleReadyz)
	mux.HandleFunc("GET /status", h.handleStatus)
	mux.Handle("GET /metrics", metrics.Handler())
	h.mux = mux
	return h
}

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		Path:       r.URL.Path,
		RemoteAddr: r.RemoteAddr,
	})
	rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
	h.mux.ServeHTTP(rec, r.WithContext(ctx))
	h.metrics.RecordHTTP(r.Method, r.URL.Path, strconv.Itoa(rec.code), time.Since(start))
}

// writeJSONError emits a transport-level rejection before any JSON-RPC
// exchange is possible. Shape: {"error":{"code":<httpStatus>,"message":...}}.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// checkSecret applies the optional shared-secret gate.
func (h *Handler) checkSecret(w http.ResponseWriter, r *http.Request) bool {
	if len(h.secret) == 0 {
		return true
	}
	supplied := []byte(r.Header.Get(authHeader))
	if subtle.ConstantTimeCompare(supplied, h.secret) != 1 {
		h.log.InfoContext(r.Context(), "auth.check.fail")
		writeJSONError(w, http.StatusUnauthorized, "invalid or missing auth header")
		return false
	}
	return true
}

func (h *Handler) handlePostRPC(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if !h.checkSecret(w, r) {
		return
	}

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return
	}
	req, err := jsonrpc.DecodeRequest(raw)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return
	}

	sessID := r.Header.Get(sessionIDHeader)
	if sessID == "" {
		// Handshake: the only request that may arrive without a session id.
		if req.Method != "initialize" {
			writeJSONError(w, http.StatusNotFound, "expected initialize request")
			h.log.InfoContext(ctx, "session.initialize.invalid", slog.String("method", req.Method))
			return
		}
		h.handleInitialize(w, r, req, start)
		return
	}

	sess, err := h.sessions.Touch(sessID)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "unknown session")
		h.log.InfoContext(ctx, "session.load.miss")
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID, ClientID: sess.ClientID})
	r = r.WithContext(ctx)

	var res *jsonrpc.Response
	switch req.Method {
	case "initialize":
		res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "session already initialized", nil)
	case "ping":
		res, _ = jsonrpc.NewResultResponse(req.ID, map[string]any{})
	case "tools/list":
		res = h.handleToolsList(req)
	case "tools/call":
		res = h.handleToolsCall(r.Context(), sess, req)
	default:
		res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound,
			fmt.Sprintf("method %q not found", req.Method), nil)
	}

	w.Header().Set(sessionIDHeader, sess.ID)
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		h.log.ErrorContext(ctx, "rpc.response.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "rpc.inbound.ok",
		slog.String("method", req.Method), slog.Duration("dur", time.Since(start)))
}

// handleInitialize reserves a session slot synchronously; the reservation is
// the first thing that happens, so floods cannot overshoot the cap.
func (h *Handler) handleInitialize(w http.ResponseWriter, r *http.Request, req *jsonrpc.Request, start time.Time) {
	ctx := r.Context()

	var params struct {
		ClientInfo struct {
			Name string `json:"name"`
		} `json:"clientInfo"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid initialize params")
			h.log.InfoContext(ctx, "session.initialize.params.fail", slog.String("err", err.Error()))
			return
		}
	}

	sess, err := h.sessions.Open(params.ClientInfo.Name)
	if err != nil {
		if restgate.StatusOf(err) == restgate.StatusSessionLimitReached {
			writeJSONError(w, http.StatusTooManyRequests, err.Error())
			h.log.InfoContext(ctx, "session.open.limit")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "failed to open session")
		h.log.ErrorContext(ctx, "session.open.fail", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID, ClientID: sess.ClientID})

	result := map[string]any{
		"protocolVersion": protocolVersion,
		"serverInfo":      map[string]any{"name": h.serverName},
		"tools":           h.toolDescriptors(),
	}
	res, err := jsonrpc.NewResultResponse(req.ID, result)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode initialize response")
		h.log.ErrorContext(ctx, "session.initialize.encode.fail", slog.String("err", err.Error()))
		return
	}
	w.Header().Set(sessionIDHeader, sess.ID)
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		h.log.ErrorContext(ctx, "session.initialize.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "session.initialize.ok", slog.Duration("dur", time.Since(start)))
}

// handleDeleteRPC terminates a session. Double-close reports 404 because the
// id is already gone; close itself is idempotent.
func (h *Handler) handleDeleteRPC(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.checkSecret(w, r) {
		return
	}
	sessID := r.Header.Get(sessionIDHeader)
	if sessID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing session id header")
		h.log.WarnContext(ctx, "session.delete.missing_id")
		return
	}
	if !h.sessions.Close(sessID) {
		writeJSONError(w, http.StatusNotFound, "unknown session")
		h.log.InfoContext(ctx, "session.delete.miss")
		return
	}
	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "session.delete.ok")
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !h.checkSecret(w, r) {
		return
	}
	snap := h.metrics.Snapshot(10)
	w.Header().Set("Content-Type", jsonMediaType.String())
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		h.log.ErrorContext(r.Context(), "status.encode.fail", slog.String("err", err.Error()))
	}
}
