// Package httpapi exposes the gateway over HTTP: session management, a
// JSON-RPC dispatch endpoint, an SSE notification stream, and backend
// administration. Authentication is delegated to a fronting proxy; the
// caller identity arrives in the X-Forwarded-User header.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/mcphost/mcp-gateway-go/pkg/backend"
	"github.com/mcphost/mcp-gateway-go/pkg/gateway"
	"github.com/mcphost/mcp-gateway-go/pkg/protocol"
)

const identityHeader = "X-Forwarded-User"

// sseHeartbeat keeps idle event streams alive through proxies.
const sseHeartbeat = 30 * time.Second

// Options configure the HTTP handler.
type Options struct {
	Logger      *slog.Logger
	CORSOrigins []string
}

type handler struct {
	gw     *gateway.Gateway
	logger *slog.Logger
}

// NewHandler builds the gateway's HTTP routes.
func NewHandler(gw *gateway.Gateway, opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	h := &handler{gw: gw, logger: opts.Logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.New(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders:   []string{"Content-Type", identityHeader},
		AllowCredentials: true,
	}).Handler)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", h.createSession)
			r.Get("/", h.listSessions)
			r.Get("/{id}", h.getSession)
			r.Delete("/{id}", h.deleteSession)
			r.Post("/{id}/rpc", h.rpc)
			r.Get("/{id}/events", h.events)
		})
		r.Route("/backends", func(r chi.Router) {
			r.Get("/", h.listBackends)
			r.Post("/", h.registerBackend)
			r.Get("/{name}", h.getBackend)
			r.Delete("/{name}", h.removeBackend)
			r.Post("/{name}/start", h.startBackend)
			r.Post("/{name}/stop", h.stopBackend)
		})
	})
	return r
}

type createSessionRequest struct {
	Client string   `json:"client,omitempty"`
	Scope  []string `json:"scope,omitempty"`
}

func (h *handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	sess, err := h.gw.CreateSession(r.Header.Get(identityHeader), req.Client, req.Scope)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, sess)
}

func (h *handler) listSessions(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.gw.Sessions())
}

func (h *handler) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.gw.Session(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, sess)
}

func (h *handler) deleteSession(w http.ResponseWriter, r *http.Request) {
	h.gw.EvictSession(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) rpc(w http.ResponseWriter, r *http.Request) {
	var req protocol.Request
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Method == "" {
		h.writeError(w, r, fmt.Errorf("%w: missing method", protocol.ErrConfig))
		return
	}
	resp, err := h.gw.Handle(r.Context(), chi.URLParam(r, "id"), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *handler) events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, r, errors.New("streaming unsupported by connection"))
		return
	}
	events, cancel, err := h.gw.Subscribe(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Method, data)
			flusher.Flush()
		}
	}
}

func (h *handler) listBackends(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.gw.Backends())
}

type backendView struct {
	backend.Snapshot
	Capabilities *capabilityView `json:"capabilities,omitempty"`
}

type capabilityView struct {
	Tools             int       `json:"tools"`
	Resources         int       `json:"resources"`
	ResourceTemplates int       `json:"resource_templates"`
	Prompts           int       `json:"prompts"`
	RefreshedAt       time.Time `json:"refreshed_at"`
}

func (h *handler) getBackend(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	snap, err := h.gw.Backend(name)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	view := backendView{Snapshot: snap}
	if caps, ok := h.gw.Capabilities(name); ok {
		view.Capabilities = &capabilityView{
			Tools:             len(caps.Tools),
			Resources:         len(caps.Resources),
			ResourceTemplates: len(caps.ResourceTemplates),
			Prompts:           len(caps.Prompts),
			RefreshedAt:       caps.RefreshedAt,
		}
	}
	h.writeJSON(w, http.StatusOK, view)
}

func (h *handler) registerBackend(w http.ResponseWriter, r *http.Request) {
	var cfg backend.Config
	if err := decodeBody(r, &cfg); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.gw.RegisterBackend(cfg); err != nil {
		h.writeError(w, r, err)
		return
	}
	snap, err := h.gw.Backend(cfg.Name)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, snap)
}

func (h *handler) removeBackend(w http.ResponseWriter, r *http.Request) {
	if err := h.gw.RemoveBackend(r.Context(), chi.URLParam(r, "name")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) startBackend(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.gw.StartBackend(r.Context(), name); err != nil {
		h.writeError(w, r, err)
		return
	}
	snap, err := h.gw.Backend(name)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, snap)
}

func (h *handler) stopBackend(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.gw.StopBackend(r.Context(), name); err != nil {
		h.writeError(w, r, err)
		return
	}
	snap, err := h.gw.Backend(name)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, snap)
}

func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: decode request body: %s", protocol.ErrConfig, err)
	}
	return nil
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("write response failed", "error", err)
	}
}

func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		h.logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	h.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, protocol.ErrConfig), errors.Is(err, protocol.ErrUnsupportedMethod):
		return http.StatusBadRequest
	case errors.Is(err, protocol.ErrNotFound), errors.Is(err, protocol.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, protocol.ErrDuplicateBackend):
		return http.StatusConflict
	case errors.Is(err, protocol.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, protocol.ErrAllBackendsFailed):
		return http.StatusBadGateway
	case errors.Is(err, protocol.ErrBackendStopped), errors.Is(err, protocol.ErrConnect),
		errors.Is(err, protocol.ErrStreamingUnsupported):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
