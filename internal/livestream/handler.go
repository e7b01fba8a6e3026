package livestream

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"stream-orchestrator/internal/platform/metrics"
)

// maxWebhookBody bounds the relayed vendor payload.
const maxWebhookBody = 1 << 20

// StreamController is the part of the Supervisor the HTTP layer drives.
type StreamController interface {
	RequestStart()
	RequestStop()
	Status() Status
	Streaming() bool
}

// HandlerDeps groups the collaborators of a Handler.
type HandlerDeps struct {
	Config     *ConfigStore
	Stream     StreamController
	Viewers    *ViewerRegistry
	Hub        *Hub
	Identifier Identifier
	// AllowedOrigins restricts WebSocket upgrades; empty or "*" allows any.
	AllowedOrigins []string
}

// Handler exposes the orchestrator HTTP and WebSocket endpoints using go-chi.
type Handler struct {
	config   *ConfigStore
	stream   StreamController
	viewers  *ViewerRegistry
	hub      *Hub
	ident    Identifier
	log      *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
}

// NewHandler returns a Handler. Metrics may be nil to disable metric recording.
func NewHandler(deps HandlerDeps, log *slog.Logger, m *metrics.Metrics) *Handler {
	ident := deps.Identifier
	if ident == nil {
		ident = NewHeaderIdentifier(nil, log)
	}
	return &Handler{
		config:  deps.Config,
		stream:  deps.Stream,
		viewers: deps.Viewers,
		hub:     deps.Hub,
		ident:   ident,
		log:     log,
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(deps.AllowedOrigins),
		},
	}
}

// Routes registers every endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.Health)
	r.Get("/config", h.GetConfig)
	r.Post("/config", h.UpdateConfig)
	r.Get("/status", h.GetStatus)
	r.Get("/viewers", h.ListViewers)
	r.Post("/view", h.AnnounceViewer)
	r.Post("/vendor-webhook", h.VendorWebhook)
	r.Post("/stream/start", h.StartStream)
	r.Post("/stream/stop", h.StopStream)
	r.Get("/ws", h.ServeWS)
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "ok",
		"transcoder": string(h.stream.Status().State),
	})
}

// GetConfig handles GET /config.
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.config.Read())
}

// UpdateConfig handles POST /config. Body: a partial StreamingConfig.
func (h *Handler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	caller := h.ident.Identify(r)

	var patch ConfigPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		h.log.Debug("invalid config body", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	cfg, err := h.config.Write(patch, caller.Role)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnauthorized):
			h.log.Info("config update rejected",
				slog.String("user_id", caller.ID),
				slog.String("role", string(caller.Role)))
			writeError(w, http.StatusForbidden, err.Error())
		case errors.Is(err, ErrInvalidConfig):
			h.log.Info("config update invalid", slog.String("error", err.Error()))
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			h.log.Error("config update failed", slog.String("error", err.Error()))
			h.metrics.IncErrors()
			writeError(w, http.StatusInternalServerError, "config update failed")
		}
		return
	}

	h.log.Info("streaming config updated",
		slog.String("user_id", caller.ID),
		slog.String("source_kind", string(cfg.SourceKind)),
		slog.String("quality", cfg.Quality))
	writeJSON(w, http.StatusOK, cfg)
}

// GetStatus handles GET /status.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.stream.Status())
}

// ListViewers handles GET /viewers.
func (h *Handler) ListViewers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.viewers.List())
}

// AnnounceViewer handles POST /view. It announces presence with
// viewer-joined; only signaling connections count as viewers.
// Optional body: { "name": "..." }.
func (h *Handler) AnnounceViewer(w http.ResponseWriter, r *http.Request) {
	caller := h.ident.Identify(r)

	var body struct {
		Name string `json:"name"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	v := viewerData{ID: caller.ID, Name: caller.Name}
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if name := strings.TrimSpace(body.Name); name != "" {
		v.Name = name
	}
	h.hub.Publish(NewEvent(EventViewerJoined, v))
	h.log.Debug("viewer announced", slog.String("viewer_id", v.ID))
	writeJSON(w, http.StatusAccepted, v)
}

// VendorWebhook handles POST /vendor-webhook. The body is relayed as a
// vendor-event without validation; a non-JSON body travels as a string.
// Bodies over maxWebhookBody are refused with 413 and not relayed.
func (h *Handler) VendorWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.log.Info("vendor webhook body too large", slog.Int64("limit", tooLarge.Limit))
			writeError(w, http.StatusRequestEntityTooLarge, "body too large")
			return
		}
		h.log.Debug("vendor webhook body unreadable", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	payload := json.RawMessage(body)
	if len(body) == 0 {
		payload = json.RawMessage("null")
	} else if !json.Valid(body) {
		payload, _ = json.Marshal(string(body))
	}
	h.hub.Publish(NewEvent(EventVendor, vendorData{Payload: payload}))
	h.log.Debug("vendor event relayed", slog.Int("bytes", len(body)))
	w.WriteHeader(http.StatusAccepted)
}

// StartStream handles POST /stream/start (presiding only).
func (h *Handler) StartStream(w http.ResponseWriter, r *http.Request) {
	if !h.requirePresiding(w, r) {
		return
	}
	h.stream.RequestStart()
	writeJSON(w, http.StatusAccepted, h.stream.Status())
}

// StopStream handles POST /stream/stop (presiding only).
func (h *Handler) StopStream(w http.ResponseWriter, r *http.Request) {
	if !h.requirePresiding(w, r) {
		return
	}
	h.stream.RequestStop()
	writeJSON(w, http.StatusAccepted, h.stream.Status())
}

func (h *Handler) requirePresiding(w http.ResponseWriter, r *http.Request) bool {
	caller := h.ident.Identify(r)
	if caller.Role.CanConfigure() {
		return true
	}
	h.log.Info("stream control rejected",
		slog.String("path", r.URL.Path),
		slog.String("user_id", caller.ID))
	writeError(w, http.StatusForbidden, ErrUnauthorized.Error())
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
