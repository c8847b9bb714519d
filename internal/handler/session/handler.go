package session

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/silabot/sila/internal/service/broker"
	"github.com/silabot/sila/internal/service/lifecycle"
	"github.com/silabot/sila/pkg/utils"
)

// Handler exposes the QR flow, the pairing flow and the per-session event
// streams.
type Handler struct {
	ctrl     *lifecycle.Controller
	events   *broker.Broker
	upgrader websocket.Upgrader
}

// New creates the session handler.
func New(ctrl *lifecycle.Controller, events *broker.Broker) *Handler {
	return &Handler{
		ctrl:   ctrl,
		events: events,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes registers the session routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/qr", h.handleStartQR)
	r.Post("/pair", h.handleStartPair)
	r.Get("/events/{sessionID}", h.handleEvents)
	r.Get("/ws/events/{sessionID}", h.handleEventsWS)
}

// handleStartQR starts a QR session. The request body is ignored; the
// response carries the first QR code as a PNG data URL.
func (h *Handler) handleStartQR(w http.ResponseWriter, r *http.Request) {
	sess, img, err := h.ctrl.StartQR(r.Context())
	if err != nil {
		log.Printf("[session] failed to start qr session: %v", err)
		utils.RespondError(w, http.StatusInternalServerError, "failed to start session")
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]string{
		"sessionId": sess.ID,
		"qr":        img,
	})
}

// handleStartPair starts a pairing-code session for a phone number.
func (h *Handler) handleStartPair(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		PhoneNumber string `json:"phoneNumber"`
	}

	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	phone := strings.TrimSpace(payload.PhoneNumber)
	if phone == "" {
		utils.RespondError(w, http.StatusBadRequest, "phoneNumber is required")
		return
	}
	if !digitsOnly(phone) {
		utils.RespondError(w, http.StatusBadRequest, "phoneNumber must be digits only, without a leading +")
		return
	}

	sess, code, err := h.ctrl.StartPair(r.Context(), phone)
	if err != nil {
		log.Printf("[session] failed to start pairing session for %s: %v", phone, err)
		utils.RespondError(w, http.StatusInternalServerError, "failed to start session")
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]string{
		"sessionId":   sess.ID,
		"pairingCode": code,
	})
}

// handleEvents opens the SSE stream for a session. The first event is always
// a waiting status; the stream closes after the finished event or when the
// client goes away. Closing the stream never affects the session.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	sess, ok := h.ctrl.Lookup(sessionID)
	if !ok {
		utils.RespondError(w, http.StatusNotFound, "session not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ch := h.events.Subscribe(sessionID)
	defer h.events.Unsubscribe(sessionID, ch)

	utils.SetupSSEHeaders(w)
	utils.SendSSEEvent(w, flusher, "status", "waiting")

	// Streams often attach after the first code was issued; replay it so the
	// observer is not stuck waiting for the next refresh.
	if name, data, ok := sess.LastEvent(); ok {
		utils.SendSSEEvent(w, flusher, name, data)
	}

	for {
		select {
		case evt, open := <-ch:
			if !open {
				return
			}
			utils.SendSSEEvent(w, flusher, evt.Name, evt.Data)
			if evt.Name == "finished" {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// handleEventsWS serves the same event stream over a WebSocket, one JSON
// frame per event.
func (h *Handler) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	sess, ok := h.ctrl.Lookup(sessionID)
	if !ok {
		utils.RespondError(w, http.StatusNotFound, "session not found")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[session] websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ch := h.events.Subscribe(sessionID)
	defer h.events.Unsubscribe(sessionID, ch)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := conn.WriteJSON(broker.Event{Name: "status", Data: "waiting"}); err != nil {
		return
	}
	if name, data, ok := sess.LastEvent(); ok {
		if err := conn.WriteJSON(broker.Event{Name: name, Data: data}); err != nil {
			return
		}
	}

	for {
		select {
		case evt, open := <-ch:
			if !open {
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
			if evt.Name == "finished" {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func digitsOnly(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
