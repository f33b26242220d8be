package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/dialback/internal/call"
	"github.com/antoniostano/dialback/internal/config"
	"github.com/antoniostano/dialback/internal/media"
	"github.com/antoniostano/dialback/internal/observability"
	"github.com/antoniostano/dialback/internal/speech"
	"github.com/antoniostano/dialback/internal/telephony"
)

// CallManager is the slice of the call facade the HTTP surface needs.
type CallManager interface {
	Initiate(ctx context.Context, message string) (callID, reply string, err error)
	Continue(ctx context.Context, callID, message string) (string, error)
	SpeakOnly(ctx context.Context, callID, message string) error
	End(ctx context.Context, callID, message string) error
	History(callID string) ([]call.Entry, error)
	ActiveCallIDs() []string
	Attach(conn *websocket.Conn) bool
}

type Server struct {
	cfg      config.Config
	manager  CallManager
	upgrader websocket.Upgrader
}

func New(cfg config.Config, manager CallManager) *Server {
	return &Server{
		cfg:     cfg,
		manager: manager,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The peer is the telephony provider, not a browser.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/twiml", s.handleTwiML)
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Get("/media-stream", s.handleMediaStream)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/calls", s.handleInitiate)
	r.Post("/v1/calls/{id}/continue", s.handleContinue)
	r.Post("/v1/calls/{id}/speak", s.handleSpeak)
	r.Post("/v1/calls/{id}/end", s.handleEnd)
	r.Get("/v1/calls", s.handleList)
	r.Get("/v1/calls/{id}/history", s.handleHistory)

	return r
}

// handleTwiML serves the static call-setup descriptor the provider fetches on
// answer. It points the provider at the media-stream websocket. When an auth
// token is configured the provider signature is checked first, so a forged
// fetch cannot learn the stream address.
func (s *Server) handleTwiML(w http.ResponseWriter, r *http.Request) {
	if s.cfg.TwilioAuthToken != "" {
		if err := r.ParseForm(); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		webhookURL := "https://" + s.cfg.PublicHost() + r.URL.RequestURI()
		sig := r.Header.Get("X-Twilio-Signature")
		if err := telephony.VerifySignature(s.cfg.TwilioAuthToken, webhookURL, r.PostForm, sig); err != nil {
			respondError(w, http.StatusForbidden, "invalid_signature", err.Error())
			return
		}
	}
	body := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Response>
  <Connect>
    <Stream url="wss://%s/media-stream"/>
  </Connect>
</Response>
`, s.cfg.PublicHost())
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

// handleMediaStream upgrades the provider connection and hands it to the
// manager for correlation. The upgrade never fails on a missing pending
// call; unmatched streams are discarded by the manager after a short idle.
func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.manager.Attach(conn)
}

type messageRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.Message) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "message is required")
		return
	}
	callID, reply, err := s.manager.Initiate(r.Context(), req.Message)
	if err != nil {
		respondCallError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"call_id": callID, "reply": reply})
}

func (s *Server) handleContinue(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.Message) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "message is required")
		return
	}
	reply, err := s.manager.Continue(r.Context(), chi.URLParam(r, "id"), req.Message)
	if err != nil {
		respondCallError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"reply": reply})
}

func (s *Server) handleSpeak(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.Message) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "message is required")
		return
	}
	if err := s.manager.SpeakOnly(r.Context(), chi.URLParam(r, "id"), req.Message); err != nil {
		respondCallError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "spoken"})
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.manager.End(r.Context(), chi.URLParam(r, "id"), req.Message); err != nil {
		respondCallError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ended"})
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	ids := s.manager.ActiveCallIDs()
	if ids == nil {
		ids = []string{}
	}
	respondJSON(w, http.StatusOK, map[string][]string{"call_ids": ids})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.manager.History(chi.URLParam(r, "id"))
	if err != nil {
		respondCallError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"history": history})
}

func respondCallError(w http.ResponseWriter, err error) {
	var upstream *speech.UpstreamError
	var provider *telephony.ProviderError
	switch {
	case errors.Is(err, call.ErrUnknownCall):
		respondError(w, http.StatusNotFound, "unknown_call", err.Error())
	case errors.Is(err, call.ErrInvalidState):
		respondError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, call.ErrBindTimeout):
		respondError(w, http.StatusGatewayTimeout, "bind_timeout", err.Error())
	case errors.Is(err, media.ErrListenTimeout):
		respondError(w, http.StatusGatewayTimeout, "listen_timeout", err.Error())
	case errors.As(err, &provider):
		respondError(w, http.StatusBadGateway, "provider_error", err.Error())
	case errors.As(err, &upstream):
		respondError(w, http.StatusBadGateway, "upstream_error", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
