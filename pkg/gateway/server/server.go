// Package server assembles the HTTP surface: operator call API,
// telephony webhook, media sockets, and health probes.
package server

import (
	"log/slog"
	"net/http"

	"github.com/aiappsgbb/gpt-realtime-agents/pkg/gateway/calls"
	"github.com/aiappsgbb/gpt-realtime-agents/pkg/gateway/config"
	"github.com/aiappsgbb/gpt-realtime-agents/pkg/gateway/events"
	"github.com/aiappsgbb/gpt-realtime-agents/pkg/gateway/handlers"
	"github.com/aiappsgbb/gpt-realtime-agents/pkg/gateway/lifecycle"
	"github.com/aiappsgbb/gpt-realtime-agents/pkg/gateway/mw"
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	manager *calls.Manager
	events  *events.Gateway
	state   *lifecycle.State
}

func New(cfg config.Config, logger *slog.Logger, manager *calls.Manager, gateway *events.Gateway, state *lifecycle.State) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		mux:     http.NewServeMux(),
		manager: manager,
		events:  gateway,
		state:   state,
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Config:      s.cfg,
		Lifecycle:   s.state,
		ActiveCalls: s.manager.ActiveCalls,
	})

	// The webhook and media endpoints authenticate per delivery
	// (signature or call-id knowledge), not with operator keys.
	s.mux.Handle("POST /v1/events/telephony", handlers.WebhookHandler{
		Events: s.events,
		Logger: s.logger,
	})
	s.mux.Handle("GET /v1/media/{id}", handlers.MediaHandler{
		Manager: s.manager,
		Events:  s.events,
		Logger:  s.logger,
	})

	callsAPI := handlers.CallsHandler{Manager: s.manager, Logger: s.logger}
	s.mux.Handle("POST /v1/calls", s.authed(callsAPI.Create))
	s.mux.Handle("GET /v1/calls", s.authed(callsAPI.List))
	s.mux.Handle("GET /v1/calls/{id}", s.authed(callsAPI.Get))
	s.mux.Handle("DELETE /v1/calls/{id}", s.authed(callsAPI.Hangup))

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) authed(h http.HandlerFunc) http.Handler {
	return mw.Auth(s.cfg, h)
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.APIVersion(h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}
