package handlers

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/aiappsgbb/gpt-realtime-agents/pkg/core"
	"github.com/aiappsgbb/gpt-realtime-agents/pkg/gateway/events"
	"github.com/aiappsgbb/gpt-realtime-agents/pkg/gateway/mw"
)

const defaultWebhookBodyLimit = 1 << 20

// WebhookHandler receives provider call-event deliveries. Verification,
// handshake echo, and normalization live in the events gateway; this
// handler only speaks HTTP.
type WebhookHandler struct {
	Events    *events.Gateway
	BodyLimit int64
	Logger    *slog.Logger
}

type webhookAck struct {
	Accepted   int `json:"accepted"`
	Duplicates int `json:"duplicates"`
}

type validationEcho struct {
	ValidationResponse string `json:"validationResponse"`
}

func (h WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	limit := h.BodyLimit
	if limit <= 0 {
		limit = defaultWebhookBodyLimit
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		writeError(w, r, core.NewInvalidRequestError("request body too large or unreadable"))
		return
	}

	if err := h.Events.Authenticate(r, body); err != nil {
		reqID, _ := mw.RequestIDFrom(r.Context())
		if h.Logger != nil {
			h.Logger.Warn("webhook rejected", "request_id", reqID, "error", err)
		}
		writeError(w, r, err)
		return
	}

	result, err := h.Events.Process(body)
	if err != nil {
		writeError(w, r, err)
		return
	}

	// Subscription handshake: echo the code so the provider activates
	// the subscription.
	if result.ValidationResponse != "" {
		writeJSON(w, http.StatusOK, validationEcho{ValidationResponse: result.ValidationResponse})
		return
	}

	writeJSON(w, http.StatusOK, webhookAck{
		Accepted:   result.Accepted,
		Duplicates: result.Duplicates,
	})
}
