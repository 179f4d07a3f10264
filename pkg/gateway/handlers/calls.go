package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/aiappsgbb/gpt-realtime-agents/pkg/core"
	"github.com/aiappsgbb/gpt-realtime-agents/pkg/gateway/calls"
)

// CallsHandler is the operator surface for live calls: place outbound
// calls, inspect sessions, hang up. Methods are registered per route on
// the server mux.
type CallsHandler struct {
	Manager *calls.Manager
	Logger  *slog.Logger
}

type createCallRequest struct {
	Callee string `json:"callee"`
	Caller string `json:"caller,omitempty"`
}

type callList struct {
	Calls []calls.Snapshot `json:"calls"`
}

func (h CallsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createCallRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, r, core.NewInvalidRequestError("invalid request body: "+err.Error()))
		return
	}

	snap, err := h.Manager.StartOutbound(r.Context(), req.Callee, req.Caller)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (h CallsHandler) List(w http.ResponseWriter, r *http.Request) {
	snaps := h.Manager.Snapshots()
	if snaps == nil {
		snaps = []calls.Snapshot{}
	}
	writeJSON(w, http.StatusOK, callList{Calls: snaps})
}

func (h CallsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, ok := h.Manager.Snapshot(id)
	if !ok {
		writeError(w, r, core.NewNotFoundError("no such call").WithCallID(id))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h CallsHandler) Hangup(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.Manager.Hangup(r.Context(), id, ""); err != nil {
		writeError(w, r, err)
		return
	}
	// Teardown finishes asynchronously; the session may still be
	// visible for a moment.
	w.WriteHeader(http.StatusAccepted)
}
