package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/aiappsgbb/gpt-realtime-agents/pkg/core"
	"github.com/aiappsgbb/gpt-realtime-agents/pkg/gateway/calls"
	"github.com/aiappsgbb/gpt-realtime-agents/pkg/gateway/events"
	"github.com/aiappsgbb/gpt-realtime-agents/pkg/gateway/mw"
	"github.com/aiappsgbb/gpt-realtime-agents/pkg/telephony"
)

// MediaHandler accepts the provider's per-call media websocket. The
// call id in the path must match a session the manager is setting up;
// the provider learns the URL from the answer or dial request, so an
// unknown id is rejected before the upgrade.
type MediaHandler struct {
	Manager *calls.Manager
	Events  *events.Gateway
	Logger  *slog.Logger
}

func (h MediaHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("id")
	if callID == "" {
		writeError(w, r, core.NewInvalidRequestError("missing call id"))
		return
	}
	if _, ok := h.Manager.Snapshot(callID); !ok {
		writeError(w, r, core.NewNotFoundError("no such call").WithCallID(callID))
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	stream := telephony.NewMediaStream(callID, conn, h.Logger)
	if err := h.Manager.AttachMedia(callID, stream); err != nil {
		reqID, _ := mw.RequestIDFrom(r.Context())
		if h.Logger != nil {
			h.Logger.Warn("media attach rejected", "call_id", callID, "request_id", reqID, "error", err)
		}
		_ = stream.Close()
		return
	}

	// The start frame on the socket is the authoritative streaming
	// signal; the provider's webhook for it may race or go missing. If
	// the frame never arrives the session's setup timer tears the call
	// down, which closes the stream and releases us.
	select {
	case <-stream.Started():
		h.Events.Publish(events.Event{
			Kind:   events.KindMediaStreamEstablished,
			CallID: callID,
		})
	case <-stream.Done():
		return
	}

	<-stream.Done()
}
