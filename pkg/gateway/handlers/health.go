package handlers

import (
	"net/http"

	"github.com/aiappsgbb/gpt-realtime-agents/pkg/gateway/config"
	"github.com/aiappsgbb/gpt-realtime-agents/pkg/gateway/lifecycle"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ReadyHandler reports whether the gateway should receive new calls. It
// re-validates the config so a bad rollout flips readiness, and goes
// not-ready while draining so the balancer routes new calls away before
// shutdown completes.
type ReadyHandler struct {
	Config      config.Config
	Lifecycle   *lifecycle.State
	ActiveCalls func() int
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK          bool     `json:"ok"`
		AuthMode    string   `json:"auth_mode"`
		Draining    bool     `json:"draining"`
		ActiveCalls int      `json:"active_calls"`
		Issues      []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	switch h.Config.AuthMode {
	case config.AuthModeRequired, config.AuthModeDisabled:
	default:
		issues = append(issues, "invalid auth_mode")
	}
	if h.Config.AuthMode == config.AuthModeRequired && len(h.Config.APIKeys) == 0 {
		issues = append(issues, "auth_mode=required but no api keys configured")
	}
	if h.Config.WebhookHMACKey == "" && h.Config.WebhookSharedSecret == "" && !h.Config.AllowInsecureWebhook {
		issues = append(issues, "webhook verification not configured")
	}
	if h.Config.ProviderBaseURL == "" {
		issues = append(issues, "provider base url not configured")
	}
	if h.Config.AIAPIKey == "" {
		issues = append(issues, "ai api key not configured")
	}
	if h.Config.SetupTimeout <= 0 || h.Config.OutboundRingTimeout <= 0 {
		issues = append(issues, "call timeouts must be > 0")
	}
	if h.Config.ChunkDurationMs <= 0 {
		issues = append(issues, "chunk duration must be > 0")
	}
	if h.Config.CaptureQueueDepth <= 0 || h.Config.PlayoutQueueDepth <= 0 {
		issues = append(issues, "audio queue depths must be > 0")
	}
	if h.Config.ReadHeaderTimeout <= 0 {
		issues = append(issues, "timeouts must be > 0")
	}

	draining := h.Lifecycle.Draining()
	active := 0
	if h.ActiveCalls != nil {
		active = h.ActiveCalls()
	}

	ok := len(issues) == 0 && !draining
	status := http.StatusOK
	switch {
	case draining:
		status = http.StatusServiceUnavailable
	case !ok:
		status = http.StatusInternalServerError
	}

	writeJSON(w, status, readyResp{
		OK:          ok,
		AuthMode:    string(h.Config.AuthMode),
		Draining:    draining,
		ActiveCalls: active,
		Issues:      issues,
	})
}
