package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeDisabled AuthMode = "disabled"
)

type Config struct {
	Addr string

	// PublicBaseURL is the externally reachable base of this gateway,
	// e.g. https://callgw.example.com. The provider is pointed at it
	// for media streaming callbacks.
	PublicBaseURL string

	// AuthMode guards the operator call API. The webhook and media
	// endpoints authenticate per delivery and are not affected.
	AuthMode AuthMode
	APIKeys  map[string]struct{}

	// Webhook delivery authentication. HMACKey wins when both are set;
	// AllowInsecureWebhook permits running with neither (dev only).
	WebhookHMACKey       string
	WebhookSharedSecret  string
	AllowInsecureWebhook bool

	// Telephony provider API.
	ProviderBaseURL string
	ProviderToken   string
	CallerID        string

	// AI realtime session.
	AIBaseURL      string
	AIAPIKey       string
	AIModel        string
	AIVoice        string
	AIInstructions string
	Greeting       string

	// Call lifecycle.
	MaxConcurrentCalls  int
	SetupTimeout        time.Duration
	OutboundRingTimeout time.Duration
	DrainGrace          time.Duration
	ToolTimeout         time.Duration

	// Media pipeline.
	ChunkDurationMs   int
	CaptureQueueDepth int
	PlayoutQueueDepth int

	// Webhook event intake.
	DedupSize       int
	DedupTTL        time.Duration
	EventQueueDepth int

	// Optional backends. Empty disables the feature.
	DatabaseURL string
	NATSURL     string

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                 envOr("CALLGW_ADDR", ":8080"),
		PublicBaseURL:        envOr("CALLGW_PUBLIC_BASE_URL", ""),
		AuthMode:             AuthMode(envOr("CALLGW_AUTH_MODE", string(AuthModeRequired))),
		APIKeys:              make(map[string]struct{}),
		WebhookHMACKey:       os.Getenv("CALLGW_WEBHOOK_HMAC_KEY"),
		WebhookSharedSecret:  os.Getenv("CALLGW_WEBHOOK_SECRET"),
		AllowInsecureWebhook: envBoolOr("CALLGW_ALLOW_INSECURE_WEBHOOK", false),
		ProviderBaseURL:      envOr("CALLGW_PROVIDER_BASE_URL", ""),
		ProviderToken:        os.Getenv("CALLGW_PROVIDER_TOKEN"),
		CallerID:             envOr("CALLGW_CALLER_ID", ""),
		AIBaseURL:            envOr("CALLGW_AI_URL", ""),
		AIAPIKey:             os.Getenv("CALLGW_AI_API_KEY"),
		AIModel:              envOr("CALLGW_AI_MODEL", ""),
		AIVoice:              envOr("CALLGW_AI_VOICE", ""),
		AIInstructions:       envOr("CALLGW_AI_INSTRUCTIONS", ""),
		Greeting:             envOr("CALLGW_GREETING", "Greet the caller and ask how you can help."),
		MaxConcurrentCalls:   envIntOr("CALLGW_MAX_CONCURRENT_CALLS", 50),
		SetupTimeout:         envDurationOr("CALLGW_SETUP_TIMEOUT", 15*time.Second),
		OutboundRingTimeout:  envDurationOr("CALLGW_RING_TIMEOUT", 45*time.Second),
		DrainGrace:           envDurationOr("CALLGW_DRAIN_GRACE", 5*time.Second),
		ToolTimeout:          envDurationOr("CALLGW_TOOL_TIMEOUT", 10*time.Second),
		ChunkDurationMs:      envIntOr("CALLGW_CHUNK_MS", 20),
		CaptureQueueDepth:    envIntOr("CALLGW_CAPTURE_QUEUE_DEPTH", 50),
		PlayoutQueueDepth:    envIntOr("CALLGW_PLAYOUT_QUEUE_DEPTH", 100),
		DedupSize:            envIntOr("CALLGW_DEDUP_SIZE", 4096),
		DedupTTL:             envDurationOr("CALLGW_DEDUP_TTL", 5*time.Minute),
		EventQueueDepth:      envIntOr("CALLGW_EVENT_QUEUE_DEPTH", 256),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		NATSURL:              os.Getenv("NATS_URL"),
		ReadHeaderTimeout:    envDurationOr("CALLGW_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:  envDurationOr("CALLGW_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("CALLGW_AUTH_MODE must be one of required|disabled")
	}

	for _, key := range splitCSV(os.Getenv("CALLGW_API_KEYS")) {
		cfg.APIKeys[key] = struct{}{}
	}

	if strings.TrimSpace(cfg.Addr) == "" {
		return Config{}, fmt.Errorf("CALLGW_ADDR must not be empty")
	}
	if cfg.PublicBaseURL == "" {
		return Config{}, fmt.Errorf("CALLGW_PUBLIC_BASE_URL must be set")
	}
	if !strings.HasPrefix(cfg.PublicBaseURL, "http://") && !strings.HasPrefix(cfg.PublicBaseURL, "https://") {
		return Config{}, fmt.Errorf("CALLGW_PUBLIC_BASE_URL must start with http:// or https://")
	}
	if cfg.ProviderBaseURL == "" {
		return Config{}, fmt.Errorf("CALLGW_PROVIDER_BASE_URL must be set")
	}
	if strings.TrimSpace(cfg.ProviderToken) == "" {
		return Config{}, fmt.Errorf("CALLGW_PROVIDER_TOKEN must be set")
	}
	if strings.TrimSpace(cfg.AIAPIKey) == "" {
		return Config{}, fmt.Errorf("CALLGW_AI_API_KEY must be set")
	}
	if cfg.WebhookHMACKey == "" && cfg.WebhookSharedSecret == "" && !cfg.AllowInsecureWebhook {
		return Config{}, fmt.Errorf("CALLGW_WEBHOOK_HMAC_KEY or CALLGW_WEBHOOK_SECRET must be set (or CALLGW_ALLOW_INSECURE_WEBHOOK=true for local development)")
	}
	if cfg.MaxConcurrentCalls < 0 {
		return Config{}, fmt.Errorf("CALLGW_MAX_CONCURRENT_CALLS must be >= 0")
	}
	if cfg.SetupTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLGW_SETUP_TIMEOUT must be > 0")
	}
	if cfg.OutboundRingTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLGW_RING_TIMEOUT must be > 0")
	}
	if cfg.DrainGrace <= 0 {
		return Config{}, fmt.Errorf("CALLGW_DRAIN_GRACE must be > 0")
	}
	if cfg.ToolTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLGW_TOOL_TIMEOUT must be > 0")
	}
	if cfg.ChunkDurationMs <= 0 {
		return Config{}, fmt.Errorf("CALLGW_CHUNK_MS must be > 0")
	}
	if cfg.CaptureQueueDepth <= 0 {
		return Config{}, fmt.Errorf("CALLGW_CAPTURE_QUEUE_DEPTH must be > 0")
	}
	if cfg.PlayoutQueueDepth <= 0 {
		return Config{}, fmt.Errorf("CALLGW_PLAYOUT_QUEUE_DEPTH must be > 0")
	}
	if cfg.DedupSize <= 0 {
		return Config{}, fmt.Errorf("CALLGW_DEDUP_SIZE must be > 0")
	}
	if cfg.DedupTTL <= 0 {
		return Config{}, fmt.Errorf("CALLGW_DEDUP_TTL must be > 0")
	}
	if cfg.EventQueueDepth <= 0 {
		return Config{}, fmt.Errorf("CALLGW_EVENT_QUEUE_DEPTH must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLGW_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("CALLGW_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if cfg.AuthMode == AuthModeRequired && len(cfg.APIKeys) == 0 {
		return Config{}, fmt.Errorf("CALLGW_API_KEYS must be set when CALLGW_AUTH_MODE=required")
	}

	return cfg, nil
}

// MediaStreamURL is the websocket base the provider dials back for
// call media, derived from the public base URL.
func (c Config) MediaStreamURL() string {
	base := strings.TrimSuffix(c.PublicBaseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/v1/media"
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
