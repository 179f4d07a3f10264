package config

import (
	"strings"
	"testing"
	"time"
)

var gatewayEnvKeys = []string{
	"CALLGW_ADDR",
	"CALLGW_PUBLIC_BASE_URL",
	"CALLGW_AUTH_MODE",
	"CALLGW_API_KEYS",
	"CALLGW_WEBHOOK_HMAC_KEY",
	"CALLGW_WEBHOOK_SECRET",
	"CALLGW_ALLOW_INSECURE_WEBHOOK",
	"CALLGW_PROVIDER_BASE_URL",
	"CALLGW_PROVIDER_TOKEN",
	"CALLGW_CALLER_ID",
	"CALLGW_AI_URL",
	"CALLGW_AI_API_KEY",
	"CALLGW_AI_MODEL",
	"CALLGW_AI_VOICE",
	"CALLGW_AI_INSTRUCTIONS",
	"CALLGW_GREETING",
	"CALLGW_MAX_CONCURRENT_CALLS",
	"CALLGW_SETUP_TIMEOUT",
	"CALLGW_RING_TIMEOUT",
	"CALLGW_DRAIN_GRACE",
	"CALLGW_TOOL_TIMEOUT",
	"CALLGW_CHUNK_MS",
	"CALLGW_CAPTURE_QUEUE_DEPTH",
	"CALLGW_PLAYOUT_QUEUE_DEPTH",
	"CALLGW_DEDUP_SIZE",
	"CALLGW_DEDUP_TTL",
	"CALLGW_EVENT_QUEUE_DEPTH",
	"DATABASE_URL",
	"NATS_URL",
	"CALLGW_READ_HEADER_TIMEOUT",
	"CALLGW_SHUTDOWN_GRACE_PERIOD",
}

func clearGatewayEnv(t *testing.T) {
	t.Helper()
	for _, key := range gatewayEnvKeys {
		t.Setenv(key, "")
	}
}

// setRequiredEnv sets the minimum viable production environment.
func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("CALLGW_PUBLIC_BASE_URL", "https://callgw.example.com")
	t.Setenv("CALLGW_PROVIDER_BASE_URL", "https://voice.example.com/api")
	t.Setenv("CALLGW_PROVIDER_TOKEN", "pt_test")
	t.Setenv("CALLGW_AI_API_KEY", "sk_test")
	t.Setenv("CALLGW_WEBHOOK_SECRET", "whsec_test")
	t.Setenv("CALLGW_API_KEYS", "opkey_test")
}

func TestLoadFromEnvDefaults(t *testing.T) {
	clearGatewayEnv(t)
	setRequiredEnv(t)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.Addr != ":8080" {
		t.Fatalf("Addr = %q, want :8080", cfg.Addr)
	}
	if cfg.AuthMode != AuthModeRequired {
		t.Fatalf("AuthMode = %q, want %q", cfg.AuthMode, AuthModeRequired)
	}
	if _, ok := cfg.APIKeys["opkey_test"]; !ok {
		t.Fatalf("APIKeys = %v, want opkey_test present", cfg.APIKeys)
	}
	if cfg.MaxConcurrentCalls != 50 {
		t.Fatalf("MaxConcurrentCalls = %d, want 50", cfg.MaxConcurrentCalls)
	}
	if cfg.SetupTimeout != 15*time.Second {
		t.Fatalf("SetupTimeout = %v, want 15s", cfg.SetupTimeout)
	}
	if cfg.OutboundRingTimeout != 45*time.Second {
		t.Fatalf("OutboundRingTimeout = %v, want 45s", cfg.OutboundRingTimeout)
	}
	if cfg.DrainGrace != 5*time.Second {
		t.Fatalf("DrainGrace = %v, want 5s", cfg.DrainGrace)
	}
	if cfg.ToolTimeout != 10*time.Second {
		t.Fatalf("ToolTimeout = %v, want 10s", cfg.ToolTimeout)
	}
	if cfg.ChunkDurationMs != 20 {
		t.Fatalf("ChunkDurationMs = %d, want 20", cfg.ChunkDurationMs)
	}
	if cfg.CaptureQueueDepth != 50 || cfg.PlayoutQueueDepth != 100 {
		t.Fatalf("queue depths = %d/%d, want 50/100", cfg.CaptureQueueDepth, cfg.PlayoutQueueDepth)
	}
	if cfg.DedupSize != 4096 {
		t.Fatalf("DedupSize = %d, want 4096", cfg.DedupSize)
	}
	if cfg.DedupTTL != 5*time.Minute {
		t.Fatalf("DedupTTL = %v, want 5m", cfg.DedupTTL)
	}
	if cfg.EventQueueDepth != 256 {
		t.Fatalf("EventQueueDepth = %d, want 256", cfg.EventQueueDepth)
	}
	if cfg.ReadHeaderTimeout != 10*time.Second {
		t.Fatalf("ReadHeaderTimeout = %v, want 10s", cfg.ReadHeaderTimeout)
	}
	if cfg.ShutdownGracePeriod != 30*time.Second {
		t.Fatalf("ShutdownGracePeriod = %v, want 30s", cfg.ShutdownGracePeriod)
	}
	if cfg.DatabaseURL != "" || cfg.NATSURL != "" {
		t.Fatalf("optional backends should default off, got %q %q", cfg.DatabaseURL, cfg.NATSURL)
	}
	if !strings.Contains(cfg.Greeting, "Greet the caller") {
		t.Fatalf("Greeting = %q", cfg.Greeting)
	}
}

func TestLoadFromEnvOverrides(t *testing.T) {
	clearGatewayEnv(t)
	setRequiredEnv(t)
	t.Setenv("CALLGW_ADDR", ":9090")
	t.Setenv("CALLGW_API_KEYS", "k1, k2 ,")
	t.Setenv("CALLGW_CALLER_ID", "+14255550100")
	t.Setenv("CALLGW_MAX_CONCURRENT_CALLS", "8")
	t.Setenv("CALLGW_SETUP_TIMEOUT", "3s")
	t.Setenv("CALLGW_CHUNK_MS", "40")
	t.Setenv("DATABASE_URL", "postgres://callgw@db/callgw")
	t.Setenv("NATS_URL", "nats://broker:4222")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.Addr != ":9090" {
		t.Fatalf("Addr = %q", cfg.Addr)
	}
	if len(cfg.APIKeys) != 2 {
		t.Fatalf("APIKeys = %v, want k1 and k2", cfg.APIKeys)
	}
	if cfg.CallerID != "+14255550100" {
		t.Fatalf("CallerID = %q", cfg.CallerID)
	}
	if cfg.MaxConcurrentCalls != 8 {
		t.Fatalf("MaxConcurrentCalls = %d", cfg.MaxConcurrentCalls)
	}
	if cfg.SetupTimeout != 3*time.Second {
		t.Fatalf("SetupTimeout = %v", cfg.SetupTimeout)
	}
	if cfg.ChunkDurationMs != 40 {
		t.Fatalf("ChunkDurationMs = %d", cfg.ChunkDurationMs)
	}
	if cfg.DatabaseURL == "" || cfg.NATSURL == "" {
		t.Fatal("optional backend URLs not carried")
	}
}

func TestLoadFromEnvRejectsMissingRequired(t *testing.T) {
	cases := []struct {
		name  string
		unset string
		want  string
	}{
		{"public base url", "CALLGW_PUBLIC_BASE_URL", "CALLGW_PUBLIC_BASE_URL"},
		{"provider base url", "CALLGW_PROVIDER_BASE_URL", "CALLGW_PROVIDER_BASE_URL"},
		{"provider token", "CALLGW_PROVIDER_TOKEN", "CALLGW_PROVIDER_TOKEN"},
		{"ai api key", "CALLGW_AI_API_KEY", "CALLGW_AI_API_KEY"},
		{"api keys", "CALLGW_API_KEYS", "CALLGW_API_KEYS"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearGatewayEnv(t)
			setRequiredEnv(t)
			t.Setenv(tc.unset, "")

			_, err := LoadFromEnv()
			if err == nil {
				t.Fatal("LoadFromEnv() succeeded without required variable")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not name %s", err, tc.want)
			}
		})
	}
}

func TestLoadFromEnvWebhookSecretGate(t *testing.T) {
	clearGatewayEnv(t)
	setRequiredEnv(t)
	t.Setenv("CALLGW_WEBHOOK_SECRET", "")

	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("LoadFromEnv() accepted an unauthenticated webhook config")
	}

	t.Setenv("CALLGW_ALLOW_INSECURE_WEBHOOK", "true")
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() with insecure override: %v", err)
	}
	if !cfg.AllowInsecureWebhook {
		t.Fatal("AllowInsecureWebhook not set")
	}

	t.Setenv("CALLGW_ALLOW_INSECURE_WEBHOOK", "")
	t.Setenv("CALLGW_WEBHOOK_HMAC_KEY", "hmac_key")
	if _, err := LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv() with HMAC key: %v", err)
	}
}

func TestLoadFromEnvRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{"auth mode", "CALLGW_AUTH_MODE", "maybe"},
		{"plain host base url", "CALLGW_PUBLIC_BASE_URL", "callgw.example.com"},
		{"negative concurrency", "CALLGW_MAX_CONCURRENT_CALLS", "-1"},
		{"zero chunk", "CALLGW_CHUNK_MS", "0"},
		{"zero dedup size", "CALLGW_DEDUP_SIZE", "0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearGatewayEnv(t)
			setRequiredEnv(t)
			t.Setenv(tc.key, tc.value)

			if _, err := LoadFromEnv(); err == nil {
				t.Fatalf("LoadFromEnv() accepted %s=%s", tc.key, tc.value)
			}
		})
	}
}

func TestAuthModeDisabledNeedsNoKeys(t *testing.T) {
	clearGatewayEnv(t)
	setRequiredEnv(t)
	t.Setenv("CALLGW_AUTH_MODE", "disabled")
	t.Setenv("CALLGW_API_KEYS", "")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.AuthMode != AuthModeDisabled {
		t.Fatalf("AuthMode = %q", cfg.AuthMode)
	}
}

func TestMediaStreamURL(t *testing.T) {
	cases := []struct {
		base string
		want string
	}{
		{"https://callgw.example.com", "wss://callgw.example.com/v1/media"},
		{"https://callgw.example.com/", "wss://callgw.example.com/v1/media"},
		{"http://localhost:8080", "ws://localhost:8080/v1/media"},
	}
	for _, tc := range cases {
		cfg := Config{PublicBaseURL: tc.base}
		if got := cfg.MediaStreamURL(); got != tc.want {
			t.Fatalf("MediaStreamURL(%q) = %q, want %q", tc.base, got, tc.want)
		}
	}
}
