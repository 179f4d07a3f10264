package main

import (
	"context"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aiappsgbb/gpt-realtime-agents/pkg/gateway/config"
)

func TestBuildHTTPServer_UsesConfiguredAddress(t *testing.T) {
	t.Parallel()

	cfg := config.Config{
		Addr:              "127.0.0.1:9999",
		ReadHeaderTimeout: 2 * time.Second,
	}

	srv := buildHTTPServer(cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	if srv.Addr != cfg.Addr {
		t.Fatalf("Addr=%q, want %q", srv.Addr, cfg.Addr)
	}
	if srv.ReadHeaderTimeout != cfg.ReadHeaderTimeout {
		t.Fatalf("ReadHeaderTimeout=%v, want %v", srv.ReadHeaderTimeout, cfg.ReadHeaderTimeout)
	}
	if srv.ReadTimeout != 0 {
		t.Fatalf("ReadTimeout=%v, want 0 so media sockets are not cut off", srv.ReadTimeout)
	}
}

func TestBridgeConfig_AppliesMediaOverrides(t *testing.T) {
	t.Parallel()

	bc := bridgeConfig(config.Config{
		ChunkDurationMs:   40,
		CaptureQueueDepth: 10,
		PlayoutQueueDepth: 20,
	})

	if bc.ChunkDurationMs != 40 || bc.CaptureQueueDepth != 10 || bc.PlayoutQueueDepth != 20 {
		t.Fatalf("overrides not applied: %+v", bc)
	}
	if bc.WriteRetries == 0 || bc.InterruptTimeout == 0 {
		t.Fatalf("defaults lost: %+v", bc)
	}
}

func TestMigrate_RequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	absent := filepath.Join(t.TempDir(), "absent.env")
	err := newRootCommand().Run(context.Background(), []string{"callgw", "migrate", "--env-file", absent})
	if err == nil {
		t.Fatalf("expected error without DATABASE_URL")
	}
	if !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Fatalf("err = %v", err)
	}
}

func TestServe_RejectsInvalidAuthMode(t *testing.T) {
	t.Setenv("CALLGW_AUTH_MODE", "bogus")

	absent := filepath.Join(t.TempDir(), "absent.env")
	err := newRootCommand().Run(context.Background(), []string{"callgw", "serve", "--env-file", absent})
	if err == nil {
		t.Fatalf("expected config error")
	}
	if !strings.Contains(err.Error(), "CALLGW_AUTH_MODE") {
		t.Fatalf("err = %v", err)
	}
}
