package events

import (
	"net/http/httptest"
	"testing"
)

func TestAuthenticateSignature(t *testing.T) {
	g := newTestGateway(func(cfg *Config) {
		cfg.HMACKey = "key-1"
	})
	body := []byte(`[{"id":"evt-1"}]`)

	r := httptest.NewRequest("POST", "/v1/events", nil)
	r.Header.Set(SignatureHeader, Sign("key-1", body))
	if err := g.Authenticate(r, body); err != nil {
		t.Errorf("valid signature rejected: %v", err)
	}

	r = httptest.NewRequest("POST", "/v1/events", nil)
	r.Header.Set(SignatureHeader, Sign("key-1", body))
	if err := g.Authenticate(r, []byte(`[{"id":"tampered"}]`)); err == nil {
		t.Error("tampered body accepted")
	}

	r = httptest.NewRequest("POST", "/v1/events", nil)
	if err := g.Authenticate(r, body); err == nil {
		t.Error("missing signature accepted")
	}

	r = httptest.NewRequest("POST", "/v1/events", nil)
	r.Header.Set(SignatureHeader, Sign("other-key", body))
	if err := g.Authenticate(r, body); err == nil {
		t.Error("signature with wrong key accepted")
	}
}

func TestAuthenticateSharedSecret(t *testing.T) {
	g := newTestGateway(func(cfg *Config) {
		cfg.SharedSecret = "s3cret"
	})
	body := []byte(`[]`)

	r := httptest.NewRequest("POST", "/v1/events?secret=s3cret", nil)
	if err := g.Authenticate(r, body); err != nil {
		t.Errorf("valid secret rejected: %v", err)
	}

	r = httptest.NewRequest("POST", "/v1/events?secret=wrong", nil)
	if err := g.Authenticate(r, body); err == nil {
		t.Error("wrong secret accepted")
	}

	r = httptest.NewRequest("POST", "/v1/events", nil)
	if err := g.Authenticate(r, body); err == nil {
		t.Error("missing secret accepted")
	}
}

func TestSignatureTakesPrecedenceOverSecret(t *testing.T) {
	g := newTestGateway(func(cfg *Config) {
		cfg.HMACKey = "key-1"
		cfg.SharedSecret = "s3cret"
	})
	body := []byte(`[]`)

	// A correct query secret cannot substitute for the signature.
	r := httptest.NewRequest("POST", "/v1/events?secret=s3cret", nil)
	if err := g.Authenticate(r, body); err == nil {
		t.Error("unsigned delivery accepted despite configured key")
	}
}

func TestAuthenticateUnconfigured(t *testing.T) {
	g := newTestGateway(nil)

	r := httptest.NewRequest("POST", "/v1/events", nil)
	if err := g.Authenticate(r, []byte(`[]`)); err != nil {
		t.Errorf("unconfigured gateway rejected delivery: %v", err)
	}
}
