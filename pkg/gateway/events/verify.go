package events

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"

	"github.com/aiappsgbb/gpt-realtime-agents/pkg/core"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw body,
// prefixed with the algorithm name.
const SignatureHeader = "X-Gateway-Signature"

const signaturePrefix = "sha256="

// Authenticate verifies one delivery before it may be processed. With
// an HMAC key configured the signature header must match; otherwise the
// shared secret query parameter must match. With neither configured
// deliveries pass, which the config layer only permits in insecure
// mode.
func (g *Gateway) Authenticate(r *http.Request, body []byte) error {
	if g.cfg.HMACKey != "" {
		return verifySignature(g.cfg.HMACKey, r.Header.Get(SignatureHeader), body)
	}
	if g.cfg.SharedSecret != "" {
		return verifySharedSecret(g.cfg.SharedSecret, r.URL.Query().Get("secret"))
	}
	return nil
}

func verifySignature(key, header string, body []byte) error {
	if header == "" {
		return core.NewAuthenticationError("missing webhook signature")
	}
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(body)
	expected := signaturePrefix + hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(header), []byte(expected)) {
		return core.NewAuthenticationError("webhook signature mismatch")
	}
	return nil
}

func verifySharedSecret(want, got string) error {
	if got == "" {
		return core.NewAuthenticationError("missing webhook secret")
	}
	if subtle.ConstantTimeCompare([]byte(want), []byte(got)) != 1 {
		return core.NewAuthenticationError("webhook secret mismatch")
	}
	return nil
}

// Sign computes the signature header value for a body. Exported for
// provider simulators and tests.
func Sign(key string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}
