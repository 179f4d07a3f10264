// Package telephony integrates the call-control provider: a REST client
// for call actions and the media stream socket the provider opens back
// toward the gateway once a call is answered.
package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aiappsgbb/gpt-realtime-agents/pkg/core"
)

const (
	defaultTimeout       = 10 * time.Second
	defaultAnswerTimeout = 2 * time.Second
	defaultMaxRetries    = 3
	defaultRetryBackoff  = 250 * time.Millisecond
)

// Config describes the provider endpoint and the gateway's public media
// address.
type Config struct {
	BaseURL   string
	AuthToken string

	// CallerID is the origination number used for outbound calls.
	CallerID string

	// MediaStreamURL is the websocket base the provider connects back
	// to for call media, e.g. wss://gateway.example.com/v1/media. The
	// call id is appended as the last path segment.
	MediaStreamURL string

	// AnswerTimeout bounds answer and reject requests. The provider
	// abandons unanswered calls quickly, so these cannot wait out the
	// full request timeout.
	AnswerTimeout time.Duration

	Timeout      time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.AnswerTimeout <= 0 {
		c.AnswerTimeout = defaultAnswerTimeout
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaultRetryBackoff
	}
	return c
}

// Provider is the REST client for call-control actions.
type Provider struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewProvider validates the configuration and builds a client.
func NewProvider(cfg Config, logger *slog.Logger) (*Provider, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, core.NewValidationErrorWithParam("provider base url is required", "base_url")
	}
	if strings.TrimSpace(cfg.AuthToken) == "" {
		return nil, core.NewValidationErrorWithParam("provider auth token is required", "auth_token")
	}
	if strings.TrimSpace(cfg.MediaStreamURL) == "" {
		return nil, core.NewValidationErrorWithParam("media stream url is required", "media_stream_url")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Provider{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With("component", "telephony"),
	}, nil
}

type answerRequest struct {
	MediaStreamURL string `json:"media_stream_url"`
}

type rejectRequest struct {
	Reason string `json:"reason,omitempty"`
}

type dialRequest struct {
	To   string `json:"to"`
	From string `json:"from,omitempty"`
}

type dialResponse struct {
	CallID string `json:"call_id"`
}

type transferRequest struct {
	TargetNumber string `json:"target_number"`
}

type hangupRequest struct {
	Reason string `json:"reason,omitempty"`
}

type startStreamingRequest struct {
	StreamURL string `json:"stream_url"`
	Format    string `json:"format"`
}

// Answer accepts a ringing call and tells the provider where to open
// the media stream. The answer window is short and enforced here when
// the caller supplied no deadline of its own.
func (p *Provider) Answer(ctx context.Context, callID string) error {
	if err := requireCallID(callID); err != nil {
		return err
	}
	ctx, cancel := p.answerDeadline(ctx)
	defer cancel()
	err := p.doJSON(ctx, http.MethodPost, "/v1/calls/"+url.PathEscape(callID)+"/answer",
		answerRequest{MediaStreamURL: p.streamURL(callID)}, nil)
	if err != nil {
		return err
	}
	p.logger.Info("call answered", "call_id", callID)
	return nil
}

// Reject declines a ringing call.
func (p *Provider) Reject(ctx context.Context, callID, reason string) error {
	if err := requireCallID(callID); err != nil {
		return err
	}
	ctx, cancel := p.answerDeadline(ctx)
	defer cancel()
	err := p.doJSON(ctx, http.MethodPost, "/v1/calls/"+url.PathEscape(callID)+"/reject",
		rejectRequest{Reason: reason}, nil)
	if err != nil {
		return err
	}
	p.logger.Info("call rejected", "call_id", callID, "reason", reason)
	return nil
}

// Dial places an outbound call and returns the provider's correlation
// id for it. Lifecycle notifications for the new call arrive on the
// webhook channel like any other call. An empty caller presents the
// configured caller id.
func (p *Provider) Dial(ctx context.Context, callee, caller string) (string, error) {
	if strings.TrimSpace(callee) == "" {
		return "", core.NewValidationErrorWithParam("callee number is required", "to")
	}
	if strings.TrimSpace(caller) == "" {
		caller = p.cfg.CallerID
	}
	var out dialResponse
	if err := p.doJSON(ctx, http.MethodPost, "/v1/calls",
		dialRequest{To: callee, From: caller}, &out); err != nil {
		return "", err
	}
	if out.CallID == "" {
		return "", core.NewProtocolError("provider returned no call id for outbound call")
	}
	p.logger.Info("outbound call placed", "call_id", out.CallID, "to", callee)
	return out.CallID, nil
}

// Transfer moves the remote participant to another number.
func (p *Provider) Transfer(ctx context.Context, callID, target string) error {
	if err := requireCallID(callID); err != nil {
		return err
	}
	if strings.TrimSpace(target) == "" {
		return core.NewValidationErrorWithParam("transfer target is required", "target_number")
	}
	return p.doJSON(ctx, http.MethodPost, "/v1/calls/"+url.PathEscape(callID)+"/transfer",
		transferRequest{TargetNumber: target}, nil)
}

// Hangup ends the call.
func (p *Provider) Hangup(ctx context.Context, callID, reason string) error {
	if err := requireCallID(callID); err != nil {
		return err
	}
	return p.doJSON(ctx, http.MethodPost, "/v1/calls/"+url.PathEscape(callID)+"/hangup",
		hangupRequest{Reason: reason}, nil)
}

// StartMediaStreaming asks the provider to begin streaming call media
// to the gateway's media endpoint.
func (p *Provider) StartMediaStreaming(ctx context.Context, callID string) error {
	if err := requireCallID(callID); err != nil {
		return err
	}
	return p.doJSON(ctx, http.MethodPost, "/v1/calls/"+url.PathEscape(callID)+"/streaming/start",
		startStreamingRequest{StreamURL: p.streamURL(callID), Format: "mulaw8k"}, nil)
}

func (p *Provider) streamURL(callID string) string {
	return strings.TrimRight(p.cfg.MediaStreamURL, "/") + "/" + url.PathEscape(callID)
}

func (p *Provider) answerDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.cfg.AnswerTimeout)
}

func requireCallID(callID string) error {
	if strings.TrimSpace(callID) == "" {
		return core.NewValidationErrorWithParam("call id is required", "call_id")
	}
	return nil
}

type apiErrorResponse struct {
	Error *core.Error `json:"error"`
}

func (p *Provider) doJSON(ctx context.Context, method, path string, body, out any) error {
	attempt := 0
	backoff := p.cfg.RetryBackoff

	for {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, method, p.requestURL(path), bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+p.cfg.AuthToken)

		resp, err := p.httpClient.Do(req)
		if err != nil {
			if p.shouldRetry(ctx, attempt) {
				time.Sleep(backoff)
				backoff *= 2
				attempt++
				continue
			}
			return core.NewTransientNetworkError(method+" "+path, err)
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return core.NewTransientNetworkError("read provider response", err)
		}

		if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
			apiErr := parseAPIError(resp.StatusCode, respBody)
			if apiErr.IsRetryable() && p.shouldRetry(ctx, attempt) {
				time.Sleep(backoff)
				backoff *= 2
				attempt++
				continue
			}
			return apiErr
		}

		if out != nil {
			if err := json.Unmarshal(respBody, out); err != nil {
				return core.NewProtocolError(fmt.Sprintf("undecodable provider response: %v", err))
			}
		}
		return nil
	}
}

func (p *Provider) requestURL(path string) string {
	return strings.TrimRight(p.cfg.BaseURL, "/") + path
}

func (p *Provider) shouldRetry(ctx context.Context, attempt int) bool {
	if ctx.Err() != nil {
		return false
	}
	return attempt < p.cfg.MaxRetries
}

func parseAPIError(status int, body []byte) *core.Error {
	var envelope apiErrorResponse
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != nil && envelope.Error.Type != "" {
		return envelope.Error
	}

	message := strings.TrimSpace(string(body))
	if message == "" {
		message = fmt.Sprintf("provider error (%d)", status)
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return core.NewAuthenticationError(message)
	case status == http.StatusNotFound:
		return core.NewNotFoundError(message)
	case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		return core.NewTransientNetworkError(fmt.Sprintf("provider status %d", status), errors.New(message))
	default:
		return core.NewInvalidRequestError(message)
	}
}
