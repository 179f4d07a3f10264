package callgw

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/aiappsgbb/gpt-realtime-agents/pkg/core"
)

// Call is the gateway's view of one call session.
type Call struct {
	ID                 string    `json:"id"`
	State              string    `json:"state"`
	Direction          string    `json:"direction"`
	Caller             string    `json:"caller,omitempty"`
	Callee             string    `json:"callee,omitempty"`
	Muted              bool      `json:"muted"`
	OnHold             bool      `json:"on_hold"`
	Participants       []string  `json:"participants,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	EndedAt            time.Time `json:"ended_at,omitzero"`
	EndReason          string    `json:"end_reason,omitempty"`
	PendingInvocations int       `json:"pending_invocations"`
}

// CreateCallRequest places an outbound call. Caller overrides the
// gateway's configured caller id when set.
type CreateCallRequest struct {
	Callee string `json:"callee"`
	Caller string `json:"caller,omitempty"`
}

// CreateCall dials callee and returns the new session, normally in the
// ringing state. Progress past ringing arrives via the gateway's own
// webhook intake; poll GetCall to observe it.
func (c *Client) CreateCall(ctx context.Context, req CreateCallRequest) (*Call, error) {
	if req.Callee == "" {
		return nil, core.NewValidationErrorWithParam("callee is required", "callee")
	}
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	resp, endpoint, err := c.doJSON(ctx, http.MethodPost, "/v1/calls", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, decodeErrorResponse(resp, endpoint, http.MethodPost)
	}
	return decodeCall(resp)
}

// GetCall fetches one live session by id. Ended calls are absent.
func (c *Client) GetCall(ctx context.Context, id string) (*Call, error) {
	if id == "" {
		return nil, core.NewValidationErrorWithParam("call id is required", "id")
	}
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	resp, endpoint, err := c.doJSON(ctx, http.MethodGet, "/v1/calls/"+id, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeErrorResponse(resp, endpoint, http.MethodGet)
	}
	return decodeCall(resp)
}

// ListCalls returns every live session, oldest first.
func (c *Client) ListCalls(ctx context.Context) ([]Call, error) {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	resp, endpoint, err := c.doJSON(ctx, http.MethodGet, "/v1/calls", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeErrorResponse(resp, endpoint, http.MethodGet)
	}

	var list struct {
		Calls []Call `json:"calls"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, &core.Error{
			Type:      core.ErrProtocol,
			Message:   "failed to decode gateway response",
			RequestID: requestIDFromHeader(resp.Header),
		}
	}
	return list.Calls, nil
}

// HangupCall asks the gateway to end the call. The gateway accepts the
// request and tears the session down asynchronously.
func (c *Client) HangupCall(ctx context.Context, id string) error {
	if id == "" {
		return core.NewValidationErrorWithParam("call id is required", "id")
	}
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	resp, endpoint, err := c.doJSON(ctx, http.MethodDelete, "/v1/calls/"+id, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return decodeErrorResponse(resp, endpoint, http.MethodDelete)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload any) (*http.Response, string, error) {
	endpoint, err := c.endpoint(path)
	if err != nil {
		return nil, "", err
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, endpoint, core.NewInvalidRequestError("failed to marshal request body")
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, endpoint, &TransportError{Op: method, URL: endpoint, Err: err}
	}
	req.Header.Set(versionHeader, versionValue)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	httpClient := c.httpClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, endpoint, &TransportError{Op: method, URL: endpoint, Err: err}
	}
	return resp, endpoint, nil
}

func decodeCall(resp *http.Response) (*Call, error) {
	var call Call
	if err := json.NewDecoder(resp.Body).Decode(&call); err != nil {
		return nil, &core.Error{
			Type:      core.ErrProtocol,
			Message:   "failed to decode gateway response",
			RequestID: requestIDFromHeader(resp.Header),
		}
	}
	return &call, nil
}

func withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), defaultRequestTimeout)
	}
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, defaultRequestTimeout)
}
