package callapi

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
)

// DefaultBaseURL is the call service origin used when none is configured.
const DefaultBaseURL = "http://localhost:8000"

// Client talks to the call service that places calls through the telephony
// provider and reports their status.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// InitiateCallRequest is the body of POST /initiate-call.
type InitiateCallRequest struct {
	PhoneNumber string `json:"phone_number"`
}

// InitiateCallResponse is returned once the service has placed the call.
type InitiateCallResponse struct {
	CallID  string `json:"call_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// CallStatus is the service's authoritative record of a call.
type CallStatus struct {
	PhoneNumber string `json:"phone_number"`
	TwilioSID   string `json:"twilio_sid"`
	Status      string `json:"status"`
}

// New creates a call service client.
func New(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.baseURL = strings.TrimRight(c.baseURL, "/")
	return c
}

// BaseURL returns the configured HTTP origin.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// InitiateCall asks the service to dial phoneNumber.
func (c *Client) InitiateCall(ctx context.Context, phoneNumber string) (*InitiateCallResponse, error) {
	body, err := json.Marshal(InitiateCallRequest{PhoneNumber: phoneNumber})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	var out InitiateCallResponse
	if err := c.do(ctx, http.MethodPost, "/initiate-call", body, &out); err != nil {
		return nil, err
	}
	if out.CallID == "" {
		return nil, errors.New("initiate call: response missing call_id")
	}

	c.logger.Debug("call initiated", "call_id", out.CallID, "status", out.Status)
	return &out, nil
}

// GetCallStatus fetches the current record for callID. A 404 response
// matches ErrCallNotFound.
func (c *Client) GetCallStatus(ctx context.Context, callID string) (*CallStatus, error) {
	var out CallStatus
	if err := c.do(ctx, http.MethodGet, "/call/"+url.PathEscape(callID)+"/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// HangupCall asks the service to terminate callID with the provider.
func (c *Client) HangupCall(ctx context.Context, callID string) error {
	return c.do(ctx, http.MethodPost, "/call/"+url.PathEscape(callID)+"/hangup", nil, nil)
}

// Health checks that the service is reachable.
func (c *Client) Health(ctx context.Context) error {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return err
	}
	if out.Status != "healthy" {
		return fmt.Errorf("service unhealthy: %q", out.Status)
	}
	return nil
}

// StreamURL derives the push stream endpoint for callID from the HTTP
// origin: http becomes ws and https becomes wss.
func (c *Client) StreamURL(callID string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(u.Scheme)) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("base URL must use http(s) or ws(s): %q", c.baseURL)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/call/" + url.PathEscape(callID)
	return u.String(), nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	reqURL := c.baseURL + path

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: method, URL: reqURL, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Op: "read response", URL: reqURL, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
