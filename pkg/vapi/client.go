// Package vapi provides a client for the Vapi outbound voice call API.
package vapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
)

// CallStatus is the lifecycle status Vapi reports for a call.
type CallStatus string

const (
	StatusQueued     CallStatus = "queued"
	StatusRinging    CallStatus = "ringing"
	StatusInProgress CallStatus = "in-progress"
	StatusEnded      CallStatus = "ended"
	StatusFailed     CallStatus = "failed"
	StatusCanceled   CallStatus = "canceled"
	StatusError      CallStatus = "error"
)

// Ended reports whether the call completed normally, meaning a transcript
// and result may be available.
func (s CallStatus) Ended() bool {
	return s == StatusEnded
}

// Terminal reports whether the call will not progress further, including
// non-ended failure states.
func (s CallStatus) Terminal() bool {
	switch s {
	case StatusEnded, StatusFailed, StatusCanceled, StatusError:
		return true
	}
	return false
}

// Client defines the Vapi operations the campaign engine uses.
type Client interface {
	// PlaceCall initiates an outbound call and returns the created call.
	PlaceCall(ctx context.Context, req CallRequest) (*Call, error)
	// GetStatus fetches the current state of a call by id.
	GetStatus(ctx context.Context, callID string) (*Call, error)
}

// CallRequest describes an outbound call to place. Variables are passed to
// the assistant as template variable values.
type CallRequest struct {
	PhoneNumber string
	Variables   map[string]string
}

// Call is the parsed Vapi call resource.
type Call struct {
	ID          string     `json:"id"`
	Status      CallStatus `json:"status"`
	EndedReason string     `json:"endedReason,omitempty"`
	Transcript  string     `json:"transcript,omitempty"`
	Summary     string     `json:"summary,omitempty"`
	CreatedAt   time.Time  `json:"createdAt,omitempty"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`
}

// Option configures the Vapi client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiKey        string
	assistantID   string
	phoneNumberID string
	baseURL       string
	http          *http.Client
}

// NewClient creates a new Vapi client. The assistant and phone number ids
// identify which assistant speaks and which outbound line places the call.
func NewClient(apiKey, assistantID, phoneNumberID string, opts ...Option) Client {
	c := &httpClient{
		apiKey:        apiKey,
		assistantID:   assistantID,
		phoneNumberID: phoneNumberID,
		baseURL:       "https://api.vapi.ai",
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// placeCallPayload is the wire shape of POST /call.
type placeCallPayload struct {
	AssistantID        string           `json:"assistantId"`
	PhoneNumberID      string           `json:"phoneNumberId"`
	Customer           customerPayload  `json:"customer"`
	AssistantOverrides overridesPayload `json:"assistantOverrides"`
}

type customerPayload struct {
	Number string `json:"number"`
}

type overridesPayload struct {
	VariableValues map[string]string `json:"variableValues"`
}

func (c *httpClient) PlaceCall(ctx context.Context, req CallRequest) (*Call, error) {
	if req.PhoneNumber == "" {
		return nil, eris.New("vapi: phone number is required")
	}

	payload := placeCallPayload{
		AssistantID:   c.assistantID,
		PhoneNumberID: c.phoneNumberID,
		Customer:      customerPayload{Number: req.PhoneNumber},
		AssistantOverrides: overridesPayload{
			VariableValues: req.Variables,
		},
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, eris.Wrap(err, "vapi: marshal call request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/call", bytes.NewReader(raw))
	if err != nil {
		return nil, eris.Wrap(err, "vapi: create request")
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	body, statusCode, err := c.retryDo(ctx, httpReq, raw)
	if err != nil {
		return nil, eris.Wrap(err, "vapi: place call")
	}
	if statusCode != http.StatusCreated {
		return nil, eris.Errorf("vapi: place call: unexpected status %d: %s", statusCode, string(body))
	}

	var call Call
	if err := json.Unmarshal(body, &call); err != nil {
		return nil, eris.Wrap(err, "vapi: unmarshal call")
	}
	if call.ID == "" {
		return nil, eris.New("vapi: place call: response missing call id")
	}
	return &call, nil
}

func (c *httpClient) GetStatus(ctx context.Context, callID string) (*Call, error) {
	if callID == "" {
		return nil, eris.New("vapi: call id is required")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/call/%s", c.baseURL, callID), nil)
	if err != nil {
		return nil, eris.Wrap(err, "vapi: create request")
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	body, statusCode, err := c.retryDo(ctx, httpReq, nil)
	if err != nil {
		return nil, eris.Wrapf(err, "vapi: get status for %s", callID)
	}
	if statusCode != http.StatusOK {
		return nil, eris.Errorf("vapi: get status for %s: unexpected status %d: %s", callID, statusCode, string(body))
	}

	var call Call
	if err := json.Unmarshal(body, &call); err != nil {
		return nil, eris.Wrap(err, "vapi: unmarshal call")
	}
	return &call, nil
}

// retryableStatusCode returns true if the HTTP status code should trigger a retry.
func retryableStatusCode(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusInternalServerError ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable
}

// retryDo executes an HTTP request with exponential backoff retries on
// transient failures (429, 500, 502, 503). The request body, when non-nil,
// is restored before each attempt.
func (c *httpClient) retryDo(ctx context.Context, req *http.Request, reqBody []byte) ([]byte, int, error) {
	const maxAttempts = 3
	backoff := 1 * time.Second

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		retryReq := req.Clone(ctx)
		if reqBody != nil {
			retryReq.Body = io.NopCloser(bytes.NewReader(reqBody))
		}

		resp, err := c.http.Do(retryReq)
		if err != nil {
			lastErr = err
			if attempt < maxAttempts {
				select {
				case <-ctx.Done():
					return nil, 0, ctx.Err()
				case <-time.After(backoff):
				}
				backoff *= 2
				continue
			}
			return nil, 0, lastErr
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, resp.StatusCode, eris.Wrap(readErr, "vapi: read response body")
		}

		if retryableStatusCode(resp.StatusCode) && attempt < maxAttempts {
			lastErr = eris.Errorf("vapi: status %d: %s", resp.StatusCode, string(body))
			select {
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			continue
		}

		return body, resp.StatusCode, nil
	}

	return nil, 0, lastErr
}
