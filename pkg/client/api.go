// Package client is the Go client for the portal messaging service. It
// bundles the HTTP API, the live channel and a Reconciler that merges the two
// into per-conversation timelines.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/accreditation-portal/messaging/internal/model"
)

// APIError is a non-2xx response from the service.
type APIError struct {
	Status  int
	Message string
	// RetryAfter is set when the service rate limited the call.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// API is a client for the HTTP endpoints.
type API struct {
	baseURL string
	token   string
	http    *http.Client
}

// APIOption configures an API.
type APIOption func(*API)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) APIOption {
	return func(a *API) { a.http = c }
}

// NewAPI creates a client for the service at baseURL authenticating with a
// bearer token.
func NewAPI(baseURL, token string, opts ...APIOption) *API {
	a := &API{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// History fetches the latest messages of a conversation, oldest first. A
// limit of zero uses the server default.
func (a *API) History(ctx context.Context, conversationID string, limit int) ([]model.PersistedMessage, error) {
	path := "/api/v1/conversations/" + url.PathEscape(conversationID) + "/messages"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}

	var resp model.ListMessagesResponse
	if err := a.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// Send posts a message for durable storage and live delivery.
func (a *API) Send(ctx context.Context, req *model.SendMessageRequest) (*model.PersistedMessage, error) {
	var resp model.SendMessageResponse
	if err := a.do(ctx, http.MethodPost, "/api/v1/messages", req, &resp); err != nil {
		return nil, err
	}
	return resp.Message, nil
}

// Presence lists users with a live connection. Admin only.
func (a *API) Presence(ctx context.Context) ([]string, error) {
	var resp model.PresenceResponse
	if err := a.do(ctx, http.MethodGet, "/api/v1/presence", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Users, nil
}

func (a *API) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e model.ErrorResponse
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		return &APIError{
			Status:     resp.StatusCode,
			Message:    e.Error,
			RetryAfter: time.Duration(e.RetryAfter) * time.Second,
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
