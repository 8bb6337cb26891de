// Package eventsync is an offline-first client data layer for the remote
// event service.
//
// It keeps an application working against the events/users API while the
// process is intermittently or permanently offline, reconciles queued writes
// once connectivity returns, and keeps sibling processes on the same host
// consistent through a broadcast bus.
//
// Usage:
//
//	store, _ := eventsync.Open("~/.eventsync/cache.db")
//	bus := eventsync.NewBus("redis://localhost:6379", nil)
//	conn := eventsync.NewConnectivity(true)
//	svc := eventsync.New(eventsync.NewClient("https://events.example.com"), store, bus, conn, nil)
//	svc.BindConnectivity()
//
//	events, _ := svc.AllEvents(ctx)
package eventsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const DefaultTimeout = 30 * time.Second

// ============================================================================
// Client
// ============================================================================

// Client talks to the remote event service. The rest of the package treats it
// as an opaque collaborator that can fail or be unreachable; it performs no
// caching or queueing of its own.
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithAuthToken(token string) ClientOption {
	return func(c *Client) { c.authToken = token }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured service URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// WSURL returns the websocket URL of the change feed.
func (c *Client) WSURL() string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/ws"
}

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, responseError(resp.StatusCode, data)
	}
	return data, nil
}

// responseError turns a non-2xx body into an *APIError when the service sent
// a structured error, falling back to the raw status otherwise.
func responseError(status int, data []byte) error {
	var apiErr APIError
	if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
		if apiErr.Code == "" {
			apiErr.Code = fmt.Sprintf("HTTP_%d", status)
		}
		return &apiErr
	}
	return fmt.Errorf("HTTP %d: %s", status, strings.TrimSpace(string(data)))
}

func (c *Client) setAuthHeader(req *http.Request) {
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Event endpoints
// ============================================================================

// Events fetches all events.
func (c *Client) Events(ctx context.Context) ([]Event, error) {
	data, err := c.doRequest(ctx, "GET", "/api/events", nil, nil)
	if err != nil {
		return nil, err
	}
	var events []Event
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("failed to unmarshal events: %w", err)
	}
	return events, nil
}

// Event fetches a single event by id.
func (c *Client) Event(ctx context.Context, id string) (*Event, error) {
	data, err := c.doRequest(ctx, "GET", "/api/events/"+id, nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Event](data)
}

// CreateEvent creates an event. When the payload carries attachment bytes the
// request is sent as multipart/form-data, otherwise as JSON.
func (c *Client) CreateEvent(ctx context.Context, payload EventPayload) (*Event, error) {
	if payload.Attachment != nil && len(payload.Attachment.Data) > 0 {
		return c.createEventMultipart(ctx, payload)
	}
	data, err := c.doRequest(ctx, "POST", "/api/events", payload, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Event](data)
}

func (c *Client) createEventMultipart(ctx context.Context, payload EventPayload) (*Event, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	meta, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}
	if err := w.WriteField("event", string(meta)); err != nil {
		return nil, fmt.Errorf("failed to write event field: %w", err)
	}

	part, err := w.CreateFormFile("image", payload.Attachment.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(payload.Attachment.Data); err != nil {
		return nil, fmt.Errorf("failed to write attachment: %w", err)
	}
	_ = w.Close()

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/events", &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	c.setAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, responseError(resp.StatusCode, data)
	}
	return decodeJSON[Event](data)
}

// UpdateEvent applies a partial update and returns the updated entity.
func (c *Client) UpdateEvent(ctx context.Context, id string, patch EventPatch) (*Event, error) {
	data, err := c.doRequest(ctx, "PUT", "/api/events/"+id, patch, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Event](data)
}

// DeleteEvent removes an event server-side.
func (c *Client) DeleteEvent(ctx context.Context, id string) error {
	_, err := c.doRequest(ctx, "DELETE", "/api/events/"+id, nil, nil)
	return err
}

// registrationData is the wire shape of a successful registration.
type registrationData struct {
	Event *Event `json:"event"`
	User  *User  `json:"user"`
}

// Register registers a user for an event and returns the updated entities.
func (c *Client) Register(ctx context.Context, eventID, userID string) (*Event, *User, error) {
	data, err := c.doRequest(ctx, "POST", "/api/events/"+eventID+"/register", map[string]string{"userId": userID}, nil)
	if err != nil {
		return nil, nil, err
	}
	reg, err := decodeJSON[registrationData](data)
	if err != nil {
		return nil, nil, err
	}
	return reg.Event, reg.User, nil
}

// ============================================================================
// User endpoints
// ============================================================================

// Users fetches all users.
func (c *Client) Users(ctx context.Context) ([]User, error) {
	data, err := c.doRequest(ctx, "GET", "/api/users", nil, nil)
	if err != nil {
		return nil, err
	}
	var users []User
	if err := json.Unmarshal(data, &users); err != nil {
		return nil, fmt.Errorf("failed to unmarshal users: %w", err)
	}
	return users, nil
}

// User fetches a single user by id.
func (c *Client) User(ctx context.Context, id string) (*User, error) {
	data, err := c.doRequest(ctx, "GET", "/api/users/"+id, nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[User](data)
}

// UpdateUser applies a partial update and returns the updated user.
func (c *Client) UpdateUser(ctx context.Context, id string, patch UserPatch) (*User, error) {
	data, err := c.doRequest(ctx, "PUT", "/api/users/"+id, patch, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[User](data)
}

// ============================================================================
// Health
// ============================================================================

// Health probes the service. It is the cheapest request the service accepts
// and is what the connectivity monitor calls.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.doRequest(ctx, "GET", "/api/health", nil, nil)
	return err
}
