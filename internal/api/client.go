package api

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

	"github.com/fithublabs/gatekeeper/internal/common/cnst"
	"github.com/fithublabs/gatekeeper/internal/common/errorx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// TokenSource supplies the current bearer token; an empty string means anonymous.
// The session manager implements this.
type TokenSource interface {
	Token() string
}

// Client talks to the backend resource API. All responses are unwrapped from
// the {success, message, data} envelope and failures are mapped onto the
// errorx taxonomy.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
	logger  *zap.Logger
}

// ClientOption customizes the client.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) {
		c.http = h
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.http.Timeout = d
	}
}

// NewClient creates a backend API client. Outbound requests are traced via
// otelhttp.
func NewClient(baseURL string, tokens TokenSource, logger *zap.Logger, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		logger:  logger.Named("api"),
		http: &http.Client{
			Timeout:   15 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// do performs one request and decodes the envelope. A nil out skips data decoding.
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+cnst.APIPrefix+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.tokens.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errorx.Wrap(errorx.ErrNetworkUnreachable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errorx.Wrap(errorx.ErrNetworkUnreachable, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode response (%d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode >= http.StatusBadRequest || !env.Success {
		return c.asError(resp.StatusCode, env.Message)
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}
	return nil
}

// asError maps a failed response onto the error taxonomy. A message carrying
// the blocked-organization indicator routes the caller to the blocked view
// instead of the generic failure path.
func (c *Client) asError(status int, message string) error {
	if message == "" {
		message = http.StatusText(status)
	}
	if strings.Contains(strings.ToLower(message), cnst.BlockedIndicator) {
		return errorx.WithMessage(errorx.ErrOrganizationBlocked, message)
	}
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return errorx.WithMessage(errorx.ErrInvalidCredentials, message)
	default:
		return errorx.New("request_failed", errorx.CategoryInternal, message)
	}
}

// Login authenticates the operator and returns the issued token and profile.
func (c *Client) Login(ctx context.Context, email, password string) (*LoginData, error) {
	var data LoginData
	err := c.do(ctx, http.MethodPost, "/auth/login", map[string]string{
		"email":    email,
		"password": password,
	}, &data)
	if err != nil {
		return nil, err
	}
	return &data, nil
}

// Logout invalidates the current token server-side.
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/auth/logout", nil, nil)
}

// Me returns the profile bound to the current token.
func (c *Client) Me(ctx context.Context) (*User, error) {
	var u User
	if err := c.do(ctx, http.MethodGet, "/auth/me", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// ScanQR submits one captured token for an access decision.
func (c *Client) ScanQR(ctx context.Context, qrData string) (*ScanResult, error) {
	var res ScanResult
	err := c.do(ctx, http.MethodPost, "/attendance/scan", map[string]string{"qrData": qrData}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Attendance lists recent check-in records.
func (c *Client) Attendance(ctx context.Context, limit int) (*AttendanceList, error) {
	var list AttendanceList
	path := "/attendance"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// TodayStats returns today's attendance counters.
func (c *Client) TodayStats(ctx context.Context) (*TodayStats, error) {
	var stats TodayStats
	if err := c.do(ctx, http.MethodGet, "/attendance/stats/today", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Alerts pulls the recent alert batch.
func (c *Client) Alerts(ctx context.Context, q AlertQuery) (*AlertList, error) {
	params := url.Values{}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.IsRead != nil {
		params.Set("isRead", strconv.FormatBool(*q.IsRead))
	}
	path := "/alerts"
	if encoded := params.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var list AlertList
	if err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// MarkAlertRead flips one alert's read flag server-side.
func (c *Client) MarkAlertRead(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPatch, "/alerts/"+id+"/read", nil, nil)
}

// MarkAllAlertsRead flips every alert's read flag server-side.
func (c *Client) MarkAllAlertsRead(ctx context.Context) error {
	return c.do(ctx, http.MethodPatch, "/alerts/read-all", nil, nil)
}

// UnreadCount returns the server's unread alert count.
func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	var data struct {
		Count int `json:"count"`
	}
	if err := c.do(ctx, http.MethodGet, "/alerts/unread-count", nil, &data); err != nil {
		return 0, err
	}
	return data.Count, nil
}

// Resource exposes the CRUD collections (members, plans, gyms, users) as
// opaque documents. Out of core scope; consumed as-is by presentation code.
func (c *Client) Resource(name string) *Resource {
	return &Resource{client: c, path: "/" + strings.Trim(name, "/")}
}

// Resource is an opaque CRUD surface over one backend collection.
type Resource struct {
	client *Client
	path   string
}

// List returns the raw collection payload.
func (r *Resource) List(ctx context.Context) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := r.client.do(ctx, http.MethodGet, r.path, nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// Get returns one document.
func (r *Resource) Get(ctx context.Context, id string) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := r.client.do(ctx, http.MethodGet, r.path+"/"+id, nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// Create posts a new document.
func (r *Resource) Create(ctx context.Context, doc any) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := r.client.do(ctx, http.MethodPost, r.path, doc, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// Update replaces one document.
func (r *Resource) Update(ctx context.Context, id string, doc any) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := r.client.do(ctx, http.MethodPut, r.path+"/"+id, doc, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// Delete removes one document.
func (r *Resource) Delete(ctx context.Context, id string) error {
	return r.client.do(ctx, http.MethodDelete, r.path+"/"+id, nil, nil)
}
