// Package client is a typed Go client for the permengine HTTP API.
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
	"time"

	"github.com/Mindburn-Labs/permengine/pkg/api"
	"github.com/Mindburn-Labs/permengine/pkg/audit"
	"github.com/Mindburn-Labs/permengine/pkg/contracts"
	"github.com/Mindburn-Labs/permengine/pkg/store"
)

// APIError is returned when the API responds with a non-2xx status.
type APIError struct {
	Status    int
	Title     string
	Detail    string
	RequestID string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("permengine api %d: %s", e.Status, e.Title)
	}
	return fmt.Sprintf("permengine api %d: %s: %s", e.Status, e.Title, e.Detail)
}

// Client calls one permengine server.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithToken sets the bearer token sent on every call.
func WithToken(token string) Option {
	return func(c *Client) { c.Token = token }
}

// WithTimeout sets the HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.HTTPClient.Timeout = d }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.HTTPClient = hc }
}

// New creates a client for baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer func() { _ = resp.Body.Close() }()
		apiErr := &APIError{Status: resp.StatusCode, Title: http.StatusText(resp.StatusCode), RequestID: resp.Header.Get(api.RequestIDHeader)}
		var p api.ProblemDetail
		if err := json.NewDecoder(resp.Body).Decode(&p); err == nil && p.Title != "" {
			apiErr.Title, apiErr.Detail = p.Title, p.Detail
		}
		return nil, apiErr
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Result is a decision with the event that recorded it.
type Result struct {
	Decision *contracts.Decision      `json:"decision"`
	Event    *contracts.SecurityEvent `json:"event,omitempty"`
}

// Decide calls POST /v1/decisions. A denial is a successful call; inspect
// the decision outcome.
func (c *Client) Decide(ctx context.Context, req contracts.AccessRequest, payload map[string]any) (*Result, error) {
	body := struct {
		Request contracts.AccessRequest `json:"request"`
		Payload map[string]any          `json:"payload,omitempty"`
	}{req, payload}
	var out Result
	if err := c.do(ctx, http.MethodPost, "/v1/decisions", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RequestAccess calls POST /v1/provisioning. The server records the token
// subject as the requester.
func (c *Client) RequestAccess(ctx context.Context, req contracts.ProvisioningRequest) (*contracts.ApprovalChain, error) {
	var out contracts.ApprovalChain
	if err := c.do(ctx, http.MethodPost, "/v1/provisioning", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Chain calls GET /v1/approvals/{id}.
func (c *Client) Chain(ctx context.Context, id string) (*contracts.ApprovalChain, error) {
	var out contracts.ApprovalChain
	if err := c.do(ctx, http.MethodGet, "/v1/approvals/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Approve signs off for the approver role in the client's token.
func (c *Client) Approve(ctx context.Context, id, comment string) (*contracts.ApprovalChain, error) {
	return c.signOff(ctx, id, "approve", comment)
}

// Reject rejects the chain for the approver role in the client's token.
func (c *Client) Reject(ctx context.Context, id, comment string) (*contracts.ApprovalChain, error) {
	return c.signOff(ctx, id, "reject", comment)
}

// Withdraw withdraws a chain opened by the token subject.
func (c *Client) Withdraw(ctx context.Context, id string) (*contracts.ApprovalChain, error) {
	var out contracts.ApprovalChain
	if err := c.do(ctx, http.MethodPost, "/v1/approvals/"+url.PathEscape(id)+"/withdraw", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) signOff(ctx context.Context, id, op, comment string) (*contracts.ApprovalChain, error) {
	var body any
	if comment != "" {
		body = map[string]string{"comment": comment}
	}
	var out contracts.ApprovalChain
	if err := c.do(ctx, http.MethodPost, "/v1/approvals/"+url.PathEscape(id)+"/"+op, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Events calls GET /v1/events. Zero filter fields are omitted.
func (c *Client) Events(ctx context.Context, f store.Filter) ([]contracts.SecurityEvent, error) {
	q := url.Values{}
	if f.UserID != "" {
		q.Set("user_id", f.UserID)
	}
	if !f.Since.IsZero() {
		q.Set("since", f.Since.UTC().Format(time.RFC3339))
	}
	if !f.Until.IsZero() {
		q.Set("until", f.Until.UTC().Format(time.RFC3339))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	path := "/v1/events"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Events []contracts.SecurityEvent `json:"events"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// Export is a stored evidence pack.
type Export struct {
	Hash     string         `json:"hash"`
	Checksum string         `json:"checksum"`
	Manifest audit.Manifest `json:"manifest"`
}

// ExportEvidence calls POST /v1/exports.
func (c *Client) ExportEvidence(ctx context.Context, req audit.ExportRequest) (*Export, error) {
	var out Export
	if err := c.do(ctx, http.MethodPost, "/v1/exports", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DownloadEvidence calls GET /v1/exports/{hash} and returns the zip.
func (c *Client) DownloadEvidence(ctx context.Context, hash string) ([]byte, error) {
	resp, err := c.send(ctx, http.MethodGet, "/v1/exports/"+url.PathEscape(hash), nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	return io.ReadAll(resp.Body)
}

// Health calls GET /health. A server without a policy reports an APIError
// with status 503.
func (c *Client) Health(ctx context.Context) (map[string]string, error) {
	var out map[string]string
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}
