package meshlinesdk

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Meshline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Announce represents the API announce model.
type Announce struct {
	ID              string `json:"id"`
	DestinationHash string `json:"destination_hash"`
	Aspect          string `json:"aspect,omitempty"`
	Role            string `json:"role"`
	RoleLabel       string `json:"role_label"`
	Hops            *int   `json:"hops,omitempty"`
	StampCost       *int   `json:"stamp_cost,omitempty"`
	StampCostFlex   *int   `json:"stamp_cost_flexibility,omitempty"`
	PeeringCost     *int   `json:"peering_cost,omitempty"`
	ReceivedAt      string `json:"received_at"`
}

// Contact represents the API contact model. PublicKey is base64.
type Contact struct {
	DestinationHash string `json:"destination_hash"`
	DisplayName     string `json:"display_name,omitempty"`
	Status          string `json:"status"`
	PublicKey       string `json:"public_key,omitempty"`
	AddedAt         string `json:"added_at"`
	UpdatedAt       string `json:"updated_at"`
}

// PassReport summarizes one server-side resolution pass.
type PassReport struct {
	StartedAt time.Time `json:"started_at"`
	Checked   int       `json:"checked"`
	Resolved  int       `json:"resolved"`
	Expired   int       `json:"expired"`
	Requested int       `json:"requested"`
}

// ResolverStatus is a snapshot of the server's resolution scheduler.
type ResolverStatus struct {
	Running  bool        `json:"running"`
	Interval string      `json:"interval"`
	Timeout  string      `json:"timeout"`
	LastPass *PassReport `json:"last_pass,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// RecordAnnounce submits one announce packet. Payload and publicKey are
// raw bytes; the client handles encoding.
func (c *Client) RecordAnnounce(ctx context.Context, destinationHash, aspect string, payload, publicKey []byte) (Announce, error) {
	body := map[string]any{
		"destination_hash": destinationHash,
		"aspect":           aspect,
	}
	if len(payload) > 0 {
		body["payload"] = base64.StdEncoding.EncodeToString(payload)
	}
	if len(publicKey) > 0 {
		body["public_key"] = base64.StdEncoding.EncodeToString(publicKey)
	}
	var resp Announce
	err := c.do(ctx, http.MethodPost, "v0/announces", body, &resp)
	return resp, err
}

// ListAnnounces returns stored announces, optionally filtered by role.
func (c *Client) ListAnnounces(ctx context.Context, role string, limit int) ([]Announce, error) {
	endpoint := "v0/announces"
	params := url.Values{}
	if role != "" {
		params.Set("role", role)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprint(limit))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp []Announce
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AddContact registers a destination for identity resolution.
func (c *Client) AddContact(ctx context.Context, destinationHash, displayName string) (Contact, error) {
	body := map[string]any{
		"destination_hash": destinationHash,
		"display_name":     displayName,
	}
	var resp Contact
	err := c.do(ctx, http.MethodPost, "v0/contacts", body, &resp)
	return resp, err
}

// GetContact fetches one contact by destination hash.
func (c *Client) GetContact(ctx context.Context, destinationHash string) (Contact, error) {
	var resp Contact
	endpoint := "v0/contacts/" + url.PathEscape(destinationHash)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ListContacts returns contacts, optionally filtered by status.
func (c *Client) ListContacts(ctx context.Context, status string) ([]Contact, error) {
	endpoint := "v0/contacts"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Contact
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RetryContact resets a contact to pending and triggers one path request.
func (c *Client) RetryContact(ctx context.Context, destinationHash string) (Contact, error) {
	var resp Contact
	endpoint := fmt.Sprintf("v0/contacts/%s/retry", url.PathEscape(destinationHash))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// ResolverStatus returns the server's scheduler snapshot.
func (c *Client) ResolverStatus(ctx context.Context) (ResolverStatus, error) {
	var resp ResolverStatus
	err := c.do(ctx, http.MethodGet, "v0/resolver/status", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
