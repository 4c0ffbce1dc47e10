package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Client is a thin HTTP+JSON client for one Worker's RPC surface.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient builds a Client against a Worker's base URL.
func NewClient(baseURL string) *Client {
	return &Client{BaseURL: baseURL, HTTPClient: &http.Client{Timeout: DefaultTimeout}}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("worker request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var errResp ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error == "" {
			errResp.Error = resp.Status
		}
		return fmt.Errorf("worker returned %d: %s", resp.StatusCode, errResp.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Accounts fetches the Worker's current per-Identity status table.
func (c *Client) Accounts(ctx context.Context) (AccountsResponse, error) {
	var out AccountsResponse
	err := c.do(ctx, http.MethodGet, "/accounts", nil, &out)
	return out, err
}

// Send asks the Worker to send one message through an Identity's active
// Session.
func (c *Client) Send(ctx context.Context, req SendRequest) (SendResponse, error) {
	var out SendResponse
	err := c.do(ctx, http.MethodPost, "/send", req, &out)
	return out, err
}

// Connect asks the Worker to dial (or pair) one slot of an Identity.
func (c *Client) Connect(ctx context.Context, req ConnectRequest) (ConnectResponse, error) {
	var out ConnectResponse
	err := c.do(ctx, http.MethodPost, "/accounts/connect", req, &out)
	return out, err
}

// Disconnect asks the Worker to tear down one or all slots of an Identity.
func (c *Client) Disconnect(ctx context.Context, req DisconnectRequest) error {
	return c.do(ctx, http.MethodPost, "/accounts/disconnect", req, nil)
}
