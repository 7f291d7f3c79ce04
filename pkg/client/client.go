// Package client is a Go client for the gateway's HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/flemzord/toolgate/internal/confirm"
	"github.com/flemzord/toolgate/internal/gateway"
	"github.com/flemzord/toolgate/internal/session"
)

// ErrUnexpectedStatus is returned for responses that carry no Result.
var ErrUnexpectedStatus = errors.New("unexpected response status")

// Config configures a Client.
type Config struct {
	// BaseURL is the gateway root, e.g. http://127.0.0.1:8088.
	BaseURL     string
	BearerToken string
	BasicUser   string
	BasicPass   string
	// HTTPClient defaults to a client with a 2 minute timeout.
	HTTPClient *http.Client
}

// Client talks to a running gateway.
type Client struct {
	base *url.URL
	cfg  Config
	http *http.Client
}

// New validates cfg and returns a Client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("client: base URL is required")
	}
	raw := cfg.BaseURL
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("client: base URL: %w", err)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Client{base: base, cfg: cfg, http: hc}, nil
}

// ToolInfo is one entry of the tool listing.
type ToolInfo struct {
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	Kind          string `json:"kind"`
	Available     bool   `json:"available"`
	Reason        string `json:"reason,omitempty"`
	MinRole       string `json:"min_role,omitempty"`
	MaxPerSession int    `json:"max_per_session,omitempty"`
}

// Invoke submits a request. With wait set the call blocks until an
// elevated request is resolved or expires.
func (c *Client) Invoke(ctx context.Context, req gateway.Request, wait bool) (gateway.Result, error) {
	body := struct {
		gateway.Request
		Wait bool `json:"wait,omitempty"`
	}{req, wait}
	return c.result(ctx, http.MethodPost, "/v1/invoke", body)
}

// Resolve approves or denies a pending confirmation. With execute set an
// approved call runs immediately and its output is returned.
func (c *Client) Resolve(ctx context.Context, id string, approve, execute bool) (gateway.Result, error) {
	body := map[string]bool{"approve": approve, "execute": execute}
	return c.result(ctx, http.MethodPost, "/v1/confirmations/"+url.PathEscape(id), body)
}

// Confirmations lists confirmations, optionally only pending ones.
func (c *Client) Confirmations(ctx context.Context, pendingOnly bool) ([]confirm.Confirmation, error) {
	path := "/v1/confirmations"
	if pendingOnly {
		path += "?pending=true"
	}
	var out []confirm.Confirmation
	return out, c.getJSON(ctx, path, &out)
}

// Confirmation fetches one confirmation.
func (c *Client) Confirmation(ctx context.Context, id string) (confirm.Confirmation, error) {
	var out confirm.Confirmation
	return out, c.getJSON(ctx, "/v1/confirmations/"+url.PathEscape(id), &out)
}

// Tools lists the registered tools.
func (c *Client) Tools(ctx context.Context) ([]ToolInfo, error) {
	var out []ToolInfo
	return out, c.getJSON(ctx, "/v1/tools", &out)
}

// Sessions lists live sessions.
func (c *Client) Sessions(ctx context.Context) ([]session.Info, error) {
	var out []session.Info
	return out, c.getJSON(ctx, "/v1/sessions", &out)
}

// Status returns the raw status document.
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	return out, c.getJSON(ctx, "/v1/status", &out)
}

func (c *Client) result(ctx context.Context, method, path string, body any) (gateway.Result, error) {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return gateway.Result{}, err
	}
	defer resp.Body.Close()

	var res gateway.Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return gateway.Result{}, fmt.Errorf("%w: %s", ErrUnexpectedStatus, resp.Status)
	}
	return res, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var res gateway.Result
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(data, &res) == nil && res.Error != nil {
			return res.Error
		}
		return fmt.Errorf("%w: %s", ErrUnexpectedStatus, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("client: encode: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, rd)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.cfg.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.cfg.BearerToken)
	case c.cfg.BasicUser != "":
		req.SetBasicAuth(c.cfg.BasicUser, c.cfg.BasicPass)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	return resp, nil
}
