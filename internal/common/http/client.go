// Package http wraps the outbound HTTP client the adhesion backend adapter
// calls through. The timeout is fixed at construction and bounds every call;
// per-request deadlines travel on the caller's context.
package http

import (
	"context"
	"net/http"
	"time"
)

const defaultTimeout = 30 * time.Second

type Client struct {
	httpClient *http.Client
}

// NewClient builds a client with the given overall timeout. A non-positive
// timeout falls back to the default rather than disabling the bound.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.httpClient.Do(req)
}

// DoWithContext attaches ctx to the request so callers can cancel a call
// before the client timeout fires.
func (c *Client) DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error) {
	req = req.WithContext(ctx)
	return c.httpClient.Do(req)
}
