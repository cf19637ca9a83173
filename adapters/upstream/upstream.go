// Package upstream is the net/http-based implementation of
// ports.UpstreamFetcher: it performs the outbound request to the origin
// being proxied.
package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/duraproxy/duraproxy/ports"
)

// Client forwards requests to arbitrary allow-listed upstream origins. It
// follows no redirects: the pipe treats any 3xx as a policy failure.
type Client struct {
	httpClient *http.Client
}

// Config configures the upstream client's transport. There is no overall
// request timeout here — the pipe enforces its own startup and inactivity
// timeouts via ctx, since upstream bodies may stream indefinitely.
type Config struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
}

// New builds a Client suited to long-lived streaming responses.
func New(cfg Config) *Client {
	maxIdleConns := cfg.MaxIdleConns
	if maxIdleConns == 0 {
		maxIdleConns = 100
	}
	maxIdleConnsPerHost := cfg.MaxIdleConnsPerHost
	if maxIdleConnsPerHost == 0 {
		maxIdleConnsPerHost = 20
	}
	idleConnTimeout := cfg.IdleConnTimeout
	if idleConnTimeout == 0 {
		idleConnTimeout = 90 * time.Second
	}

	transport := &http.Transport{
		MaxIdleConns:        maxIdleConns,
		MaxIdleConnsPerHost: maxIdleConnsPerHost,
		IdleConnTimeout:     idleConnTimeout,
		// Streaming bodies (SSE, chunked JSON) must not be buffered by
		// transparent decompression.
		DisableCompression: true,
	}

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			// No Timeout: the caller's ctx governs both the startup
			// deadline and, cooperatively, the inactivity deadline.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

var _ ports.UpstreamFetcher = (*Client)(nil)

// Fetch issues the outbound request. It never follows redirects; the
// caller inspects Status to classify 3xx/4xx/5xx per policy.
func (c *Client) Fetch(ctx context.Context, method, url string, headers map[string][]string, body io.Reader) (ports.UpstreamResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return ports.UpstreamResponse{}, fmt.Errorf("upstream: build request: %w", err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ports.UpstreamResponse{}, fmt.Errorf("upstream: fetch: %w", err)
	}

	return ports.UpstreamResponse{
		Status:  resp.StatusCode,
		Headers: map[string][]string(resp.Header),
		Body:    resp.Body,
	}, nil
}
