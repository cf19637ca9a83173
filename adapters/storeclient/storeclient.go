// Package storeclient is the typed HTTP façade over the append-only store's
// wire contract (component C/F): HEAD/PUT/POST/GET/DELETE on
// /v1/streams/{id}. It is the only package that knows the store's header
// names.
package storeclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/duraproxy/duraproxy/ports"
)

// Client is the default net/http-based ports.StoreClient implementation.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// Config configures the store client's transport.
type Config struct {
	BaseURL         string
	Timeout         time.Duration
	DialTimeout     time.Duration
	IdleConnTimeout time.Duration
}

// New builds a Client against the store reachable at cfg.BaseURL.
func New(cfg Config) *Client {
	dialTimeout := cfg.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 10 * time.Second
	}
	idleConnTimeout := cfg.IdleConnTimeout
	if idleConnTimeout == 0 {
		idleConnTimeout = 90 * time.Second
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: dialTimeout,
		}).DialContext,
		IdleConnTimeout:     idleConnTimeout,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
		baseURL:    cfg.BaseURL,
	}
}

var _ ports.StoreClient = (*Client)(nil)

func (c *Client) streamURL(streamID string) string {
	return fmt.Sprintf("%s/v1/streams/%s", c.baseURL, streamID)
}

// CreateStream issues PUT /v1/streams/{id}.
func (c *Client) CreateStream(ctx context.Context, streamID, contentType string, ttl time.Duration) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.streamURL(streamID), nil)
	if err != nil {
		return fmt.Errorf("storeclient: build create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Stream-TTL", strconv.FormatInt(int64(ttl/time.Second), 10))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("storeclient: create stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return newStatusError("create", streamID, resp)
	}
	return nil
}

// HeadStream issues HEAD /v1/streams/{id}.
func (c *Client) HeadStream(ctx context.Context, streamID string) (ports.StreamMeta, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.streamURL(streamID), nil)
	if err != nil {
		return ports.StreamMeta{}, fmt.Errorf("storeclient: build head request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ports.StreamMeta{}, fmt.Errorf("storeclient: head stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ports.StreamMeta{}, ErrNotFound
	}
	if resp.StatusCode/100 != 2 {
		return ports.StreamMeta{}, newStatusError("head", streamID, resp)
	}

	return parseStreamMeta(resp.Header)
}

// AppendFrame issues POST /v1/streams/{id} with a single encoded frame.
func (c *Client) AppendFrame(ctx context.Context, streamID string, encodedFrame []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.streamURL(streamID), bytes.NewReader(encodedFrame))
	if err != nil {
		return fmt.Errorf("storeclient: build append request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = int64(len(encodedFrame))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("storeclient: append frame: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return newStatusError("append", streamID, resp)
	}
	return nil
}

// ReadStream issues GET /v1/streams/{id}?offset=…&live=…. The caller owns
// the returned ReadCloser and must close it.
func (c *Client) ReadStream(ctx context.Context, streamID, offset, live string) (io.ReadCloser, ports.StreamMeta, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.streamURL(streamID), nil)
	if err != nil {
		return nil, ports.StreamMeta{}, fmt.Errorf("storeclient: build read request: %w", err)
	}

	q := req.URL.Query()
	if offset != "" {
		q.Set("offset", offset)
	}
	if live != "" {
		q.Set("live", live)
	}
	req.URL.RawQuery = q.Encode()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, ports.StreamMeta{}, fmt.Errorf("storeclient: read stream: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, ports.StreamMeta{}, ErrNotFound
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		return nil, ports.StreamMeta{}, newStatusError("read", streamID, resp)
	}

	meta, err := parseStreamMeta(resp.Header)
	if err != nil {
		resp.Body.Close()
		return nil, ports.StreamMeta{}, err
	}
	return resp.Body, meta, nil
}

// DeleteStream issues DELETE /v1/streams/{id}. A 404 is treated as success.
func (c *Client) DeleteStream(ctx context.Context, streamID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.streamURL(streamID), nil)
	if err != nil {
		return fmt.Errorf("storeclient: build delete request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("storeclient: delete stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode/100 != 2 {
		return newStatusError("delete", streamID, resp)
	}
	return nil
}

func parseStreamMeta(h http.Header) (ports.StreamMeta, error) {
	meta := ports.StreamMeta{
		NextOffset: h.Get("Stream-Next-Offset"),
		Closed:     h.Get("Stream-Closed") == "true",
	}

	if raw := h.Get("Stream-Total-Size"); raw != "" {
		size, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return ports.StreamMeta{}, fmt.Errorf("storeclient: parse Stream-Total-Size: %w", err)
		}
		meta.TotalSize = size
	}

	if raw := h.Get("Stream-Expires-At"); raw != "" {
		secs, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return ports.StreamMeta{}, fmt.Errorf("storeclient: parse Stream-Expires-At: %w", err)
		}
		meta.ExpiresAt = time.Unix(secs, 0).UTC()
	}

	return meta, nil
}

// StatusError is returned when the store responds with an unexpected
// non-2xx status.
type StatusError struct {
	Op         string
	StreamID   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("storeclient: %s %s: unexpected status %d: %s", e.Op, e.StreamID, e.StatusCode, e.Body)
}

func newStatusError(op, streamID string, resp *http.Response) *StatusError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{Op: op, StreamID: streamID, StatusCode: resp.StatusCode, Body: string(body)}
}

// ErrNotFound is returned by HeadStream and ReadStream when the store
// reports 404. It is the same sentinel as ports.ErrStreamNotFound so
// callers can use errors.Is against either name.
var ErrNotFound = ports.ErrStreamNotFound
