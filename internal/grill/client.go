// Package grill speaks the LAN RPC protocol of Pit Boss WiFi control
// boards: a one-connection-per-request HTTP transport, a time-bucketed
// auth token cache, the typed /rpc endpoints, and the MCU command
// encoders.
package grill

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// RequestTimeout bounds connect plus I/O for a single grill request. The
// control board serves one request per TCP connection and stalls hard
// when it is busy driving the auger, so every call gets a fresh
// connection and a firm deadline.
const RequestTimeout = 10 * time.Second

// Response is the subset of an HTTP response the RPC layer consumes.
type Response struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

// Client is a minimal HTTP client for the grill's endpoints. Connections
// are never reused; the firmware's HTTP stack misbehaves on keep-alive.
type Client struct {
	http *http.Client
}

// NewClient returns a Client with the protocol's connection discipline
// applied.
func NewClient() *Client {
	return NewClientTimeout(RequestTimeout)
}

// NewClientTimeout returns a Client with a custom request deadline.
// Discovery probes use a much shorter deadline than status polls.
func NewClientTimeout(timeout time.Duration) *Client {
	return &Client{
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DisableKeepAlives: true,
				DialContext: (&net.Dialer{
					Timeout: timeout,
				}).DialContext,
				ResponseHeaderTimeout: timeout,
			},
		},
	}
}

// Do issues a single request and reads the whole body. Transport-level
// failures are classified into a TransportError so callers can fold them
// into the offline path; HTTP-level failures are reported through
// Response.StatusCode.
func (c *Client) Do(ctx context.Context, method, url string, body []byte) (*Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, &TransportError{Kind: TransportSendFailed, Err: err}
	}
	req.Close = true
	req.Header.Set("Connection", "close")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	return &Response{StatusCode: resp.StatusCode, Body: data, Header: resp.Header}, nil
}

// Post issues a POST with a JSON body to the given path on the grill.
func (c *Client) Post(ctx context.Context, ip, path string, body []byte) (*Response, error) {
	return c.Do(ctx, http.MethodPost, fmt.Sprintf("http://%s%s", ip, path), body)
}

// Get issues a GET to the given path on the grill.
func (c *Client) Get(ctx context.Context, ip, path string) (*Response, error) {
	return c.Do(ctx, http.MethodGet, fmt.Sprintf("http://%s%s", ip, path), nil)
}
