// Package client provides a shared Go client for the sboxd HTTP API.
// Used by the sbox CLI.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/xfeldman/sboxd/internal/config"
)

// Client talks to sboxd over a unix socket.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// New creates a client connected to the sboxd unix socket at socketPath.
func New(socketPath string) *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					d.Timeout = 5 * time.Second
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
			Timeout: 0, // no timeout for streaming
		},
		baseURL: "http://sboxd",
	}
}

// DefaultSocketPath returns the socket path of the default daemon config.
func DefaultSocketPath() string {
	return config.DefaultConfig().SocketPath
}

// NewDefault creates a client using the default socket path.
func NewDefault() *Client {
	return New(DefaultSocketPath())
}

// --- Status ---

// Status returns the daemon status.
func (c *Client) Status(ctx context.Context) (*DaemonStatus, error) {
	var out DaemonStatus
	if err := c.doJSON(ctx, "GET", "/v1/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// --- Kernel lifecycle ---

// StartKernel starts the kernel and returns its resulting status.
func (c *Client) StartKernel(ctx context.Context) (*KernelStatus, error) {
	return c.kernelTransition(ctx, "start")
}

// StopKernel stops the kernel.
func (c *Client) StopKernel(ctx context.Context) (*KernelStatus, error) {
	return c.kernelTransition(ctx, "stop")
}

// RestartKernel stops then starts the kernel.
func (c *Client) RestartKernel(ctx context.Context) (*KernelStatus, error) {
	return c.kernelTransition(ctx, "restart")
}

func (c *Client) kernelTransition(ctx context.Context, action string) (*KernelStatus, error) {
	var out KernelStatus
	if err := c.doJSON(ctx, "POST", "/v1/kernel/"+action, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// KernelHistory returns recent kernel state transitions, newest first.
func (c *Client) KernelHistory(ctx context.Context, limit int) ([]Transition, error) {
	path := "/v1/kernel/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []Transition
	if err := c.doJSON(ctx, "GET", path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// --- Logs ---

// KernelLogs returns buffered kernel output.
func (c *Client) KernelLogs(ctx context.Context, tail int) ([]LogEntry, error) {
	path := "/v1/kernel/logs"
	if tail > 0 {
		path += "?tail=" + strconv.Itoa(tail)
	}
	var out []LogEntry
	if err := c.doJSON(ctx, "GET", path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// StreamLogs returns a reader for kernel logs (NDJSON stream).
// Caller must close the returned ReadCloser.
func (c *Client) StreamLogs(ctx context.Context, tail int) (io.ReadCloser, error) {
	params := url.Values{}
	params.Set("follow", "true")
	if tail > 0 {
		params.Set("tail", strconv.Itoa(tail))
	}
	resp, err := c.doRaw(ctx, "GET", "/v1/kernel/logs?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// --- Operations ---

// InstallKernel downloads and installs a kernel release. onEvent receives
// download progress as it streams in and may be nil.
func (c *Client) InstallKernel(ctx context.Context, version string, onEvent func(Event)) (*InstallResult, error) {
	body := map[string]string{"version": version}
	var out InstallResult
	if err := c.doStream(ctx, "/v1/kernel/install", body, onEvent, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SelfUpdate downloads an installer from url and optionally launches it.
func (c *Client) SelfUpdate(ctx context.Context, url string, launch bool, onEvent func(Event)) (*UpdateResult, error) {
	body := map[string]interface{}{"url": url, "launch": launch}
	var out UpdateResult
	if err := c.doStream(ctx, "/v1/self-update", body, onEvent, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateSubscription fetches url into the kernel config. An empty url
// refreshes the configured subscription.
func (c *Client) UpdateSubscription(ctx context.Context, url string) (*SubscriptionResult, error) {
	var out SubscriptionResult
	if err := c.doJSON(ctx, "POST", "/v1/subscription", map[string]string{"url": url}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetMode switches between "system" proxy and "tun" mode.
func (c *Client) SetMode(ctx context.Context, mode string) error {
	return c.doJSON(ctx, "POST", "/v1/mode", map[string]string{"mode": mode}, nil)
}

// SetIPVersion toggles the domain strategy of the kernel config.
func (c *Client) SetIPVersion(ctx context.Context, preferIPv6 bool) (*IPVersionResult, error) {
	var out IPVersionResult
	if err := c.doJSON(ctx, "POST", "/v1/ip-version", map[string]bool{"prefer_ipv6": preferIPv6}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Events streams daemon events, optionally filtered to one topic, until ctx
// is cancelled or fn returns false.
func (c *Client) Events(ctx context.Context, topic string, fn func(Event) bool) error {
	path := "/v1/events"
	if topic != "" {
		path += "?topic=" + url.QueryEscape(topic)
	}
	resp, err := c.doRaw(ctx, "GET", path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	dec := json.NewDecoder(resp.Body)
	for {
		var e Event
		if err := dec.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if !fn(e) {
			return nil
		}
	}
}

// --- Internal helpers ---

// doStream reads an NDJSON operation stream: event lines until one result
// or error line.
func (c *Client) doStream(ctx context.Context, path string, body interface{}, onEvent func(Event), result interface{}) error {
	resp, err := c.doRaw(ctx, "POST", path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var line streamLine
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			return fmt.Errorf("decode stream line: %w", err)
		}
		switch {
		case line.Event != nil:
			if onEvent != nil {
				onEvent(*line.Event)
			}
		case line.Error != "":
			return &OperationError{Message: line.Error}
		case line.Result != nil:
			if result == nil {
				return nil
			}
			return json.Unmarshal(line.Result, result)
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return fmt.Errorf("stream %s ended without a result", path)
}

// doJSON makes a JSON request and decodes the JSON response into result.
// If body is non-nil, it's encoded as JSON. If result is nil, the response body is discarded.
func (c *Client) doJSON(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	resp, err := c.doRaw(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if result == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(result)
}

// doRaw makes an HTTP request and returns the raw response.
// Caller is responsible for closing resp.Body.
func (c *Client) doRaw(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s: %w", method, path, err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, parseError(resp)
	}
	return resp, nil
}

// parseError reads an error response body and returns an APIError.
func parseError(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(resp.Body)
	if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
		return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
}
