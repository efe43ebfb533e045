// Package client is the Go API for driving a running daemon over its
// control socket. The command line tool is a thin layer on top of it.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// Client communicates with the daemon over HTTP.
type Client struct {
	baseURL    string
	socketPath string
	client     *http.Client
	logger     *slog.Logger
}

// Config holds client configuration. SocketPath selects the daemon's
// unix socket; BaseURL overrides it for daemons reachable over TCP
// (tests, embedders).
type Config struct {
	SocketPath string
	BaseURL    string
	Timeout    time.Duration
	Logger     *slog.Logger
}

// socketHost is the placeholder authority used in request URLs when
// dialing a unix socket.
const socketHost = "http://userserversd"

// New creates a client. With a SocketPath all requests are dialed over
// the unix socket regardless of URL host.
func New(config Config) *Client {
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	c := &Client{
		socketPath: config.SocketPath,
		logger:     config.Logger,
	}
	transport := &http.Transport{}
	if config.SocketPath != "" {
		path := config.SocketPath
		transport.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		}
		c.baseURL = socketHost + "/api"
	}
	if config.BaseURL != "" {
		c.baseURL = config.BaseURL
	}
	c.client = &http.Client{Timeout: config.Timeout, Transport: transport}
	return c
}

// IsReachable reports whether a daemon answers on the socket.
func (c *Client) IsReachable(ctx context.Context) bool {
	var resp struct {
		OK bool `json:"ok"`
	}
	if err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/healthz", nil, &resp); err != nil {
		c.logger.Debug("daemon unreachable", "error", err)
		return false
	}
	return resp.OK
}

// Add registers a new service. With def.Autostart the daemon starts it
// immediately.
func (c *Client) Add(ctx context.Context, def Definition) error {
	return c.doJSON(ctx, http.MethodPost, c.baseURL+"/services", def, nil)
}

// Edit replaces the definition of an existing service.
func (c *Client) Edit(ctx context.Context, def Definition) error {
	u := c.baseURL + "/services/" + url.PathEscape(def.Name)
	return c.doJSON(ctx, http.MethodPut, u, def, nil)
}

// Remove gracefully stops and deletes a service.
func (c *Client) Remove(ctx context.Context, name string) error {
	u := c.baseURL + "/services/" + url.PathEscape(name)
	return c.doJSON(ctx, http.MethodDelete, u, nil, nil)
}

// List returns every registered service with its status.
func (c *Client) List(ctx context.Context) ([]ServiceInfo, error) {
	var out []ServiceInfo
	if err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/services", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Status returns one service's definition, status, and recent output.
func (c *Client) Status(ctx context.Context, name string) (ServiceDetail, error) {
	var out ServiceDetail
	u := c.baseURL + "/services/" + url.PathEscape(name)
	if err := c.doJSON(ctx, http.MethodGet, u, nil, &out); err != nil {
		return ServiceDetail{}, err
	}
	return out, nil
}

// Start launches a service.
func (c *Client) Start(ctx context.Context, name string) error {
	u := c.baseURL + "/services/" + url.PathEscape(name) + "/start"
	return c.doJSON(ctx, http.MethodPost, u, nil, nil)
}

// Stop terminates a service's child. With wait the call returns once
// the child has exited.
func (c *Client) Stop(ctx context.Context, name string, wait bool) error {
	u := c.baseURL + "/services/" + url.PathEscape(name) + "/stop"
	if !wait {
		u += "?wait=0"
	}
	return c.doJSON(ctx, http.MethodPost, u, nil, nil)
}

// Restart stops the service, waits for the exit, and starts it again.
func (c *Client) Restart(ctx context.Context, name string) error {
	u := c.baseURL + "/services/" + url.PathEscape(name) + "/restart"
	return c.doJSON(ctx, http.MethodPost, u, nil, nil)
}

// Logs returns the daemon's buffered recent output for a service.
func (c *Client) Logs(ctx context.Context, name string) (string, error) {
	var out struct {
		Logs string `json:"logs"`
	}
	u := c.baseURL + "/services/" + url.PathEscape(name) + "/logs"
	if err := c.doJSON(ctx, http.MethodGet, u, nil, &out); err != nil {
		return "", err
	}
	return out.Logs, nil
}

// FollowLogs streams a service's output over a websocket, invoking
// write for each chunk until ctx is done or the stream ends.
func (c *Client) FollowLogs(ctx context.Context, name string, write func([]byte) error) error {
	dialer := websocket.Dialer{}
	wsURL := "ws://userserversd/api/services/" + url.PathEscape(name) + "/logs"
	if c.socketPath != "" {
		path := c.socketPath
		dialer.NetDialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		}
	} else {
		u, err := url.Parse(c.baseURL)
		if err != nil {
			return err
		}
		wsURL = "ws://" + u.Host + u.Path + "/services/" + url.PathEscape(name) + "/logs"
	}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			defer func() { _ = resp.Body.Close() }()
			if apiErr := decodeError(resp); apiErr != nil {
				return apiErr
			}
		}
		return fmt.Errorf("connect log stream: %w", err)
	}
	defer func() { _ = conn.Close() }()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if werr := write(data); werr != nil {
			return werr
		}
	}
}

func (c *Client) doJSON(ctx context.Context, method, url string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		if apiErr := decodeError(resp); apiErr != nil {
			return apiErr
		}
		return fmt.Errorf("daemon returned status %d", resp.StatusCode)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(resp *http.Response) *APIError {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil
	}
	var apiErr APIError
	if jerr := json.Unmarshal(data, &apiErr); jerr != nil || apiErr.Message == "" {
		return nil
	}
	apiErr.StatusCode = resp.StatusCode
	return &apiErr
}
