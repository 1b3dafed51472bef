package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/banshee-data/dvl.link/internal/httputil"
	"github.com/banshee-data/dvl.link/internal/navigation"
)

// Client calls a running daemon's HTTP API.
type Client struct {
	baseURL string
	http    httputil.HTTPClient
}

// NewClient targets baseURL (e.g. http://localhost:8080). A nil hc uses
// http.DefaultClient.
func NewClient(baseURL string, hc httputil.HTTPClient) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

// Enable turns acoustics on.
func (c *Client) Enable(ctx context.Context) (CommandReply, error) {
	return c.Command(ctx, "enable")
}

// Disable turns acoustics off.
func (c *Client) Disable(ctx context.Context) (CommandReply, error) {
	return c.Command(ctx, "disable")
}

// Command invokes one of the POST service routes by name. A reply with
// Success=false is not an error; failures to reach the device are.
func (c *Client) Command(ctx context.Context, name string) (CommandReply, error) {
	var reply CommandReply
	status, err := c.do(ctx, http.MethodPost, "/"+name, &reply)
	if err != nil {
		return reply, err
	}
	if status != http.StatusOK {
		if reply.Message == "" {
			reply.Message = http.StatusText(status)
		}
		return reply, fmt.Errorf("%s: %s (%d)", name, reply.Message, status)
	}
	return reply, nil
}

func (c *Client) Velocity(ctx context.Context) (navigation.VelocityOutput, error) {
	var v navigation.VelocityOutput
	err := c.get(ctx, "/velocity", &v)
	return v, err
}

func (c *Client) Position(ctx context.Context) (navigation.PoseOutput, error) {
	var p navigation.PoseOutput
	err := c.get(ctx, "/position", &p)
	return p, err
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.get(ctx, "/status", &st)
	return st, err
}

func (c *Client) get(ctx context.Context, path string, into any) error {
	status, err := c.do(ctx, http.MethodGet, path, into)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("GET %s: %s", path, http.StatusText(status))
	}
	return nil
}

// do decodes the body into into when the response is JSON. Error bodies
// ({"error": ...}) are left for the caller to interpret via the status.
func (c *Client) do(ctx context.Context, method, path string, into any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to call %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") || len(body) == 0 {
		return resp.StatusCode, nil
	}
	if resp.StatusCode == http.StatusOK || isCommandPath(path) {
		if err := json.Unmarshal(body, into); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode %s response: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}

// isCommandPath reports whether error responses on path carry a CommandReply.
func isCommandPath(path string) bool {
	switch strings.TrimPrefix(path, "/") {
	case "velocity", "position", "status":
		return false
	}
	return true
}
