// Package client is the HTTP client for the stevedore control API, shared by
// the CLI verbs and the watch TUI.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kmorwood/stevedore/internal/api"
	"github.com/kmorwood/stevedore/internal/events"
	"github.com/kmorwood/stevedore/internal/journal"
	"github.com/kmorwood/stevedore/internal/registry"
)

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a control API client. Control calls can suspend for the full
// manifest watchdog window, so the request timeout is generous.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 5 * time.Minute},
	}
}

// Start launches a single plugin and returns the aggregate list.
func (c *Client) Start(ctx context.Context, plugin string) ([]registry.Status, error) {
	var out api.PluginListResponse
	err := c.post(ctx, "/plugin/start", api.StartRequest{Plugin: plugin}, &out)
	return out.Plugins, err
}

// StartDir launches every executable in dir and returns the aggregate list.
func (c *Client) StartDir(ctx context.Context, dir string) ([]registry.Status, error) {
	var out api.PluginListResponse
	err := c.post(ctx, "/plugin/startdir", api.StartDirRequest{Directory: dir}, &out)
	return out.Plugins, err
}

// Rescan sweeps the daemon's default plugin directory.
func (c *Client) Rescan(ctx context.Context) ([]registry.Status, error) {
	var out api.PluginListResponse
	err := c.post(ctx, "/plugin/rescan", nil, &out)
	return out.Plugins, err
}

// Stop kills a dynamic plugin by path or unique short name.
func (c *Client) Stop(ctx context.Context, plugin string) (string, error) {
	var out api.StopResponse
	err := c.post(ctx, "/plugin/stop", api.StopRequest{Plugin: plugin}, &out)
	return out.Result, err
}

// List returns the aggregate plugin list.
func (c *Client) List(ctx context.Context) ([]registry.Status, error) {
	var out api.PluginListResponse
	err := c.get(ctx, "/plugins", &out)
	return out.Plugins, err
}

// Journal returns the newest lifecycle journal entries.
func (c *Client) Journal(ctx context.Context, limit int) ([]journal.Record, error) {
	var out api.JournalResponse
	err := c.get(ctx, fmt.Sprintf("/journal?limit=%d", limit), &out)
	return out.Entries, err
}

// Health returns the daemon health snapshot. /healthz is unauthenticated.
func (c *Client) Health(ctx context.Context) (*api.HealthzResponse, error) {
	var out api.HealthzResponse
	if err := c.get(ctx, "/healthz", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StreamEvents subscribes to the SSE event feed, invoking handle for every
// event until ctx is cancelled or the stream ends. lastID resumes the feed
// after a reconnect.
func (c *Client) StreamEvents(ctx context.Context, lastID int64, handle func(events.Event)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "text/event-stream")
	if lastID > 0 {
		req.Header.Set("Last-Event-ID", fmt.Sprintf("%d", lastID))
	}

	// Streams run until cancelled; bypass the default request timeout.
	streamClient := &http.Client{}
	resp, err := streamClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event stream: unexpected status %d", resp.StatusCode)
	}

	var ev events.Event
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			// Blank line terminates one SSE frame.
			if ev.ID != 0 || ev.Type != "" {
				handle(ev)
			}
			ev = events.Event{}
		// Field values may carry zero or more spaces after the colon.
		case strings.HasPrefix(line, "id:"):
			fmt.Sscanf(strings.TrimSpace(line[len("id:"):]), "%d", &ev.ID)
		case strings.HasPrefix(line, "event:"):
			ev.Type = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			ev.Data = []byte(strings.TrimSpace(line[len("data:"):]))
		}
		// Comment lines start with a bare colon (keep-alives) and match
		// nothing above.
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("event stream read: %w", err)
	}
	return ctx.Err()
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr api.ErrorResponse
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
