// Package cli implements the argus command tree: resolving which
// watcher a command addresses, issuing HTTP calls against it, and
// rendering results for humans or as JSON.
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/argus-tools/argus/pkg/types"
)

// Client talks to one watcher's HTTP API.
type Client struct {
	base string
	http *http.Client
}

// NewClient builds a client for a resolved watcher record.
func NewClient(rec *types.WatcherRecord) *Client {
	return NewClientURL(rec.URL())
}

// NewClientURL builds a client for a raw base URL.
func NewClientURL(base string) *Client {
	return &Client{
		base: base,
		// Long-poll endpoints hold the connection open; the per-request
		// context carries the real deadline.
		http: &http.Client{Timeout: 3 * time.Minute},
	}
}

// Get issues a GET and decodes the enveloped payload into out.
func (c *Client) Get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

// Post issues a POST with a JSON body and decodes the payload into out.
func (c *Client) Post(ctx context.Context, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return types.NewAPIError(types.CodeConnectFailed,
			fmt.Sprintf("watcher unreachable: %v", err))
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var envelope types.Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return types.NewAPIError(types.CodeWSError,
			fmt.Sprintf("malformed watcher response (%d): %s", resp.StatusCode, truncate(data, 200)))
	}
	if !envelope.OK {
		if envelope.Error != nil {
			return types.NewAPIError(envelope.Error.Code, envelope.Error.Message)
		}
		return types.NewAPIError(types.CodeOperatorError,
			fmt.Sprintf("watcher returned status %d", resp.StatusCode))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func truncate(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[:n]) + "..."
}
