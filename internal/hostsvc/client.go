// Package hostsvc talks to the detached training host over its control
// channel. The host runs outside this process (typically with GPU access) and
// exposes a narrow HTTP API: start a session, poll its status, stop it.
package hostsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"ktrdr/internal/errs"
)

// SessionState is the host-side lifecycle of a training session.
type SessionState string

const (
	SessionStateRunning   SessionState = "running"
	SessionStateStopping  SessionState = "stopping"
	SessionStateStopped   SessionState = "stopped"
	SessionStateCompleted SessionState = "completed"
	SessionStateFailed    SessionState = "failed"
)

// SessionStatus is the host's live view of a training session.
type SessionStatus struct {
	SessionID string             `json:"session_id"`
	State     SessionState       `json:"state"`
	Epoch     int                `json:"epoch"`
	Batch     int                `json:"batch"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
	GPUUsage  *float64           `json:"gpu_usage,omitempty"`
}

// Host is the control channel to the detached training worker.
type Host interface {
	StartSession(ctx context.Context, config map[string]any) (string, error)
	Status(ctx context.Context, sessionID string) (*SessionStatus, error)
	Stop(ctx context.Context, sessionID string) error
}

// Client is the HTTP implementation of Host.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the host at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

var _ Host = (*Client)(nil)

// StartSession asks the host to begin a training session and returns its id.
func (c *Client) StartSession(ctx context.Context, config map[string]any) (string, error) {
	var out struct {
		SessionID string `json:"session_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/sessions", config, &out); err != nil {
		return "", err
	}
	if out.SessionID == "" {
		return "", errs.New(errs.HostUnreachable, "host returned empty session id")
	}
	return out.SessionID, nil
}

// Status fetches the live epoch/batch/metrics view of a session.
func (c *Client) Status(ctx context.Context, sessionID string) (*SessionStatus, error) {
	var out SessionStatus
	if err := c.do(ctx, http.MethodGet, "/sessions/"+sessionID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stop sends the stop directive. The host confirms asynchronously by
// transitioning its exposed state; callers poll Status to observe it.
func (c *Client) Stop(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, "/sessions/"+sessionID+"/stop", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errs.Wrap(errs.HostUnreachable, err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errs.New(errs.HostUnreachable, "%s %s: status %d: %s", method, path, resp.StatusCode, data)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errs.Wrap(errs.HostUnreachable, err, "decode %s %s response", method, path)
		}
	}
	return nil
}

// MockHost is a function-field test double for Host.
type MockHost struct {
	StartSessionFunc func(ctx context.Context, config map[string]any) (string, error)
	StatusFunc       func(ctx context.Context, sessionID string) (*SessionStatus, error)
	StopFunc         func(ctx context.Context, sessionID string) error
}

var _ Host = (*MockHost)(nil)

func (m *MockHost) StartSession(ctx context.Context, config map[string]any) (string, error) {
	return m.StartSessionFunc(ctx, config)
}

func (m *MockHost) Status(ctx context.Context, sessionID string) (*SessionStatus, error) {
	return m.StatusFunc(ctx, sessionID)
}

func (m *MockHost) Stop(ctx context.Context, sessionID string) error {
	return m.StopFunc(ctx, sessionID)
}
