package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Task mirrors the control plane's claimed-action payload: the action
// fields the agent needs plus the systemd unit to drive.
type Task struct {
	ID        string `json:"id"`
	HostID    string `json:"host_id"`
	ServiceID string `json:"service_id"`
	Kind      string `json:"kind"`
	Unit      string `json:"unit"`
}

// report mirrors the control plane's report request body.
type report struct {
	ActionID string `json:"actionId"`
	Status   string `json:"status"`
	ExitCode *int   `json:"exitCode,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Client talks to the control plane's agent API with a bearer token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a Client. httpTimeout bounds each request end to
// end, so it must exceed the longest queue wait the caller will use.
func NewClient(baseURL, token string, httpTimeout time.Duration) *Client {
	if httpTimeout <= 0 {
		httpTimeout = 45 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: httpTimeout},
	}
}

// FetchQueue claims up to max queued tasks, waiting up to wait server
// side. A nil slice means the server answered 204.
func (c *Client) FetchQueue(ctx context.Context, max int, wait time.Duration) ([]Task, error) {
	q := url.Values{}
	q.Set("max", strconv.Itoa(max))
	q.Set("wait", strconv.Itoa(int(wait.Seconds())))

	req, err := c.newRequest(ctx, http.MethodGet, "/api/agent/queue?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch queue: %w", err)
	}
	defer drainClose(resp)

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
		var tasks []Task
		if err := json.NewDecoder(resp.Body).Decode(&tasks); err != nil {
			return nil, fmt.Errorf("decode queue response: %w", err)
		}
		return tasks, nil
	default:
		return nil, fmt.Errorf("queue returned status %d", resp.StatusCode)
	}
}

// Report sends a terminal status for an action.
func (c *Client) Report(ctx context.Context, actionID, status string, exitCode *int, message string) error {
	body, err := json.Marshal(report{
		ActionID: actionID,
		Status:   status,
		ExitCode: exitCode,
		Message:  message,
	})
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/agent/report", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post report: %w", err)
	}
	defer drainClose(resp)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("report returned status %d", resp.StatusCode)
	}
	return nil
}

// Heartbeat tells the control plane this agent is alive.
func (c *Client) Heartbeat(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/agent/heartbeat", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post heartbeat: %w", err)
	}
	defer drainClose(resp)

	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("heartbeat returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	return req, nil
}

// drainClose fully reads and closes a response body so the underlying
// connection can be reused.
func drainClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
}
