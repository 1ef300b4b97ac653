// Package carbonscope provides a small client for the CarbonScope REST API.
package carbonscope

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the CarbonScope REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	apiKey     string
}

// TaskSubmission represents the payload required to create a new task.
type TaskSubmission struct {
	Prompt        string         `json:"prompt"`
	Params        map[string]any `json:"params,omitempty"`
	NotifyChannel string         `json:"notify_channel,omitempty"`
	Sync          bool           `json:"sync,omitempty"`
}

// TaskAccepted is returned for asynchronous submissions.
type TaskAccepted struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// TaskResult is returned for synchronous submissions.
type TaskResult struct {
	Answer    string `json:"answer"`
	Steps     int    `json:"steps"`
	LLMCalls  int    `json:"llm_calls"`
	ToolCalls int    `json:"tool_calls"`
}

// Task contains the current state of a submitted task.
type Task struct {
	ID          string     `json:"id"`
	Prompt      string     `json:"prompt"`
	Status      string     `json:"status"`
	Answer      string     `json:"answer,omitempty"`
	Error       string     `json:"error,omitempty"`
	ErrorCode   string     `json:"error_code,omitempty"`
	Steps       int        `json:"steps"`
	LLMCalls    int        `json:"llm_calls"`
	ToolCalls   int        `json:"tool_calls"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Event is one entry of a task's conversation history.
type Event struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      string    `json:"data"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("carbonscope api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("carbonscope api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the CarbonScope API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAPIKey configures the X-API-Key header sent with every request.
func (c *Client) SetAPIKey(key string) {
	c.apiKey = key
}

// SubmitTask creates a new asynchronous task and returns its identifier.
func (c *Client) SubmitTask(ctx context.Context, submission TaskSubmission) (TaskAccepted, error) {
	submission.Sync = false
	var accepted TaskAccepted
	if err := c.post(ctx, "/api/v1/tasks", submission, &accepted); err != nil {
		return TaskAccepted{}, err
	}
	return accepted, nil
}

// RunTask executes a task synchronously and returns the final result.
func (c *Client) RunTask(ctx context.Context, submission TaskSubmission) (TaskResult, error) {
	submission.Sync = true
	var result TaskResult
	if err := c.post(ctx, "/api/v1/tasks", submission, &result); err != nil {
		return TaskResult{}, err
	}
	return result, nil
}

// GetTask fetches task details by identifier.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var task Task
	if err := c.get(ctx, "/api/v1/tasks/"+url.PathEscape(taskID), &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// ListTasks returns all known tasks, newest first.
func (c *Client) ListTasks(ctx context.Context) ([]Task, error) {
	var tasks []Task
	if err := c.get(ctx, "/api/v1/tasks", &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// TaskEvents returns the conversation history of a task.
func (c *Client) TaskEvents(ctx context.Context, taskID string) ([]Event, error) {
	var events []Event
	if err := c.get(ctx, "/api/v1/tasks/"+url.PathEscape(taskID)+"/events", &events); err != nil {
		return nil, err
	}
	return events, nil
}

// ExportTranscript returns the plain-text transcript of a task.
func (c *Client) ExportTranscript(ctx context.Context, taskID string) (string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(taskID)+"/export", nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", decodeAPIError(resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read transcript: %w", err)
	}
	return string(data), nil
}

// CancelTask requests cooperative cancellation of a running task.
func (c *Client) CancelTask(ctx context.Context, taskID string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/api/v1/tasks/"+url.PathEscape(taskID), nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read error response: %w", err)
	}
	if len(data) > 0 {
		_ = json.Unmarshal(data, apiErr)
	}
	if apiErr.Message == "" {
		apiErr.Message = string(bytes.TrimSpace(data))
	}
	return apiErr
}
