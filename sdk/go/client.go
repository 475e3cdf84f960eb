package facetsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is a minimal Facet HTTP API client for workers.
type Client struct {
	BaseURL     string
	WorkerKey   string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, workerKey string) *Client {
	return &Client{
		BaseURL:   baseURL,
		WorkerKey: workerKey,
		Timeout:   10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID          int64  `json:"id"`
	TaskTypeID  int64  `json:"task_type_id"`
	IssueID     *int64 `json:"issue_id,omitempty"`
	UserInputID *int64 `json:"user_input_id,omitempty"`
	Status      string `json:"status"`
}

// TaskPayload is a claimed task with its instruction blob.
type TaskPayload struct {
	Task         Task    `json:"task"`
	TaskType     string  `json:"task_type"`
	Instructions string  `json:"instructions"`
	Temperature  float64 `json:"temperature"`
	OutputAmount int     `json:"output_amount,omitempty"`
}

// SubmitResult reports a completed submission. RewardKey is set when the
// submission crossed the reward threshold.
type SubmitResult struct {
	Task      Task   `json:"task"`
	RewardKey string `json:"reward_key,omitempty"`
}

// Worker represents the registered worker identity.
type Worker struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	TaskCounter int    `json:"task_counter"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// NoMoreTasks reports whether the error is the server's empty-queue signal.
func NoMoreTasks(err error) bool {
	var ae *APIError
	if !errors.As(err, &ae) {
		return false
	}
	return ae.StatusCode == http.StatusNotFound && strings.Contains(ae.Body, "no_more_tasks")
}

// Register creates a worker and returns its identity plus the initial key.
// The client adopts the key for subsequent calls.
func (c *Client) Register(ctx context.Context, name, script string) (Worker, error) {
	body := map[string]any{"name": name, "script": script}
	var resp struct {
		Worker Worker `json:"worker"`
		Key    string `json:"key"`
	}
	if err := c.do(ctx, http.MethodPost, "v0/workers", body, &resp); err != nil {
		return Worker{}, err
	}
	c.WorkerKey = resp.Key
	return resp.Worker, nil
}

// ClaimTask leases the next pending task. Check NoMoreTasks on the error to
// distinguish an empty queue from a failure.
func (c *Client) ClaimTask(ctx context.Context) (TaskPayload, error) {
	var resp TaskPayload
	err := c.do(ctx, http.MethodPost, "v0/worker/tasks/claim", nil, &resp)
	return resp, err
}

// SubmitTaskResult sends the task output. A non-empty RewardKey should be
// stored; the server never returns the plaintext again.
func (c *Client) SubmitTaskResult(ctx context.Context, taskID int64, output any) (SubmitResult, error) {
	var resp SubmitResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/worker/tasks/%d/result", taskID), output, &resp)
	return resp, err
}

// ClaimWorkflowTask leases the worker's next pending workflow step.
func (c *Client) ClaimWorkflowTask(ctx context.Context) (TaskPayload, error) {
	var resp struct {
		WorkflowTask struct {
			ID           int64  `json:"id"`
			Status       string `json:"status"`
			OutputAmount int    `json:"output_amount"`
		} `json:"workflow_task"`
		Instructions string `json:"instructions"`
		OutputAmount int    `json:"output_amount"`
	}
	if err := c.do(ctx, http.MethodPost, "v0/worker/workflow-tasks/claim", nil, &resp); err != nil {
		return TaskPayload{}, err
	}
	return TaskPayload{
		Task:         Task{ID: resp.WorkflowTask.ID, Status: resp.WorkflowTask.Status},
		Instructions: resp.Instructions,
		OutputAmount: resp.OutputAmount,
	}, nil
}

// SubmitWorkflowTaskResult sends a workflow step output.
func (c *Client) SubmitWorkflowTaskResult(ctx context.Context, taskID int64, output any) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("v0/worker/workflow-tasks/%d/result", taskID), output, nil)
}

// SubmitInput posts a new issue statement.
func (c *Client) SubmitInput(ctx context.Context, title, issueContext string) error {
	body := map[string]any{"issue_title": title, "issue_context": issueContext}
	return c.do(ctx, http.MethodPost, "v0/inputs", body, nil)
}

// Poll claims tasks in a loop and hands each payload to handle until the
// context is cancelled. An empty queue sleeps for the interval; handler
// errors are returned to the caller.
func (c *Client) Poll(ctx context.Context, interval time.Duration, handle func(context.Context, TaskPayload) (any, error)) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		payload, err := c.ClaimTask(ctx)
		if err != nil {
			if !NoMoreTasks(err) {
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
			continue
		}
		output, err := handle(ctx, payload)
		if err != nil {
			return err
		}
		if _, err := c.SubmitTaskResult(ctx, payload.Task.ID, output); err != nil {
			return err
		}
	}
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.WorkerKey != "":
		req.Header.Set("X-Worker-Key", c.WorkerKey)
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
