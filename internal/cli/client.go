package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/davidmoltin/bizflow/internal/models"
)

// APIError is a non-success reply from the API
type APIError struct {
	StatusCode int
	Message    string
	Problems   []string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s (status: %d)", e.Message, e.StatusCode)
	if len(e.Problems) > 0 {
		msg += ": " + strings.Join(e.Problems, "; ")
	}
	return msg
}

// Client talks to the bizflow REST API
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates an API client
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// do sends body as JSON and decodes a reply with status want into dest
func (c *Client) do(ctx context.Context, method, path string, body interface{}, want int, dest interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var payload struct {
			Error    string   `json:"error"`
			Problems []string `json:"problems"`
		}
		if json.NewDecoder(resp.Body).Decode(&payload) == nil && payload.Error != "" {
			apiErr.Message = payload.Error
			apiErr.Problems = payload.Problems
		}
		return apiErr
	}

	if dest == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// CreateWorkflow creates a draft workflow
func (c *Client) CreateWorkflow(ctx context.Context, req *models.CreateWorkflowRequest) (*models.Workflow, error) {
	var workflow models.Workflow
	if err := c.do(ctx, http.MethodPost, "/api/v1/workflows", req, http.StatusCreated, &workflow); err != nil {
		return nil, err
	}
	return &workflow, nil
}

// PublishWorkflow validates and activates a workflow
func (c *Client) PublishWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	var workflow models.Workflow
	if err := c.do(ctx, http.MethodPost, "/api/v1/workflows/"+url.PathEscape(id)+"/publish", nil, http.StatusOK, &workflow); err != nil {
		return nil, err
	}
	return &workflow, nil
}

// TriggerWorkflow starts an execution
func (c *Client) TriggerWorkflow(ctx context.Context, id string, req *models.TriggerRequest) (*models.WorkflowExecution, error) {
	want := http.StatusOK
	if req.Async {
		want = http.StatusAccepted
	}

	var execution models.WorkflowExecution
	if err := c.do(ctx, http.MethodPost, "/api/v1/workflows/"+url.PathEscape(id)+"/trigger", req, want, &execution); err != nil {
		return nil, err
	}
	return &execution, nil
}

// ListExecutions lists executions, newest first
func (c *Client) ListExecutions(ctx context.Context, workflowID, status string, limit int) (*models.ExecutionListResponse, error) {
	q := url.Values{}
	if workflowID != "" {
		q.Set("workflow_id", workflowID)
	}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	path := "/api/v1/executions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp models.ExecutionListResponse
	if err := c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetExecution retrieves an execution with its steps
func (c *Client) GetExecution(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	var execution models.WorkflowExecution
	if err := c.do(ctx, http.MethodGet, "/api/v1/executions/"+url.PathEscape(id), nil, http.StatusOK, &execution); err != nil {
		return nil, err
	}
	return &execution, nil
}

// CancelExecution cancels a running or waiting execution
func (c *Client) CancelExecution(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/executions/"+url.PathEscape(id)+"/cancel", nil, http.StatusOK, nil)
}

// ResumeExecution resumes a waiting execution
func (c *Client) ResumeExecution(ctx context.Context, id string, data map[string]interface{}) (*models.WorkflowExecution, error) {
	var execution models.WorkflowExecution
	err := c.do(ctx, http.MethodPost, "/api/v1/executions/"+url.PathEscape(id)+"/resume",
		models.ResumeRequest{Data: data}, http.StatusOK, &execution)
	if err != nil {
		return nil, err
	}
	return &execution, nil
}

// GetTimeline retrieves the timeline of an execution
func (c *Client) GetTimeline(ctx context.Context, id string) (*models.Timeline, error) {
	var timeline models.Timeline
	if err := c.do(ctx, http.MethodGet, "/api/v1/executions/"+url.PathEscape(id)+"/timeline", nil, http.StatusOK, &timeline); err != nil {
		return nil, err
	}
	return &timeline, nil
}

// HealthCheck checks if the API is healthy
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, http.StatusOK, nil)
}
