package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"work/pkg/api"
)

// Client handles API calls to workd over its Unix socket. There is no
// token or tenant here (spec.md §1 Non-goal: authentication) — the trust
// boundary is the socket's filesystem permissions.
type Client struct {
	SocketPath string
	HTTPClient *http.Client
}

func NewClient(socketPath string) *Client {
	return &Client{
		SocketPath: socketPath,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					return net.Dial("unix", socketPath)
				},
			},
		},
	}
}

// APIError represents an error response from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("workd error (%d): %s", e.StatusCode, e.Message)
}

func (c *Client) do(method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, "http://unix"+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		var apiErr api.ErrorResponse
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			return &APIError{StatusCode: resp.StatusCode, Message: apiErr.Error}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

func (c *Client) CreateProject(req api.CreateProjectRequest) (*api.ProjectResponse, error) {
	var out api.ProjectResponse
	if err := c.do(http.MethodPost, "/projects", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListProjects() ([]api.ProjectResponse, error) {
	var out []api.ProjectResponse
	if err := c.do(http.MethodGet, "/projects", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) DeleteProject(name string) error {
	return c.do(http.MethodDelete, "/projects/"+name, nil, nil)
}

type stagedEnvironment struct {
	api.EnvironmentResponse
	Job api.JobResponse `json:"job"`
}

func (c *Client) CreateEnvironment(req api.CreateEnvironmentRequest) (*stagedEnvironment, error) {
	var out stagedEnvironment
	if err := c.do(http.MethodPost, "/environments", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListEnvironments(project string) ([]api.EnvironmentResponse, error) {
	var out []api.EnvironmentResponse
	if err := c.do(http.MethodGet, "/environments?project="+project, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetEnvironment(id string) (*api.EnvironmentResponse, error) {
	var out api.EnvironmentResponse
	if err := c.do(http.MethodGet, "/environments/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ClaimEnvironment(id string) (*api.JobResponse, error) {
	var out api.JobResponse
	if err := c.do(http.MethodPost, "/environments/"+id+"/claim", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ClaimNextEnvironment(req api.ClaimEnvironmentRequest) (*stagedEnvironment, error) {
	var out stagedEnvironment
	if err := c.do(http.MethodPost, "/environments/claim", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateEnvironment(id string) (*api.JobResponse, error) {
	var out api.JobResponse
	if err := c.do(http.MethodPost, "/environments/"+id+"/update", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RemoveEnvironment(id string) (*api.JobResponse, error) {
	var out api.JobResponse
	if err := c.do(http.MethodDelete, "/environments/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type stagedTask struct {
	api.TaskResponse
	Environment api.EnvironmentResponse `json:"environment"`
	Job         api.JobResponse         `json:"job"`
}

func (c *Client) CreateTask(req api.CreateTaskRequest) (*stagedTask, error) {
	var out stagedTask
	if err := c.do(http.MethodPost, "/tasks", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListTasks(project string) ([]api.TaskResponse, error) {
	var out []api.TaskResponse
	if err := c.do(http.MethodGet, "/tasks?project="+project, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetTask(id string) (*api.TaskResponse, error) {
	var out api.TaskResponse
	if err := c.do(http.MethodGet, "/tasks/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CancelTask(id string) (*api.JobResponse, error) {
	var out api.JobResponse
	if err := c.do(http.MethodDelete, "/tasks/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StreamLogs writes a task or environment's log output to w, optionally
// following new output until ctx is canceled. kind must be "tasks" or
// "environments".
func (c *Client) StreamLogs(ctx context.Context, kind, id string, follow bool, w io.Writer) error {
	path := fmt.Sprintf("/%s/%s/logs", kind, id)
	if follow {
		path += "?follow=true"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://unix"+path, nil)
	if err != nil {
		return err
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Message: string(body)}
	}

	_, err = io.Copy(w, resp.Body)
	return err
}

// StreamEvents reads the SSE event stream until ctx is canceled, calling
// fn for each event.
func (c *Client) StreamEvents(ctx context.Context, fn func(api.Event)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://unix/events", nil)
	if err != nil {
		return err
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Message: string(body)}
	}

	const dataPrefix = "data: "
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, dataPrefix) {
			continue
		}
		var ev api.Event
		if json.Unmarshal([]byte(line[len(dataPrefix):]), &ev) == nil {
			fn(ev)
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
