// Package client talks to a running behaviorbench server.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"behaviorbench/internal/api"
	"behaviorbench/internal/apperrors"
	"behaviorbench/internal/models"
	"behaviorbench/internal/orchestrator"
	"behaviorbench/internal/profiles"

	"github.com/bytedance/sonic"
)

// DefaultEndpoint is used when New is given an empty endpoint.
const DefaultEndpoint = "http://127.0.0.1:8080"

// Client is the HTTP client for the run API.
type Client struct {
	endpoint string
	http     *http.Client
}

// New creates a client. endpoint defaults to DefaultEndpoint if empty.
func New(endpoint string) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// APIError is a non-2xx answer from the server. It unwraps to the matching
// sentinel so callers can use errors.Is with the apperrors values.
type APIError struct {
	Status  int
	Message string `json:"error"`
	Field   string `json:"field"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusBadRequest:
		return &apperrors.ValidationError{Field: e.Field, Reason: e.Message}
	case http.StatusNotFound:
		return apperrors.ErrNotFound
	case http.StatusConflict:
		return apperrors.ErrIllegalTransition
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := sonic.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if sonic.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// Profiles lists the behavioral profiles the server knows.
func (c *Client) Profiles(ctx context.Context) ([]profiles.Definition, error) {
	var out []profiles.Definition
	return out, c.do(ctx, http.MethodGet, "/api/v1/profiles", nil, &out)
}

// CreateRun submits a run and optionally starts it.
func (c *Client) CreateRun(ctx context.Context, req orchestrator.RunRequest, start bool) (*models.TestRun, error) {
	path := "/api/v1/runs?start=" + strconv.FormatBool(start)
	var out models.TestRun
	if err := c.do(ctx, http.MethodPost, path, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRuns returns every stored run.
func (c *Client) ListRuns(ctx context.Context) ([]models.TestRun, error) {
	var out []models.TestRun
	return out, c.do(ctx, http.MethodGet, "/api/v1/runs", nil, &out)
}

// Run returns a run together with its agents.
func (c *Client) Run(ctx context.Context, id string) (*api.RunSnapshot, error) {
	var out api.RunSnapshot
	if err := c.do(ctx, http.MethodGet, "/api/v1/runs/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StartRun starts a created run.
func (c *Client) StartRun(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/runs/"+url.PathEscape(id)+"/start", nil, nil)
}

// StopRun ends an executing run early.
func (c *Client) StopRun(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/runs/"+url.PathEscape(id)+"/stop", nil, nil)
}

// CancelRun aborts a run.
func (c *Client) CancelRun(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/runs/"+url.PathEscape(id)+"/cancel", nil, nil)
}

// Actions returns the latest actions of an agent, newest first.
func (c *Client) Actions(ctx context.Context, agentID string, limit int) ([]models.BehavioralAction, error) {
	path := "/api/v1/agents/" + url.PathEscape(agentID) + "/actions"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []models.BehavioralAction
	return out, c.do(ctx, http.MethodGet, path, nil, &out)
}
