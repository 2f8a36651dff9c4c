package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/regainflow/console/internal/domain"
)

// Client provides typed access to the console API for interactive tools.
type Client struct {
	baseURL    string
	actor      string
	httpClient *http.Client
	streamHTTP *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithActor sets the operator name recorded in the audit trail.
func WithActor(actor string) Option {
	return func(c *Client) {
		c.actor = strings.TrimSpace(actor)
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:4000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		streamHTTP: &http.Client{},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, status int) bool {
	var apiErr APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.actor != "" {
		req.Header.Set("X-Actor", c.actor)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg := extractError(resp.Body)
		return APIError{Status: resp.StatusCode, Message: msg}
	}

	if v == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// Environment is an environment plus whether a simulated deployment is running.
type Environment struct {
	domain.Environment
	Deploying bool `json:"deploying"`
}

// ListEnvironments returns all environments, newest first.
func (c *Client) ListEnvironments(ctx context.Context) ([]Environment, error) {
	var envs []Environment
	if err := c.do(ctx, http.MethodGet, "/environments", nil, &envs); err != nil {
		return nil, err
	}
	return envs, nil
}

// GetEnvironment fetches one environment.
func (c *Client) GetEnvironment(ctx context.Context, id string) (Environment, error) {
	var env Environment
	if err := c.do(ctx, http.MethodGet, "/environments/"+url.PathEscape(id), nil, &env); err != nil {
		return Environment{}, err
	}
	return env, nil
}

// PlanResult is a plan together with where it came from.
type PlanResult struct {
	Plan   domain.DeploymentPlan `json:"plan"`
	Source string                `json:"source"`
}

// StaticPlanInput carries the form fields of a static plan.
type StaticPlanInput struct {
	Name        string `json:"name"`
	Region      string `json:"region,omitempty"`
	Type        string `json:"type,omitempty"`
	CPU         string `json:"cpu,omitempty"`
	Memory      string `json:"memory,omitempty"`
	Storage     string `json:"storage,omitempty"`
	Description string `json:"description,omitempty"`
}

// StaticPlan builds a plan from form fields.
func (c *Client) StaticPlan(ctx context.Context, input StaticPlanInput) (PlanResult, error) {
	var res PlanResult
	if err := c.do(ctx, http.MethodPost, "/plans/static", input, &res); err != nil {
		return PlanResult{}, err
	}
	return res, nil
}

// GeneratePlan asks the console to draft a plan from a free-form request.
func (c *Client) GeneratePlan(ctx context.Context, prompt string) (PlanResult, error) {
	var res PlanResult
	if err := c.do(ctx, http.MethodPost, "/plans/generate", map[string]string{"prompt": prompt}, &res); err != nil {
		return PlanResult{}, err
	}
	return res, nil
}

// DeployInput selects exactly one plan source plus optional overrides.
type DeployInput struct {
	Plan        *domain.DeploymentPlan `json:"plan,omitempty"`
	Prompt      string                 `json:"prompt,omitempty"`
	BlueprintID string                 `json:"blueprint_id,omitempty"`
	Name        string                 `json:"name,omitempty"`
	Region      string                 `json:"region,omitempty"`
	Type        string                 `json:"type,omitempty"`
	Resources   *domain.Resources      `json:"resources,omitempty"`
}

// Deployment is the API response for a started deployment.
type Deployment struct {
	Environment domain.Environment    `json:"environment"`
	Run         domain.DeploymentRun  `json:"run"`
	Plan        domain.DeploymentPlan `json:"plan"`
	Source      string                `json:"source"`
}

// Deploy creates an environment and starts its simulated rollout.
func (c *Client) Deploy(ctx context.Context, input DeployInput) (Deployment, error) {
	var dep Deployment
	if err := c.do(ctx, http.MethodPost, "/deployments", input, &dep); err != nil {
		return Deployment{}, err
	}
	return dep, nil
}

// ActiveDeployments lists running deployments.
func (c *Client) ActiveDeployments(ctx context.Context) ([]domain.DeploymentRun, error) {
	var runs []domain.DeploymentRun
	if err := c.do(ctx, http.MethodGet, "/deployments/active", nil, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// Cancel stops the running deployment of an environment.
func (c *Client) Cancel(ctx context.Context, envID string) (domain.DeploymentRun, error) {
	var run domain.DeploymentRun
	path := fmt.Sprintf("/environments/%s/cancel", url.PathEscape(envID))
	if err := c.do(ctx, http.MethodPost, path, nil, &run); err != nil {
		return domain.DeploymentRun{}, err
	}
	return run, nil
}

// FetchLogs returns log entries for the environment with seq greater than after.
// An empty envID returns entries across all environments.
func (c *Client) FetchLogs(ctx context.Context, envID string, after int64) ([]domain.LogEntry, error) {
	path := "/logs"
	if envID != "" {
		path += "/" + url.PathEscape(envID)
	}
	if after > 0 {
		path += "?after=" + strconv.FormatInt(after, 10)
	}
	var entries []domain.LogEntry
	if err := c.do(ctx, http.MethodGet, path, nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// StreamLogs follows the server-sent log stream of an environment, calling fn for
// each entry until ctx ends, the stream closes or fn returns an error.
func (c *Client) StreamLogs(ctx context.Context, envID string, after int64, fn func(domain.LogEntry) error) error {
	req, err := c.newRequest(ctx, http.MethodGet, fmt.Sprintf("/logs/%s/stream", url.PathEscape(envID)), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if after > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(after, 10))
	}
	resp, err := c.streamHTTP.Do(req)
	if err != nil {
		return fmt.Errorf("open log stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case line == "" && data.Len() > 0:
			var entry domain.LogEntry
			if err := json.Unmarshal([]byte(data.String()), &entry); err != nil {
				return fmt.Errorf("decode log event: %w", err)
			}
			data.Reset()
			if err := fn(entry); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read log stream: %w", err)
	}
	return nil
}

// ListAudit returns the newest audit events.
func (c *Client) ListAudit(ctx context.Context, limit int) ([]domain.AuditEvent, error) {
	path := "/audit"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var events []domain.AuditEvent
	if err := c.do(ctx, http.MethodGet, path, nil, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// ListBlueprints returns the blueprint catalog.
func (c *Client) ListBlueprints(ctx context.Context) ([]domain.Blueprint, error) {
	var bps []domain.Blueprint
	if err := c.do(ctx, http.MethodGet, "/blueprints", nil, &bps); err != nil {
		return nil, err
	}
	return bps, nil
}

// Settings returns the non-secret console configuration.
func (c *Client) Settings(ctx context.Context) (map[string]any, error) {
	var settings map[string]any
	if err := c.do(ctx, http.MethodGet, "/settings", nil, &settings); err != nil {
		return nil, err
	}
	return settings, nil
}
