// Package provision lets external provisioners report progress for an environment
// back to the console.
package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultTimeout   = 5 * time.Second
	maxErrorBodySize = 4096
	tokenHeader      = "X-Provisioner-Token"
)

// ErrUnauthorized indicates the console rejected the provisioner token.
var ErrUnauthorized = errors.New("provisioning event unauthorized")

// ErrInvalidArgument indicates the console rejected the payload with validation errors.
var ErrInvalidArgument = errors.New("provisioning event invalid argument")

// ErrNotFound indicates the console could not locate the environment.
var ErrNotFound = errors.New("provisioning event environment not found")

// ErrConflict indicates the event would move the environment backwards or out of a
// terminal status.
var ErrConflict = errors.New("provisioning event conflicts with environment status")

// ErrRateLimited indicates the console throttled the provisioner.
var ErrRateLimited = errors.New("provisioning event rate limited")

// Emitter posts provisioning events to the console API.
type Emitter struct {
	baseURL string
	token   string
	client  *http.Client
	now     func() time.Time
}

// Event is a progress notification for one environment. Empty fields are filled by
// the console: source System, level derived from status, message "Status changed to X".
type Event struct {
	EnvironmentID string
	Source        string
	Status        string
	Level         string
	Message       string
	OccurredAt    time.Time
}

// NewEmitter creates an emitter using the console base URL and provisioner token.
func NewEmitter(baseURL, token string, client *http.Client) (*Emitter, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, errors.New("provisioning base url required")
	}
	trimmed = strings.TrimRight(trimmed, "/")
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	} else if client.Timeout == 0 {
		client.Timeout = defaultTimeout
	}
	return &Emitter{
		baseURL: trimmed,
		token:   strings.TrimSpace(token),
		client:  client,
		now:     time.Now,
	}, nil
}

// Emit sends event to /environments/{id}/events.
func (e *Emitter) Emit(ctx context.Context, event Event) error {
	if e == nil {
		return errors.New("provisioning emitter not initialised")
	}
	envID := strings.TrimSpace(event.EnvironmentID)
	if envID == "" {
		return errors.New("provisioning event requires environment_id")
	}
	if strings.TrimSpace(event.Status) == "" && strings.TrimSpace(event.Message) == "" {
		return errors.New("provisioning event requires status or message")
	}
	body, err := json.Marshal(buildPayload(envID, event, e.now))
	if err != nil {
		return fmt.Errorf("marshal provisioning event: %w", err)
	}
	endpoint := e.baseURL + "/environments/" + url.PathEscape(envID) + "/events"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build provisioning request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set(tokenHeader, e.token)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("send provisioning request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return errorForStatus(resp)
	}
	return nil
}

func errorForStatus(resp *http.Response) error {
	buf, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	summary := strings.TrimSpace(string(buf))
	var decoded struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(buf, &decoded) == nil && decoded.Error != "" {
		summary = decoded.Error
	}
	if summary == "" {
		summary = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, summary)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrInvalidArgument, summary)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, summary)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrConflict, summary)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, summary)
	default:
		return fmt.Errorf("provisioning request failed: %s", summary)
	}
}

func buildPayload(envID string, event Event, nowFn func() time.Time) map[string]any {
	occurred := event.OccurredAt
	if occurred.IsZero() {
		occurred = nowFn()
	}
	payload := map[string]any{
		"environment_id": envID,
		"timestamp":      occurred.UTC().Format(time.RFC3339Nano),
	}
	for key, value := range map[string]string{
		"source":  event.Source,
		"status":  strings.ToUpper(event.Status),
		"level":   strings.ToUpper(event.Level),
		"message": event.Message,
	} {
		if v := strings.TrimSpace(value); v != "" {
			payload[key] = v
		}
	}
	return payload
}
