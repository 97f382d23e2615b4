// Package controlclient is the typed HTTP client for the voxroom control
// plane. Every call is retried with backoff; spawn, start and remove are
// idempotent on the server so replays are safe.
package controlclient

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

	"github.com/rs/zerolog"

	"github.com/ent0n29/voxroom/internal/protocol"
	"github.com/ent0n29/voxroom/internal/reliability"
)

type Client struct {
	baseURL *url.URL
	http    *http.Client
	retry   reliability.RetryConfig
	logger  zerolog.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithRetryConfig overrides the backoff policy. ShouldRetry is always replaced
// by the client's own classification.
func WithRetryConfig(cfg reliability.RetryConfig) Option {
	return func(c *Client) { c.retry = cfg }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse control plane url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("control plane url must be http or https, got %q", baseURL)
	}
	c := &Client{
		baseURL: u,
		http:    &http.Client{Timeout: 30 * time.Second},
		retry:   reliability.DefaultRetryConfig(),
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.retry.ShouldRetry = shouldRetry
	c.retry.OnRetry = func(attempt int, delay time.Duration, err error) {
		c.logger.Debug().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("retrying control plane call")
	}
	return c, nil
}

func (c *Client) SpawnAgent(ctx context.Context, req protocol.SpawnRequest) (protocol.SpawnResponse, error) {
	var out protocol.SpawnResponse
	err := c.call(ctx, http.MethodPost, "/v1/agents/spawn", req, &out)
	return out, err
}

func (c *Client) StartWorker(ctx context.Context, req protocol.StartRequest) (protocol.StartResponse, error) {
	var out protocol.StartResponse
	err := c.call(ctx, http.MethodPost, "/v1/agents/start", req, &out)
	return out, err
}

func (c *Client) GetStatus(ctx context.Context, roomName string) (protocol.Session, error) {
	var out protocol.StatusResponse
	err := c.call(ctx, http.MethodGet, "/v1/agents/"+url.PathEscape(roomName), nil, &out)
	return out.Session, err
}

func (c *Client) ListActiveSessions(ctx context.Context) ([]protocol.Session, error) {
	var out protocol.ListResponse
	err := c.call(ctx, http.MethodGet, "/v1/agents", nil, &out)
	return out.Sessions, err
}

// RemoveAgent reports whether this call retired a live session.
func (c *Client) RemoveAgent(ctx context.Context, roomName string) (bool, error) {
	var out protocol.RemoveResponse
	err := c.call(ctx, http.MethodDelete, "/v1/agents/"+url.PathEscape(roomName), nil, &out)
	return out.Removed, err
}

// CheckHealth returns the reachability report. A report with an unhealthy
// backend is returned without error; the error is reserved for failing to
// reach the control plane itself.
func (c *Client) CheckHealth(ctx context.Context) (protocol.HealthResponse, error) {
	var out protocol.HealthResponse
	err := c.call(ctx, http.MethodGet, "/v1/health", nil, &out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.report != nil {
		return *apiErr.report, nil
	}
	return out, err
}

// StartVoiceAgent spawns the room's agent and launches its worker. Failures
// are wrapped in *StepError naming the step that failed.
func (c *Client) StartVoiceAgent(ctx context.Context, req protocol.StartRequest) (protocol.StartResponse, error) {
	spawned, err := c.SpawnAgent(ctx, protocol.SpawnRequest{
		RoomName:     req.RoomName,
		Instructions: req.Instructions,
		VoiceProfile: req.VoiceProfile,
	})
	if err != nil {
		return protocol.StartResponse{}, &StepError{Step: StepSpawn, Err: err}
	}
	started, err := c.StartWorker(ctx, req)
	if err != nil {
		return protocol.StartResponse{}, &StepError{Step: StepStart, Err: err}
	}
	if started.AgentIdentity == "" {
		started.AgentIdentity = spawned.Session.AgentIdentity
	}
	return started, nil
}

func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		payload = raw
	}

	err := reliability.Retry(ctx, c.retry, func(ctx context.Context) error {
		return c.once(ctx, method, path, payload, out)
	})
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return err
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) || !reliability.IsTransientNetworkError(err) {
		return err
	}
	return &APIError{
		StatusCode: http.StatusServiceUnavailable,
		Code:       "unreachable",
		Message:    err.Error(),
		cause:      err,
	}
}

func (c *Client) once(ctx context.Context, method, path string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return err
	}

	if res.StatusCode >= 200 && res.StatusCode < 300 {
		if out == nil || len(raw) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode %s %s response: %w", method, path, err)
		}
		return nil
	}
	return decodeAPIError(res.StatusCode, raw, path)
}

func decodeAPIError(status int, raw []byte, path string) *APIError {
	apiErr := &APIError{StatusCode: status}
	var body protocol.ErrorResponse
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		apiErr.Code = body.Code
		apiErr.Message = body.Error
	} else {
		apiErr.Message = strings.TrimSpace(string(raw))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(status)
		}
	}
	if path == "/v1/health" && status == http.StatusServiceUnavailable {
		var report protocol.HealthResponse
		if err := json.Unmarshal(raw, &report); err == nil && (report.Transport != (protocol.Component{}) || report.Backend != (protocol.Component{})) {
			apiErr.report = &report
			apiErr.Code = "backend_unhealthy"
		}
	}
	return apiErr
}

// shouldRetry retries throttling, server errors and transport failures. Client
// errors such as validation, not-found and conflict are final.
func shouldRetry(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.report != nil {
			return false
		}
		return reliability.IsRetryableHTTPStatus(apiErr.StatusCode)
	}
	return reliability.IsTransientNetworkError(err)
}
