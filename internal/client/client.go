// Package client implements the one-shot HTTP calls used when the workflow
// transport is not open, plus the lookups that only exist over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/invoiceflow/internal/logging"
	"github.com/rendis/invoiceflow/internal/metrics"
	"github.com/rendis/invoiceflow/pkg/schema"
)

const (
	defaultTimeout         = 10 * time.Second
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
)

// Endpoint names, used as breaker keys and metric labels.
const (
	EndpointStatus      = "status"
	EndpointHumanInput  = "human_input"
	EndpointCancelInput = "cancel_input"
	EndpointPause       = "pause"
	EndpointResume      = "resume"
	EndpointInput       = "input"
	EndpointValidation  = "validation"
	EndpointInvoice     = "invoice"
)

// Config configures the fallback client.
type Config struct {
	// BaseURL is the backend API root, e.g. https://api.example.com.
	BaseURL         string
	Timeout         time.Duration
	MaxResponseBody int64
	// Header is added to every request (auth tokens and the like).
	Header  http.Header
	Breaker BreakerConfig
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMetrics records failed calls on m.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Client) { c.metrics = m }
}

// Client talks to the workflow REST endpoints. It is safe for concurrent use.
type Client struct {
	base     *url.URL
	cfg      Config
	http     *http.Client
	breakers *Breakers
	logger   *slog.Logger
	metrics  *metrics.Collector
}

// New creates a client for cfg.BaseURL.
func New(cfg Config, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid API base url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	c := &Client{
		base:     u,
		cfg:      cfg,
		http:     &http.Client{},
		breakers: NewBreakers(cfg.Breaker),
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = logging.OrDefault(c.logger)
	return c, nil
}

// Breakers exposes the per-endpoint circuit state.
func (c *Client) Breakers() *Breakers { return c.breakers }

// Status fetches the current workflow status document.
func (c *Client) Status(ctx context.Context, workflowID string) (map[string]any, error) {
	var out map[string]any
	if err := c.do(ctx, EndpointStatus, http.MethodGet, workflowID, "status", nil, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// SubmitHumanInput posts corrected field values. A nil error only means the
// backend accepted the request; the resulting state change arrives as an event.
func (c *Client) SubmitHumanInput(ctx context.Context, workflowID string, values map[string]any, notes string) error {
	if values == nil {
		values = map[string]any{}
	}
	body := map[string]any{
		"workflow_id":  workflowID,
		"field_values": values,
		"notes":        notes,
	}
	return c.do(ctx, EndpointHumanInput, http.MethodPost, workflowID, "human-input", body, nil)
}

// CancelHumanInput tells the backend the user dismissed the review.
func (c *Client) CancelHumanInput(ctx context.Context, workflowID string) error {
	body := map[string]any{"workflow_id": workflowID}
	return c.do(ctx, EndpointCancelInput, http.MethodPost, workflowID, "human-input/cancel", body, nil)
}

// Pause asks the backend to pause the workflow.
func (c *Client) Pause(ctx context.Context, workflowID string) error {
	return c.do(ctx, EndpointPause, http.MethodPost, workflowID, "pause", map[string]any{"workflow_id": workflowID}, nil)
}

// Resume asks the backend to resume a paused workflow.
func (c *Client) Resume(ctx context.Context, workflowID string) error {
	return c.do(ctx, EndpointResume, http.MethodPost, workflowID, "resume", map[string]any{"workflow_id": workflowID}, nil)
}

// SubmitInput posts free-form input to the workflow.
func (c *Client) SubmitInput(ctx context.Context, workflowID, input string) error {
	body := map[string]any{"workflow_id": workflowID, "input": input}
	return c.do(ctx, EndpointInput, http.MethodPost, workflowID, "input", body, nil)
}

// ValidationRequirements fetches the extracted data and outstanding field issues.
func (c *Client) ValidationRequirements(ctx context.Context, workflowID string) (*schema.ValidationRequirements, error) {
	var out schema.ValidationRequirements
	if err := c.do(ctx, EndpointValidation, http.MethodGet, workflowID, "validation", nil, &out); err != nil {
		return nil, err
	}
	if out.WorkflowID == "" {
		out.WorkflowID = workflowID
	}
	return &out, nil
}

// Invoice fetches the final invoice document of a completed workflow.
func (c *Client) Invoice(ctx context.Context, workflowID string) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.do(ctx, EndpointInvoice, http.MethodGet, workflowID, "invoice", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) endpointURL(workflowID, suffix string) string {
	u := *c.base
	raw := strings.TrimRight(u.EscapedPath(), "/") + "/api/workflows/" + url.PathEscape(workflowID) + "/" + suffix
	if p, err := url.PathUnescape(raw); err == nil {
		u.Path = p
	}
	u.RawPath = raw
	return u.String()
}

// do performs one call guarded by the endpoint's breaker. 5xx responses and
// transport errors count as breaker failures; 4xx responses do not.
func (c *Client) do(ctx context.Context, endpoint, method, workflowID, suffix string, body, out any) error {
	if workflowID == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow id is required")
	}
	ctx = logging.WithWorkflowID(ctx, workflowID)
	log := logging.LogWith(ctx, c.logger).With(slog.String("endpoint", endpoint))

	if err := c.breakers.Allow(endpoint); err != nil {
		c.metrics.FallbackFailed(endpoint)
		log.Warn("fallback call rejected", slog.String("error", err.Error()))
		return err
	}

	err := c.roundTrip(ctx, method, c.endpointURL(workflowID, suffix), body, out)
	if err == nil {
		c.breakers.Success(endpoint)
		return nil
	}

	c.metrics.FallbackFailed(endpoint)
	var fe *schema.FlowError
	if errors.As(err, &fe) && fe.IsRetryable() {
		state := c.breakers.Failure(endpoint)
		log.Warn("fallback call failed", slog.String("error", err.Error()), slog.String("circuit", state.String()))
	} else {
		c.breakers.Success(endpoint)
		log.Info("fallback call rejected by backend", slog.String("error", err.Error()))
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, rawURL string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return schema.NewError(schema.ErrCodeValidation, "encode request body").WithCause(err)
		}
		reader = bytes.NewReader(b)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, reader)
	if err != nil {
		return schema.NewError(schema.ErrCodeFallbackFailed, "build request").WithCause(err)
	}
	for k, vs := range c.cfg.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return schema.NewErrorf(schema.ErrCodeTimeout, "%s %s timed out", method, rawURL).WithCause(err)
		}
		return schema.NewErrorf(schema.ErrCodeFallbackFailed, "%s %s: %v", method, rawURL, err).WithCause(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxResponseBody))
	if err != nil {
		return schema.NewError(schema.ErrCodeFallbackFailed, "read response body").WithCause(err)
	}

	if resp.StatusCode >= 400 {
		return statusError(method, rawURL, resp.StatusCode, data)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return schema.NewErrorf(schema.ErrCodeFallbackFailed, "decode %s response", rawURL).WithCause(err)
	}
	return nil
}

// statusError maps an HTTP error status to a FlowError. Server errors are
// retryable, client errors are not.
func statusError(method, rawURL string, status int, body []byte) *schema.FlowError {
	details := map[string]any{"status_code": status}
	if msg := backendMessage(body); msg != "" {
		details["message"] = msg
	}
	code := schema.ErrCodeValidation
	switch {
	case status == http.StatusNotFound:
		code = schema.ErrCodeNotFound
	case status >= 500:
		code = schema.ErrCodeFallbackFailed
	}
	return schema.NewErrorf(code, "%s %s: backend returned %d", method, rawURL, status).WithDetails(details)
}

// backendMessage extracts a human-readable reason from an error body.
func backendMessage(body []byte) string {
	var m map[string]any
	if err := json.Unmarshal(body, &m); err == nil {
		for _, k := range []string{"detail", "error", "message"} {
			if s, ok := m[k].(string); ok && s != "" {
				return s
			}
		}
		return ""
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// ErrorMessage returns the backend's message for err when it carries one.
func ErrorMessage(err error) string {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		if msg, ok := fe.Details["message"].(string); ok && msg != "" {
			return msg
		}
	}
	if err == nil {
		return ""
	}
	return fmt.Sprint(err)
}
