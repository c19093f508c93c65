// Package rpc talks to workers over their job submission HTTP surface:
//
//	POST /prompt         submit a job graph, returns {"prompt_id": ...}
//	GET  /history/{id}   {"<id>": {"outputs": ...}} once the job is done
//	GET  /queue          200 while the worker is alive
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/CZERTAINLY/Legion/internal/model"
	"github.com/CZERTAINLY/Legion/internal/poll"
	"github.com/CZERTAINLY/Legion/internal/workflow"
)

const (
	DefaultClientID = "legion_master"

	statusError = "error"
	// error bodies longer than that are truncated
	maxBody = 4096
)

// Result of a finished job.
type Result struct {
	PromptID string
	// History is the raw history entry of the job.
	History map[string]any
}

// Outputs returns the outputs object of the history entry.
func (r Result) Outputs() map[string]any {
	o, _ := r.History["outputs"].(map[string]any)
	return o
}

type Client struct {
	host          string
	clientID      string
	client        *http.Client
	submitTimeout time.Duration
	statusTimeout time.Duration
	healthTimeout time.Duration
	policy        poll.Policy
}

type Option func(*Client)

func WithClientID(id string) Option {
	return func(c *Client) {
		if id != "" {
			c.clientID = id
		}
	}
}

// WithPolicy sets how often and how many times the job status is checked.
func WithPolicy(p poll.Policy) Option {
	return func(c *Client) {
		c.policy = p
	}
}

func WithTimeouts(submit, status, health time.Duration) Option {
	return func(c *Client) {
		c.submitTimeout = submit
		c.statusTimeout = status
		c.healthTimeout = health
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.client = hc
	}
}

// NewClient returns a client for workers listening on host.
func NewClient(host string, opts ...Option) *Client {
	c := &Client{
		host:          host,
		clientID:      DefaultClientID,
		client:        &http.Client{},
		submitTimeout: 30 * time.Second,
		statusTimeout: 5 * time.Second,
		healthTimeout: 2 * time.Second,
		policy: poll.Policy{
			Interval: 300 * time.Millisecond,
			Attempts: 10000,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// NewClientFromConfig reads the worker host, client id and status polling
// from cfg.
func NewClientFromConfig(cfg *model.Config, opts ...Option) *Client {
	base := []Option{
		WithClientID(cfg.GetString(model.KeyClientID, DefaultClientID)),
		WithPolicy(poll.Policy{
			Interval: cfg.GetDuration(model.KeyPollInterval, 300*time.Millisecond),
			Attempts: cfg.GetInt(model.KeyPollAttempts, 10000),
		}),
	}
	return NewClient(cfg.GetString(model.KeyComfyHost, "127.0.0.1"), append(base, opts...)...)
}

func (c *Client) url(port int, path string) string {
	return "http://" + net.JoinHostPort(c.host, strconv.Itoa(port)) + path
}

// HealthCheck reports whether a worker answers on port. Any failure means
// not alive.
func (c *Client) HealthCheck(ctx context.Context, port int) bool {
	ctx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(port, "/queue"), nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	return resp.StatusCode == http.StatusOK
}

type submitRequest struct {
	Prompt   workflow.Workflow `json:"prompt"`
	ClientID string            `json:"client_id"`
}

type submitResponse struct {
	PromptID string `json:"prompt_id"`
}

// Submit posts the job graph and returns the job id.
func (c *Client) Submit(ctx context.Context, port int, wf workflow.Workflow) (string, error) {
	raw, err := json.Marshal(submitRequest{Prompt: wf, ClientID: c.clientID})
	if err != nil {
		return "", fmt.Errorf("%w: encoding job: %w", model.ErrCommunication, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.submitTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(port, "/prompt"), bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %w", model.ErrCommunication, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: submitting to port %d: %w", model.ErrCommunication, port, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: submit status: %d, body: %s", model.ErrCommunication, resp.StatusCode, readBody(resp.Body))
	}
	if err := checkJSON(resp); err != nil {
		return "", err
	}
	var sr submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", fmt.Errorf("%w: decoding json response failed: %w", model.ErrCommunication, err)
	}
	if sr.PromptID == "" {
		return "", fmt.Errorf("%w: no prompt_id returned", model.ErrCommunication)
	}
	slog.DebugContext(ctx, "job submitted", "port", port, "prompt_id", sr.PromptID)
	return sr.PromptID, nil
}

// Await polls the job status until the job shows up in the history.
func (c *Client) Await(ctx context.Context, port int, promptID string) (Result, error) {
	var result Result
	var checks int
	err := poll.Until(ctx, c.policy, func(ctx context.Context) (bool, error) {
		checks++
		entry, ok, err := c.history(ctx, port, promptID)
		if err != nil || !ok {
			return false, err
		}
		result = Result{PromptID: promptID, History: entry}
		return true, nil
	})
	switch {
	case errors.Is(err, poll.ErrExhausted):
		return Result{}, fmt.Errorf("%w: job %s did not finish: %w", model.ErrExecutionFailure, promptID, err)
	case err != nil:
		return Result{}, err
	}

	if s, ok := result.History["status"].(map[string]any); ok && s["status_str"] == statusError {
		return result, fmt.Errorf("%w: job %s reported an error: %v", model.ErrExecutionFailure, promptID, s["messages"])
	}
	if _, ok := result.History["outputs"]; !ok {
		return result, fmt.Errorf("%w: job %s finished without outputs", model.ErrExecutionFailure, promptID)
	}
	slog.DebugContext(ctx, "job completed", "port", port, "prompt_id", promptID, "checks", checks)
	return result, nil
}

func (c *Client) history(ctx context.Context, port int, promptID string) (map[string]any, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.statusTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(port, "/history/"+promptID), nil)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", model.ErrCommunication, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("%w: status of %s: %w", model.ErrCommunication, promptID, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("%w: history status: %d, body: %s", model.ErrCommunication, resp.StatusCode, readBody(resp.Body))
	}

	var history map[string]map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return nil, false, fmt.Errorf("%w: decoding json response failed: %w", model.ErrCommunication, err)
	}
	entry, ok := history[promptID]
	if !ok {
		return nil, false, nil
	}
	if entry == nil {
		entry = map[string]any{}
	}
	return entry, true, nil
}

// SubmitAndAwait runs a job synchronously.
func (c *Client) SubmitAndAwait(ctx context.Context, port int, wf workflow.Workflow) (Result, error) {
	id, err := c.Submit(ctx, port, wf)
	if err != nil {
		return Result{}, err
	}
	return c.Await(ctx, port, id)
}

// SubmitAsync runs SubmitAndAwait on a new goroutine and passes the outcome
// to onComplete. The returned channel is closed once onComplete returned.
// The job is not canceled together with ctx.
func (c *Client) SubmitAsync(ctx context.Context, port int, wf workflow.Workflow, onComplete func(Result, error)) <-chan struct{} {
	done := make(chan struct{})
	ctx = context.WithoutCancel(ctx)
	go func() {
		defer close(done)
		res, err := c.SubmitAndAwait(ctx, port, wf)
		if err != nil {
			slog.ErrorContext(ctx, "async job failed", "port", port, "error", err)
		}
		onComplete(res, err)
	}()
	return done
}

func checkJSON(resp *http.Response) error {
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		return nil
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return fmt.Errorf("%w: failed to parse response content type header: %w", model.ErrCommunication, err)
	}
	if mediaType != "application/json" {
		return fmt.Errorf("%w: expected `application/json` content type, got: %s", model.ErrCommunication, mediaType)
	}
	return nil
}

func readBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, maxBody))
	return string(bytes.TrimSpace(b))
}
