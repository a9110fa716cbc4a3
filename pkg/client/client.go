// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package client is a Go client for the shipyard HTTP API.
package client

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/oauth2"

	"github.com/noldarim/shipyard/internal/orchestrator/engine"
	"github.com/noldarim/shipyard/internal/orchestrator/locks"
	"github.com/noldarim/shipyard/internal/orchestrator/models"
	"github.com/noldarim/shipyard/internal/orchestrator/services"
)

const (
	headerUser  = "X-Shipyard-User"
	headerRoles = "X-Shipyard-Roles"
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Message    string `json:"error"`
	Context    string `json:"context,omitempty"`
}

func (e *APIError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("shipyard api: %d %s (%s)", e.StatusCode, e.Message, e.Context)
	}
	return fmt.Sprintf("shipyard api: %d %s", e.StatusCode, e.Message)
}

// Client talks to one shipyard server.
type Client struct {
	client *resty.Client
}

// Option customizes a Client.
type Option func(*resty.Client)

// WithIdentity sends the trusted identity headers used by header auth mode.
func WithIdentity(user string, roles ...string) Option {
	return func(c *resty.Client) {
		c.SetHeader(headerUser, user)
		if len(roles) > 0 {
			c.SetHeader(headerRoles, strings.Join(roles, ","))
		}
	}
}

// WithToken sends a static bearer token.
func WithToken(token string) Option {
	return func(c *resty.Client) { c.SetAuthToken(token) }
}

// WithTokenSource fetches bearer tokens from ts, refreshing as they expire.
func WithTokenSource(ts oauth2.TokenSource) Option {
	ts = oauth2.ReuseTokenSource(nil, ts)
	return func(c *resty.Client) {
		c.OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
			tok, err := ts.Token()
			if err != nil {
				return fmt.Errorf("fetch access token: %w", err)
			}
			r.SetAuthToken(tok.AccessToken)
			return nil
		})
	}
}

// WithRetries retries transport errors and 5xx answers.
func WithRetries(count int) Option {
	return func(c *resty.Client) {
		c.SetRetryCount(count).
			SetRetryWaitTime(200 * time.Millisecond).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				return err != nil || r.StatusCode() >= http.StatusInternalServerError
			})
	}
}

// New creates a client for the server at endpoint.
func New(endpoint string, opts ...Option) *Client {
	c := resty.New().
		SetBaseURL(strings.TrimRight(endpoint, "/")).
		SetTimeout(30*time.Second).
		SetHeader("Accept", "application/json")
	for _, opt := range opts {
		opt(c)
	}
	return &Client{client: c}
}

func (c *Client) request(ctx context.Context) *resty.Request {
	return c.client.R().SetContext(ctx).SetError(&APIError{})
}

func check(resp *resty.Response, err error) error {
	if err != nil {
		return err
	}
	if !resp.IsError() {
		return nil
	}
	apiErr, ok := resp.Error().(*APIError)
	if !ok || apiErr.Message == "" {
		apiErr = &APIError{Message: strings.TrimSpace(resp.String())}
	}
	apiErr.StatusCode = resp.StatusCode()
	return apiErr
}

// Health checks that the server answers.
func (c *Client) Health(ctx context.Context) error {
	return check(c.request(ctx).Get("/healthz"))
}

// Trigger submits a change event.
func (c *Client) Trigger(ctx context.Context, req engine.TriggerRequest) (*services.TriggerResult, error) {
	var out services.TriggerResult
	if err := check(c.request(ctx).SetBody(req).SetResult(&out).Post("/api/v1/events")); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRun returns a run with its approval and plan artifacts.
func (c *Client) GetRun(ctx context.Context, runID string) (*services.RunDetail, error) {
	var out services.RunDetail
	err := check(c.request(ctx).SetPathParam("runId", runID).SetResult(&out).Get("/api/v1/runs/{runId}"))
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRunsOptions narrows ListRuns. Zero values are not sent.
type ListRunsOptions struct {
	Environment string
	ChangeRef   string
	Status      string
	Limit       int
}

// ListRuns returns runs newest first.
func (c *Client) ListRuns(ctx context.Context, opts ListRunsOptions) ([]*models.PipelineRun, error) {
	var out struct {
		Runs []*models.PipelineRun `json:"runs"`
	}
	req := c.request(ctx).SetResult(&out)
	if opts.Environment != "" {
		req.SetQueryParam("environment", opts.Environment)
	}
	if opts.ChangeRef != "" {
		req.SetQueryParam("change_ref", opts.ChangeRef)
	}
	if opts.Status != "" {
		req.SetQueryParam("status", opts.Status)
	}
	if opts.Limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(opts.Limit))
	}
	if err := check(req.Get("/api/v1/runs")); err != nil {
		return nil, err
	}
	return out.Runs, nil
}

// RunAudit returns the audit trail of a run.
func (c *Client) RunAudit(ctx context.Context, runID string) ([]*models.AuditRecord, error) {
	var out struct {
		Records []*models.AuditRecord `json:"records"`
	}
	err := check(c.request(ctx).SetPathParam("runId", runID).SetResult(&out).Get("/api/v1/runs/{runId}/audit"))
	if err != nil {
		return nil, err
	}
	return out.Records, nil
}

// Decide approves or rejects the pending approval of a run. decision is
// "approve" or "reject".
func (c *Client) Decide(ctx context.Context, runID, decision, comment string) (*models.ApprovalRequest, error) {
	var out models.ApprovalRequest
	err := check(c.request(ctx).
		SetPathParam("runId", runID).
		SetBody(map[string]string{"decision": decision, "comment": comment}).
		SetResult(&out).
		Post("/api/v1/runs/{runId}/approval"))
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Abort aborts a run.
func (c *Client) Abort(ctx context.Context, runID, reason string) (models.RunStatus, error) {
	var out struct {
		Status models.RunStatus `json:"status"`
	}
	err := check(c.request(ctx).
		SetPathParam("runId", runID).
		SetBody(map[string]string{"reason": reason}).
		SetResult(&out).
		Post("/api/v1/runs/{runId}/abort"))
	if err != nil {
		return models.RunStatusPending, err
	}
	return out.Status, nil
}

// LockDetail is the state of one resource key with its audit trail.
type LockDetail struct {
	Status *locks.Status         `json:"status"`
	Held   bool                  `json:"held"`
	Audit  []*models.AuditRecord `json:"audit"`
}

// LockStatus inspects one resource key. Keys may contain slashes.
func (c *Client) LockStatus(ctx context.Context, resourceKey string) (*LockDetail, error) {
	var out LockDetail
	err := check(c.request(ctx).SetRawPathParam("key", resourceKey).SetResult(&out).Get("/api/v1/locks/{key}"))
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListLocks lists every known lock, or only live ones when heldOnly is set.
func (c *Client) ListLocks(ctx context.Context, heldOnly bool) ([]*locks.Status, error) {
	var out struct {
		Locks []*locks.Status `json:"locks"`
	}
	err := check(c.request(ctx).SetQueryParam("held", strconv.FormatBool(heldOnly)).SetResult(&out).Get("/api/v1/locks"))
	if err != nil {
		return nil, err
	}
	return out.Locks, nil
}

// ForceUnlock removes the lock on resourceKey. Requires the admin role.
func (c *Client) ForceUnlock(ctx context.Context, resourceKey string) (*locks.ForceUnlockResult, error) {
	var out locks.ForceUnlockResult
	err := check(c.request(ctx).SetRawPathParam("key", resourceKey).SetResult(&out).Delete("/api/v1/locks/{key}"))
	if err != nil {
		return nil, err
	}
	return &out, nil
}
