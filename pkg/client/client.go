// Package client is the Go client for the forged HTTP API. It wraps the
// REST surface and provides a resumable event watcher over SSE.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	v1 "github.com/fyrsmithlabs/forged/pkg/api/v1"
)

// Config holds client configuration.
type Config struct {
	// BaseURL is the server address, for example http://localhost:9920.
	BaseURL string

	// HTTPClient overrides the default client.
	HTTPClient *http.Client

	// MaxReconnects bounds Watch's reconnection attempts after a dropped
	// stream. Once exhausted Watch returns a connection error.
	MaxReconnects int

	// InitialReconnectWait seeds the exponential reconnect backoff.
	InitialReconnectWait time.Duration

	// MaxReconnectWait caps the reconnect backoff.
	MaxReconnectWait time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:              "http://localhost:9920",
		MaxReconnects:        5,
		InitialReconnectWait: 500 * time.Millisecond,
		MaxReconnectWait:     15 * time.Second,
	}
}

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Kind    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%s, http %d)", e.Message, e.Kind, e.Status)
}

// IsConflict reports whether the server rejected a write over a stale
// expected version.
func (e *APIError) IsConflict() bool { return e.Status == http.StatusConflict }

// IsNotFound reports whether the addressed resource does not exist.
func (e *APIError) IsNotFound() bool { return e.Status == http.StatusNotFound }

// Client talks to one forged server.
type Client struct {
	config *Config
	base   string
	hc     *http.Client
}

// New creates a client.
func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	defaults := DefaultConfig()
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = defaults.MaxReconnects
	}
	if cfg.InitialReconnectWait <= 0 {
		cfg.InitialReconnectWait = defaults.InitialReconnectWait
	}
	if cfg.MaxReconnectWait <= 0 {
		cfg.MaxReconnectWait = defaults.MaxReconnectWait
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}

	return &Client{
		config: cfg,
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		hc:     hc,
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode, Kind: "internal"}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err == nil {
		var body v1.ErrorResponse
		if jsonErr := json.Unmarshal(data, &body); jsonErr == nil && body.Error != "" {
			apiErr.Message = body.Error
			apiErr.Kind = body.Kind
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

// Health checks server liveness.
func (c *Client) Health(ctx context.Context) error {
	var out v1.HealthResponse
	return c.do(ctx, http.MethodGet, "/health", nil, &out)
}

// CreateWorkspace creates a workspace with an optional initial spec.
func (c *Client) CreateWorkspace(ctx context.Context, name string, spec json.RawMessage) (*v1.WorkspaceResponse, error) {
	var out v1.WorkspaceResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/workspaces", v1.CreateWorkspaceRequest{Name: name, Spec: spec}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetWorkspace fetches a workspace.
func (c *Client) GetWorkspace(ctx context.Context, workspaceID string) (*v1.WorkspaceResponse, error) {
	var out v1.WorkspaceResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/workspaces/"+url.PathEscape(workspaceID), nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetSpec fetches the workspace's current spec document and version.
func (c *Client) GetSpec(ctx context.Context, workspaceID string) (*v1.SpecResponse, error) {
	var out v1.SpecResponse
	err := c.do(ctx, http.MethodGet, c.specPath(workspaceID), nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ReplaceSpec replaces the whole spec document. expectedVersion, when
// non-nil, makes the write conditional.
func (c *Client) ReplaceSpec(ctx context.Context, workspaceID string, doc json.RawMessage, expectedVersion *int64, notes string) (int64, error) {
	var out v1.WriteSpecResponse
	err := c.do(ctx, http.MethodPut, c.specPath(workspaceID), v1.ReplaceSpecRequest{
		Document:        doc,
		ExpectedVersion: expectedVersion,
		Notes:           notes,
	}, &out)
	return out.Version, err
}

// PatchSpec applies ops to the spec. expectedVersion, when non-nil, makes
// the write conditional; a stale version yields a conflict APIError.
func (c *Client) PatchSpec(ctx context.Context, workspaceID string, ops []v1.PatchOp, expectedVersion *int64, notes string) (int64, error) {
	var out v1.WriteSpecResponse
	err := c.do(ctx, http.MethodPatch, c.specPath(workspaceID), v1.PatchSpecRequest{
		Ops:             ops,
		ExpectedVersion: expectedVersion,
		Notes:           notes,
	}, &out)
	return out.Version, err
}

// SpecHistory lists the spec's version history, oldest first.
func (c *Client) SpecHistory(ctx context.Context, workspaceID string) ([]v1.HistoryEntryResponse, error) {
	var out []v1.HistoryEntryResponse
	err := c.do(ctx, http.MethodGet, c.specPath(workspaceID)+"/history", nil, &out)
	return out, err
}

// RollbackSpec restores a historical version as a new head version.
func (c *Client) RollbackSpec(ctx context.Context, workspaceID string, targetVersion int64, notes string) (int64, error) {
	var out v1.WriteSpecResponse
	err := c.do(ctx, http.MethodPost, c.specPath(workspaceID)+"/rollback", v1.RollbackRequest{
		TargetVersion: targetVersion,
		Notes:         notes,
	}, &out)
	return out.Version, err
}

// StartRun launches a generation run against the workspace.
func (c *Client) StartRun(ctx context.Context, workspaceID, prompt string) (*v1.RunResponse, error) {
	var out v1.RunResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/workspaces/"+url.PathEscape(workspaceID)+"/runs", v1.StartRunRequest{Prompt: prompt}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRun fetches a run's current state.
func (c *Client) GetRun(ctx context.Context, runID string) (*v1.RunResponse, error) {
	var out v1.RunResponse
	err := c.do(ctx, http.MethodGet, c.runPath(runID), nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelRun requests cooperative cancellation.
func (c *Client) CancelRun(ctx context.Context, runID string) error {
	return c.do(ctx, http.MethodPost, c.runPath(runID)+"/cancel", nil, nil)
}

// Approve applies the run's pending delta. modifiedOps, when non-empty,
// replaces the proposed operation list.
func (c *Client) Approve(ctx context.Context, runID string, modifiedOps []v1.PatchOp) (int64, error) {
	var out v1.ApproveResponse
	err := c.do(ctx, http.MethodPost, c.runPath(runID)+"/approve", v1.ApproveRequest{ModifiedOps: modifiedOps}, &out)
	return out.AppliedVersion, err
}

// Reject discards the run's pending delta; the run resumes.
func (c *Client) Reject(ctx context.Context, runID, reason string) error {
	return c.do(ctx, http.MethodPost, c.runPath(runID)+"/reject", v1.RejectRequest{Reason: reason}, nil)
}

// ProvideInput answers a run paused at an input gate.
func (c *Client) ProvideInput(ctx context.Context, runID, input string) error {
	return c.do(ctx, http.MethodPost, c.runPath(runID)+"/input", v1.ProvideInputRequest{Input: input}, nil)
}

// PendingSelections lists the run's unresolved texture selections.
func (c *Client) PendingSelections(ctx context.Context, runID string) ([]v1.PendingSelectionResponse, error) {
	var out []v1.PendingSelectionResponse
	err := c.do(ctx, http.MethodGet, c.runPath(runID)+"/selections", nil, &out)
	return out, err
}

// Select resolves an entity's texture choice by candidate index.
func (c *Client) Select(ctx context.Context, runID, entity string, index int) error {
	return c.do(ctx, http.MethodPost, c.runPath(runID)+"/selections/"+url.PathEscape(entity), v1.SelectRequest{Index: index}, nil)
}

// RegenerateSelection asks for a fresh candidate set for the entity.
func (c *Client) RegenerateSelection(ctx context.Context, runID, entity string) (*v1.PendingSelectionResponse, error) {
	var out v1.PendingSelectionResponse
	err := c.do(ctx, http.MethodPost, c.runPath(runID)+"/selections/"+url.PathEscape(entity)+"/regenerate", nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Events fetches the run's event history from fromSeq (1 for all).
func (c *Client) Events(ctx context.Context, runID string, fromSeq uint64) ([]v1.Event, error) {
	var out []v1.Event
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("%s/events?from=%d", c.runPath(runID), fromSeq), nil, &out)
	return out, err
}

// ListArtifacts lists the run's registered artifacts.
func (c *Client) ListArtifacts(ctx context.Context, runID string) ([]v1.ArtifactResponse, error) {
	var out []v1.ArtifactResponse
	err := c.do(ctx, http.MethodGet, c.runPath(runID)+"/artifacts", nil, &out)
	return out, err
}

// DownloadArtifact streams an artifact's content. The caller closes the
// reader.
func (c *Client) DownloadArtifact(ctx context.Context, runID, artifactID string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+c.runPath(runID)+"/artifacts/"+url.PathEscape(artifactID)+"/content", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer func() { _ = resp.Body.Close() }()
		return nil, decodeAPIError(resp)
	}
	return resp.Body, nil
}

func (c *Client) specPath(workspaceID string) string {
	return "/api/v1/workspaces/" + url.PathEscape(workspaceID) + "/spec"
}

func (c *Client) runPath(runID string) string {
	return "/api/v1/runs/" + url.PathEscape(runID)
}
