package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/forged/internal/artifact"
	"github.com/fyrsmithlabs/forged/internal/delta"
	"github.com/fyrsmithlabs/forged/internal/eventbus"
	forgedhttp "github.com/fyrsmithlabs/forged/internal/http"
	"github.com/fyrsmithlabs/forged/internal/logging"
	"github.com/fyrsmithlabs/forged/internal/run"
	"github.com/fyrsmithlabs/forged/internal/selection"
	"github.com/fyrsmithlabs/forged/internal/specstore"
	"github.com/fyrsmithlabs/forged/internal/workspace"
	v1 "github.com/fyrsmithlabs/forged/pkg/api/v1"
)

type stepFunc func(ctx context.Context, sc run.StepContext) (*run.StepResult, error)

func (f stepFunc) RunStep(ctx context.Context, sc run.StepContext) (*run.StepResult, error) {
	return f(ctx, sc)
}

func newTestClient(t *testing.T, steps run.StepRunner) *Client {
	t.Helper()

	logger := logging.NewTestLogger().Logger
	specs := specstore.New(logger)
	bus := eventbus.New(logger, nil)
	arts, err := artifact.Open(filepath.Join(t.TempDir(), "artifacts.db"), t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = arts.Close() })

	if steps == nil {
		steps = stepFunc(func(ctx context.Context, sc run.StepContext) (*run.StepResult, error) {
			return &run.StepResult{Progress: 100}, nil
		})
	}
	sup, err := run.NewSupervisor(nil, logger, specs, delta.NewQueue(specs), selection.NewGate(), arts, bus, steps, nil)
	require.NoError(t, err)

	srv, err := forgedhttp.NewServer(
		&forgedhttp.Config{HeartbeatInterval: 100 * time.Millisecond},
		logger, workspace.NewRegistry(specs), specs, sup, arts, bus)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	c, err := New(&Config{
		BaseURL:              ts.URL,
		MaxReconnects:        3,
		InitialReconnectWait: 10 * time.Millisecond,
		MaxReconnectWait:     50 * time.Millisecond,
	})
	require.NoError(t, err)
	return c
}

func TestClient_SpecRoundTrip(t *testing.T) {
	c := newTestClient(t, nil)
	ctx := context.Background()

	require.NoError(t, c.Health(ctx))

	ws, err := c.CreateWorkspace(ctx, "test", json.RawMessage(`{"items":[]}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1), ws.SpecVersion)

	expected := int64(1)
	version, err := c.PatchSpec(ctx, ws.ID, []v1.PatchOp{
		{Op: v1.OpAppend, Path: "items", Value: json.RawMessage(`{"id":"ore_block"}`)},
	}, &expected, "add ore block")
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)

	// A stale expected version surfaces as a conflict.
	_, err = c.PatchSpec(ctx, ws.ID, []v1.PatchOp{
		{Op: v1.OpAppend, Path: "items", Value: json.RawMessage(`{"id":"dup"}`)},
	}, &expected, "")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.IsConflict())

	spec, err := c.GetSpec(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), spec.Version)
	assert.Contains(t, string(spec.Document), "ore_block")

	history, err := c.SpecHistory(ctx, ws.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)

	version, err = c.RollbackSpec(ctx, ws.ID, 1, "undo")
	require.NoError(t, err)
	assert.Equal(t, int64(3), version)

	_, err = c.GetSpec(ctx, "missing")
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.IsNotFound())
}

func TestClient_WatchDeliversOrderedEventsUntilTerminal(t *testing.T) {
	c := newTestClient(t, nil)
	ctx := context.Background()

	ws, err := c.CreateWorkspace(ctx, "test", json.RawMessage(`{"items":[]}`))
	require.NoError(t, err)
	r, err := c.StartRun(ctx, ws.ID, "build the mod")
	require.NoError(t, err)

	var events []v1.Event
	err = c.Watch(ctx, r.ID, 1, func(ev v1.Event) error {
		events = append(events, ev)
		return nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, events)

	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Seq, "sequence must be gap-free")
	}

	last := events[len(events)-1]
	require.Equal(t, v1.EventRunStatus, last.Type)
	var status v1.StatusPayload
	require.NoError(t, json.Unmarshal(last.Payload, &status))
	assert.True(t, status.Status.Terminal())

	// Resuming from lastSeen+1 after completion yields nothing new and
	// still terminates: the journal replay includes the terminal event.
	history, err := c.Events(ctx, r.ID, 1)
	require.NoError(t, err)
	assert.Len(t, history, len(events))
}

func TestClient_WatchApprovalFlow(t *testing.T) {
	ops := []v1.PatchOp{{Op: v1.OpAppend, Path: "items", Value: json.RawMessage(`{"id":"ore_block"}`)}}
	proposed := false
	c := newTestClient(t, stepFunc(func(ctx context.Context, sc run.StepContext) (*run.StepResult, error) {
		if sc.Phase == run.PhaseGenerate && !proposed {
			proposed = true
			return &run.StepResult{DeltaOps: ops}, nil
		}
		return &run.StepResult{Progress: 100}, nil
	}))
	ctx := context.Background()

	ws, err := c.CreateWorkspace(ctx, "test", json.RawMessage(`{"items":[]}`))
	require.NoError(t, err)
	r, err := c.StartRun(ctx, ws.ID, "add an ore block")
	require.NoError(t, err)

	// Approve from inside the watch as soon as the gate opens.
	var approvedVersion int64
	err = c.Watch(ctx, r.ID, 1, func(ev v1.Event) error {
		if ev.Type == v1.EventAwaitingApproval {
			version, err := c.Approve(ctx, r.ID, nil)
			if err != nil {
				return err
			}
			approvedVersion = version
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), approvedVersion)

	got, err := c.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.RunSucceeded, got.Status)
}

func TestClient_WatchBoundedRetries(t *testing.T) {
	c, err := New(&Config{
		BaseURL:              "http://127.0.0.1:1", // nothing listens here
		MaxReconnects:        2,
		InitialReconnectWait: time.Millisecond,
		MaxReconnectWait:     5 * time.Millisecond,
	})
	require.NoError(t, err)

	start := time.Now()
	err = c.Watch(context.Background(), "r1", 1, func(v1.Event) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reconnect attempts")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestClient_WatchUnknownRunIsNotRetried(t *testing.T) {
	c := newTestClient(t, nil)

	err := c.Watch(context.Background(), "no-such-run", 1, func(v1.Event) error { return nil })
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.IsNotFound())
}

func TestClient_Artifacts(t *testing.T) {
	c := newTestClient(t, stepFunc(func(ctx context.Context, sc run.StepContext) (*run.StepResult, error) {
		if sc.Phase == run.PhaseGenerate {
			return &run.StepResult{Artifacts: []run.ArtifactSpec{{Name: "mod.jar", Content: []byte("jar-bytes")}}}, nil
		}
		return &run.StepResult{Progress: 100}, nil
	}))
	ctx := context.Background()

	ws, err := c.CreateWorkspace(ctx, "test", json.RawMessage(`{"items":[]}`))
	require.NoError(t, err)
	r, err := c.StartRun(ctx, ws.ID, "build")
	require.NoError(t, err)
	require.NoError(t, c.Watch(ctx, r.ID, 1, func(v1.Event) error { return nil }))

	artifacts, err := c.ListArtifacts(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)

	rc, err := c.DownloadArtifact(ctx, r.ID, artifacts[0].ID)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "jar-bytes", string(data))
}
