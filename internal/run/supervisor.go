package run

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forged/internal/artifact"
	"github.com/fyrsmithlabs/forged/internal/delta"
	"github.com/fyrsmithlabs/forged/internal/eventbus"
	"github.com/fyrsmithlabs/forged/internal/logging"
	"github.com/fyrsmithlabs/forged/internal/selection"
	"github.com/fyrsmithlabs/forged/internal/specstore"
	v1 "github.com/fyrsmithlabs/forged/pkg/api/v1"
)

const instrumentationName = "github.com/fyrsmithlabs/forged/internal/run"

// Config bounds supervisor behavior.
type Config struct {
	// StepTimeout caps one external generation call.
	StepTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{StepTimeout: 5 * time.Minute}
}

// Supervisor owns all runs. Each run executes on its own worker
// goroutine; all mutations of a run's state go through its runState
// mutex, keeping the run a single-writer resource.
type Supervisor struct {
	config    *Config
	logger    *logging.Logger
	specs     *specstore.Store
	deltas    *delta.Queue
	gate      *selection.Gate
	artifacts *artifact.Registry
	bus       *eventbus.Bus
	steps     StepRunner
	regen     selection.Regenerator

	tracer          trace.Tracer
	meter           metric.Meter
	startedCounter  metric.Int64Counter
	finishedCounter metric.Int64Counter

	mu   sync.RWMutex
	runs map[string]*runState
}

// gateSignal carries the outcome of an approval gate back to the worker.
type gateSignal struct {
	appliedVersion int64
	rejected       bool
	reason         string
	err            error
}

type runState struct {
	mu        sync.Mutex
	run       Run
	prompt    string
	input     string
	artifacts []ArtifactSpec

	approvalCh chan gateSignal
	resolveCh  chan struct{}
	cancelCh   chan struct{}
	cancelOnce sync.Once
}

// NewSupervisor wires the supervisor to its collaborators. steps is the
// external generation engine; regen produces fresh texture candidates.
func NewSupervisor(cfg *Config, logger *logging.Logger, specs *specstore.Store, deltas *delta.Queue, gate *selection.Gate, artifacts *artifact.Registry, bus *eventbus.Bus, steps StepRunner, regen selection.Regenerator) (*Supervisor, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if specs == nil || deltas == nil || gate == nil || bus == nil {
		return nil, errors.New("spec store, delta queue, selection gate, and event bus are required")
	}
	if steps == nil {
		return nil, errors.New("step runner is required")
	}
	if logger == nil {
		l, err := logging.NewLogger(&logging.Config{Level: "error", Format: "json"})
		if err != nil {
			return nil, err
		}
		logger = l
	}

	s := &Supervisor{
		config:    cfg,
		logger:    logger.Named("run"),
		specs:     specs,
		deltas:    deltas,
		gate:      gate,
		artifacts: artifacts,
		bus:       bus,
		steps:     steps,
		regen:     regen,
		tracer:    otel.Tracer(instrumentationName),
		meter:     otel.Meter(instrumentationName),
		runs:      make(map[string]*runState),
	}
	s.initMetrics()
	return s, nil
}

func (s *Supervisor) initMetrics() {
	var err error

	s.startedCounter, err = s.meter.Int64Counter(
		"forged.run.started_total",
		metric.WithDescription("Total number of runs started"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create started counter", zap.Error(err))
	}

	s.finishedCounter, err = s.meter.Int64Counter(
		"forged.run.finished_total",
		metric.WithDescription("Total number of runs finished, by terminal status"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create finished counter", zap.Error(err))
	}
}

// Start creates a run against a workspace and launches its worker.
func (s *Supervisor) Start(ctx context.Context, workspaceID, prompt string) (*Run, error) {
	if _, _, err := s.specs.Get(ctx, workspaceID); err != nil {
		return nil, err
	}

	rs := &runState{
		run: Run{
			ID:          uuid.NewString(),
			WorkspaceID: workspaceID,
			Status:      v1.RunQueued,
			CreatedAt:   time.Now().UTC(),
		},
		prompt:     prompt,
		approvalCh: make(chan gateSignal, 1),
		resolveCh:  make(chan struct{}, 16),
		cancelCh:   make(chan struct{}),
	}

	s.mu.Lock()
	s.runs[rs.run.ID] = rs
	s.mu.Unlock()

	runCtx := logging.WithRunID(logging.WithWorkspaceID(context.Background(), workspaceID), rs.run.ID)
	if _, err := s.bus.Publish(runCtx, rs.run.ID, v1.EventRunStatus, v1.StatusPayload{Status: v1.RunQueued}); err != nil {
		return nil, err
	}
	if s.startedCounter != nil {
		s.startedCounter.Add(ctx, 1)
	}
	s.logger.Info(runCtx, "run started", zap.String("prompt", prompt))

	go s.execute(runCtx, rs)

	return rs.snapshot(), nil
}

// Get returns a snapshot of the run's state.
func (s *Supervisor) Get(ctx context.Context, runID string) (*Run, error) {
	rs, err := s.state(runID)
	if err != nil {
		return nil, err
	}
	return rs.snapshot(), nil
}

// Cancel records a cancel request. It is accepted in any non-terminal
// state and takes effect at the run's next checkpoint; pending deltas and
// selections are discarded without being applied.
func (s *Supervisor) Cancel(ctx context.Context, runID string) error {
	rs, err := s.state(runID)
	if err != nil {
		return err
	}

	rs.mu.Lock()
	if rs.run.Status.Terminal() {
		rs.mu.Unlock()
		return &v1.ValidationError{Reason: fmt.Sprintf("run is already %s", rs.run.Status)}
	}
	rs.run.Log = append(rs.run.Log, "cancel requested")
	rs.mu.Unlock()

	rs.cancelOnce.Do(func() { close(rs.cancelCh) })
	s.logger.Info(ctx, "run cancel requested", zap.String("run_id", runID))
	return nil
}

// Approve applies the run's pending delta, optionally substituting a
// client-modified op list. A version conflict is fatal to the run: the
// spec changed out from under the pending delta, and retrying could apply
// a stale intent against unrelated content.
func (s *Supervisor) Approve(ctx context.Context, runID string, modifiedOps []v1.PatchOp) (int64, error) {
	rs, err := s.state(runID)
	if err != nil {
		return 0, err
	}
	if status := rs.status(); status != v1.RunAwaitingApproval {
		return 0, &v1.ValidationError{Reason: fmt.Sprintf("run is %s, not awaiting approval", status)}
	}

	applied, err := s.deltas.Approve(ctx, runID, modifiedOps)
	if err != nil {
		var conflict *v1.ConflictError
		if errors.As(err, &conflict) {
			// Wake the worker so it can fail the run.
			rs.approvalCh <- gateSignal{err: err}
		}
		return 0, err
	}

	if _, err := s.bus.Publish(ctx, runID, v1.EventSpecSaved, v1.SpecSavedPayload{Version: applied}); err != nil {
		s.logger.Warn(ctx, "failed to publish spec.saved", zap.Error(err))
	}
	rs.approvalCh <- gateSignal{appliedVersion: applied}
	return applied, nil
}

// Reject discards the run's pending delta and resumes the run with a
// rejection signal. Rejection is not a failure.
func (s *Supervisor) Reject(ctx context.Context, runID, reason string) error {
	rs, err := s.state(runID)
	if err != nil {
		return err
	}
	if status := rs.status(); status != v1.RunAwaitingApproval {
		return &v1.ValidationError{Reason: fmt.Sprintf("run is %s, not awaiting approval", status)}
	}

	if _, err := s.deltas.Reject(ctx, runID, reason); err != nil {
		return err
	}
	rs.approvalCh <- gateSignal{rejected: true, reason: reason}
	return nil
}

// ProvideInput answers a run paused at an input gate. The answer is
// handed to every later generation step. An empty answer is rejected;
// the gate treats empty as unanswered and would park the run forever.
func (s *Supervisor) ProvideInput(ctx context.Context, runID, input string) error {
	if input == "" {
		return &v1.ValidationError{Reason: "input must not be empty"}
	}

	rs, err := s.state(runID)
	if err != nil {
		return err
	}
	if status := rs.status(); status != v1.RunAwaitingInput {
		return &v1.ValidationError{Reason: fmt.Sprintf("run is %s, not awaiting input", status)}
	}

	rs.mu.Lock()
	rs.input = input
	rs.mu.Unlock()
	rs.signalResolve()
	return nil
}

// Select resolves one entity's texture choice by candidate index.
func (s *Supervisor) Select(ctx context.Context, runID, entity string, index int) error {
	rs, err := s.state(runID)
	if err != nil {
		return err
	}

	_, remaining, err := s.gate.Select(ctx, runID, entity, index)
	if err != nil {
		return err
	}

	if _, err := s.bus.Publish(ctx, runID, v1.EventTextureSelected, v1.SelectedPayload{Entity: entity, Index: index}); err != nil {
		s.logger.Warn(ctx, "failed to publish texture.selected", zap.Error(err))
	}
	s.logger.Info(ctx, "texture selected",
		zap.String("run_id", runID),
		zap.String("entity", entity),
		zap.Int("index", index),
		zap.Int("remaining", remaining))

	rs.signalResolve()
	return nil
}

// Regenerate asks the image collaborator for a fresh candidate set for
// the entity, superseding the old one in place.
func (s *Supervisor) Regenerate(ctx context.Context, runID, entity string) ([][]byte, error) {
	if _, err := s.state(runID); err != nil {
		return nil, err
	}
	if s.regen == nil {
		return nil, &v1.GenerationError{Phase: "regenerate", Err: errors.New("no image collaborator configured")}
	}

	candidates, err := s.gate.Regenerate(ctx, runID, entity, s.regen)
	if err != nil {
		return nil, err
	}

	if _, err := s.bus.Publish(ctx, runID, v1.EventSelectionRequired, v1.SelectionRequiredPayload{
		Entity:     entity,
		Candidates: len(candidates),
	}); err != nil {
		s.logger.Warn(ctx, "failed to publish texture.selection_required", zap.Error(err))
	}
	return candidates, nil
}

// PendingSelections returns the run's unresolved selection entries.
func (s *Supervisor) PendingSelections(runID string) []selection.Entry {
	return s.gate.Pending(runID)
}

// PendingDelta returns the run's pending delta, or nil.
func (s *Supervisor) PendingDelta(runID string) *delta.Delta {
	return s.deltas.Pending(runID)
}

func (s *Supervisor) state(runID string) (*runState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs, ok := s.runs[runID]
	if !ok {
		return nil, &v1.NotFoundError{Kind: "run", ID: runID}
	}
	return rs, nil
}

func (rs *runState) snapshot() *Run {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := rs.run
	out.Log = append([]string(nil), rs.run.Log...)
	return &out
}

func (rs *runState) status() v1.RunStatus {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.run.Status
}

func (rs *runState) canceled() bool {
	select {
	case <-rs.cancelCh:
		return true
	default:
		return false
	}
}

func (rs *runState) signalResolve() {
	select {
	case rs.resolveCh <- struct{}{}:
	default:
	}
}
