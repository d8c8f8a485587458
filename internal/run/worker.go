package run

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	v1 "github.com/fyrsmithlabs/forged/pkg/api/v1"
)

// phaseFloor is the overall progress at which each phase begins. A step's
// own [0,100] estimate is scaled into its phase's band.
func phaseFloor(p Phase) (floor, ceil int) {
	switch p {
	case PhaseAnalyze:
		return 0, 30
	case PhaseGenerate:
		return 30, 70
	default:
		return 70, 95
	}
}

// execute is the run's worker. It walks the phases in order, invoking the
// generation collaborator once per phase, pausing at gates, and publishing
// every transition to the bus. It is the only goroutine that advances the
// run, so gate handlers communicate with it purely over channels.
func (s *Supervisor) execute(ctx context.Context, rs *runState) {
	ctx, span := s.tracer.Start(ctx, "run.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("run.id", rs.run.ID),
		attribute.String("workspace.id", rs.run.WorkspaceID),
	)

	for _, phase := range AllPhases() {
		if rs.canceled() {
			s.finish(ctx, rs, v1.RunCanceled, "")
			return
		}
		if done := s.runPhase(ctx, rs, phase); done {
			return
		}
	}

	if rs.canceled() {
		s.finish(ctx, rs, v1.RunCanceled, "")
		return
	}

	s.registerArtifacts(ctx, rs)
	s.setProgress(ctx, rs, 100)
	s.finish(ctx, rs, v1.RunSucceeded, "")
	span.SetStatus(codes.Ok, "")
}

// runPhase executes one phase, re-entering it after a delta rejection.
// It returns true when the run reached a terminal state.
func (s *Supervisor) runPhase(ctx context.Context, rs *runState, phase Phase) bool {
	rejectedReason := ""
	for {
		s.setStatus(ctx, rs, phase.status(), "")

		sc, err := s.buildStepContext(ctx, rs, phase, rejectedReason)
		if err != nil {
			s.fail(ctx, rs, &v1.GenerationError{Phase: string(phase), Err: err})
			return true
		}

		stepCtx, cancel := context.WithTimeout(ctx, s.config.StepTimeout)
		res, err := s.steps.RunStep(stepCtx, sc)
		cancel()

		// The external call is never aborted mid-flight; a cancel
		// observed here discards its result.
		if rs.canceled() {
			s.finish(ctx, rs, v1.RunCanceled, "")
			return true
		}
		if err != nil {
			s.fail(ctx, rs, &v1.GenerationError{Phase: string(phase), Err: err})
			return true
		}

		s.appendLogs(ctx, rs, res.Logs)

		floor, ceil := phaseFloor(phase)
		s.setProgress(ctx, rs, floor+res.Progress*(ceil-floor)/100)

		if res.Abandon {
			s.finish(ctx, rs, v1.RunRejected, rejectedReason)
			return true
		}

		if res.NeedsInput != "" {
			if done := s.waitForInput(ctx, rs, res.NeedsInput); done {
				return true
			}
		}

		if len(res.DeltaOps) > 0 {
			outcome, done := s.waitForApproval(ctx, rs, res.DeltaOps)
			if done {
				return true
			}
			if outcome.rejected {
				rejectedReason = outcome.reason
				s.appendLogs(ctx, rs, []string{fmt.Sprintf("delta rejected: %s", outcome.reason)})
				continue
			}
			s.appendLogs(ctx, rs, []string{fmt.Sprintf("spec updated to version %d", outcome.appliedVersion)})
		}

		if len(res.Candidates) > 0 {
			if done := s.waitForSelections(ctx, rs, res.Candidates); done {
				return true
			}
		}

		rs.mu.Lock()
		rs.artifacts = append(rs.artifacts, res.Artifacts...)
		rs.mu.Unlock()
		return false
	}
}

func (s *Supervisor) buildStepContext(ctx context.Context, rs *runState, phase Phase, rejectedReason string) (StepContext, error) {
	doc, version, err := s.specs.Get(ctx, rs.run.WorkspaceID)
	if err != nil {
		return StepContext{}, err
	}

	// The answer persists for the rest of the run, so later phases see
	// the resolved subject even when the prompt was empty.
	rs.mu.Lock()
	input := rs.input
	prompt := rs.prompt
	rs.mu.Unlock()

	return StepContext{
		RunID:          rs.run.ID,
		WorkspaceID:    rs.run.WorkspaceID,
		Phase:          phase,
		Prompt:         prompt,
		Input:          input,
		Spec:           doc,
		SpecVersion:    version,
		RejectedReason: rejectedReason,
	}, nil
}

// waitForApproval proposes the delta, publishes a preview of the spec as
// it would look applied, and parks the worker until approve or reject.
func (s *Supervisor) waitForApproval(ctx context.Context, rs *runState, ops []v1.PatchOp) (gateSignal, bool) {
	d, err := s.deltas.Propose(ctx, rs.run.ID, rs.run.WorkspaceID, ops)
	if err != nil {
		s.fail(ctx, rs, err)
		return gateSignal{}, true
	}

	// Status first: a client reacting to the gate event immediately must
	// already pass the awaiting-approval guard.
	s.setStatus(ctx, rs, v1.RunAwaitingApproval, "")
	if preview, perr := s.specs.Preview(ctx, rs.run.WorkspaceID, ops); perr == nil {
		if _, err := s.bus.Publish(ctx, rs.run.ID, v1.EventSpecPreview, preview); err != nil {
			s.logger.Warn(ctx, "failed to publish spec.preview", zap.Error(err))
		}
	}
	if _, err := s.bus.Publish(ctx, rs.run.ID, v1.EventAwaitingApproval, v1.ApprovalPayload{DeltaID: d.ID, Ops: d.Ops}); err != nil {
		s.logger.Warn(ctx, "failed to publish run.awaiting_approval", zap.Error(err))
	}

	select {
	case sig := <-rs.approvalCh:
		if sig.err != nil {
			s.fail(ctx, rs, sig.err)
			return gateSignal{}, true
		}
		return sig, false
	case <-rs.cancelCh:
		s.deltas.Discard(rs.run.ID)
		s.finish(ctx, rs, v1.RunCanceled, "")
		return gateSignal{}, true
	}
}

// waitForInput parks the worker until ProvideInput supplies an answer.
// Any answer left over from an earlier gate is cleared first; the gate
// only resumes on a fresh one.
func (s *Supervisor) waitForInput(ctx context.Context, rs *runState, question string) bool {
	rs.mu.Lock()
	rs.input = ""
	rs.mu.Unlock()

	s.setStatus(ctx, rs, v1.RunAwaitingInput, "")
	if _, err := s.bus.Publish(ctx, rs.run.ID, v1.EventAwaitingInput, v1.LogPayload{Line: question}); err != nil {
		s.logger.Warn(ctx, "failed to publish run.awaiting_input", zap.Error(err))
	}

	for {
		select {
		case <-rs.resolveCh:
			rs.mu.Lock()
			answered := rs.input != ""
			rs.mu.Unlock()
			if answered {
				return false
			}
		case <-rs.cancelCh:
			s.finish(ctx, rs, v1.RunCanceled, "")
			return true
		}
	}
}

// waitForSelections registers every candidate set with the gate and parks
// the worker until the pending set drains. Regeneration swaps candidates
// in place and does not change the pending count, so the wait condition is
// simply "no entries left".
func (s *Supervisor) waitForSelections(ctx context.Context, rs *runState, sets []CandidateSet) bool {
	for _, cs := range sets {
		if err := s.gate.Request(ctx, rs.run.ID, cs.Entity, cs.Variants); err != nil {
			s.fail(ctx, rs, err)
			return true
		}
		if _, err := s.bus.Publish(ctx, rs.run.ID, v1.EventSelectionRequired, v1.SelectionRequiredPayload{
			Entity:     cs.Entity,
			Candidates: len(cs.Variants),
		}); err != nil {
			s.logger.Warn(ctx, "failed to publish texture.selection_required", zap.Error(err))
		}
	}
	s.setStatus(ctx, rs, v1.RunAwaitingSelection, "")

	for s.gate.PendingCount(rs.run.ID) > 0 {
		select {
		case <-rs.resolveCh:
		case <-rs.cancelCh:
			s.gate.Discard(rs.run.ID)
			s.finish(ctx, rs, v1.RunCanceled, "")
			return true
		}
	}
	return false
}

func (s *Supervisor) registerArtifacts(ctx context.Context, rs *runState) {
	if s.artifacts == nil {
		return
	}

	rs.mu.Lock()
	specs := rs.artifacts
	rs.mu.Unlock()

	for _, a := range specs {
		art, err := s.artifacts.Create(ctx, rs.run.ID, a.Name, a.Content, a.Metadata)
		if err != nil {
			s.logger.Error(ctx, "failed to register artifact",
				zap.String("run_id", rs.run.ID),
				zap.String("name", a.Name),
				zap.Error(err))
			continue
		}
		if _, err := s.bus.Publish(ctx, rs.run.ID, v1.EventArtifactCreated, v1.ArtifactPayload{
			ArtifactID: art.ID,
			Name:       art.Name,
			Size:       art.Size,
		}); err != nil {
			s.logger.Warn(ctx, "failed to publish artifact.created", zap.Error(err))
		}
	}
}

// setStatus records the transition first, then publishes it, so a
// subscriber never sees a state the run has not reached.
func (s *Supervisor) setStatus(ctx context.Context, rs *runState, status v1.RunStatus, errMsg string) {
	rs.mu.Lock()
	if rs.run.Status.Terminal() {
		rs.mu.Unlock()
		return
	}
	rs.run.Status = status
	rs.run.Error = errMsg
	rs.mu.Unlock()

	if _, err := s.bus.Publish(ctx, rs.run.ID, v1.EventRunStatus, v1.StatusPayload{Status: status, Error: errMsg}); err != nil {
		s.logger.Warn(ctx, "failed to publish run.status", zap.Error(err))
	}
}

// setProgress clamps progress monotonic; a step reporting less than a
// previous step already reached is ignored.
func (s *Supervisor) setProgress(ctx context.Context, rs *runState, percent int) {
	if percent > 100 {
		percent = 100
	}

	rs.mu.Lock()
	if percent <= rs.run.Progress {
		rs.mu.Unlock()
		return
	}
	rs.run.Progress = percent
	rs.mu.Unlock()

	if _, err := s.bus.Publish(ctx, rs.run.ID, v1.EventRunProgress, v1.ProgressPayload{Percent: percent}); err != nil {
		s.logger.Warn(ctx, "failed to publish run.progress", zap.Error(err))
	}
}

func (s *Supervisor) appendLogs(ctx context.Context, rs *runState, lines []string) {
	if len(lines) == 0 {
		return
	}

	rs.mu.Lock()
	rs.run.Log = append(rs.run.Log, lines...)
	rs.mu.Unlock()

	for _, line := range lines {
		if _, err := s.bus.Publish(ctx, rs.run.ID, v1.EventLogAppend, v1.LogPayload{Line: line}); err != nil {
			s.logger.Warn(ctx, "failed to publish log.append", zap.Error(err))
		}
	}
}

// fail publishes the error, then terminates the run.
func (s *Supervisor) fail(ctx context.Context, rs *runState, cause error) {
	if _, err := s.bus.Publish(ctx, rs.run.ID, v1.EventError, v1.LogPayload{Line: cause.Error()}); err != nil {
		s.logger.Warn(ctx, "failed to publish error event", zap.Error(err))
	}
	s.logger.Error(ctx, "run failed", zap.String("run_id", rs.run.ID), zap.Error(cause))
	s.finish(ctx, rs, v1.RunFailed, cause.Error())
}

// finish moves the run to a terminal status. The terminal status event is
// the last event published for the run; the journal is then sealed.
func (s *Supervisor) finish(ctx context.Context, rs *runState, status v1.RunStatus, errMsg string) {
	rs.mu.Lock()
	if rs.run.Status.Terminal() {
		rs.mu.Unlock()
		return
	}
	rs.run.Status = status
	rs.run.Error = errMsg
	rs.mu.Unlock()

	s.deltas.Discard(rs.run.ID)
	s.gate.Discard(rs.run.ID)

	if _, err := s.bus.Publish(ctx, rs.run.ID, v1.EventRunStatus, v1.StatusPayload{Status: status, Error: errMsg}); err != nil {
		s.logger.Warn(ctx, "failed to publish terminal run.status", zap.Error(err))
	}
	s.bus.Close(ctx, rs.run.ID)

	if s.finishedCounter != nil {
		s.finishedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
	}
	s.logger.Info(ctx, "run finished",
		zap.String("run_id", rs.run.ID),
		zap.String("status", string(status)))
}
