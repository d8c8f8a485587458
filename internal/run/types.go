// Package run drives generation runs through their lifecycle: a worker
// goroutine per run executes external generation steps, publishes events,
// and pauses at approval and selection gates until a human calls back in.
package run

import (
	"context"
	"encoding/json"
	"time"

	v1 "github.com/fyrsmithlabs/forged/pkg/api/v1"
)

// Phase is one executable stage of a run.
type Phase string

const (
	// PhaseAnalyze interprets the prompt against the current spec.
	PhaseAnalyze Phase = "analyzing"

	// PhaseGenerate emits source-level changes and spec deltas.
	PhaseGenerate Phase = "generating"

	// PhaseImages synthesizes texture candidates for entities.
	PhaseImages Phase = "generating_images"
)

// AllPhases returns the phases in execution order.
func AllPhases() []Phase {
	return []Phase{PhaseAnalyze, PhaseGenerate, PhaseImages}
}

// status returns the run status a phase reports while executing.
func (p Phase) status() v1.RunStatus {
	switch p {
	case PhaseAnalyze:
		return v1.RunAnalyzing
	case PhaseGenerate:
		return v1.RunGenerating
	default:
		return v1.RunGeneratingImages
	}
}

// Run is the externally visible state of one generation run. It is
// immutable once Status is terminal.
type Run struct {
	ID          string
	WorkspaceID string
	Status      v1.RunStatus
	Progress    int
	Log         []string
	Error       string
	CreatedAt   time.Time
}

// StepContext is the input handed to the generation collaborator for one
// phase. Spec is a snapshot taken at phase entry.
type StepContext struct {
	RunID       string
	WorkspaceID string
	Phase       Phase
	Prompt      string
	Input       string
	Spec        json.RawMessage
	SpecVersion int64

	// RejectedReason is set when the phase is re-entered after a human
	// rejected the delta it proposed. The step must handle it: propose
	// again, continue without the change, or abandon.
	RejectedReason string
}

// CandidateSet is a generated texture candidate list for one entity.
type CandidateSet struct {
	Entity   string
	Variants [][]byte
}

// ArtifactSpec is a build output produced by a step, registered only when
// the run succeeds.
type ArtifactSpec struct {
	Name     string
	Content  []byte
	Metadata map[string]string
}

// StepResult is the contract a generation step returns to the core.
type StepResult struct {
	// Logs are human-readable lines appended to the run log.
	Logs []string

	// Progress is the step's own completion estimate in [0,100] for its
	// phase; the supervisor clamps the run progress monotonic.
	Progress int

	// DeltaOps, when non-empty, proposes spec changes that need approval
	// before the run continues.
	DeltaOps []v1.PatchOp

	// NeedsInput, when non-empty, pauses the run with a question; the
	// answer arrives via ProvideInput and is handed to the next phase.
	NeedsInput string

	// Candidates are texture variants requiring a human choice.
	Candidates []CandidateSet

	// Artifacts are outputs to register on success.
	Artifacts []ArtifactSpec

	// Abandon ends the run with a terminal rejected status. Only
	// meaningful when the step was re-entered with a RejectedReason.
	Abandon bool
}

// StepRunner is the external generation engine. It is invoked
// synchronously once per phase and may fail with a typed error.
type StepRunner interface {
	RunStep(ctx context.Context, sc StepContext) (*StepResult, error)
}
