// Package v1 defines the wire-stable types shared between the forged
// daemon and its clients: run statuses, event envelopes, patch operations,
// and the error taxonomy surfaced by the HTTP API.
package v1

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of a generation run.
type RunStatus string

const (
	RunQueued            RunStatus = "queued"
	RunAnalyzing         RunStatus = "analyzing"
	RunGenerating        RunStatus = "generating"
	RunGeneratingImages  RunStatus = "generating_images"
	RunAwaitingApproval  RunStatus = "awaiting_approval"
	RunAwaitingInput     RunStatus = "awaiting_input"
	RunAwaitingSelection RunStatus = "awaiting_image_selection"
	RunSucceeded         RunStatus = "succeeded"
	RunFailed            RunStatus = "failed"
	RunCanceled          RunStatus = "canceled"
	RunRejected          RunStatus = "rejected"
)

// Terminal reports whether the status is a final state. A run is immutable
// once terminal.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCanceled, RunRejected:
		return true
	}
	return false
}

// EventType identifies an entry in a run's event journal.
type EventType string

const (
	EventRunStatus         EventType = "run.status"
	EventRunProgress       EventType = "run.progress"
	EventLogAppend         EventType = "log.append"
	EventSpecPreview       EventType = "spec.preview"
	EventSpecSaved         EventType = "spec.saved"
	EventAwaitingApproval  EventType = "run.awaiting_approval"
	EventAwaitingInput     EventType = "run.awaiting_input"
	EventArtifactCreated   EventType = "artifact.created"
	EventSelectionRequired EventType = "texture.selection_required"
	EventTextureSelected   EventType = "texture.selected"
	EventError             EventType = "error"
)

// Event is one immutable entry in a run's append-only journal. Seq is
// strictly increasing and gap-free per run; clients resume a live feed
// with from = lastSeen+1.
type Event struct {
	RunID   string          `json:"run_id"`
	Seq     uint64          `json:"seq"`
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	At      time.Time       `json:"at"`
}

// PatchOpKind enumerates the supported spec mutations.
type PatchOpKind string

const (
	OpAdd     PatchOpKind = "add"
	OpReplace PatchOpKind = "replace"
	OpRemove  PatchOpKind = "remove"
	OpAppend  PatchOpKind = "append"
)

// PatchOp is a single mutation against a workspace spec document. Path is
// dot-separated (for example "blocks.ore_block.hardness"). Value is required
// for add, replace, and append.
type PatchOp struct {
	Op    PatchOpKind     `json:"op"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

// StatusPayload is the payload of a run.status event.
type StatusPayload struct {
	Status RunStatus `json:"status"`
	Error  string    `json:"error,omitempty"`
}

// ProgressPayload is the payload of a run.progress event.
type ProgressPayload struct {
	Percent int `json:"percent"`
}

// LogPayload is the payload of a log.append event.
type LogPayload struct {
	Line string `json:"line"`
}

// SpecSavedPayload is the payload of a spec.saved event.
type SpecSavedPayload struct {
	Version int64 `json:"version"`
}

// ApprovalPayload is the payload of a run.awaiting_approval event.
type ApprovalPayload struct {
	DeltaID string    `json:"delta_id"`
	Ops     []PatchOp `json:"ops"`
}

// SelectionRequiredPayload is the payload of a texture.selection_required event.
type SelectionRequiredPayload struct {
	Entity     string `json:"entity"`
	Candidates int    `json:"candidates"`
}

// SelectedPayload is the payload of a texture.selected event.
type SelectedPayload struct {
	Entity string `json:"entity"`
	Index  int    `json:"index"`
}

// ArtifactPayload is the payload of an artifact.created event.
type ArtifactPayload struct {
	ArtifactID string `json:"artifact_id"`
	Name       string `json:"name"`
	Size       int64  `json:"size"`
}

// DeltaState tags a proposed spec change through the approval workflow.
type DeltaState string

const (
	DeltaPending  DeltaState = "pending"
	DeltaApproved DeltaState = "approved"
	DeltaRejected DeltaState = "rejected"
)
