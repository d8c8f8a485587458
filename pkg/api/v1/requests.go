package v1

import (
	"encoding/json"
	"time"
)

// CreateWorkspaceRequest is the body for POST /api/v1/workspaces.
type CreateWorkspaceRequest struct {
	Name string          `json:"name"`
	Spec json.RawMessage `json:"spec,omitempty"`
}

// WorkspaceResponse describes a workspace and its current spec version.
type WorkspaceResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	SpecVersion int64     `json:"spec_version"`
	CreatedAt   time.Time `json:"created_at"`
}

// SpecResponse is the body for GET .../spec.
type SpecResponse struct {
	Document json.RawMessage `json:"document"`
	Version  int64           `json:"version"`
}

// ReplaceSpecRequest is the body for PUT .../spec.
type ReplaceSpecRequest struct {
	Document        json.RawMessage `json:"document"`
	ExpectedVersion *int64          `json:"expected_version,omitempty"`
	Notes           string          `json:"notes,omitempty"`
}

// PatchSpecRequest is the body for PATCH .../spec.
type PatchSpecRequest struct {
	Ops             []PatchOp `json:"ops"`
	ExpectedVersion *int64    `json:"expected_version,omitempty"`
	Notes           string    `json:"notes,omitempty"`
}

// WriteSpecResponse reports the version produced by a successful write.
type WriteSpecResponse struct {
	Version int64 `json:"version"`
}

// HistoryEntryResponse is one entry of GET .../spec/history.
type HistoryEntryResponse struct {
	Version  int64           `json:"version"`
	Notes    string          `json:"notes,omitempty"`
	At       time.Time       `json:"at"`
	Snapshot json.RawMessage `json:"snapshot,omitempty"`
}

// RollbackRequest is the body for POST .../spec/rollback.
type RollbackRequest struct {
	TargetVersion int64  `json:"target_version"`
	Notes         string `json:"notes,omitempty"`
}

// StartRunRequest is the body for POST .../runs.
type StartRunRequest struct {
	Prompt string `json:"prompt,omitempty"`
}

// RunResponse describes a run's externally visible state.
type RunResponse struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	Status      RunStatus `json:"status"`
	Progress    int       `json:"progress"`
	Log         []string  `json:"log,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ApproveRequest is the body for POST .../runs/:run/approve. ModifiedOps,
// when present, replaces the proposed operation list before application.
type ApproveRequest struct {
	ModifiedOps []PatchOp `json:"modified_ops,omitempty"`
}

// ApproveResponse reports the spec version the approved delta produced.
type ApproveResponse struct {
	AppliedVersion int64 `json:"applied_version"`
}

// RejectRequest is the body for POST .../runs/:run/reject.
type RejectRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ProvideInputRequest is the body for POST .../runs/:run/input.
type ProvideInputRequest struct {
	Input string `json:"input"`
}

// PendingSelectionResponse describes one unresolved texture selection.
type PendingSelectionResponse struct {
	Entity     string `json:"entity"`
	Candidates int    `json:"candidates"`
}

// SelectRequest is the body for POST .../selections/:entity.
type SelectRequest struct {
	Index int `json:"index"`
}

// ArtifactResponse describes a registered artifact.
type ArtifactResponse struct {
	ID        string            `json:"id"`
	RunID     string            `json:"run_id"`
	Name      string            `json:"name"`
	Size      int64             `json:"size"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// ErrorResponse is the uniform error body for non-2xx responses.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// HealthResponse is the body for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}
