package v1

import "fmt"

// ValidationError reports a malformed patch operation or request. It is
// returned before any mutation; the caller can retry with corrected input.
type ValidationError struct {
	Op     string
	Path   string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("validation: %s", e.Reason)
	}
	return fmt.Sprintf("validation: op %q at %q: %s", e.Op, e.Path, e.Reason)
}

// ConflictError reports a stale expectedVersion on a spec write. Callers
// re-read and retry, except during delta approval where the conflict is
// fatal to the run.
type ConflictError struct {
	Expected int64
	Actual   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict: expected %d, store at %d", e.Expected, e.Actual)
}

// NotFoundError reports an unknown workspace, run, entity, artifact, or
// spec version.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// RangeError reports a selection index outside the candidate list.
type RangeError struct {
	Index int
	Len   int
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("index %d out of range [0,%d)", e.Index, e.Len)
}

// GenerationError wraps a failure from an external generation step. It
// transitions the owning run to failed and is never retried by the core.
type GenerationError struct {
	Phase string
	Err   error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation step %q failed: %v", e.Phase, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }
