// Package delta tracks proposed but unapplied spec changes awaiting human
// approval. A run owns at most one pending delta at a time; approval
// applies it to the workspace spec atomically, rejection discards it and
// feeds a signal back into the run.
package delta

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/forged/internal/specstore"
	v1 "github.com/fyrsmithlabs/forged/pkg/api/v1"
)

// Delta is an ordered sequence of proposed operations against a spec.
// BaseVersion is the spec version the delta was proposed against; approval
// applies at that version, so any other write landing in between conflicts.
type Delta struct {
	ID          string
	RunID       string
	WorkspaceID string
	Ops         []v1.PatchOp
	BaseVersion int64
	State       v1.DeltaState
	Reason      string
	CreatedAt   time.Time
}

// Queue holds pending deltas keyed by run.
type Queue struct {
	store *specstore.Store

	mu      sync.Mutex
	pending map[string]*Delta
}

// NewQueue creates a queue backed by the given spec store.
func NewQueue(store *specstore.Store) *Queue {
	return &Queue{
		store:   store,
		pending: make(map[string]*Delta),
	}
}

// Propose records a pending delta for the run. A run that already owns a
// pending delta cannot propose another.
func (q *Queue) Propose(ctx context.Context, runID, workspaceID string, ops []v1.PatchOp) (*Delta, error) {
	if len(ops) == 0 {
		return nil, &v1.ValidationError{Reason: "delta requires at least one op"}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.pending[runID]; ok {
		return nil, &v1.ValidationError{Reason: "run already has a pending delta"}
	}

	_, version, err := q.store.Get(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	d := &Delta{
		ID:          uuid.NewString(),
		RunID:       runID,
		WorkspaceID: workspaceID,
		Ops:         ops,
		BaseVersion: version,
		State:       v1.DeltaPending,
		CreatedAt:   time.Now().UTC(),
	}
	q.pending[runID] = d
	return d.copy(), nil
}

// Pending returns the run's pending delta, or nil.
func (q *Queue) Pending(runID string) *Delta {
	q.mu.Lock()
	defer q.mu.Unlock()
	if d, ok := q.pending[runID]; ok {
		return d.copy()
	}
	return nil
}

// Approve applies the pending delta to the workspace spec. When
// modifiedOps is non-empty it is substituted for the proposed list before
// application. The queue lock is held across the commit, so a Reject or
// Discard cannot remove the delta while the patch is in flight; a
// concurrent approve/reject pair resolves to exactly one winner. The
// patch's expected version is the delta's BaseVersion; a ConflictError
// means the spec changed while the delta was pending and is propagated
// for the caller to fail the run. The delta stays pending on any failure.
func (q *Queue) Approve(ctx context.Context, runID string, modifiedOps []v1.PatchOp) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	d, ok := q.pending[runID]
	if !ok {
		return 0, &v1.NotFoundError{Kind: "pending delta", ID: runID}
	}

	ops := d.Ops
	if len(modifiedOps) > 0 {
		ops = modifiedOps
	}

	expected := d.BaseVersion
	applied, err := q.store.Patch(ctx, d.WorkspaceID, ops, &expected, "delta "+d.ID+" approved")
	if err != nil {
		return 0, err
	}

	d.State = v1.DeltaApproved
	d.Ops = ops
	delete(q.pending, runID)
	return applied, nil
}

// Reject marks the pending delta rejected and removes it. Nothing is
// written to the spec store; rejection is a signal, not a failure.
func (q *Queue) Reject(ctx context.Context, runID, reason string) (*Delta, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	d, ok := q.pending[runID]
	if !ok {
		return nil, &v1.NotFoundError{Kind: "pending delta", ID: runID}
	}
	d.State = v1.DeltaRejected
	d.Reason = reason
	delete(q.pending, runID)
	return d.copy(), nil
}

// Discard drops the run's pending delta without approving or rejecting
// it. Used on cancel; the delta is never applied.
func (q *Queue) Discard(runID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, runID)
}

func (d *Delta) copy() *Delta {
	out := *d
	out.Ops = make([]v1.PatchOp, len(d.Ops))
	copy(out.Ops, d.Ops)
	return &out
}
