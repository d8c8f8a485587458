// Package selection holds, per run, the entity candidate lists awaiting a
// human choice. Entries exist only while unresolved; selecting removes the
// entry, and regeneration swaps the candidate list in place under the same
// entity key, superseding any unresolved prior generation.
package selection

import (
	"context"
	"fmt"
	"sort"
	"sync"

	v1 "github.com/fyrsmithlabs/forged/pkg/api/v1"
)

// Entry is one unresolved selection: an entity and its ordered candidate
// variants (opaque blobs, position = index).
type Entry struct {
	Entity     string
	Candidates [][]byte
}

// Regenerator produces a fresh candidate set for an entity. It is the
// external image-generation collaborator; the gate only stores results.
type Regenerator interface {
	Regenerate(ctx context.Context, runID, entity string) ([][]byte, error)
}

// Gate tracks pending selections for all runs.
type Gate struct {
	mu      sync.Mutex
	pending map[string]map[string]*Entry
}

// NewGate creates an empty gate.
func NewGate() *Gate {
	return &Gate{pending: make(map[string]map[string]*Entry)}
}

// Request records candidates for an entity and marks it pending. A second
// request for the same entity replaces the candidate list in place.
func (g *Gate) Request(ctx context.Context, runID, entity string, candidates [][]byte) error {
	if entity == "" {
		return &v1.ValidationError{Reason: "selection entity is required"}
	}
	if len(candidates) == 0 {
		return &v1.ValidationError{Reason: fmt.Sprintf("no candidates for entity %q", entity)}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	entries, ok := g.pending[runID]
	if !ok {
		entries = make(map[string]*Entry)
		g.pending[runID] = entries
	}
	entries[entity] = &Entry{Entity: entity, Candidates: candidates}
	return nil
}

// Select resolves an entity by candidate index, removes its entry, and
// returns the chosen blob plus the number of entries still pending for
// the run. An out-of-range index leaves the entry untouched.
func (g *Gate) Select(ctx context.Context, runID, entity string, index int) ([]byte, int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	entries, ok := g.pending[runID]
	if !ok {
		return nil, 0, &v1.NotFoundError{Kind: "selection entity", ID: entity}
	}
	entry, ok := entries[entity]
	if !ok {
		return nil, len(entries), &v1.NotFoundError{Kind: "selection entity", ID: entity}
	}
	if index < 0 || index >= len(entry.Candidates) {
		return nil, len(entries), &v1.RangeError{Index: index, Len: len(entry.Candidates)}
	}

	chosen := entry.Candidates[index]
	delete(entries, entity)
	if len(entries) == 0 {
		delete(g.pending, runID)
	}
	return chosen, len(entries), nil
}

// Regenerate invokes the collaborator and swaps the entity's candidates in
// place. The entity stays pending; a prior unresolved choice is superseded
// by replacement, not duplicated.
func (g *Gate) Regenerate(ctx context.Context, runID, entity string, regen Regenerator) ([][]byte, error) {
	g.mu.Lock()
	entries, ok := g.pending[runID]
	if ok {
		_, ok = entries[entity]
	}
	g.mu.Unlock()
	if !ok {
		return nil, &v1.NotFoundError{Kind: "selection entity", ID: entity}
	}

	// The external call runs without the lock; the swap below re-checks
	// that the entry still exists.
	candidates, err := regen.Regenerate(ctx, runID, entity)
	if err != nil {
		return nil, &v1.GenerationError{Phase: "regenerate", Err: err}
	}
	if len(candidates) == 0 {
		return nil, &v1.GenerationError{Phase: "regenerate", Err: fmt.Errorf("collaborator returned no candidates for %q", entity)}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	entries, ok = g.pending[runID]
	if !ok {
		return nil, &v1.NotFoundError{Kind: "selection entity", ID: entity}
	}
	entry, ok := entries[entity]
	if !ok {
		return nil, &v1.NotFoundError{Kind: "selection entity", ID: entity}
	}
	entry.Candidates = candidates
	return candidates, nil
}

// Pending returns the run's unresolved entries ordered by entity for
// stable output.
func (g *Gate) Pending(runID string) []Entry {
	g.mu.Lock()
	defer g.mu.Unlock()

	entries := g.pending[runID]
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entity < out[j].Entity })
	return out
}

// PendingCount returns the number of unresolved entities for the run.
func (g *Gate) PendingCount(runID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending[runID])
}

// Discard drops all pending entries for a run without resolving them.
// Used on cancel.
func (g *Gate) Discard(runID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.pending, runID)
}
