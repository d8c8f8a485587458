// Package specstore holds the versioned spec document for each workspace.
//
// Every successful write increments the version by exactly one and appends
// one history entry. Writes carrying an expected version are rejected with
// a ConflictError when the store has moved on; the store never merges.
// Rollback produces a new version whose content equals a historical
// snapshot; history itself is never rewritten.
package specstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	v1 "github.com/fyrsmithlabs/forged/pkg/api/v1"
	"github.com/fyrsmithlabs/forged/internal/logging"
)

// HistoryEntry records one committed version of a workspace spec.
type HistoryEntry struct {
	Version  int64
	Snapshot json.RawMessage
	Notes    string
	At       time.Time
}

// Store is an in-memory versioned spec store. The logical data model is
// the contract; a persistent engine can replace this behind the same
// methods.
type Store struct {
	logger *logging.Logger

	mu      sync.RWMutex
	entries map[string]*entry
}

// entry holds one workspace's document. Its mutex makes read-version,
// compute, write-if-unchanged a single critical section.
type entry struct {
	mu      sync.Mutex
	doc     json.RawMessage
	version int64
	history []HistoryEntry
}

// New creates an empty store.
func New(logger *logging.Logger) *Store {
	if logger == nil {
		logger = mustNopLogger()
	}
	return &Store{
		logger:  logger.Named("specstore"),
		entries: make(map[string]*entry),
	}
}

func mustNopLogger() *logging.Logger {
	l, err := logging.NewLogger(&logging.Config{Level: "error", Format: "json"})
	if err != nil {
		panic(err)
	}
	return l
}

// Create initializes a workspace's spec at version 1. The document must be
// valid JSON; an empty document defaults to "{}".
func (s *Store) Create(ctx context.Context, workspaceID string, doc json.RawMessage, notes string) (int64, error) {
	if len(doc) == 0 {
		doc = json.RawMessage("{}")
	}
	if !json.Valid(doc) {
		return 0, &v1.ValidationError{Reason: "spec document is not valid JSON"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[workspaceID]; ok {
		return 0, &v1.ValidationError{Reason: fmt.Sprintf("workspace %q already has a spec", workspaceID)}
	}

	e := &entry{doc: cloneRaw(doc), version: 1}
	e.history = append(e.history, HistoryEntry{
		Version:  1,
		Snapshot: cloneRaw(doc),
		Notes:    notes,
		At:       time.Now().UTC(),
	})
	s.entries[workspaceID] = e

	writesTotal.WithLabelValues("create").Inc()
	s.logger.Debug(ctx, "spec created", zap.String("workspace_id", workspaceID))
	return 1, nil
}

// Get returns the current document and version.
func (s *Store) Get(ctx context.Context, workspaceID string) (json.RawMessage, int64, error) {
	e, err := s.entry(workspaceID)
	if err != nil {
		return nil, 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneRaw(e.doc), e.version, nil
}

// Replace swaps the whole document. expectedVersion, when non-nil, must
// match the current version or the write fails with a ConflictError.
func (s *Store) Replace(ctx context.Context, workspaceID string, doc json.RawMessage, expectedVersion *int64, notes string) (int64, error) {
	if !json.Valid(doc) {
		return 0, &v1.ValidationError{Reason: "spec document is not valid JSON"}
	}

	e, err := s.entry(workspaceID)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkVersion(expectedVersion); err != nil {
		return 0, err
	}

	e.commit(cloneRaw(doc), notes)
	writesTotal.WithLabelValues("replace").Inc()
	s.logger.Debug(ctx, "spec replaced",
		zap.String("workspace_id", workspaceID),
		zap.Int64("version", e.version))
	return e.version, nil
}

// Patch applies ops atomically: either all succeed and the version
// increments by one, or none are applied and the failing op is named in
// the returned ValidationError.
func (s *Store) Patch(ctx context.Context, workspaceID string, ops []v1.PatchOp, expectedVersion *int64, notes string) (int64, error) {
	if len(ops) == 0 {
		return 0, &v1.ValidationError{Reason: "patch requires at least one op"}
	}

	e, err := s.entry(workspaceID)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkVersion(expectedVersion); err != nil {
		return 0, err
	}

	// Work on a copy so a failing op leaves the document untouched.
	doc := cloneRaw(e.doc)
	for _, op := range ops {
		doc, err = applyOp(doc, op)
		if err != nil {
			writesTotal.WithLabelValues("patch_failed").Inc()
			return 0, err
		}
	}

	e.commit(doc, notes)
	writesTotal.WithLabelValues("patch").Inc()
	s.logger.Debug(ctx, "spec patched",
		zap.String("workspace_id", workspaceID),
		zap.Int("ops", len(ops)),
		zap.Int64("version", e.version))
	return e.version, nil
}

// Preview applies ops to a copy of the current document without
// committing. Used to show what a proposed delta would produce.
func (s *Store) Preview(ctx context.Context, workspaceID string, ops []v1.PatchOp) (json.RawMessage, error) {
	e, err := s.entry(workspaceID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	doc := cloneRaw(e.doc)
	e.mu.Unlock()

	for _, op := range ops {
		doc, err = applyOp(doc, op)
		if err != nil {
			return nil, err
		}
	}
	return doc, nil
}

// History returns the ordered version history, oldest first.
func (s *Store) History(ctx context.Context, workspaceID string) ([]HistoryEntry, error) {
	e, err := s.entry(workspaceID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]HistoryEntry, len(e.history))
	for i, h := range e.history {
		out[i] = HistoryEntry{
			Version:  h.Version,
			Snapshot: cloneRaw(h.Snapshot),
			Notes:    h.Notes,
			At:       h.At,
		}
	}
	return out, nil
}

// Rollback creates a new version whose content equals the snapshot at
// targetVersion. Rolling back to an unknown version fails with a
// NotFoundError.
func (s *Store) Rollback(ctx context.Context, workspaceID string, targetVersion int64, notes string) (int64, error) {
	e, err := s.entry(workspaceID)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var snapshot json.RawMessage
	for _, h := range e.history {
		if h.Version == targetVersion {
			snapshot = h.Snapshot
			break
		}
	}
	if snapshot == nil {
		return 0, &v1.NotFoundError{Kind: "spec version", ID: fmt.Sprintf("%d", targetVersion)}
	}

	if notes == "" {
		notes = fmt.Sprintf("rollback to version %d", targetVersion)
	}
	e.commit(cloneRaw(snapshot), notes)
	writesTotal.WithLabelValues("rollback").Inc()
	s.logger.Info(ctx, "spec rolled back",
		zap.String("workspace_id", workspaceID),
		zap.Int64("target_version", targetVersion),
		zap.Int64("version", e.version))
	return e.version, nil
}

func (s *Store) entry(workspaceID string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[workspaceID]
	if !ok {
		return nil, &v1.NotFoundError{Kind: "workspace", ID: workspaceID}
	}
	return e, nil
}

// checkVersion enforces optimistic concurrency. Callers hold e.mu.
func (e *entry) checkVersion(expected *int64) error {
	if expected != nil && *expected != e.version {
		conflictsTotal.Inc()
		return &v1.ConflictError{Expected: *expected, Actual: e.version}
	}
	return nil
}

// commit installs doc as the next version and appends one history entry.
// Callers hold e.mu.
func (e *entry) commit(doc json.RawMessage, notes string) {
	e.doc = doc
	e.version++
	e.history = append(e.history, HistoryEntry{
		Version:  e.version,
		Snapshot: cloneRaw(doc),
		Notes:    notes,
		At:       time.Now().UTC(),
	})
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}
