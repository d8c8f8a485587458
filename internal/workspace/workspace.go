// Package workspace tracks the workspaces that own specs and runs.
package workspace

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/forged/internal/specstore"
	v1 "github.com/fyrsmithlabs/forged/pkg/api/v1"
)

// Workspace is an identity owning one versioned spec and its runs.
type Workspace struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Registry creates and resolves workspaces.
type Registry struct {
	specs *specstore.Store

	mu         sync.RWMutex
	workspaces map[string]*Workspace
}

// NewRegistry creates a registry backed by the given spec store.
func NewRegistry(specs *specstore.Store) *Registry {
	return &Registry{
		specs:      specs,
		workspaces: make(map[string]*Workspace),
	}
}

// Create registers a workspace and initializes its spec at version 1.
func (r *Registry) Create(ctx context.Context, name string, initialSpec json.RawMessage) (*Workspace, error) {
	if name == "" {
		return nil, &v1.ValidationError{Reason: "workspace name is required"}
	}

	ws := &Workspace{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}

	if _, err := r.specs.Create(ctx, ws.ID, initialSpec, "workspace created"); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.workspaces[ws.ID] = ws
	r.mu.Unlock()
	return ws, nil
}

// Get resolves a workspace by id.
func (r *Registry) Get(ctx context.Context, id string) (*Workspace, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ws, ok := r.workspaces[id]
	if !ok {
		return nil, &v1.NotFoundError{Kind: "workspace", ID: id}
	}
	return ws, nil
}
