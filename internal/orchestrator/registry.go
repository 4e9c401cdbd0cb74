package orchestrator

import (
	"context"
	"log/slog"
	"sync"

	"github.com/obot-platform/workbench/internal/model"
	"github.com/obot-platform/workbench/internal/store"
)

// Registry hands out the single Orchestrator instance per workspace id,
// creating it lazily from the persisted record.
type Registry struct {
	store  *store.Store
	prov   Provisioner
	logger *slog.Logger
	opts   Options

	mu        sync.Mutex
	instances map[string]*Orchestrator
}

// NewRegistry creates a registry backed by st.
func NewRegistry(st *store.Store, prov Provisioner, logger *slog.Logger, opts Options) *Registry {
	return &Registry{
		store:     st,
		prov:      prov,
		logger:    logger,
		opts:      opts,
		instances: make(map[string]*Orchestrator),
	}
}

// Create makes a new unconfigured workspace and its orchestrator.
func (r *Registry) Create(ctx context.Context, conversationID *string) (*Orchestrator, error) {
	ws := &model.Workspace{
		State:          model.WorkspaceStateUnconfigured,
		ConversationID: conversationID,
	}
	if err := r.store.CreateWorkspace(ctx, ws); err != nil {
		return nil, err
	}

	o := New(ws, r.store, r.prov, r.logger, r.opts)
	r.mu.Lock()
	r.instances[ws.ID] = o
	r.mu.Unlock()
	return o, nil
}

// Get returns the orchestrator for a workspace id, loading the record on
// first use. Returns store.ErrNotFound for unknown ids.
func (r *Registry) Get(ctx context.Context, id string) (*Orchestrator, error) {
	r.mu.Lock()
	if o, ok := r.instances[id]; ok {
		r.mu.Unlock()
		return o, nil
	}
	r.mu.Unlock()

	ws, err := r.store.GetWorkspace(ctx, id)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Another caller may have loaded it while we read the record.
	if o, ok := r.instances[id]; ok {
		return o, nil
	}
	o := New(ws, r.store, r.prov, r.logger, r.opts)
	r.instances[id] = o
	return o, nil
}
