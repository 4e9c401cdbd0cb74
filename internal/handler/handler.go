// Package handler exposes the control-plane HTTP API: workspace lifecycle
// operations, the sandbox tunnel endpoint, and the edge-side control and
// proxy sockets.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/obot-platform/workbench/internal/model"
	"github.com/obot-platform/workbench/internal/orchestrator"
	"github.com/obot-platform/workbench/internal/store"
)

// Handler carries the dependencies for all HTTP handlers.
type Handler struct {
	registry *orchestrator.Registry
	store    *store.Store
	logger   *slog.Logger
}

// New creates a Handler.
func New(registry *orchestrator.Registry, st *store.Store, logger *slog.Logger) *Handler {
	return &Handler{
		registry: registry,
		store:    st,
		logger:   logger.With("component", "handler"),
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]string{"error": err.Error()})
}

// lookup resolves the {workspaceId} URL parameter to its orchestrator.
func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) *orchestrator.Orchestrator {
	id := chi.URLParam(r, "workspaceId")
	o, err := h.registry.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, errors.New("workspace not found"))
		} else {
			respondError(w, http.StatusInternalServerError, err)
		}
		return nil
	}
	return o
}

type createWorkspaceRequest struct {
	ConversationID *string `json:"conversation_id,omitempty"`
}

// CreateWorkspace makes a new unconfigured workspace.
func (h *Handler) CreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var req createWorkspaceRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, err)
			return
		}
	}

	o, err := h.registry.Create(r.Context(), req.ConversationID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusCreated, o.Workspace())
}

// GetWorkspace returns the workspace record.
func (h *Handler) GetWorkspace(w http.ResponseWriter, r *http.Request) {
	o := h.lookup(w, r)
	if o == nil {
		return
	}
	respondJSON(w, http.StatusOK, o.Workspace())
}

// ListWorkspaces returns every workspace record.
func (h *Handler) ListWorkspaces(w http.ResponseWriter, r *http.Request) {
	workspaces, err := h.store.ListWorkspaces(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, workspaces)
}

type configureWorkspaceRequest struct {
	Provisioner json.RawMessage     `json:"provisioner"`
	Cleanup     model.CleanupPolicy `json:"cleanup"`
}

// ConfigureWorkspace records the provisioning descriptor. One-shot.
func (h *Handler) ConfigureWorkspace(w http.ResponseWriter, r *http.Request) {
	o := h.lookup(w, r)
	if o == nil {
		return
	}

	var req configureWorkspaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	if err := o.Configure(r.Context(), req.Provisioner, req.Cleanup); err != nil {
		respondError(w, http.StatusConflict, err)
		return
	}
	respondJSON(w, http.StatusOK, o.Workspace())
}

// StartWorkspace asks the orchestrator to provision the sandbox.
func (h *Handler) StartWorkspace(w http.ResponseWriter, r *http.Request) {
	o := h.lookup(w, r)
	if o == nil {
		return
	}
	if err := o.Start(r.Context()); err != nil {
		respondError(w, http.StatusConflict, err)
		return
	}
	respondJSON(w, http.StatusAccepted, o.Workspace())
}

// StopWorkspace asks the orchestrator to tear the sandbox down.
func (h *Handler) StopWorkspace(w http.ResponseWriter, r *http.Request) {
	o := h.lookup(w, r)
	if o == nil {
		return
	}
	if err := o.Stop(r.Context()); err != nil {
		respondError(w, http.StatusConflict, err)
		return
	}
	respondJSON(w, http.StatusAccepted, o.Workspace())
}

// DeleteWorkspace releases the workspace's resources. The record is kept
// for diagnostics.
func (h *Handler) DeleteWorkspace(w http.ResponseWriter, r *http.Request) {
	o := h.lookup(w, r)
	if o == nil {
		return
	}
	if err := o.Delete(r.Context()); err != nil {
		respondError(w, http.StatusConflict, err)
		return
	}
	respondJSON(w, http.StatusAccepted, o.Workspace())
}

// ProxyHTTP translates a plain HTTP request into a proxy call through the
// workspace's sandbox.
func (h *Handler) ProxyHTTP(w http.ResponseWriter, r *http.Request) {
	o := h.lookup(w, r)
	if o == nil {
		return
	}
	o.ServeProxy(w, r)
}
