// Package api exposes the HTTP control plane: pipeline registration, run
// triggering, status, cancellation and the dead-letter view.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/metropolis-io/metropolis/internal/core"
)

// Orchestrator is the control-plane surface the handlers depend on.
// The scheduler implements it.
type Orchestrator interface {
	Submit(ctx context.Context, def *core.PipelineDefinition) (string, error)
	Trigger(ctx context.Context, pipelineID string, params json.RawMessage) (*core.Run, error)
	RunStatus(ctx context.Context, runID string) (*core.RunStatus, error)
	CancelRun(ctx context.Context, runID string) (int, error)
	DeadLetters(ctx context.Context, runID string) ([]core.DeadLetterEntry, error)
	Health(ctx context.Context) error
}

// PipelineHandler serves pipeline registration and run triggering.
type PipelineHandler struct {
	orch Orchestrator
}

func NewPipelineHandler(orch Orchestrator) *PipelineHandler {
	return &PipelineHandler{orch: orch}
}

// Create handles POST /api/v1/pipelines.
func (h *PipelineHandler) Create(w http.ResponseWriter, r *http.Request) {
	var def core.PipelineDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		WriteError(w, http.StatusBadRequest, core.NewValidationError("Request body is not valid JSON.", nil))
		return
	}

	id, err := h.orch.Submit(r.Context(), &def)
	if err != nil {
		RespondError(w, err)
		return
	}

	w.Header().Set("Location", "/api/v1/pipelines/"+id)
	WriteJSON(w, http.StatusCreated, map[string]any{
		"pipeline_id": id,
		"name":        def.Name,
	})
}

// Trigger handles POST /api/v1/pipelines/{id}/runs.
func (h *PipelineHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	pipelineID := chi.URLParam(r, "id")

	var req struct {
		Parameters json.RawMessage `json:"parameters,omitempty"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, core.NewValidationError("Request body is not valid JSON.", nil))
			return
		}
	}

	run, err := h.orch.Trigger(r.Context(), pipelineID, req.Parameters)
	if err != nil {
		RespondError(w, err)
		return
	}

	w.Header().Set("Location", "/api/v1/runs/"+run.ID)
	WriteJSON(w, http.StatusCreated, map[string]any{"run": run})
}

// RunHandler serves run status, cancellation and dead letters.
type RunHandler struct {
	orch Orchestrator
}

func NewRunHandler(orch Orchestrator) *RunHandler {
	return &RunHandler{orch: orch}
}

// Get handles GET /api/v1/runs/{id}.
func (h *RunHandler) Get(w http.ResponseWriter, r *http.Request) {
	status, err := h.orch.RunStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"run": status})
}

// Cancel handles POST /api/v1/runs/{id}/cancel.
func (h *RunHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	cancelled, err := h.orch.CancelRun(r.Context(), runID)
	if err != nil {
		RespondError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"run_id":    runID,
		"cancelled": cancelled,
	})
}

// DeadLetters handles GET /api/v1/runs/{id}/dead-letters.
func (h *RunHandler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	entries, err := h.orch.DeadLetters(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, err)
		return
	}
	if entries == nil {
		entries = []core.DeadLetterEntry{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"dead_letters": entries,
		"count":        len(entries),
	})
}

// SystemHandler serves health and version endpoints.
type SystemHandler struct {
	orch Orchestrator
}

func NewSystemHandler(orch Orchestrator) *SystemHandler {
	return &SystemHandler{orch: orch}
}

// Health handles GET /healthz.
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.Health(r.Context()); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":  "degraded",
			"version": core.Version,
		})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": core.Version,
	})
}
