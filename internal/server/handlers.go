// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/noldarim/flowmill/internal/engine"
	"github.com/noldarim/flowmill/internal/engine/fault"
	"github.com/noldarim/flowmill/internal/engine/models"
	"github.com/noldarim/flowmill/internal/engine/services"
	"github.com/noldarim/flowmill/internal/engine/validate"
)

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	engine *engine.Engine
}

// NewHandlers creates the handler set.
func NewHandlers(eng *engine.Engine) *Handlers {
	return &Handlers{engine: eng}
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		getLog().Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError maps engine errors onto HTTP statuses: invalid pipelines
// are 422 with the full issue list, NOT_FOUND is 404, everything else
// is 500.
func writeError(w http.ResponseWriter, err error) {
	var verr *services.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusUnprocessableEntity, verr.Result)
		return
	}
	if fault.CodeOf(err) == fault.CodeNotFound {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

// --- pipeline handlers ---

// savePipelineResponse pairs the stored definition with any validation
// warnings it carries.
type savePipelineResponse struct {
	Pipeline *models.Pipeline `json:"pipeline"`
	Warnings []validate.Issue `json:"warnings,omitempty"`
}

// CreatePipeline handles POST /api/v1/pipelines. Invalid definitions
// are rejected with the full validation result; warnings are stored
// and echoed back.
func (h *Handlers) CreatePipeline(w http.ResponseWriter, r *http.Request) {
	var p models.Pipeline
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON body"})
		return
	}
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "id is required"})
		return
	}

	res := validate.Validate(&p)
	if !res.Valid {
		writeJSON(w, http.StatusUnprocessableEntity, res)
		return
	}
	if err := h.engine.DB().SavePipeline(r.Context(), &p); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, savePipelineResponse{Pipeline: &p, Warnings: res.Warnings})
}

// GetPipelines handles GET /api/v1/pipelines
func (h *Handlers) GetPipelines(w http.ResponseWriter, r *http.Request) {
	records, err := h.engine.DB().ListPipelines(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pipelines": records})
}

// GetPipeline handles GET /api/v1/pipelines/{id}
func (h *Handlers) GetPipeline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := h.engine.DB().GetPipeline(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if p == nil {
		writeError(w, fault.NotFound("pipeline", id))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// DeletePipeline handles DELETE /api/v1/pipelines/{id}
func (h *Handlers) DeletePipeline(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.DB().DeletePipeline(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ValidatePipeline handles POST /api/v1/pipelines/{id}/validate. The
// result is 200 either way; Valid tells the caller what it needs.
func (h *Handlers) ValidatePipeline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := h.engine.DB().GetPipeline(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if p == nil {
		writeError(w, fault.NotFound("pipeline", id))
		return
	}
	writeJSON(w, http.StatusOK, validate.Validate(p))
}

// --- run handlers ---

// submitRunRequest is the JSON body for run submission. Exactly one of
// pipeline_id and definition must be set.
type submitRunRequest struct {
	PipelineID string              `json:"pipeline_id,omitempty"`
	Definition *models.Pipeline    `json:"definition,omitempty"`
	Variables  map[string]any      `json:"variables,omitempty"`
	Options    services.RunOptions `json:"options"`
	CreatedBy  string              `json:"created_by,omitempty"`
}

// SubmitRun handles POST /api/v1/runs. Accepted submissions return 202
// with the run id; execution continues in the background and progress
// streams over /ws.
func (h *Handlers) SubmitRun(w http.ResponseWriter, r *http.Request) {
	var body submitRunRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON body"})
		return
	}
	if body.PipelineID == "" && body.Definition == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "pipeline_id or definition is required"})
		return
	}

	result, err := h.engine.SubmitRun(r.Context(), services.SubmitParams{
		PipelineID:       body.PipelineID,
		Definition:       body.Definition,
		InitialVariables: body.Variables,
		Options:          body.Options,
		CreatedBy:        body.CreatedBy,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

// GetRuns handles GET /api/v1/runs?pipeline_id=&limit=
func (h *Handlers) GetRuns(w http.ResponseWriter, r *http.Request) {
	const maxLimit = 500
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > maxLimit {
				limit = maxLimit
			}
		}
	}
	runs, err := h.engine.Runs().ListRuns(r.Context(), r.URL.Query().Get("pipeline_id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// GetRun handles GET /api/v1/runs/{runId}
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	view, err := h.engine.GetRun(r.Context(), chi.URLParam(r, "runId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// cancelRunRequest is the JSON body for run cancellation.
type cancelRunRequest struct {
	Reason string `json:"reason,omitempty"`
}

// CancelRun handles POST /api/v1/runs/{runId}/cancel. Cancelling a
// terminal run is a no-op and still returns 200.
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")
	var body cancelRunRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
			return
		}
	}

	if err := h.engine.Cancel(r.Context(), runID, body.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

// GetRunSteps handles GET /api/v1/runs/{runId}/steps
func (h *Handlers) GetRunSteps(w http.ResponseWriter, r *http.Request) {
	steps, err := h.engine.Runs().ListStepRuns(r.Context(), chi.URLParam(r, "runId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"steps": steps})
}

// GetStepLogs handles GET /api/v1/runs/{runId}/steps/{stepId}/logs
func (h *Handlers) GetStepLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := h.engine.Runs().StepLogs(r.Context(), chi.URLParam(r, "runId"), chi.URLParam(r, "stepId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

// GetRunEvents handles GET /api/v1/runs/{runId}/events, replaying the
// recorded event history for clients that connected late.
func (h *Handlers) GetRunEvents(w http.ResponseWriter, r *http.Request) {
	evs, err := h.engine.DB().ListStepEvents(r.Context(), chi.URLParam(r, "runId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}
