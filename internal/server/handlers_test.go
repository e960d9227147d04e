// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noldarim/flowmill/internal/config"
	"github.com/noldarim/flowmill/internal/engine"
	"github.com/noldarim/flowmill/internal/engine/database"
	"github.com/noldarim/flowmill/internal/engine/models"
	"github.com/noldarim/flowmill/internal/engine/services"
	"github.com/noldarim/flowmill/internal/engine/validate"
)

// apiHarness drives the assembled router through httptest without a
// listening socket.
type apiHarness struct {
	t   *testing.T
	eng *engine.Engine
	srv *Server
}

func newAPIHarness(t *testing.T) *apiHarness {
	cfg := database.WithInMemoryConfig()
	eng, err := engine.New(cfg, engine.Options{})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		eng.Shutdown(ctx)
	})

	srv := New(&config.ServerConfig{Host: "127.0.0.1", Port: 0}, eng)
	return &apiHarness{t: t, eng: eng, srv: srv}
}

func (h *apiHarness) do(method, path string, body any) *httptest.ResponseRecorder {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(h.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func apiPipeline() *models.Pipeline {
	return &models.Pipeline{
		ID:   "pl-api",
		Name: "api passthrough",
		Steps: []models.Step{
			{ID: "in", Kind: models.StepKindInput, Config: map[string]any{"name": "payload"}},
			{ID: "out", Name: "result", Kind: models.StepKindOutput},
		},
		Connections: []models.Connection{
			{ID: "c1", Source: models.PortRef{StepID: "in", Port: "value"}, Target: models.PortRef{StepID: "out", Port: "data"}},
		},
	}
}

func TestHealthz(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestPipelineCRUD(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(http.MethodPost, "/api/v1/pipelines", apiPipeline())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(http.MethodGet, "/api/v1/pipelines/pl-api", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[models.Pipeline](t, rec)
	assert.Equal(t, "api passthrough", got.Name)
	assert.Len(t, got.Steps, 2)

	rec = h.do(http.MethodPost, "/api/v1/pipelines/pl-api/validate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decodeBody[validate.Result](t, rec)
	assert.True(t, res.Valid)

	rec = h.do(http.MethodGet, "/api/v1/pipelines/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(http.MethodDelete, "/api/v1/pipelines/pl-api", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(http.MethodGet, "/api/v1/pipelines/pl-api", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreatePipelineRejectsInvalid(t *testing.T) {
	h := newAPIHarness(t)

	p := apiPipeline()
	// Break the graph: connection target that does not exist.
	p.Connections[0].Target.StepID = "ghost"

	rec := h.do(http.MethodPost, "/api/v1/pipelines", p)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	res := decodeBody[validate.Result](t, rec)
	assert.False(t, res.Valid)
	assert.NotEmpty(t, res.Errors)

	// Nothing was stored.
	rec = h.do(http.MethodGet, "/api/v1/pipelines/pl-api", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunLifecycleOverAPI(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(http.MethodPost, "/api/v1/pipelines", apiPipeline())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(http.MethodPost, "/api/v1/runs", map[string]any{
		"pipeline_id": "pl-api",
		"variables":   map[string]any{"payload": "ping"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	submitted := decodeBody[services.SubmitResult](t, rec)
	require.NotEmpty(t, submitted.RunID)

	var view services.RunView
	require.Eventually(t, func() bool {
		rec := h.do(http.MethodGet, "/api/v1/runs/"+submitted.RunID, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		view = decodeBody[services.RunView](t, rec)
		return view.State == models.RunStateSucceeded.String()
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "ping", view.Outputs["result"])

	rec = h.do(http.MethodGet, "/api/v1/runs/"+submitted.RunID+"/steps", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	steps := decodeBody[map[string][]services.StepRunView](t, rec)
	assert.Len(t, steps["steps"], 2)

	// Cancel after the fact stays a 200 no-op.
	rec = h.do(http.MethodPost, "/api/v1/runs/"+submitted.RunID+"/cancel", map[string]string{"reason": "late"})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSubmitRunErrors(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(http.MethodPost, "/api/v1/runs", map[string]any{})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodPost, "/api/v1/runs", map[string]any{"pipeline_id": "missing"})
	require.Equal(t, http.StatusNotFound, rec.Code)

	// Inline definition with a validation error surfaces the issues.
	p := apiPipeline()
	p.Connections[0].Source.StepID = "ghost"
	rec = h.do(http.MethodPost, "/api/v1/runs", map[string]any{"definition": p})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	res := decodeBody[validate.Result](t, rec)
	assert.False(t, res.Valid)
}

func TestCancelUnknownRun(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(http.MethodPost, "/api/v1/runs/nope/cancel", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
