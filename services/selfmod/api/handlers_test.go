// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/AleutianAI/selfmod/services/selfmod/events"
	"github.com/AleutianAI/selfmod/services/selfmod/orchestrator"
	"github.com/AleutianAI/selfmod/services/selfmod/plan"
	"github.com/AleutianAI/selfmod/services/selfmod/policy"
	"github.com/AleutianAI/selfmod/services/selfmod/sandbox"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const greetPlan = `{"name":"greet","edits":[{"target":"app.txt","op":"replace","search":"world","replace":"there"}]}`

type fakePipeline struct {
	mu         sync.Mutex
	apply      func(ctx context.Context, p *plan.ModificationPlan) (*orchestrator.ApplyResult, error)
	validate   *policy.Result
	rollbackOK bool
	rolledBack []string
	checkpoint string
	history    []*orchestrator.ApplyResult
	store      orchestrator.HistoryStore
	state      orchestrator.State
	workspace  *sandbox.Workspace
}

func (f *fakePipeline) Apply(ctx context.Context, p *plan.ModificationPlan) (*orchestrator.ApplyResult, error) {
	return f.apply(ctx, p)
}

func (f *fakePipeline) Validate(*plan.ModificationPlan) *policy.Result { return f.validate }

func (f *fakePipeline) Rollback(_ context.Context, ref string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rolledBack = append(f.rolledBack, ref)
	return f.rollbackOK
}

func (f *fakePipeline) Checkpoint(context.Context, string) string { return f.checkpoint }

func (f *fakePipeline) History() []*orchestrator.ApplyResult { return f.history }

func (f *fakePipeline) Result(_ context.Context, runID string) (*orchestrator.ApplyResult, error) {
	for _, r := range f.history {
		if r.RunID == runID {
			return r, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", orchestrator.ErrRunNotFound, runID)
}

func (f *fakePipeline) State() orchestrator.State { return f.state }

func (f *fakePipeline) ActiveWorkspace() *sandbox.Workspace { return f.workspace }

func (f *fakePipeline) Store() orchestrator.HistoryStore { return f.store }

func newFake() *fakePipeline {
	return &fakePipeline{
		apply: func(_ context.Context, p *plan.ModificationPlan) (*orchestrator.ApplyResult, error) {
			return &orchestrator.ApplyResult{RunID: orchestrator.NewRunID(), PlanID: p.ID, Success: true}, nil
		},
		validate: &policy.Result{Valid: true},
		state:    orchestrator.StateIdle,
	}
}

func setupTestRouter(p Pipeline, auth *Authenticator) (*gin.Engine, *events.Emitter) {
	emitter := events.NewEmitter()
	router := NewRouter(RouterConfig{
		Handlers: NewHandlers(p, emitter, nil),
		Auth:     auth,
	})
	return router, emitter
}

func do(t *testing.T, router http.Handler, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandlers_HandleHealth(t *testing.T) {
	fake := newFake()
	fake.state = orchestrator.StateVerifying
	fake.workspace = &sandbox.Workspace{ID: "ws-1"}
	router, _ := setupTestRouter(fake, nil)

	w := do(t, router, "GET", "/v1/selfmod/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, ServiceVersion, resp.Version)
	assert.Equal(t, orchestrator.StateVerifying, resp.State)
	assert.Equal(t, "ws-1", resp.Workspace)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestHandlers_HandleValidate(t *testing.T) {
	fake := newFake()
	fake.validate = &policy.Result{
		Valid: false,
		Violations: []policy.Violation{
			{Code: policy.CodeProtectedFile, EditIndex: 0, Target: "LICENSE.txt", Message: "protected"},
		},
	}
	router, _ := setupTestRouter(fake, nil)

	w := do(t, router, "POST", "/v1/selfmod/validate", greetPlan)
	require.Equal(t, http.StatusOK, w.Code)

	var resp ValidateResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.PlanID)
	require.NotNil(t, resp.Result)
	assert.False(t, resp.Valid)
	require.Len(t, resp.Violations, 1)
	assert.Equal(t, policy.CodeProtectedFile, resp.Violations[0].Code)
}

func TestHandlers_HandleApply(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		apply      func(context.Context, *plan.ModificationPlan) (*orchestrator.ApplyResult, error)
		wantStatus int
		wantCode   string
	}{
		{
			name:       "success",
			body:       greetPlan,
			wantStatus: http.StatusOK,
		},
		{
			name: "pipeline failure",
			body: greetPlan,
			apply: func(_ context.Context, p *plan.ModificationPlan) (*orchestrator.ApplyResult, error) {
				return &orchestrator.ApplyResult{RunID: orchestrator.NewRunID(), PlanID: p.ID,
					FailureKind: orchestrator.FailureVerification, Error: "verification failed"}, nil
			},
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name: "busy",
			body: greetPlan,
			apply: func(ctx context.Context, _ *plan.ModificationPlan) (*orchestrator.ApplyResult, error) {
				<-ctx.Done()
				return nil, fmt.Errorf("%w: %v", orchestrator.ErrBusy, ctx.Err())
			},
			wantStatus: http.StatusConflict,
			wantCode:   "BUSY",
		},
		{
			name: "closed",
			body: greetPlan,
			apply: func(context.Context, *plan.ModificationPlan) (*orchestrator.ApplyResult, error) {
				return nil, orchestrator.ErrClosed
			},
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   "SHUTTING_DOWN",
		},
		{
			name:       "malformed plan",
			body:       `{"name":"x","edits":[{"target":"a","op":"rename"}]}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_PLAN",
		},
		{
			name:       "unknown field",
			body:       `{"name":"x","bogus":1,"edits":[]}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_PLAN",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFake()
			if tt.apply != nil {
				fake.apply = tt.apply
			}
			router, _ := setupTestRouter(fake, nil)

			w := do(t, router, "POST", "/v1/selfmod/apply", tt.body)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())

			if tt.wantCode != "" {
				var resp ErrorResponse
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
				assert.Equal(t, tt.wantCode, resp.Code)
			}
		})
	}
}

func TestHandlers_HandleApply_YAMLBody(t *testing.T) {
	var got *plan.ModificationPlan
	fake := newFake()
	fake.apply = func(_ context.Context, p *plan.ModificationPlan) (*orchestrator.ApplyResult, error) {
		got = p
		return &orchestrator.ApplyResult{RunID: orchestrator.NewRunID(), Success: true}, nil
	}
	router, _ := setupTestRouter(fake, nil)

	body := "name: cleanup\nedits:\n  - target: old.txt\n    op: delete\n"
	w := do(t, router, "POST", "/v1/selfmod/apply", body)
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, got)
	assert.Equal(t, "cleanup", got.Name)
	assert.Equal(t, plan.OpDelete, got.Edits()[0].Op())
}

func TestHandlers_HandleApply_TooLarge(t *testing.T) {
	router, _ := setupTestRouter(newFake(), nil)
	body := `{"name":"` + strings.Repeat("x", maxPlanBytes) + `"}`
	w := do(t, router, "POST", "/v1/selfmod/apply", body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestHandlers_HandleRollback(t *testing.T) {
	fake := newFake()
	fake.rollbackOK = true
	router, _ := setupTestRouter(fake, nil)

	w := do(t, router, "POST", "/v1/selfmod/rollback", `{"ref":"abc123"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var resp RollbackResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, []string{"abc123"}, fake.rolledBack)

	fake.rollbackOK = false
	w = do(t, router, "POST", "/v1/selfmod/rollback", `{"ref":"nope"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, router, "POST", "/v1/selfmod/rollback", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlers_HandleCheckpoint(t *testing.T) {
	fake := newFake()
	router, _ := setupTestRouter(fake, nil)

	w := do(t, router, "POST", "/v1/selfmod/checkpoint", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	fake.checkpoint = "deadbeef"
	w = do(t, router, "POST", "/v1/selfmod/checkpoint", `{"message":"before upgrade"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var resp CheckpointResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "deadbeef", resp.Ref)
}

type listStore struct {
	runs []*orchestrator.ApplyResult
}

func (s *listStore) Append(context.Context, *orchestrator.ApplyResult) error { return nil }

func (s *listStore) List(_ context.Context, limit int) ([]*orchestrator.ApplyResult, error) {
	if limit > 0 && limit < len(s.runs) {
		return s.runs[:limit], nil
	}
	return s.runs, nil
}

func (s *listStore) Get(context.Context, string) (*orchestrator.ApplyResult, error) {
	return nil, orchestrator.ErrRunNotFound
}

func TestHandlers_HandleHistory(t *testing.T) {
	first := &orchestrator.ApplyResult{RunID: orchestrator.NewRunID()}
	second := &orchestrator.ApplyResult{RunID: orchestrator.NewRunID()}

	t.Run("memory newest first", func(t *testing.T) {
		fake := newFake()
		fake.history = []*orchestrator.ApplyResult{first, second}
		router, _ := setupTestRouter(fake, nil)

		w := do(t, router, "GET", "/v1/selfmod/history?limit=1", "")
		require.Equal(t, http.StatusOK, w.Code)
		var resp HistoryResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Len(t, resp.Runs, 1)
		assert.Equal(t, second.RunID, resp.Runs[0].RunID)
	})

	t.Run("store", func(t *testing.T) {
		fake := newFake()
		fake.store = &listStore{runs: []*orchestrator.ApplyResult{second, first}}
		router, _ := setupTestRouter(fake, nil)

		w := do(t, router, "GET", "/v1/selfmod/history?limit=0", "")
		require.Equal(t, http.StatusOK, w.Code)
		var resp HistoryResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Len(t, resp.Runs, 2)
		assert.Equal(t, second.RunID, resp.Runs[0].RunID)
	})

	t.Run("bad limit", func(t *testing.T) {
		router, _ := setupTestRouter(newFake(), nil)
		w := do(t, router, "GET", "/v1/selfmod/history?limit=-3", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHandlers_HandleRun(t *testing.T) {
	r := &orchestrator.ApplyResult{RunID: orchestrator.NewRunID(), Success: true}
	fake := newFake()
	fake.history = []*orchestrator.ApplyResult{r}
	router, _ := setupTestRouter(fake, nil)

	w := do(t, router, "GET", "/v1/selfmod/runs/"+r.RunID, "")
	require.Equal(t, http.StatusOK, w.Code)
	var got orchestrator.ApplyResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, r.RunID, got.RunID)

	w = do(t, router, "GET", "/v1/selfmod/runs/"+orchestrator.NewRunID(), "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_Metrics(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("selfmod_apply_total 1\n"))
	})
	router := NewRouter(RouterConfig{Handlers: NewHandlers(newFake(), nil, nil), Metrics: metrics})

	w := do(t, router, "GET", "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "selfmod_apply_total")
}

func TestRouter_ApplyRateLimited(t *testing.T) {
	router := NewRouter(RouterConfig{
		Handlers:   NewHandlers(newFake(), nil, nil),
		ApplyRate:  0.001,
		ApplyBurst: 1,
	})

	w := do(t, router, "POST", "/v1/selfmod/apply", greetPlan)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, router, "POST", "/v1/selfmod/apply", greetPlan)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	// Read-only endpoints are not limited.
	w = do(t, router, "GET", "/v1/selfmod/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandlers_ApplyPassesCancelledContextWithoutWait(t *testing.T) {
	var sawDone, sawWaitDone bool
	fake := newFake()
	router, _ := setupTestRouter(fake, nil)

	fake.apply = func(ctx context.Context, p *plan.ModificationPlan) (*orchestrator.ApplyResult, error) {
		sawDone = ctx.Err() != nil
		return &orchestrator.ApplyResult{RunID: orchestrator.NewRunID(), Success: true}, nil
	}
	do(t, router, "POST", "/v1/selfmod/apply", greetPlan)
	assert.True(t, sawDone)

	fake.apply = func(ctx context.Context, p *plan.ModificationPlan) (*orchestrator.ApplyResult, error) {
		sawWaitDone = ctx.Err() != nil
		return &orchestrator.ApplyResult{RunID: orchestrator.NewRunID(), Success: true}, nil
	}
	do(t, router, "POST", "/v1/selfmod/apply?wait=true", greetPlan)
	assert.False(t, sawWaitDone)
}
