package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/monadicus/snops-core/internal/delegator"
	"github.com/monadicus/snops-core/internal/eventbus"
	"github.com/monadicus/snops-core/internal/ids"
	"github.com/monadicus/snops-core/internal/logging"
	state "github.com/monadicus/snops-core/internal/store"
)

func newTestDeps(t *testing.T) (Deps, *state.Store) {
	t.Helper()
	st := state.New(state.NewMemoryKVBackend())
	log := logging.New("controlplane-test", "error", "text")
	entry := log.WithContext(context.Background())
	d := Deps{
		Store:     st,
		Delegator: delegator.New(st, entry, nil),
		Events:    eventbus.New(1, st, entry),
		Log:       log,
	}
	return d, st
}

func TestListAgentsEmpty(t *testing.T) {
	d, _ := newTestDeps(t)
	r := NewRouter(d)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var docs []AgentDoc
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &docs))
	require.Empty(t, docs)
}

func TestGetAgentNotFound(t *testing.T) {
	d, _ := newTestDeps(t)
	r := NewRouter(d)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents/nope", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApplyEnvAndGetEnv(t *testing.T) {
	d, st := newTestDeps(t)
	r := NewRouter(d)

	agent := &state.Agent{
		ID:        ids.ID("agent-1"),
		Connected: true,
		Mode:      state.ModeFlags{Validator: true, Client: true},
	}
	require.NoError(t, st.PutAgent(context.Background(), agent))

	doc := EnvironmentDoc{
		ID:        "env-1",
		NetworkID: "testnet",
		Topology: map[string]InternalNodeDoc{
			"validator/1": {Online: true, Height: HeightSpecDoc{Kind: "top"}},
		},
	}
	body, err := json.Marshal(doc)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/env/env-1/apply", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	getReq := httptest.NewRequest(http.MethodGet, "/api/v1/env/env-1", nil)
	getRec := httptest.NewRecorder()
	r.ServeHTTP(getRec, getReq)
	require.Equal(t, http.StatusOK, getRec.Code)

	var got EnvironmentDoc
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &got))
	require.Equal(t, "env-1", got.ID)
}

func TestApplyEnvUnsatisfiable(t *testing.T) {
	d, _ := newTestDeps(t)
	r := NewRouter(d)

	doc := EnvironmentDoc{
		ID: "env-2",
		Topology: map[string]InternalNodeDoc{
			"validator/1": {Online: true, Height: HeightSpecDoc{Kind: "top"}},
		},
	}
	body, err := json.Marshal(doc)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/env/env-2/apply", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeleteEnv(t *testing.T) {
	d, st := newTestDeps(t)
	r := NewRouter(d)

	require.NoError(t, st.PutEnv(context.Background(), &state.Environment{ID: ids.ID("env-3")}, nil))

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/env/env-3", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	_, err := st.GetEnv(context.Background(), ids.ID("env-3"))
	require.Error(t, err)
}

func TestAgentTPSNoClaim(t *testing.T) {
	d, st := newTestDeps(t)
	r := NewRouter(d)

	require.NoError(t, st.PutAgent(context.Background(), &state.Agent{ID: ids.ID("a1")}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents/a1/tps", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp agentTPSResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Empty(t, resp.Cannons)
}
