package httptransport_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpu-quota-service/internal/entity"
	"gpu-quota-service/internal/metrics"
	"gpu-quota-service/internal/repository/memory"
	"gpu-quota-service/internal/service"
	httptransport "gpu-quota-service/internal/transport/http"
)

type testAPI struct {
	router     http.Handler
	principals *service.PrincipalService
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	store := memory.NewStore()
	reg := prometheus.NewRegistry()
	policy := service.DefaultPolicy()

	jobs := service.NewJobService(store, service.NewLocalWakeup(), policy, metrics.NewCollector(reg), logr.Discard())
	principals := service.NewPrincipalService(store, policy, logr.Discard())
	h := httptransport.NewHandler(jobs, principals)
	return &testAPI{
		router:     httptransport.Routes(h, reg, logr.Discard()),
		principals: principals,
	}
}

func (a *testAPI) do(t *testing.T, method, path, principal string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if principal != "" {
		req.Header.Set(httptransport.PrincipalHeader, principal)
	}
	rr := httptest.NewRecorder()
	a.router.ServeHTTP(rr, req)
	return rr
}

func (a *testAPI) register(t *testing.T, name string) string {
	t.Helper()
	rr := a.do(t, http.MethodPost, "/principals", "", map[string]string{"name": name})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var resp struct {
		ID    string `json:"id"`
		Role  string `json:"role"`
		Quota int64  `json:"quota"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "standard", resp.Role)
	assert.EqualValues(t, 120, resp.Quota)
	return resp.ID
}

func (a *testAPI) promote(t *testing.T, name string) string {
	t.Helper()
	p, err := a.principals.Register(context.Background(), name, entity.RolePrivileged)
	require.NoError(t, err)
	return p.ID.String()
}

type jobBody struct {
	ID          int64   `json:"id"`
	OwnerID     string  `json:"owner_id"`
	Status      string  `json:"status"`
	Error       *string `json:"error"`
	StartedAt   *string `json:"started_at"`
	CompletedAt *string `json:"completed_at"`
}

func decodeJob(t *testing.T, rr *httptest.ResponseRecorder) jobBody {
	t.Helper()
	var j jobBody
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &j), rr.Body.String())
	return j
}

func quotaOf(t *testing.T, a *testAPI, principal string) int64 {
	t.Helper()
	rr := a.do(t, http.MethodGet, "/principals/me", principal, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp struct {
		Quota int64 `json:"quota"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp.Quota
}

func job(d int64) map[string]any {
	return map[string]any{"gpu_type": "A100", "gpu_count": 2, "command": "python train.py", "estimated_duration": d}
}

func TestHTTP_SubmitListDelete(t *testing.T) {
	a := newTestAPI(t)
	alice := a.register(t, "alice")

	rr := a.do(t, http.MethodPost, "/jobs", alice, job(20))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	created := decodeJob(t, rr)
	assert.Equal(t, "PENDING", created.Status)
	assert.Equal(t, alice, created.OwnerID)
	assert.Nil(t, created.StartedAt)
	assert.EqualValues(t, 100, quotaOf(t, a, alice))

	rr = a.do(t, http.MethodGet, "/jobs", alice, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var list []jobBody
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, created.ID, list[0].ID)

	path := "/jobs/" + strconv.FormatInt(created.ID, 10)
	rr = a.do(t, http.MethodGet, path, alice, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = a.do(t, http.MethodDelete, path, alice, nil)
	require.Equal(t, http.StatusNoContent, rr.Code)
	assert.EqualValues(t, 120, quotaOf(t, a, alice))

	rr = a.do(t, http.MethodGet, path, alice, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHTTP_SubmitRejections(t *testing.T) {
	a := newTestAPI(t)
	alice := a.register(t, "alice")

	tests := []struct {
		name string
		body any
	}{
		{"gpu count", map[string]any{"gpu_type": "T4", "gpu_count": 11, "command": "run", "estimated_duration": 1}},
		{"command", map[string]any{"gpu_type": "T4", "gpu_count": 1, "command": "run; rm -rf /", "estimated_duration": 1}},
		{"duration", map[string]any{"gpu_type": "T4", "gpu_count": 1, "command": "run", "estimated_duration": 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := a.do(t, http.MethodPost, "/jobs", alice, tt.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
		})
	}

	rr := a.do(t, http.MethodPost, "/jobs", alice, job(200))
	require.Equal(t, http.StatusBadRequest, rr.Code)
	var e struct {
		Available *int64 `json:"available"`
		Required  *int64 `json:"required"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &e))
	require.NotNil(t, e.Available)
	require.NotNil(t, e.Required)
	assert.EqualValues(t, 120, *e.Available)
	assert.EqualValues(t, 200, *e.Required)

	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewBufferString("{"))
	req.Header.Set(httptransport.PrincipalHeader, alice)
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.EqualValues(t, 120, quotaOf(t, a, alice))
}

func TestHTTP_Authentication(t *testing.T) {
	a := newTestAPI(t)

	assert.Equal(t, http.StatusUnauthorized, a.do(t, http.MethodGet, "/jobs", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, a.do(t, http.MethodGet, "/jobs", "not-a-uuid", nil).Code)
	assert.Equal(t, http.StatusUnauthorized,
		a.do(t, http.MethodGet, "/jobs", "11111111-1111-1111-1111-111111111111", nil).Code)

	rr := a.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())
}

func TestHTTP_RegisterDuplicate(t *testing.T) {
	a := newTestAPI(t)
	a.register(t, "alice")

	rr := a.do(t, http.MethodPost, "/principals", "", map[string]string{"name": "alice"})
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = a.do(t, http.MethodPost, "/principals", "", map[string]string{"name": ""})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHTTP_ApprovalGate(t *testing.T) {
	a := newTestAPI(t)
	alice := a.register(t, "alice")
	bob := a.register(t, "bob")
	root := a.promote(t, "root")

	rr := a.do(t, http.MethodPost, "/jobs", alice, job(30))
	require.Equal(t, http.StatusCreated, rr.Code)
	created := decodeJob(t, rr)
	path := "/jobs/" + strconv.FormatInt(created.ID, 10)

	rr = a.do(t, http.MethodPut, path+"/status", alice, map[string]string{"status": "APPROVED"})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = a.do(t, http.MethodGet, path, bob, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	rr = a.do(t, http.MethodDelete, path, bob, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = a.do(t, http.MethodPut, path+"/status", root, map[string]string{"status": "BOGUS"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = a.do(t, http.MethodPut, path+"/status", root, map[string]string{"status": "APPROVED"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "APPROVED", decodeJob(t, rr).Status)

	rr = a.do(t, http.MethodGet, "/jobs?status=APPROVED", root, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var list []jobBody
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Len(t, list, 1)

	rr = a.do(t, http.MethodPut, path+"/status", root, map[string]string{"status": "FAILED"})
	require.Equal(t, http.StatusOK, rr.Code)
	failed := decodeJob(t, rr)
	assert.Equal(t, "FAILED", failed.Status)
	require.NotNil(t, failed.Error)

	rr = a.do(t, http.MethodPut, path+"/status", root, map[string]string{"status": "APPROVED"})
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = a.do(t, http.MethodPut, "/jobs/999/status", root, map[string]string{"status": "APPROVED"})
	assert.Equal(t, http.StatusNotFound, rr.Code)
	rr = a.do(t, http.MethodGet, "/jobs/abc", root, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	// rejected jobs keep their cost
	assert.EqualValues(t, 90, quotaOf(t, a, alice))
}

func TestHTTP_Metrics(t *testing.T) {
	a := newTestAPI(t)
	alice := a.register(t, "alice")
	require.Equal(t, http.StatusCreated, a.do(t, http.MethodPost, "/jobs", alice, job(5)).Code)

	rr := a.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `gpuq_submissions_total{result="accepted"} 1`)
}
