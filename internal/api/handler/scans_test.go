package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bluewave-labs/verifywise-sub006/internal/api/handler"
	mw "github.com/bluewave-labs/verifywise-sub006/internal/api/middleware"
	"github.com/bluewave-labs/verifywise-sub006/internal/scans"
	"github.com/bluewave-labs/verifywise-sub006/internal/store"
	"github.com/bluewave-labs/verifywise-sub006/pkg/models"
)

// --- mock scan service ---

type mockScanService struct {
	scan      *models.ScanJob
	result    *models.ScanResult
	startErr  error
	getErr    error
	activeErr error
	cancelErr error
	resultErr error

	gotParams scans.StartParams
	cancelled []uuid.UUID
}

func (m *mockScanService) Start(_ context.Context, _ uuid.UUID, params scans.StartParams) (*models.ScanJob, error) {
	m.gotParams = params
	return m.scan, m.startErr
}

func (m *mockScanService) Get(_ context.Context, _ uuid.UUID, _ uuid.UUID) (*models.ScanJob, error) {
	return m.scan, m.getErr
}

func (m *mockScanService) Active(_ context.Context, _ uuid.UUID) (*models.ScanJob, error) {
	return m.scan, m.activeErr
}

func (m *mockScanService) Cancel(_ context.Context, _ uuid.UUID, id uuid.UUID) error {
	m.cancelled = append(m.cancelled, id)
	return m.cancelErr
}

func (m *mockScanService) Result(_ context.Context, _ uuid.UUID, _ uuid.UUID) (*models.ScanResult, error) {
	return m.result, m.resultErr
}

// --- helpers ---

func testScan(tenantID uuid.UUID) *models.ScanJob {
	now := time.Now().UTC()
	return &models.ScanJob{
		ID:              uuid.New(),
		TenantID:        tenantID,
		RepositoryOwner: "bluewave-labs",
		RepositoryName:  "verifywise",
		Branch:          "main",
		Status:          models.ScanStatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// authedRequest builds a request carrying the tenant id, as the auth
// middleware would have.
func authedRequest(method, target string, body []byte, tenantID uuid.UUID) *http.Request {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	return req.WithContext(mw.SetTenantID(req.Context(), tenantID))
}

// withScanID attaches a chi route parameter to the request.
func withScanID(req *http.Request, param, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(param, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

// --- StartScan ---

func TestStartScan_Accepted(t *testing.T) {
	tenantID := uuid.New()
	svc := &mockScanService{scan: testScan(tenantID)}
	h := handler.NewStartScanHandler(svc)

	body := []byte(`{"repository_owner":"bluewave-labs","repository_name":"verifywise","branch":"main"}`)
	req := authedRequest("POST", "/api/v1/scans", body, tenantID)
	w := httptest.NewRecorder()
	h(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "verifywise", svc.gotParams.RepositoryName)

	data := decodeBody(t, w)["data"].(map[string]any)
	assert.Equal(t, "pending", data["status"])
}

func TestStartScan_InvalidJSON(t *testing.T) {
	svc := &mockScanService{}
	h := handler.NewStartScanHandler(svc)

	req := authedRequest("POST", "/api/v1/scans", []byte(`{not json`), uuid.New())
	w := httptest.NewRecorder()
	h(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	errObj := decodeBody(t, w)["error"].(map[string]any)
	assert.Equal(t, "INVALID_REQUEST", errObj["code"])
}

func TestStartScan_MissingRepository(t *testing.T) {
	svc := &mockScanService{startErr: scans.ErrInvalidRepository}
	h := handler.NewStartScanHandler(svc)

	req := authedRequest("POST", "/api/v1/scans", []byte(`{}`), uuid.New())
	w := httptest.NewRecorder()
	h(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStartScan_AlreadyActive(t *testing.T) {
	svc := &mockScanService{startErr: scans.ErrScanActive}
	h := handler.NewStartScanHandler(svc)

	body := []byte(`{"repository_owner":"o","repository_name":"r"}`)
	req := authedRequest("POST", "/api/v1/scans", body, uuid.New())
	w := httptest.NewRecorder()
	h(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
	errObj := decodeBody(t, w)["error"].(map[string]any)
	assert.Equal(t, "SCAN_ALREADY_ACTIVE", errObj["code"])
}

func TestStartScan_NoTenant(t *testing.T) {
	h := handler.NewStartScanHandler(&mockScanService{})

	req := httptest.NewRequest("POST", "/api/v1/scans", bytes.NewReader([]byte(`{}`)))
	w := httptest.NewRecorder()
	h(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

// --- GetScan ---

func TestGetScan_OK(t *testing.T) {
	tenantID := uuid.New()
	scan := testScan(tenantID)
	scan.Status = models.ScanStatusRunning
	scan.Progress = 42
	svc := &mockScanService{scan: scan}
	h := handler.NewGetScanHandler(svc)

	req := authedRequest("GET", "/api/v1/scans/"+scan.ID.String(), nil, tenantID)
	req = withScanID(req, "scanID", scan.ID.String())
	w := httptest.NewRecorder()
	h(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	data := decodeBody(t, w)["data"].(map[string]any)
	assert.Equal(t, "running", data["status"])
	assert.Equal(t, float64(42), data["progress"])
}

func TestGetScan_NotFound(t *testing.T) {
	svc := &mockScanService{getErr: store.ErrNotFound}
	h := handler.NewGetScanHandler(svc)

	id := uuid.New()
	req := authedRequest("GET", "/api/v1/scans/"+id.String(), nil, uuid.New())
	req = withScanID(req, "scanID", id.String())
	w := httptest.NewRecorder()
	h(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	errObj := decodeBody(t, w)["error"].(map[string]any)
	assert.Equal(t, "SCAN_NOT_FOUND", errObj["code"])
}

func TestGetScan_BadID(t *testing.T) {
	h := handler.NewGetScanHandler(&mockScanService{})

	req := authedRequest("GET", "/api/v1/scans/not-a-uuid", nil, uuid.New())
	req = withScanID(req, "scanID", "not-a-uuid")
	w := httptest.NewRecorder()
	h(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// --- ActiveScan ---

func TestActiveScan_OK(t *testing.T) {
	tenantID := uuid.New()
	scan := testScan(tenantID)
	scan.Status = models.ScanStatusRunning
	svc := &mockScanService{scan: scan}
	h := handler.NewActiveScanHandler(svc)

	req := authedRequest("GET", "/api/v1/scans/active", nil, tenantID)
	w := httptest.NewRecorder()
	h(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	data := decodeBody(t, w)["data"].(map[string]any)
	// Repository fields let a reloaded client rebuild its display.
	assert.Equal(t, "bluewave-labs", data["repository_owner"])
	assert.Equal(t, "verifywise", data["repository_name"])
}

func TestActiveScan_None(t *testing.T) {
	svc := &mockScanService{activeErr: store.ErrNotFound}
	h := handler.NewActiveScanHandler(svc)

	req := authedRequest("GET", "/api/v1/scans/active", nil, uuid.New())
	w := httptest.NewRecorder()
	h(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	errObj := decodeBody(t, w)["error"].(map[string]any)
	assert.Equal(t, "NO_ACTIVE_SCAN", errObj["code"])
}

// --- CancelScan ---

func TestCancelScan_Accepted(t *testing.T) {
	tenantID := uuid.New()
	svc := &mockScanService{}
	h := handler.NewCancelScanHandler(svc)

	id := uuid.New()
	req := authedRequest("DELETE", "/api/v1/scans/"+id.String(), nil, tenantID)
	req = withScanID(req, "scanID", id.String())
	w := httptest.NewRecorder()
	h(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, svc.cancelled, 1)
	assert.Equal(t, id, svc.cancelled[0])

	data := decodeBody(t, w)["data"].(map[string]any)
	assert.Equal(t, "cancelled", data["status"])
}

func TestCancelScan_NotFound(t *testing.T) {
	svc := &mockScanService{cancelErr: store.ErrNotFound}
	h := handler.NewCancelScanHandler(svc)

	id := uuid.New()
	req := authedRequest("DELETE", "/api/v1/scans/"+id.String(), nil, uuid.New())
	req = withScanID(req, "scanID", id.String())
	w := httptest.NewRecorder()
	h(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

// --- ScanResult ---

func TestScanResult_OK(t *testing.T) {
	tenantID := uuid.New()
	scanID := uuid.New()
	svc := &mockScanService{result: &models.ScanResult{
		ID:           uuid.New(),
		ScanID:       scanID,
		TenantID:     tenantID,
		TotalFiles:   100,
		FlaggedFiles: 4,
		Findings: []models.Finding{
			{Path: "src/app.ts", StartLine: 5, EndLine: 40, Confidence: 0.88, Detector: "stylometry"},
		},
		CreatedAt: time.Now().UTC(),
	}}
	h := handler.NewScanResultHandler(svc)

	req := authedRequest("GET", "/api/v1/scans/"+scanID.String()+"/result", nil, tenantID)
	req = withScanID(req, "scanID", scanID.String())
	w := httptest.NewRecorder()
	h(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	data := decodeBody(t, w)["data"].(map[string]any)
	assert.Equal(t, float64(100), data["total_files"])
	assert.Equal(t, float64(4), data["flagged_files"])
	findings := data["findings"].([]any)
	require.Len(t, findings, 1)
}

func TestScanResult_NotCompleted(t *testing.T) {
	svc := &mockScanService{resultErr: scans.ErrScanNotCompleted}
	h := handler.NewScanResultHandler(svc)

	id := uuid.New()
	req := authedRequest("GET", "/api/v1/scans/"+id.String()+"/result", nil, uuid.New())
	req = withScanID(req, "scanID", id.String())
	w := httptest.NewRecorder()
	h(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
	errObj := decodeBody(t, w)["error"].(map[string]any)
	assert.Equal(t, "SCAN_NOT_COMPLETED", errObj["code"])
}

func TestScanResult_NotFound(t *testing.T) {
	svc := &mockScanService{resultErr: store.ErrNotFound}
	h := handler.NewScanResultHandler(svc)

	id := uuid.New()
	req := authedRequest("GET", "/api/v1/scans/"+id.String()+"/result", nil, uuid.New())
	req = withScanID(req, "scanID", id.String())
	w := httptest.NewRecorder()
	h(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
