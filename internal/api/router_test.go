package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bluewave-labs/verifywise-sub006/internal/api"
	mw "github.com/bluewave-labs/verifywise-sub006/internal/api/middleware"
	"github.com/bluewave-labs/verifywise-sub006/internal/cache"
	"github.com/bluewave-labs/verifywise-sub006/internal/store"
	"github.com/bluewave-labs/verifywise-sub006/pkg/models"
)

// --- stub store that returns empty results (all auth fails) ---

type stubStore struct{}

func (s *stubStore) Ping(_ context.Context) error { return nil }
func (s *stubStore) GetDefaultTenant(_ context.Context) (*models.Tenant, error) {
	return nil, store.ErrNotFound
}
func (s *stubStore) GetAPIKeyByPrefix(_ context.Context, _ string) ([]*models.APIKey, error) {
	return nil, nil
}
func (s *stubStore) UpdateAPIKeyLastUsed(_ context.Context, _ uuid.UUID) error { return nil }
func (s *stubStore) CreateAPIKey(_ context.Context, _ *models.APIKey) error    { return nil }
func (s *stubStore) ListAPIKeys(_ context.Context, _ uuid.UUID) ([]*models.APIKey, error) {
	return nil, nil
}
func (s *stubStore) RevokeAPIKey(_ context.Context, _ uuid.UUID, _ uuid.UUID) error { return nil }
func (s *stubStore) CreateScan(_ context.Context, _ *models.ScanJob) error          { return nil }
func (s *stubStore) GetScan(_ context.Context, _ uuid.UUID, _ uuid.UUID) (*models.ScanJob, error) {
	return nil, store.ErrNotFound
}
func (s *stubStore) GetActiveScan(_ context.Context, _ uuid.UUID) (*models.ScanJob, error) {
	return nil, store.ErrNotFound
}
func (s *stubStore) ListScans(_ context.Context, _ store.ScanFilter) ([]*models.ScanJob, int, error) {
	return nil, 0, nil
}
func (s *stubStore) UpdateScanStatus(_ context.Context, _ uuid.UUID, _ string, _ ...store.ScanUpdateOption) error {
	return nil
}
func (s *stubStore) UpdateScanProgress(_ context.Context, _ uuid.UUID, _ int, _ string, _ int) error {
	return nil
}
func (s *stubStore) CreateScanResult(_ context.Context, _ *models.ScanResult) error { return nil }
func (s *stubStore) GetScanResultByScanID(_ context.Context, _ uuid.UUID) (*models.ScanResult, error) {
	return nil, store.ErrNotFound
}

// --- stub cache ---

type stubCache struct{}

func (c *stubCache) Set(_ context.Context, _ string, _ []byte, _ time.Duration) error { return nil }
func (c *stubCache) Get(_ context.Context, _ string) ([]byte, bool, error)            { return nil, false, nil }
func (c *stubCache) Delete(_ context.Context, _ string) error                         { return nil }
func (c *stubCache) Ping(_ context.Context) error                                     { return nil }
func (c *stubCache) SetScanSnapshot(_ context.Context, _ uuid.UUID, _ []byte, _ time.Duration) error {
	return nil
}
func (c *stubCache) GetScanSnapshot(_ context.Context, _ uuid.UUID) ([]byte, bool, error) {
	return nil, false, nil
}
func (c *stubCache) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	return 1, nil
}

// --- router tests ---

func newTestRouter() http.Handler {
	return api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(&stubStore{}),
		RateLimit: mw.NewRateLimit(&stubCache{}, 60),
		HealthHandler: func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		},
	})
}

func TestRouter_HealthEndpoint_Public(t *testing.T) {
	router := newTestRouter()

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_ProtectedEndpoints_RequireAuth(t *testing.T) {
	router := newTestRouter()

	scanID := uuid.NewString()
	endpoints := []struct {
		method string
		path   string
	}{
		{"POST", "/api/v1/scans"},
		{"GET", "/api/v1/scans/active"},
		{"GET", "/api/v1/scans/" + scanID},
		{"GET", "/api/v1/scans/" + scanID + "/result"},
		{"DELETE", "/api/v1/scans/" + scanID},
		{"POST", "/api/v1/admin/keys"},
		{"GET", "/api/v1/admin/keys"},
	}

	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			req := httptest.NewRequest(ep.method, ep.path, nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)

			var body map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			errObj := body["error"].(map[string]any)
			assert.Equal(t, "INVALID_TOKEN", errObj["code"])
		})
	}
}

func TestRouter_NotFound(t *testing.T) {
	router := newTestRouter()

	req := httptest.NewRequest("GET", "/api/v1/nonexistent", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

// Verify unused interfaces are satisfied
var _ store.Store = (*stubStore)(nil)
var _ cache.Cache = (*stubCache)(nil)
