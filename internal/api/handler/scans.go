package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	mw "github.com/bluewave-labs/verifywise-sub006/internal/api/middleware"
	"github.com/bluewave-labs/verifywise-sub006/internal/api/response"
	"github.com/bluewave-labs/verifywise-sub006/internal/scans"
	"github.com/bluewave-labs/verifywise-sub006/internal/store"
	"github.com/bluewave-labs/verifywise-sub006/pkg/models"
)

// ScanService defines the scan operations the handlers depend on.
type ScanService interface {
	Start(ctx context.Context, tenantID uuid.UUID, params scans.StartParams) (*models.ScanJob, error)
	Get(ctx context.Context, tenantID uuid.UUID, id uuid.UUID) (*models.ScanJob, error)
	Active(ctx context.Context, tenantID uuid.UUID) (*models.ScanJob, error)
	Cancel(ctx context.Context, tenantID uuid.UUID, id uuid.UUID) error
	Result(ctx context.Context, tenantID uuid.UUID, id uuid.UUID) (*models.ScanResult, error)
}

// NewStartScanHandler returns an http.HandlerFunc for POST /api/v1/scans.
// Responds 202: the scan runs asynchronously and is observed by polling.
func NewStartScanHandler(svc ScanService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		var req struct {
			RepositoryOwner string `json:"repository_owner"`
			RepositoryName  string `json:"repository_name"`
			Branch          string `json:"branch"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		scan, err := svc.Start(r.Context(), tenantID, scans.StartParams{
			RepositoryOwner: req.RepositoryOwner,
			RepositoryName:  req.RepositoryName,
			Branch:          req.Branch,
		})
		if err != nil {
			switch {
			case errors.Is(err, scans.ErrInvalidRepository):
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			case errors.Is(err, scans.ErrScanActive):
				response.Error(w, http.StatusConflict, "SCAN_ALREADY_ACTIVE",
					"A scan is already running for this tenant", nil)
			default:
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"An unexpected error occurred", nil)
			}
			return
		}

		response.Accepted(w, scan)
	}
}

// NewGetScanHandler returns an http.HandlerFunc for GET /api/v1/scans/{scanID}.
func NewGetScanHandler(svc ScanService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		scanID, ok := parseScanID(w, r)
		if !ok {
			return
		}

		scan, err := svc.Get(r.Context(), tenantID, scanID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "SCAN_NOT_FOUND", "No such scan", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		response.JSON(w, scan)
	}
}

// NewActiveScanHandler returns an http.HandlerFunc for GET /api/v1/scans/active.
// The response carries the repository fields so a reloaded client can rebuild
// its display from server state.
func NewActiveScanHandler(svc ScanService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		scan, err := svc.Active(r.Context(), tenantID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "NO_ACTIVE_SCAN", "No scan is currently active", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		response.JSON(w, scan)
	}
}

// NewCancelScanHandler returns an http.HandlerFunc for DELETE /api/v1/scans/{scanID}.
// Cancellation is idempotent: a scan that already reached a terminal state
// still yields 202.
func NewCancelScanHandler(svc ScanService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		scanID, ok := parseScanID(w, r)
		if !ok {
			return
		}

		if err := svc.Cancel(r.Context(), tenantID, scanID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "SCAN_NOT_FOUND", "No such scan", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		response.Accepted(w, map[string]any{
			"id":     scanID,
			"status": models.ScanStatusCancelled,
		})
	}
}

// NewScanResultHandler returns an http.HandlerFunc for
// GET /api/v1/scans/{scanID}/result. Results are served separately from
// status so polling stays cheap.
func NewScanResultHandler(svc ScanService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		scanID, ok := parseScanID(w, r)
		if !ok {
			return
		}

		result, err := svc.Result(r.Context(), tenantID, scanID)
		if err != nil {
			switch {
			case errors.Is(err, store.ErrNotFound):
				response.Error(w, http.StatusNotFound, "SCAN_NOT_FOUND", "No such scan or result", nil)
			case errors.Is(err, scans.ErrScanNotCompleted):
				response.Error(w, http.StatusConflict, "SCAN_NOT_COMPLETED",
					"The scan has not completed; no result is available", nil)
			default:
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"An unexpected error occurred", nil)
			}
			return
		}

		response.JSON(w, result)
	}
}

func parseScanID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "scanID")
	id, err := uuid.Parse(raw)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "scanID must be a valid UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}
