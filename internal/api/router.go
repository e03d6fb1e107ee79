package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/bluewave-labs/verifywise-sub006/internal/api/middleware"
	"github.com/bluewave-labs/verifywise-sub006/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	StartScanHandler  http.HandlerFunc
	GetScanHandler    http.HandlerFunc
	ActiveScanHandler http.HandlerFunc
	CancelScanHandler http.HandlerFunc
	ScanResultHandler http.HandlerFunc

	CreateKeyHandler http.HandlerFunc
	ListKeysHandler  http.HandlerFunc
	RevokeKeyHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/scans", orNotImplemented(deps.StartScanHandler))
		// /scans/active must register before /scans/{scanID}; chi matches the
		// static segment first either way, but keeping the order explicit
		// avoids surprises when the routes move.
		r.Get("/api/v1/scans/active", orNotImplemented(deps.ActiveScanHandler))
		r.Get("/api/v1/scans/{scanID}", orNotImplemented(deps.GetScanHandler))
		r.Get("/api/v1/scans/{scanID}/result", orNotImplemented(deps.ScanResultHandler))
		r.Delete("/api/v1/scans/{scanID}", orNotImplemented(deps.CancelScanHandler))

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope("admin"))

			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
			r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeysHandler))
			r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
