package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/bluewave-labs/verifywise-sub006/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrActiveScanExists is returned when creating a scan while the tenant
// already has one pending or running. The scan_jobs partial unique index is
// the backstop for the check-then-insert race.
var ErrActiveScanExists = errors.New("tenant already has an active scan")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error
	GetDefaultTenant(ctx context.Context) (*models.Tenant, error)

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, tenantID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error

	CreateScan(ctx context.Context, scan *models.ScanJob) error
	GetScan(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.ScanJob, error)
	GetActiveScan(ctx context.Context, tenantID uuid.UUID) (*models.ScanJob, error)
	ListScans(ctx context.Context, filter ScanFilter) ([]*models.ScanJob, int, error)
	UpdateScanStatus(ctx context.Context, id uuid.UUID, status string, opts ...ScanUpdateOption) error
	UpdateScanProgress(ctx context.Context, id uuid.UUID, progress int, step string, findings int) error

	CreateScanResult(ctx context.Context, result *models.ScanResult) error
	GetScanResultByScanID(ctx context.Context, scanID uuid.UUID) (*models.ScanResult, error)
}

type ScanFilter struct {
	TenantID uuid.UUID
	Status   string
	Page     int
	Limit    int
}

type scanUpdateParams struct {
	ErrorMessage *string
}

type ScanUpdateOption func(*scanUpdateParams)

func WithErrorMessage(msg string) ScanUpdateOption {
	return func(p *scanUpdateParams) {
		p.ErrorMessage = &msg
	}
}
