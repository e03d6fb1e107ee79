package scans

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bluewave-labs/verifywise-sub006/internal/cache"
	"github.com/bluewave-labs/verifywise-sub006/internal/store"
	"github.com/bluewave-labs/verifywise-sub006/pkg/models"
)

// ErrScanActive rejects a new scan while the tenant already has one pending
// or running. The backend half of the one-active-job invariant.
var ErrScanActive = errors.New("an active scan already exists for this tenant")

// ErrScanNotCompleted is returned when a result is requested before the scan
// completed.
var ErrScanNotCompleted = errors.New("scan has not completed")

// ErrInvalidRepository is returned for malformed start parameters.
var ErrInvalidRepository = errors.New("invalid repository")

const defaultSnapshotTTL = 3 * time.Second

// StartParams identifies the repository a scan should cover.
type StartParams struct {
	RepositoryOwner string
	RepositoryName  string
	Branch          string
}

func (p StartParams) validate() error {
	if strings.TrimSpace(p.RepositoryOwner) == "" {
		return fmt.Errorf("%w: repository_owner is required", ErrInvalidRepository)
	}
	if strings.TrimSpace(p.RepositoryName) == "" {
		return fmt.Errorf("%w: repository_name is required", ErrInvalidRepository)
	}
	return nil
}

// Service owns scan job lifecycles server-side: creation, execution via the
// detection engine, progress relay into Postgres and Redis, cancellation.
type Service struct {
	store       store.Store
	cache       cache.Cache
	exec        Executor
	snapshotTTL time.Duration

	mu      sync.Mutex
	running map[uuid.UUID]context.CancelFunc
}

// NewService creates a scan Service. snapshotTTL bounds how long cached
// status snapshots live; zero selects a 3s default.
func NewService(st store.Store, ca cache.Cache, exec Executor, snapshotTTL time.Duration) *Service {
	if snapshotTTL <= 0 {
		snapshotTTL = defaultSnapshotTTL
	}
	return &Service{
		store:       st,
		cache:       ca,
		exec:        exec,
		snapshotTTL: snapshotTTL,
		running:     make(map[uuid.UUID]context.CancelFunc),
	}
}

// Start creates a pending scan and dispatches it in a background goroutine.
// Returns ErrScanActive when the tenant already has a pending or running scan.
func (s *Service) Start(ctx context.Context, tenantID uuid.UUID, params StartParams) (*models.ScanJob, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}

	if _, err := s.store.GetActiveScan(ctx, tenantID); err == nil {
		return nil, ErrScanActive
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("check active scan: %w", err)
	}

	now := time.Now().UTC()
	scan := &models.ScanJob{
		ID:              uuid.New(),
		TenantID:        tenantID,
		RepositoryOwner: strings.TrimSpace(params.RepositoryOwner),
		RepositoryName:  strings.TrimSpace(params.RepositoryName),
		Branch:          strings.TrimSpace(params.Branch),
		Status:          models.ScanStatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.store.CreateScan(ctx, scan); err != nil {
		if errors.Is(err, store.ErrActiveScanExists) {
			return nil, ErrScanActive
		}
		return nil, fmt.Errorf("create scan: %w", err)
	}

	go s.run(*scan)
	return scan, nil
}

// Get returns the current status snapshot of a scan, serving from cache while
// the scan is hot so frequent polling stays off Postgres.
func (s *Service) Get(ctx context.Context, tenantID uuid.UUID, id uuid.UUID) (*models.ScanJob, error) {
	if raw, found, err := s.cache.GetScanSnapshot(ctx, id); err == nil && found {
		var scan models.ScanJob
		if err := json.Unmarshal(raw, &scan); err == nil && scan.TenantID == tenantID {
			return &scan, nil
		}
	}
	return s.store.GetScan(ctx, id, tenantID)
}

// Active returns the tenant's single pending or running scan, or
// store.ErrNotFound.
func (s *Service) Active(ctx context.Context, tenantID uuid.UUID) (*models.ScanJob, error) {
	return s.store.GetActiveScan(ctx, tenantID)
}

// Result returns the detection output of a completed scan.
func (s *Service) Result(ctx context.Context, tenantID uuid.UUID, id uuid.UUID) (*models.ScanResult, error) {
	scan, err := s.store.GetScan(ctx, id, tenantID)
	if err != nil {
		return nil, err
	}
	if scan.Status != models.ScanStatusCompleted {
		return nil, ErrScanNotCompleted
	}
	return s.store.GetScanResultByScanID(ctx, id)
}

// Cancel marks the scan cancelled and aborts its executor. Cancelling a scan
// that already reached a terminal state is a no-op, so the endpoint stays
// idempotent for clients whose cancel raced the scan's own completion.
func (s *Service) Cancel(ctx context.Context, tenantID uuid.UUID, id uuid.UUID) error {
	scan, err := s.store.GetScan(ctx, id, tenantID)
	if err != nil {
		return err
	}
	if models.ScanTerminal(scan.Status) {
		return nil
	}

	if err := s.store.UpdateScanStatus(ctx, id, models.ScanStatusCancelled); err != nil {
		return fmt.Errorf("mark scan cancelled: %w", err)
	}

	s.mu.Lock()
	cancel, ok := s.running[id]
	s.mu.Unlock()
	if ok {
		cancel()
	}

	scan.Status = models.ScanStatusCancelled
	s.cacheSnapshot(ctx, scan)
	return nil
}

// run drives one scan to a terminal state. It owns its copy of the job
// record; the one returned to the caller is never touched again. Store writes
// use a background context so terminal records land even after the executor's
// context is cancelled.
func (s *Service) run(scan models.ScanJob) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.mu.Lock()
	s.running[scan.ID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, scan.ID)
		s.mu.Unlock()
	}()

	bg := context.Background()

	if err := s.store.UpdateScanStatus(bg, scan.ID, models.ScanStatusRunning); err != nil {
		// A cancel that landed before the scan ever started is the usual
		// cause; anything else is logged and the scan abandoned.
		slog.Warn("scan could not enter running", "scan_id", scan.ID, "error", err)
		return
	}
	scan.Status = models.ScanStatusRunning
	s.cacheSnapshot(bg, &scan)

	report := func(p Progress) {
		if p.Percent > scan.Progress {
			scan.Progress = p.Percent
		}
		if p.Findings > scan.Findings {
			scan.Findings = p.Findings
		}
		scan.Step = p.Step
		if err := s.store.UpdateScanProgress(bg, scan.ID, scan.Progress, scan.Step, scan.Findings); err != nil {
			slog.Warn("persist scan progress failed", "scan_id", scan.ID, "error", err)
		}
		s.cacheSnapshot(bg, &scan)
	}

	result, err := s.exec.Run(ctx, &scan, report)
	switch {
	case err != nil && ctx.Err() != nil:
		// Cancelled; Cancel already wrote the terminal status.
		slog.Info("scan cancelled", "scan_id", scan.ID)
	case err != nil:
		msg := err.Error()
		if uerr := s.store.UpdateScanStatus(bg, scan.ID, models.ScanStatusFailed, store.WithErrorMessage(msg)); uerr != nil {
			slog.Error("mark scan failed", "scan_id", scan.ID, "error", uerr)
		}
		scan.Status = models.ScanStatusFailed
		scan.ErrorMessage = &msg
		s.cacheSnapshot(bg, &scan)
		slog.Warn("scan failed", "scan_id", scan.ID, "error", err)
	default:
		if cerr := s.store.CreateScanResult(bg, result); cerr != nil {
			slog.Error("persist scan result", "scan_id", scan.ID, "error", cerr)
			msg := "scan completed but the result could not be stored"
			_ = s.store.UpdateScanStatus(bg, scan.ID, models.ScanStatusFailed, store.WithErrorMessage(msg))
			scan.Status = models.ScanStatusFailed
			scan.ErrorMessage = &msg
			s.cacheSnapshot(bg, &scan)
			return
		}
		if uerr := s.store.UpdateScanStatus(bg, scan.ID, models.ScanStatusCompleted); uerr != nil {
			slog.Error("mark scan completed", "scan_id", scan.ID, "error", uerr)
		}
		scan.Status = models.ScanStatusCompleted
		scan.Progress = 100
		s.cacheSnapshot(bg, &scan)
		slog.Info("scan completed", "scan_id", scan.ID,
			"flagged_files", result.FlaggedFiles, "findings", len(result.Findings))
	}
}

// cacheSnapshot best-effort refreshes the cached status snapshot.
func (s *Service) cacheSnapshot(ctx context.Context, scan *models.ScanJob) {
	raw, err := json.Marshal(scan)
	if err != nil {
		return
	}
	if err := s.cache.SetScanSnapshot(ctx, scan.ID, raw, s.snapshotTTL); err != nil {
		slog.Debug("cache scan snapshot failed", "scan_id", scan.ID, "error", err)
	}
}
