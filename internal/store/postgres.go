package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bluewave-labs/verifywise-sub006/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Tenants ---

func (s *PostgresStore) GetDefaultTenant(ctx context.Context) (*models.Tenant, error) {
	var t models.Tenant
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, slug, created_at, updated_at FROM tenants WHERE slug = 'default' LIMIT 1`,
	).Scan(&t.ID, &t.Name, &t.Slug, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get default tenant: %w", err)
	}
	return &t, nil
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.TenantID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, tenant_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.TenantID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, tenantID uuid.UUID) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE tenant_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.TenantID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL`, id, tenantID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Scan Jobs ---

const scanColumns = `id, tenant_id, repository_owner, repository_name, branch, status,
	 progress, step, findings, error_message, started_at, completed_at, created_at, updated_at`

func scanScanJob(row pgx.Row) (*models.ScanJob, error) {
	var j models.ScanJob
	err := row.Scan(&j.ID, &j.TenantID, &j.RepositoryOwner, &j.RepositoryName, &j.Branch,
		&j.Status, &j.Progress, &j.Step, &j.Findings, &j.ErrorMessage,
		&j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *PostgresStore) CreateScan(ctx context.Context, scan *models.ScanJob) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO scan_jobs (id, tenant_id, repository_owner, repository_name, branch, status, progress, step, findings, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		scan.ID, scan.TenantID, scan.RepositoryOwner, scan.RepositoryName, scan.Branch,
		scan.Status, scan.Progress, scan.Step, scan.Findings, scan.CreatedAt, scan.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			// The one-active-scan-per-tenant partial index fired.
			return ErrActiveScanExists
		}
		return fmt.Errorf("create scan: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetScan(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.ScanJob, error) {
	j, err := scanScanJob(s.pool.QueryRow(ctx,
		`SELECT `+scanColumns+` FROM scan_jobs WHERE id = $1 AND tenant_id = $2`, id, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get scan: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) GetActiveScan(ctx context.Context, tenantID uuid.UUID) (*models.ScanJob, error) {
	j, err := scanScanJob(s.pool.QueryRow(ctx,
		`SELECT `+scanColumns+` FROM scan_jobs
		 WHERE tenant_id = $1 AND status IN ('pending', 'running')
		 ORDER BY created_at DESC LIMIT 1`, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get active scan: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ListScans(ctx context.Context, filter ScanFilter) ([]*models.ScanJob, int, error) {
	conditions := []string{"tenant_id = $1"}
	args := []any{filter.TenantID}
	argIdx := 2

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	countQuery := "SELECT COUNT(*) FROM scan_jobs WHERE " + where
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count scans: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * limit

	dataQuery := fmt.Sprintf(
		`SELECT `+scanColumns+` FROM scan_jobs WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list scans: %w", err)
	}
	defer rows.Close()

	var scans []*models.ScanJob
	for rows.Next() {
		j, err := scanScanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan scan job: %w", err)
		}
		scans = append(scans, j)
	}
	return scans, total, rows.Err()
}

var validTransitions = map[string][]string{
	models.ScanStatusPending: {models.ScanStatusRunning, models.ScanStatusFailed, models.ScanStatusCancelled},
	models.ScanStatusRunning: {models.ScanStatusCompleted, models.ScanStatusFailed, models.ScanStatusCancelled},
}

func (s *PostgresStore) UpdateScanStatus(ctx context.Context, id uuid.UUID, status string, opts ...ScanUpdateOption) error {
	params := &scanUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	var currentStatus string
	err := s.pool.QueryRow(ctx, `SELECT status FROM scan_jobs WHERE id = $1`, id).Scan(&currentStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get scan status: %w", err)
	}

	allowed := validTransitions[currentStatus]
	valid := false
	for _, a := range allowed {
		if a == status {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid scan status transition: %s -> %s", currentStatus, status)
	}

	now := time.Now().UTC()
	query := `UPDATE scan_jobs SET status = $2, updated_at = $3`
	args := []any{id, status, now}
	argIdx := 4

	if status == models.ScanStatusRunning {
		query += fmt.Sprintf(", started_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	}
	if models.ScanTerminal(status) {
		query += fmt.Sprintf(", completed_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	}
	if params.ErrorMessage != nil {
		query += fmt.Sprintf(", error_message = $%d", argIdx)
		args = append(args, *params.ErrorMessage)
		argIdx++
	}

	query += " WHERE id = $1"

	_, err = s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update scan status: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateScanProgress(ctx context.Context, id uuid.UUID, progress int, step string, findings int) error {
	// GREATEST keeps progress and findings monotonic even if updates land
	// out of order. Updates against a scan that already left running match
	// no rows; late progress is dropped.
	_, err := s.pool.Exec(ctx,
		`UPDATE scan_jobs SET
		   progress = GREATEST(progress, $2),
		   step = $3,
		   findings = GREATEST(findings, $4),
		   updated_at = NOW()
		 WHERE id = $1 AND status = 'running'`, id, progress, step, findings)
	if err != nil {
		return fmt.Errorf("update scan progress: %w", err)
	}
	return nil
}

// --- Scan Results ---

func (s *PostgresStore) CreateScanResult(ctx context.Context, result *models.ScanResult) error {
	findings, err := json.Marshal(result.Findings)
	if err != nil {
		return fmt.Errorf("encode findings: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO scan_results (id, scan_id, tenant_id, total_files, flagged_files, findings, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		result.ID, result.ScanID, result.TenantID, result.TotalFiles, result.FlaggedFiles,
		findings, result.CreatedAt)
	if err != nil {
		return fmt.Errorf("create scan result: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetScanResultByScanID(ctx context.Context, scanID uuid.UUID) (*models.ScanResult, error) {
	var r models.ScanResult
	var findings []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, scan_id, tenant_id, total_files, flagged_files, findings, created_at
		 FROM scan_results WHERE scan_id = $1`, scanID,
	).Scan(&r.ID, &r.ScanID, &r.TenantID, &r.TotalFiles, &r.FlaggedFiles, &findings, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get scan result: %w", err)
	}
	if err := json.Unmarshal(findings, &r.Findings); err != nil {
		return nil, fmt.Errorf("decode findings: %w", err)
	}
	return &r, nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
