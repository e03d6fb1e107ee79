package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	ScanStatusPending   = "pending"
	ScanStatusRunning   = "running"
	ScanStatusCompleted = "completed"
	ScanStatusFailed    = "failed"
	ScanStatusCancelled = "cancelled"
)

// ScanTerminal reports whether a scan status admits no further transitions.
func ScanTerminal(status string) bool {
	switch status {
	case ScanStatusCompleted, ScanStatusFailed, ScanStatusCancelled:
		return true
	}
	return false
}

// ScanJob tracks one AI-detection scan of a repository. The API returns the job
// on POST /api/v1/scans; clients poll GET /api/v1/scans/{id} until the status
// is terminal, then fetch the result separately. At most one scan per tenant
// may be pending or running at a time.
type ScanJob struct {
	ID              uuid.UUID  `db:"id"               json:"id"`
	TenantID        uuid.UUID  `db:"tenant_id"        json:"tenant_id"`
	RepositoryOwner string     `db:"repository_owner" json:"repository_owner"`
	RepositoryName  string     `db:"repository_name"  json:"repository_name"`
	Branch          string     `db:"branch"           json:"branch"`
	Status          string     `db:"status"           json:"status"`
	Progress        int        `db:"progress"         json:"progress"`
	Step            string     `db:"step"             json:"step"`
	Findings        int        `db:"findings"         json:"findings"`
	ErrorMessage    *string    `db:"error_message"    json:"error_message,omitempty"`
	StartedAt       *time.Time `db:"started_at"       json:"started_at,omitempty"`
	CompletedAt     *time.Time `db:"completed_at"     json:"completed_at,omitempty"`
	CreatedAt       time.Time  `db:"created_at"       json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"       json:"updated_at"`
}
