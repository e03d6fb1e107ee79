package models

import (
	"time"

	"github.com/google/uuid"
)

// ScanResult holds the full detection output for a completed scan. Results are
// fetched through a dedicated endpoint so status polling stays small.
type ScanResult struct {
	ID           uuid.UUID `db:"id"            json:"id"`
	ScanID       uuid.UUID `db:"scan_id"       json:"scan_id"`
	TenantID     uuid.UUID `db:"tenant_id"     json:"tenant_id"`
	TotalFiles   int       `db:"total_files"   json:"total_files"`
	FlaggedFiles int       `db:"flagged_files" json:"flagged_files"`
	Findings     []Finding `db:"findings"      json:"findings"`
	CreatedAt    time.Time `db:"created_at"    json:"created_at"`
}

// Finding is one file region the detection engine flagged as likely
// AI-generated.
type Finding struct {
	Path       string  `json:"path"`
	StartLine  int     `json:"start_line"`
	EndLine    int     `json:"end_line"`
	Confidence float64 `json:"confidence"`
	Detector   string  `json:"detector"`
}
