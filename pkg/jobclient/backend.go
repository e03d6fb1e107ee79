// Package jobclient drives a single long-running, server-tracked job through
// its lifecycle on behalf of a consumer: submission, polling, cancellation,
// and resumption of a job that is already running server-side (e.g. after the
// consuming process restarted). It has no knowledge of any UI layer; consumers
// observe the job through the OnProgress/OnTerminal callbacks.
package jobclient

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

// Status is the normalized backend-reported job status.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Snapshot is one observed job status. Progress, Step and Findings are
// advisory display values, not authoritative state; Meta carries
// backend-provided descriptive fields (e.g. repository name) so a resumed
// consumer can reconstruct its display without any local state.
type Snapshot struct {
	ID       uuid.UUID         `json:"id"`
	Status   Status            `json:"status"`
	Progress int               `json:"progress"`
	Step     string            `json:"step,omitempty"`
	Findings int               `json:"findings"`
	Error    string            `json:"error,omitempty"`
	Meta     map[string]string `json:"meta,omitempty"`
}

// Backend is the capability set the client consumes. Implementations must be
// safe for concurrent use; Cancel must be idempotent when the job is already
// terminal.
type Backend interface {
	// Submit creates a new job and returns its id.
	Submit(ctx context.Context, input any) (uuid.UUID, error)
	// Status fetches the current snapshot for a job.
	Status(ctx context.Context, id uuid.UUID) (Snapshot, error)
	// Result fetches the full result payload. Only valid once the job
	// completed.
	Result(ctx context.Context, id uuid.UUID) (json.RawMessage, error)
	// Cancel requests best-effort cancellation of a job.
	Cancel(ctx context.Context, id uuid.UUID) error
	// Active returns the caller's currently running job, or nil when there
	// is none.
	Active(ctx context.Context) (*Snapshot, error)
}
