package scans

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/bluewave-labs/verifywise-sub006/internal/detector"
	"github.com/bluewave-labs/verifywise-sub006/pkg/models"
)

// Progress is one executor-reported advance of a running scan.
type Progress struct {
	Percent  int
	Step     string
	Findings int
}

// ProgressFunc receives progress updates from a running executor.
type ProgressFunc func(Progress)

// Executor performs one scan. Run blocks until the scan finishes, reporting
// progress along the way, and returns the result or an error. Cancelling ctx
// aborts the scan; Run then returns ctx's error.
type Executor interface {
	Run(ctx context.Context, scan *models.ScanJob, report ProgressFunc) (*models.ScanResult, error)
}

// DetectorExecutor relays the external detection engine's progress stream.
// The engine does the actual cloning and scanning; this executor only maps
// its events onto the job record.
type DetectorExecutor struct {
	client detector.Client
}

// NewDetectorExecutor creates an executor backed by the given engine client.
func NewDetectorExecutor(client detector.Client) *DetectorExecutor {
	return &DetectorExecutor{client: client}
}

func (e *DetectorExecutor) Run(ctx context.Context, scan *models.ScanJob, report ProgressFunc) (*models.ScanResult, error) {
	stream, err := e.client.Analyze(ctx, detector.AnalyzeRequest{
		RepositoryOwner: scan.RepositoryOwner,
		RepositoryName:  scan.RepositoryName,
		Branch:          scan.Branch,
	})
	if err != nil {
		return nil, fmt.Errorf("start analysis: %w", err)
	}
	defer stream.Close()

	for {
		ev, err := stream.Next()
		if errors.Is(err, io.EOF) {
			return nil, errors.New("analysis stream ended without a terminal event")
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("read analysis stream: %w", err)
		}

		switch ev.Type {
		case detector.EventProgress:
			report(Progress{Percent: ev.Progress, Step: ev.Step, Findings: ev.Findings})
		case detector.EventCompleted:
			if ev.Result == nil {
				return nil, errors.New("completed event without result payload")
			}
			return &models.ScanResult{
				ID:           uuid.New(),
				ScanID:       scan.ID,
				TenantID:     scan.TenantID,
				TotalFiles:   ev.Result.TotalFiles,
				FlaggedFiles: ev.Result.FlaggedFiles,
				Findings:     ev.Result.Findings,
				CreatedAt:    time.Now().UTC(),
			}, nil
		case detector.EventFailed:
			return nil, fmt.Errorf("analysis failed: %s", ev.Error)
		default:
			// Unknown event types are skipped so engine additions stay
			// backward compatible.
		}
	}
}

// Compile-time check that DetectorExecutor implements Executor.
var _ Executor = (*DetectorExecutor)(nil)
