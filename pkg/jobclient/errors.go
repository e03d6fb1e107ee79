package jobclient

import "errors"

// Sentinel errors surfaced to consumers.
var (
	// ErrJobActive rejects Submit/Resume while a job is already submitting
	// or running on this client. The backend is never contacted.
	ErrJobActive = errors.New("a job is already active on this client")

	// ErrSubmissionRejected wraps backend refusals of Submit (validation,
	// conflict with an existing active job, auth).
	ErrSubmissionRejected = errors.New("job submission rejected")

	// ErrJobFailed wraps a terminal failed status reported by the backend.
	ErrJobFailed = errors.New("job failed")

	// ErrCancellationIgnored is returned by Cancel when no job is running.
	// Benign; callers typically discard it.
	ErrCancellationIgnored = errors.New("cancel ignored: no running job")

	// ErrNoResult is returned by Result before the job has completed.
	ErrNoResult = errors.New("no result: job has not completed")
)
