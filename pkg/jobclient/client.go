package jobclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the client-side lifecycle state. It extends the backend status
// with the two purely local states idle and submitting.
type State string

const (
	StateIdle       State = "idle"
	StateSubmitting State = "submitting"
	StateRunning    State = "running"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

const defaultPollInterval = time.Second

// Options configures a Client. The zero value is usable: polling defaults to
// a fixed one-second interval, transient poll failures are retried forever,
// and callbacks are optional.
type Options struct {
	// PollInterval is the fixed delay between status polls. Ignored when
	// Schedule is set.
	PollInterval time.Duration

	// Schedule, when set, computes the delay before the next poll from the
	// last delivered snapshot. Allows adaptive backoff without changing the
	// client.
	Schedule func(last Snapshot) time.Duration

	// MaxPollFailures bounds consecutive failed status polls before the job
	// is declared failed. Zero means retry until a terminal status arrives.
	MaxPollFailures int

	// OnProgress is invoked at most once per poll tick with a non-terminal
	// snapshot. It is never invoked after Cancel returns.
	OnProgress func(Snapshot)

	// OnTerminal is invoked exactly once per lifecycle with the final
	// snapshot.
	OnTerminal func(Snapshot)

	Logger *slog.Logger
}

// Client owns the lifecycle of a single remote job. All methods are safe for
// concurrent use. Callbacks run on the polling goroutine and must not invoke
// Cancel synchronously.
type Client struct {
	backend Backend
	opts    Options

	mu           sync.Mutex
	state        State
	id           uuid.UUID
	last         Snapshot
	tok          *token
	terminalSent bool

	// emitMu serializes progress delivery against cancellation, so that no
	// OnProgress call can begin once Cancel has returned.
	emitMu sync.Mutex
}

// New creates a Client in the idle state.
func New(backend Backend, opts Options) *Client {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{backend: backend, opts: opts, state: StateIdle}
}

// token suppresses effects of in-flight requests issued before cancellation
// or supersession. Its context is also handed to the transport so aborted
// polls can stop early, though correctness relies only on the post-response
// check.
type token struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func newToken() *token {
	ctx, cancel := context.WithCancel(context.Background())
	return &token{ctx: ctx, cancel: cancel}
}

func (t *token) invalidate()       { t.cancel() }
func (t *token) invalidated() bool { return t.ctx.Err() != nil }

// Submit creates a new job on the backend and starts the poll loop. It is
// rejected with ErrJobActive, without contacting the backend, while another
// job is submitting or running on this client. A backend refusal transitions
// the client to failed and returns an error wrapping ErrSubmissionRejected.
func (c *Client) Submit(ctx context.Context, input any) (uuid.UUID, error) {
	c.mu.Lock()
	if c.state == StateSubmitting || c.state == StateRunning {
		c.mu.Unlock()
		return uuid.Nil, ErrJobActive
	}
	if c.tok != nil {
		c.tok.invalidate()
	}
	c.state = StateSubmitting
	c.terminalSent = false
	c.last = Snapshot{}
	c.mu.Unlock()

	id, err := c.backend.Submit(ctx, input)
	if err != nil {
		snap := Snapshot{Status: StatusFailed, Error: err.Error()}
		c.mu.Lock()
		c.state = StateFailed
		c.last = snap
		c.mu.Unlock()
		c.emitTerminal(snap)
		if errors.Is(err, ErrSubmissionRejected) {
			return uuid.Nil, err
		}
		return uuid.Nil, fmt.Errorf("%w: %v", ErrSubmissionRejected, err)
	}

	c.bind(id, Snapshot{ID: id, Status: StatusRunning})
	return id, nil
}

// Resume attaches the client to a job that is already running server-side,
// skipping submission. The caller must have confirmed the job exists, e.g.
// via Discover.
func (c *Client) Resume(id uuid.UUID) error {
	return c.resume(Snapshot{ID: id, Status: StatusRunning})
}

// Discover implements the startup discovery protocol: it asks the backend
// for the caller's active job and, if one exists, resumes it. The returned
// snapshot carries the backend's descriptive metadata so the consumer can
// rebuild its display from server state alone. A nil snapshot with nil error
// means no active job; the client stays idle.
func (c *Client) Discover(ctx context.Context) (*Snapshot, error) {
	snap, err := c.backend.Active(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover active job: %w", err)
	}
	if snap == nil {
		return nil, nil
	}
	if err := c.resume(*snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func (c *Client) resume(seed Snapshot) error {
	c.mu.Lock()
	if c.state == StateSubmitting || c.state == StateRunning {
		c.mu.Unlock()
		return ErrJobActive
	}
	if c.tok != nil {
		c.tok.invalidate()
	}
	c.mu.Unlock()

	c.bind(seed.ID, seed)
	return nil
}

// bind transitions to running and starts the poll loop for id.
func (c *Client) bind(id uuid.UUID, seed Snapshot) {
	tok := newToken()
	c.mu.Lock()
	c.id = id
	c.state = StateRunning
	c.tok = tok
	c.terminalSent = false
	c.last = seed
	c.mu.Unlock()

	go c.poll(tok, id, seed)
}

// Cancel stops the job. The cancellation token is invalidated and the client
// transitions to cancelled before the backend is notified, so no progress
// callback fires after Cancel returns even if a poll response is still in
// flight. The backend notification is best-effort; its failure is logged and
// swallowed (a job that already finished server-side is not an error).
// Returns ErrCancellationIgnored when no job is running.
func (c *Client) Cancel(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return ErrCancellationIgnored
	}
	c.tok.invalidate()
	c.state = StateCancelled
	id := c.id
	snap := c.last
	snap.Status = StatusCancelled
	c.last = snap
	c.mu.Unlock()

	// Taking emitMu waits out any progress delivery already in flight; with
	// the token invalidated no new one can start.
	c.emitMu.Lock()
	c.emitTerminal(snap)
	c.emitMu.Unlock()

	if err := c.backend.Cancel(ctx, id); err != nil {
		c.opts.Logger.Warn("best-effort backend cancel failed", "job_id", id, "error", err)
	}
	return nil
}

// Result fetches the completed job's result payload.
func (c *Client) Result(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	if c.state != StateCompleted {
		c.mu.Unlock()
		return nil, ErrNoResult
	}
	id := c.id
	c.mu.Unlock()

	raw, err := c.backend.Result(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetch result: %w", err)
	}
	return raw, nil
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// JobID returns the bound job id, or uuid.Nil before submission.
func (c *Client) JobID() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// LastSnapshot returns the most recently recorded snapshot.
func (c *Client) LastSnapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// poll is the core loop: sleep, fetch status, discard stale responses,
// deliver progress, stop on a terminal status. One goroutine per bind; the
// token ends it.
func (c *Client) poll(tok *token, id uuid.UUID, seed Snapshot) {
	timer := time.NewTimer(c.nextDelay(seed))
	defer timer.Stop()

	failures := 0
	for {
		select {
		case <-tok.ctx.Done():
			return
		case <-timer.C:
		}

		snap, err := c.backend.Status(tok.ctx, id)
		if tok.invalidated() {
			// The job was cancelled or superseded while this request was in
			// flight; the response must not resurrect its state.
			return
		}
		if err != nil {
			failures++
			c.opts.Logger.Warn("status poll failed", "job_id", id, "consecutive", failures, "error", err)
			if c.opts.MaxPollFailures > 0 && failures >= c.opts.MaxPollFailures {
				c.finish(tok, Snapshot{
					ID:     id,
					Status: StatusFailed,
					Error:  fmt.Sprintf("status polling gave up after %d consecutive failures: %v", failures, err),
				})
				return
			}
			timer.Reset(c.nextDelay(c.LastSnapshot()))
			continue
		}
		failures = 0
		snap.ID = id

		snap, ok := c.record(tok, snap)
		if !ok {
			return
		}
		if snap.Status.Terminal() {
			c.finish(tok, snap)
			return
		}

		c.emitMu.Lock()
		if !tok.invalidated() && c.opts.OnProgress != nil {
			c.opts.OnProgress(snap)
		}
		c.emitMu.Unlock()

		timer.Reset(c.nextDelay(snap))
	}
}

// record clamps progress and findings to their running maxima (snapshots may
// reorder in transit; display values never regress) and stores the snapshot.
// ok is false when the token has been superseded.
func (c *Client) record(tok *token, snap Snapshot) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tok != tok {
		return snap, false
	}
	if snap.Progress < c.last.Progress {
		snap.Progress = c.last.Progress
	}
	if snap.Findings < c.last.Findings {
		snap.Findings = c.last.Findings
	}
	c.last = snap
	return snap, true
}

// finish moves the client to the terminal state for snap and delivers the
// terminal callback.
func (c *Client) finish(tok *token, snap Snapshot) {
	c.mu.Lock()
	if c.tok != tok {
		c.mu.Unlock()
		return
	}
	c.state = stateFor(snap.Status)
	c.last = snap
	tok.invalidate()
	c.mu.Unlock()

	c.emitTerminal(snap)
}

// emitTerminal delivers OnTerminal at most once per lifecycle.
func (c *Client) emitTerminal(snap Snapshot) {
	c.mu.Lock()
	if c.terminalSent {
		c.mu.Unlock()
		return
	}
	c.terminalSent = true
	c.mu.Unlock()

	if c.opts.OnTerminal != nil {
		c.opts.OnTerminal(snap)
	}
}

func (c *Client) nextDelay(last Snapshot) time.Duration {
	if c.opts.Schedule != nil {
		return c.opts.Schedule(last)
	}
	return c.opts.PollInterval
}

func stateFor(s Status) State {
	switch s {
	case StatusCompleted:
		return StateCompleted
	case StatusFailed:
		return StateFailed
	case StatusCancelled:
		return StateCancelled
	default:
		return StateRunning
	}
}
