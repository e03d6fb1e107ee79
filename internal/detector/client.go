package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/bluewave-labs/verifywise-sub006/pkg/models"
)

// Sentinel errors for detection engine failures.
var (
	ErrDetectorUnreachable = errors.New("detection engine unreachable")
	ErrDetectorRejected    = errors.New("detection engine rejected request")
	ErrDetectorTimeout     = errors.New("detection engine timeout")
)

// Client is the interface for the external AI-detection engine. The engine
// owns cloning and scanning; this service only relays its progress stream.
type Client interface {
	Analyze(ctx context.Context, req AnalyzeRequest) (*Stream, error)
	Ready(ctx context.Context) error
}

// AnalyzeRequest identifies the repository to scan.
type AnalyzeRequest struct {
	RepositoryOwner string `json:"repository_owner"`
	RepositoryName  string `json:"repository_name"`
	Branch          string `json:"branch,omitempty"`
}

// Event is one NDJSON line from the engine's analyze stream. The stream ends
// with a single completed or failed event.
type Event struct {
	Type     string         `json:"type"` // "progress", "completed", "failed"
	Progress int            `json:"progress"`
	Step     string         `json:"step"`
	Findings int            `json:"findings"`
	Error    string         `json:"error,omitempty"`
	Result   *AnalyzeResult `json:"result,omitempty"`
}

const (
	EventProgress  = "progress"
	EventCompleted = "completed"
	EventFailed    = "failed"
)

// AnalyzeResult is the engine's final payload on a completed event.
type AnalyzeResult struct {
	TotalFiles   int              `json:"total_files"`
	FlaggedFiles int              `json:"flagged_files"`
	Findings     []models.Finding `json:"findings"`
}

// Stream reads analyze events until io.EOF. Close must be called when done.
type Stream struct {
	body io.ReadCloser
	dec  *json.Decoder
}

// Next returns the next event, or io.EOF when the engine closed the stream.
func (s *Stream) Next() (Event, error) {
	var ev Event
	if err := s.dec.Decode(&ev); err != nil {
		if errors.Is(err, io.EOF) {
			return Event{}, io.EOF
		}
		return Event{}, fmt.Errorf("decoding analyze event: %w", err)
	}
	return ev, nil
}

func (s *Stream) Close() error {
	return s.body.Close()
}

// HTTPClient implements Client using the engine's HTTP API.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPClient creates a new detection engine client. The timeout bounds the
// whole analyze stream, so it should cover the longest expected scan.
func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

// Analyze starts a scan and returns the engine's NDJSON progress stream.
func (c *HTTPClient) Analyze(ctx context.Context, req AnalyzeRequest) (*Stream, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding analyze request: %w", err)
	}

	u := fmt.Sprintf("%s/v1/analyze", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrDetectorRejected, resp.StatusCode, bytes.TrimSpace(msg))
	}

	return &Stream{body: resp.Body, dec: json.NewDecoder(resp.Body)}, nil
}

func (c *HTTPClient) Ready(ctx context.Context) error {
	u := fmt.Sprintf("%s/ready", c.baseURL)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDetectorUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: engine not ready (status %d)", ErrDetectorUnreachable, resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrDetectorTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrDetectorTimeout, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrDetectorUnreachable, err)
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
