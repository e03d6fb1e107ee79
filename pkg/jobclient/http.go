package jobclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// ErrBackendUnavailable wraps transport-level failures reaching the scan API.
var ErrBackendUnavailable = errors.New("job backend unavailable")

// HTTPBackend implements Backend against the scan API
// (POST /api/v1/scans, GET /api/v1/scans/{id}, ...).
type HTTPBackend struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPBackend creates a backend for the scan API at baseURL, authenticated
// with the given API key.
func NewHTTPBackend(baseURL, apiKey string, timeout time.Duration) *HTTPBackend {
	return &HTTPBackend{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (b *HTTPBackend) Submit(ctx context.Context, input any) (uuid.UUID, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return uuid.Nil, fmt.Errorf("encode scan request: %w", err)
	}

	var payload scanPayload
	status, err := b.do(ctx, http.MethodPost, b.baseURL+"/api/v1/scans", bytes.NewReader(body), &payload)
	if err != nil {
		return uuid.Nil, err
	}
	if status >= 400 && status < 500 {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrSubmissionRejected, payload.errMessage)
	}
	if status != http.StatusAccepted && status != http.StatusCreated && status != http.StatusOK {
		return uuid.Nil, fmt.Errorf("submit scan: unexpected status %d", status)
	}
	return payload.ID, nil
}

func (b *HTTPBackend) Status(ctx context.Context, id uuid.UUID) (Snapshot, error) {
	var payload scanPayload
	status, err := b.do(ctx, http.MethodGet, fmt.Sprintf("%s/api/v1/scans/%s", b.baseURL, id), nil, &payload)
	if err != nil {
		return Snapshot{}, err
	}
	if status != http.StatusOK {
		return Snapshot{}, fmt.Errorf("get scan status: unexpected status %d", status)
	}
	return payload.snapshot(), nil
}

func (b *HTTPBackend) Result(ctx context.Context, id uuid.UUID) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/api/v1/scans/%s/result", b.baseURL, id), nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	b.setHeaders(req)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decoding result response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get scan result: unexpected status %d", resp.StatusCode)
	}
	return env.Data, nil
}

// Cancel is best-effort and idempotent: 404 (scan gone) and 409 (already
// terminal) are not errors.
func (b *HTTPBackend) Cancel(ctx context.Context, id uuid.UUID) error {
	var payload scanPayload
	status, err := b.do(ctx, http.MethodDelete, fmt.Sprintf("%s/api/v1/scans/%s", b.baseURL, id), nil, &payload)
	if err != nil {
		return err
	}
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound || status == http.StatusConflict:
		return nil
	default:
		return fmt.Errorf("cancel scan: unexpected status %d", status)
	}
}

func (b *HTTPBackend) Active(ctx context.Context) (*Snapshot, error) {
	var payload scanPayload
	status, err := b.do(ctx, http.MethodGet, b.baseURL+"/api/v1/scans/active", nil, &payload)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("get active scan: unexpected status %d", status)
	}
	snap := payload.snapshot()
	return &snap, nil
}

// do issues a request and decodes the JSON envelope into payload. Transport
// failures wrap ErrBackendUnavailable; HTTP error envelopes land in
// payload.errMessage with the status returned for the caller to interpret.
func (b *HTTPBackend) do(ctx context.Context, method, url string, body *bytes.Reader, payload *scanPayload) (int, error) {
	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, url, body)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, url, nil)
	}
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}
	b.setHeaders(req)

	resp, err := b.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	var env struct {
		Data  *scanPayload `json:"data"`
		Error *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
	}
	if env.Data != nil {
		*payload = *env.Data
	}
	if env.Error != nil {
		payload.errMessage = env.Error.Message
		if payload.errMessage == "" {
			payload.errMessage = env.Error.Code
		}
	}
	if payload.errMessage == "" && resp.StatusCode >= 400 {
		payload.errMessage = http.StatusText(resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func (b *HTTPBackend) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+b.apiKey)
	if req.Method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}
}

// scanPayload mirrors the scan API's job representation.
type scanPayload struct {
	ID              uuid.UUID `json:"id"`
	RepositoryOwner string    `json:"repository_owner"`
	RepositoryName  string    `json:"repository_name"`
	Branch          string    `json:"branch"`
	Status          string    `json:"status"`
	Progress        int       `json:"progress"`
	Step            string    `json:"step"`
	Findings        int       `json:"findings"`
	ErrorMessage    *string   `json:"error_message"`

	errMessage string
}

func (p scanPayload) snapshot() Snapshot {
	snap := Snapshot{
		ID:       p.ID,
		Status:   Status(p.Status),
		Progress: p.Progress,
		Step:     p.Step,
		Findings: p.Findings,
		Meta: map[string]string{
			"repository_owner": p.RepositoryOwner,
			"repository_name":  p.RepositoryName,
			"branch":           p.Branch,
		},
	}
	if p.ErrorMessage != nil {
		snap.Error = *p.ErrorMessage
	}
	return snap
}

// Compile-time check that HTTPBackend implements Backend.
var _ Backend = (*HTTPBackend)(nil)
