package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"designer/internal/domain"
)

// SeqHeader carries the remote's current seq on a 412 answer.
const SeqHeader = "X-Designer-Seq"

// StatusError is a non-2xx answer from the HTTP remote.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote returned %d", e.Code)
	}
	return fmt.Sprintf("remote returned %d: %s", e.Code, e.Body)
}

// Unwrap maps 409 Conflict to ErrStaleSeq and 412 Precondition Failed to
// ErrSeqConflict.
func (e *StatusError) Unwrap() error {
	switch e.Code {
	case http.StatusConflict:
		return ErrStaleSeq
	case http.StatusPreconditionFailed:
		return ErrSeqConflict
	}
	return nil
}

// Retryable reports whether the status is transient (5xx, 408, 429).
func (e *StatusError) Retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests
}

// HTTPRemote posts each payload as JSON to {baseURL}/projects/{id}/saves.
type HTTPRemote struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTP(baseURL, token string, timeout time.Duration) *HTTPRemote {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPRemote{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

func (h *HTTPRemote) Save(ctx context.Context, p domain.SavePayload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/projects/%s/saves", h.baseURL, url.PathEscape(p.ProjectID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", p.JobID)
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("post save: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode == http.StatusPreconditionFailed {
		if cur, err := strconv.ParseUint(resp.Header.Get(SeqHeader), 10, 64); err == nil {
			return &SeqConflictError{ProjectID: p.ProjectID, Current: cur}
		}
	}
	return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
}

func (h *HTTPRemote) Close() error {
	h.client.CloseIdleConnections()
	return nil
}
