package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/nicktill/tinytrack/pkg/config"
)

// Sender delivers encoded events to a collector
type Sender interface {
	// Post sends a JSON body with extra headers
	Post(ctx context.Context, url string, body []byte, headers map[string]string) error
	// Get sends a request whose payload is entirely in the query string
	Get(ctx context.Context, url string) error
	// Beacon queues a best-effort POST and returns whether it was accepted.
	// The outcome is never reported.
	Beacon(url string, body []byte, headers map[string]string) bool
}

// StatusError is returned for a non-2xx collector response
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request failed with status %d", e.Code)
}

// Status codes the collector uses to reject a batch for good
var nonRetryable = map[int]bool{
	http.StatusBadRequest:          true,
	http.StatusUnauthorized:        true,
	http.StatusForbidden:           true,
	http.StatusGone:                true,
	http.StatusUnprocessableEntity: true,
}

// Retryable reports whether a failed delivery should be attempted again
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return !nonRetryable[se.Code]
	}
	return true
}

// HTTPTransport implements Sender using HTTP
type HTTPTransport struct {
	client *http.Client

	beaconTimeout time.Duration
	beacons       sync.WaitGroup
}

// NewHTTP creates a new HTTP transport. Per-request deadlines come from the
// caller's context; timeout only bounds beacons and acts as a backstop.
func NewHTTP(timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = config.DefaultConnectionTimeout
	}
	return &HTTPTransport{
		client: &http.Client{
			Timeout: 2 * timeout,
		},
		beaconTimeout: timeout,
	}
}

// Post sends a JSON body
func (t *HTTPTransport) Post(ctx context.Context, url string, body []byte, headers map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return t.do(req)
}

// Get sends a GET request. Custom headers are never attached to GET.
func (t *HTTPTransport) Get(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return t.do(req)
}

// Beacon posts body in the background
func (t *HTTPTransport) Beacon(url string, body []byte, headers map[string]string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), t.beaconTimeout)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		cancel()
		return false
	}
	req.Header.Set("Content-Type", "text/plain; charset=UTF-8")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	t.beacons.Add(1)
	go func() {
		defer t.beacons.Done()
		defer cancel()
		_ = t.do(req)
	}()
	return true
}

// WaitBeacons blocks until every queued beacon has finished
func (t *HTTPTransport) WaitBeacons() {
	t.beacons.Wait()
}

func (t *HTTPTransport) do(req *http.Request) error {
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}
