package remoteconfig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nicktill/tinytrack/pkg/config"
)

var (
	// ErrMalformed is returned when a config document is not a JSON object.
	ErrMalformed = errors.New("malformed remote config")

	// ErrFetch is returned when the remote config cannot be retrieved.
	ErrFetch = errors.New("remote config fetch failed")
)

// Fetcher retrieves the remote config document.
type Fetcher interface {
	Fetch(ctx context.Context) (map[string]interface{}, error)
}

// FetcherFunc adapts a function to Fetcher
type FetcherFunc func(ctx context.Context) (map[string]interface{}, error)

// Fetch calls f
func (f FetcherFunc) Fetch(ctx context.Context) (map[string]interface{}, error) {
	return f(ctx)
}

// HTTPFetcher fetches a JSON object over HTTP.
type HTTPFetcher struct {
	url    string
	client *http.Client
}

// NewHTTPFetcher creates a fetcher for url
func NewHTTPFetcher(url string, timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = config.RemoteConfigFetchTimeout
	}
	return &HTTPFetcher{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Fetch retrieves and decodes the document
func (f *HTTPFetcher) Fetch(ctx context.Context) (map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d", ErrFetch, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, config.MaxRemoteConfigBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: not an object", ErrMalformed)
	}
	return doc, nil
}
