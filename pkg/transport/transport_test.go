package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewHTTP(t *testing.T) {
	tr := NewHTTP(0)
	if tr.client == nil {
		t.Fatal("HTTP client is nil")
	}
	if tr.beaconTimeout <= 0 {
		t.Errorf("beaconTimeout = %v, want positive default", tr.beaconTimeout)
	}
}

func TestHTTPTransport_Post_Success(t *testing.T) {
	var receivedBody string
	var receivedHeader string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %v, want POST", r.Method)
		}
		if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
			t.Errorf("Content-Type = %v, want application/json", r.Header.Get("Content-Type"))
		}
		receivedHeader = r.Header.Get("X-Tenant")
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatalf("failed to read body: %v", err)
		}
		receivedBody = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	tr := NewHTTP(time.Second)
	err := tr.Post(context.Background(), server.URL, []byte(`{"a":1}`), map[string]string{"X-Tenant": "shop"})
	if err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	if receivedBody != `{"a":1}` {
		t.Errorf("body = %q", receivedBody)
	}
	if receivedHeader != "shop" {
		t.Errorf("X-Tenant = %q, want shop", receivedHeader)
	}
}

func TestHTTPTransport_Get(t *testing.T) {
	var query string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %v, want GET", r.Method)
		}
		query = r.URL.RawQuery
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	tr := NewHTTP(time.Second)
	if err := tr.Get(context.Background(), server.URL+"/i?e=pv&aid=shop"); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if query != "e=pv&aid=shop" {
		t.Errorf("query = %q", query)
	}
}

func TestHTTPTransport_StatusErrors(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		wantErr    bool
		retryable  bool
	}{
		{"200 OK", http.StatusOK, false, false},
		{"204 No Content", http.StatusNoContent, false, false},
		{"400 Bad Request", http.StatusBadRequest, true, false},
		{"403 Forbidden", http.StatusForbidden, true, false},
		{"429 Too Many Requests", http.StatusTooManyRequests, true, true},
		{"500 Internal Server Error", http.StatusInternalServerError, true, true},
		{"503 Service Unavailable", http.StatusServiceUnavailable, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
			}))
			defer server.Close()

			err := NewHTTP(time.Second).Post(context.Background(), server.URL, []byte("{}"), nil)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Post() error = %v, wantErr %v", err, tt.wantErr)
			}
			if Retryable(err) != tt.retryable {
				t.Errorf("Retryable() = %v, want %v", Retryable(err), tt.retryable)
			}
			var se *StatusError
			if tt.wantErr && !errors.As(err, &se) {
				t.Errorf("error %v is not a StatusError", err)
			}
		})
	}
}

func TestHTTPTransport_ContextTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := NewHTTP(5*time.Second).Post(ctx, server.URL, []byte("{}"), nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want deadline exceeded", err)
	}
	if !Retryable(err) {
		t.Error("timeouts should be retryable")
	}
	if time.Since(start) > 2*time.Second {
		t.Error("request was not aborted at the deadline")
	}
}

func TestHTTPTransport_NetworkError(t *testing.T) {
	err := NewHTTP(time.Second).Get(context.Background(), "http://127.0.0.1:1/i")
	if err == nil {
		t.Fatal("expected error for unreachable collector")
	}
	if !Retryable(err) {
		t.Error("network errors should be retryable")
	}
}

func TestHTTPTransport_Beacon(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	tr := NewHTTP(time.Second)
	if !tr.Beacon(server.URL, []byte("{}"), nil) {
		t.Fatal("Beacon() not accepted")
	}
	tr.WaitBeacons()

	if hits.Load() != 1 {
		t.Errorf("hits = %d, want 1", hits.Load())
	}
}

func TestRetryable_Nil(t *testing.T) {
	if Retryable(nil) {
		t.Error("nil error should not be retryable")
	}
}
