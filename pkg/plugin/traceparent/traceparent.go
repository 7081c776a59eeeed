// Package traceparent attaches a W3C trace context to every event so that
// collector-side spans can be joined to the page that produced them.
//
// Each tracker gets its own trace on activation; every event carries a
// fresh child span of it. The header format is
//
//	traceparent: 00-{trace-id}-{span-id}-{flags}
package traceparent

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/nicktill/tinytrack/pkg/event"
	"github.com/nicktill/tinytrack/pkg/plugin"
)

const (
	// Name is the plugin name
	Name = "traceparent"
	// Schema is the Iglu schema of the attached context
	Schema = "iglu:com.tinytrack/traceparent/jsonschema/1-0-0"
	// Header is the HTTP header carrying the trace context
	Header = "traceparent"
)

// ErrInvalid is returned for a header that is not a version 00 traceparent
var ErrInvalid = errors.New("invalid traceparent")

// TraceID is a 128-bit trace identifier in lowercase hex
type TraceID string

// SpanID is a 64-bit span identifier in lowercase hex
type SpanID string

// Context is one position in a trace
type Context struct {
	TraceID  TraceID `json:"trace_id"`
	SpanID   SpanID  `json:"span_id"`
	ParentID SpanID  `json:"parent_id,omitempty"`
	Sampled  bool    `json:"sampled"`
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// NewRoot starts a new sampled trace
func NewRoot() (Context, error) {
	traceID, err := randomHex(16)
	if err != nil {
		return Context{}, fmt.Errorf("failed to generate trace ID: %w", err)
	}
	spanID, err := randomHex(8)
	if err != nil {
		return Context{}, fmt.Errorf("failed to generate span ID: %w", err)
	}
	return Context{TraceID: TraceID(traceID), SpanID: SpanID(spanID), Sampled: true}, nil
}

// Child returns a new span of the same trace with c as its parent
func (c Context) Child() (Context, error) {
	spanID, err := randomHex(8)
	if err != nil {
		return Context{}, fmt.Errorf("failed to generate span ID: %w", err)
	}
	return Context{
		TraceID:  c.TraceID,
		SpanID:   SpanID(spanID),
		ParentID: c.SpanID,
		Sampled:  c.Sampled,
	}, nil
}

// String formats c as a traceparent header value
func (c Context) String() string {
	flags := "00"
	if c.Sampled {
		flags = "01"
	}
	return "00-" + string(c.TraceID) + "-" + string(c.SpanID) + "-" + flags
}

// Parse reads a traceparent header value
func Parse(value string) (Context, error) {
	parts := strings.Split(strings.TrimSpace(value), "-")
	if len(parts) != 4 {
		return Context{}, fmt.Errorf("%w: %q", ErrInvalid, value)
	}
	version, traceID, spanID, flags := parts[0], parts[1], parts[2], parts[3]
	if version != "00" || !isHex(traceID, 32) || !isHex(spanID, 16) || !isHex(flags, 2) {
		return Context{}, fmt.Errorf("%w: %q", ErrInvalid, value)
	}
	if allZero(traceID) || allZero(spanID) {
		return Context{}, fmt.Errorf("%w: zero id", ErrInvalid)
	}
	return Context{
		TraceID:  TraceID(traceID),
		SpanID:   SpanID(spanID),
		ParentID: SpanID(spanID),
		Sampled:  flags == "01",
	}, nil
}

// FromRequest extracts the trace context from an incoming request
func FromRequest(r *http.Request) (Context, bool) {
	value := r.Header.Get(Header)
	if value == "" {
		return Context{}, false
	}
	c, err := Parse(value)
	return c, err == nil
}

func isHex(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for _, c := range s {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

func allZero(s string) bool {
	return strings.Trim(s, "0") == ""
}

type state struct {
	mu   sync.Mutex
	root Context
}

// New returns the plugin. Activation starts the tracker's trace; each
// event's context is a new child span.
func New() plugin.Plugin {
	st := &state{}
	return plugin.Plugin{
		Name: Name,
		Activate: func(plugin.Host) error {
			root, err := NewRoot()
			if err != nil {
				return err
			}
			st.mu.Lock()
			st.root = root
			st.mu.Unlock()
			return nil
		},
		Contexts: func() []event.SelfDescribingJSON {
			st.mu.Lock()
			defer st.mu.Unlock()
			child, err := st.root.Child()
			if err != nil {
				return nil
			}
			return []event.SelfDescribingJSON{{
				Schema: Schema,
				Data:   map[string]string{"traceparent": child.String()},
			}}
		},
	}
}
