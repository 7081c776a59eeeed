package traceparent

import (
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/nicktill/tinytrack/pkg/plugin"
)

type host struct{}

func (host) ID() string        { return "sp" }
func (host) Namespace() string { return "sp" }

func TestNewRoot(t *testing.T) {
	c, err := NewRoot()
	if err != nil {
		t.Fatalf("NewRoot() error = %v", err)
	}
	if len(c.TraceID) != 32 {
		t.Errorf("TraceID length = %d, want 32", len(c.TraceID))
	}
	if len(c.SpanID) != 16 {
		t.Errorf("SpanID length = %d, want 16", len(c.SpanID))
	}
	if !c.Sampled {
		t.Error("root should be sampled")
	}
}

func TestChild(t *testing.T) {
	root, _ := NewRoot()
	child, err := root.Child()
	if err != nil {
		t.Fatalf("Child() error = %v", err)
	}
	if child.TraceID != root.TraceID {
		t.Error("child must keep the trace ID")
	}
	if child.ParentID != root.SpanID {
		t.Errorf("ParentID = %v, want %v", child.ParentID, root.SpanID)
	}
	if child.SpanID == root.SpanID {
		t.Error("child must get a new span ID")
	}
}

func TestParseRoundTrip(t *testing.T) {
	root, _ := NewRoot()
	got, err := Parse(root.String())
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got.TraceID != root.TraceID || got.SpanID != root.SpanID || !got.Sampled {
		t.Errorf("Parse() = %+v, want %+v", got, root)
	}
}

func TestParseInvalid(t *testing.T) {
	tests := []string{
		"",
		"00-abc-def-01",
		"01-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
		"00-00000000000000000000000000000000-00f067aa0ba902b7-01",
		"00-4bf92f3577b34da6a3ce929d0e0e4736-0000000000000000-01",
		"00-4BF92F3577B34DA6A3CE929D0E0E4736-00f067aa0ba902b7-01",
		"00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7",
	}
	for _, value := range tests {
		if _, err := Parse(value); !errors.Is(err, ErrInvalid) {
			t.Errorf("Parse(%q) error = %v, want ErrInvalid", value, err)
		}
	}
}

func TestFromRequest(t *testing.T) {
	req := httptest.NewRequest("POST", "/com.snowplowanalytics.snowplow/tp2", nil)
	if _, ok := FromRequest(req); ok {
		t.Error("request without header should not yield a context")
	}

	req.Header.Set(Header, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-00")
	c, ok := FromRequest(req)
	if !ok {
		t.Fatal("expected a trace context")
	}
	if c.Sampled {
		t.Error("flags 00 should not be sampled")
	}
	if c.TraceID != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("TraceID = %v", c.TraceID)
	}
}

func TestPlugin(t *testing.T) {
	p := New()
	if caps := p.Capabilities(); !caps.Activate || !caps.Contexts || caps.Filter {
		t.Errorf("Capabilities() = %+v", caps)
	}

	r := plugin.NewRegistry(host{}, plugin.Options{})
	if err := r.Add(p); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	first := r.Contexts()
	second := r.Contexts()
	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("expected one context per event, got %d and %d", len(first), len(second))
	}
	if first[0].Schema != Schema {
		t.Errorf("Schema = %v", first[0].Schema)
	}

	a, err := Parse(first[0].Data.(map[string]string)["traceparent"])
	if err != nil {
		t.Fatalf("context carries an invalid traceparent: %v", err)
	}
	b, _ := Parse(second[0].Data.(map[string]string)["traceparent"])
	if a.TraceID != b.TraceID {
		t.Error("events from one tracker should share a trace")
	}
	if a.SpanID == b.SpanID {
		t.Error("each event should get its own span")
	}
}
