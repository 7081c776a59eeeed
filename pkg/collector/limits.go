package collector

import (
	"errors"
	"fmt"

	"github.com/nicktill/tinytrack/pkg/event"
)

// Per-event validation limits
const (
	MaxFieldsPerEvent = 128
	MaxFieldNameLen   = 64
	MaxFieldValueLen  = 1 << 17
)

var (
	// ErrMissingEventType is returned for an event without an "e" field
	ErrMissingEventType = errors.New("event type missing")

	// ErrTooManyFields is returned when an event has too many fields
	ErrTooManyFields = fmt.Errorf("too many fields (max %d)", MaxFieldsPerEvent)

	// ErrFieldNameTooLong is returned when a field name is too long
	ErrFieldNameTooLong = fmt.Errorf("field name too long (max %d chars)", MaxFieldNameLen)

	// ErrFieldValueTooLong is returned when a field value is too long
	ErrFieldValueTooLong = fmt.Errorf("field value too long (max %d chars)", MaxFieldValueLen)

	// ErrTooManyEvents is returned when a POST carries too many events
	ErrTooManyEvents = errors.New("too many events in request")

	// ErrBodyTooLarge is returned when a request body exceeds the limit
	ErrBodyTooLarge = errors.New("request body too large")
)

// knownTypes are the event type codes the collector accepts
var knownTypes = map[string]bool{
	event.TypePageView:       true,
	event.TypePagePing:       true,
	event.TypeSelfDescribing: true,
}

// ValidateEvent checks one event's fields against the limits
func ValidateEvent(fields map[string]string) error {
	kind := fields["e"]
	if kind == "" {
		return ErrMissingEventType
	}
	if !knownTypes[kind] {
		return fmt.Errorf("%w: unknown type %q", ErrMissingEventType, kind)
	}
	if len(fields) > MaxFieldsPerEvent {
		return fmt.Errorf("%w: event %q has %d fields", ErrTooManyFields, kind, len(fields))
	}
	for k, v := range fields {
		if len(k) > MaxFieldNameLen {
			return fmt.Errorf("%w: %q", ErrFieldNameTooLong, k)
		}
		if len(v) > MaxFieldValueLen {
			return fmt.Errorf("%w: field %q", ErrFieldValueTooLong, k)
		}
	}
	return nil
}
