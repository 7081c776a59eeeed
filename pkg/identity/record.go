package identity

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// ErrCorruptRecord is returned when a stored id record cannot be parsed.
var ErrCorruptRecord = errors.New("corrupt id record")

// Session is the identity and session context attached to events.
type Session struct {
	DomainUserID      string
	CreatedAt         time.Time
	SessionIndex      int
	LastActivity      time.Time
	LastVisit         time.Time
	SessionID         string
	PreviousSessionID string
	FirstEventID      string
	FirstEventTime    time.Time
	EventIndex        int

	// SessionStart is not persisted; restored sessions start at load time
	SessionStart time.Time
}

const recordFields = 10

// encodeRecord renders the dot-separated id record:
// duid.createdTs.sessionIndex.nowTs.lastVisitTs.sessionId.previousSessionId.firstEventId.firstEventTs.eventIndex
// Timestamps are epoch milliseconds; zero times are written as empty fields.
func encodeRecord(s Session) string {
	fields := []string{
		s.DomainUserID,
		msString(s.CreatedAt),
		strconv.Itoa(s.SessionIndex),
		msString(s.LastActivity),
		msString(s.LastVisit),
		s.SessionID,
		s.PreviousSessionID,
		s.FirstEventID,
		msString(s.FirstEventTime),
		strconv.Itoa(s.EventIndex),
	}
	return strings.Join(fields, ".")
}

func decodeRecord(raw string) (Session, error) {
	fields := strings.Split(raw, ".")
	if len(fields) != recordFields {
		return Session{}, fmt.Errorf("%w: %d fields", ErrCorruptRecord, len(fields))
	}
	if fields[0] == "" || fields[5] == "" {
		return Session{}, fmt.Errorf("%w: missing identifiers", ErrCorruptRecord)
	}

	var s Session
	var err error
	s.DomainUserID = fields[0]
	if s.CreatedAt, err = parseMS(fields[1]); err != nil {
		return Session{}, err
	}
	if s.SessionIndex, err = strconv.Atoi(fields[2]); err != nil || s.SessionIndex < 1 {
		return Session{}, fmt.Errorf("%w: session index %q", ErrCorruptRecord, fields[2])
	}
	if s.LastActivity, err = parseMS(fields[3]); err != nil {
		return Session{}, err
	}
	if s.LastVisit, err = parseMS(fields[4]); err != nil {
		return Session{}, err
	}
	s.SessionID = fields[5]
	s.PreviousSessionID = fields[6]
	s.FirstEventID = fields[7]
	if s.FirstEventTime, err = parseMS(fields[8]); err != nil {
		return Session{}, err
	}
	if s.EventIndex, err = strconv.Atoi(fields[9]); err != nil || s.EventIndex < 0 {
		return Session{}, fmt.Errorf("%w: event index %q", ErrCorruptRecord, fields[9])
	}
	return s, nil
}

func msString(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseMS(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp %q", ErrCorruptRecord, s)
	}
	return time.UnixMilli(ms), nil
}

// DomainHash returns the four hex digits that scope cookie names to a
// cookie domain and path.
func DomainHash(domain, path string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(domain+path))[:4]
}
