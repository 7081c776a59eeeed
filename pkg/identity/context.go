package identity

import (
	"github.com/nicktill/tinytrack/pkg/config"
	"github.com/nicktill/tinytrack/pkg/event"
)

// ClientSession is the data of the client_session context.
type ClientSession struct {
	UserID              string `json:"userId"`
	SessionID           string `json:"sessionId"`
	SessionIndex        int    `json:"sessionIndex"`
	EventIndex          int    `json:"eventIndex"`
	PreviousSessionID   string `json:"previousSessionId,omitempty"`
	StorageMechanism    string `json:"storageMechanism"`
	FirstEventID        string `json:"firstEventId,omitempty"`
	FirstEventTimestamp string `json:"firstEventTimestamp,omitempty"`
}

// SessionContext builds the client_session context for s. It returns false
// when the identifiers are withheld.
func SessionContext(s Session, ids Identifiers, strategy config.StateStorageStrategy) (event.SelfDescribingJSON, bool) {
	if ids.SessionID == "" {
		return event.SelfDescribingJSON{}, false
	}

	mechanism := "COOKIE_1"
	switch {
	case ids.DomainUserID == "" || strategy == config.StrategyNone:
		mechanism = "NONE"
	case strategy == config.StrategyLocalStorage:
		mechanism = "LOCAL_STORAGE"
	}

	data := ClientSession{
		UserID:            ids.DomainUserID,
		SessionID:         s.SessionID,
		SessionIndex:      s.SessionIndex,
		EventIndex:        s.EventIndex,
		PreviousSessionID: s.PreviousSessionID,
		StorageMechanism:  mechanism,
		FirstEventID:      s.FirstEventID,
	}
	if !s.FirstEventTime.IsZero() {
		data.FirstEventTimestamp = s.FirstEventTime.UTC().Format("2006-01-02T15:04:05.000Z")
	}
	return event.SelfDescribingJSON{Schema: event.ClientSessionSchema, Data: data}, true
}
