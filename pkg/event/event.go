package event

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Iglu schemas understood by the collector
const (
	PayloadDataSchema      = "iglu:com.snowplowanalytics.snowplow/payload_data/jsonschema/1-0-4"
	ContextsSchema         = "iglu:com.snowplowanalytics.snowplow/contexts/jsonschema/1-0-0"
	UnstructEventSchema    = "iglu:com.snowplowanalytics.snowplow/unstruct_event/jsonschema/1-0-0"
	WebPageSchema          = "iglu:com.snowplowanalytics.snowplow/web_page/jsonschema/1-0-0"
	ClientSessionSchema    = "iglu:com.snowplowanalytics.snowplow/client_session/jsonschema/1-0-2"
	ApplicationErrorSchema = "iglu:com.snowplowanalytics.snowplow/application_error/jsonschema/1-0-2"
	LinkClickSchema        = "iglu:com.snowplowanalytics.snowplow/link_click/jsonschema/1-0-1"
	ButtonClickSchema      = "iglu:com.snowplowanalytics.snowplow/button_click/jsonschema/1-0-0"
)

// Event type codes carried in the "e" field
const (
	TypePageView       = "pv"
	TypePagePing       = "pp"
	TypeSelfDescribing = "ue"
)

// Names used for sampling exemptions and plugin filters
const (
	NamePageView = "page_view"
	NamePagePing = "page_ping"
)

// SelfDescribingJSON is a schema-tagged JSON document.
type SelfDescribingJSON struct {
	Schema string      `json:"schema"`
	Data   interface{} `json:"data"`
}

// SchemaName extracts the event name from an Iglu URI
// (iglu:vendor/name/format/version).
func SchemaName(schema string) string {
	s := strings.TrimPrefix(schema, "iglu:")
	parts := strings.Split(s, "/")
	if len(parts) < 2 {
		return schema
	}
	return parts[1]
}

// Event is a tracked event before identity, contexts and sequencing are
// attached.
type Event struct {
	// Name identifies the event for sampling and filtering
	Name string

	// Payload holds the event-specific fields, including "e"
	Payload *Payload

	// SelfDescribing is encoded into ue_px/ue_pr when set
	SelfDescribing *SelfDescribingJSON

	// Contexts supplied by the caller
	Contexts []SelfDescribingJSON

	// TrueTimestamp overrides the device timestamp (epoch ms) when non-zero
	TrueTimestamp int64
}

// PageInfo describes the page an event happened on.
type PageInfo struct {
	URL      string
	Title    string
	Referrer string
}

func (pi PageInfo) addTo(p *Payload) {
	p.Add("url", pi.URL)
	p.Add("page", pi.Title)
	p.Add("refr", pi.Referrer)
}

// PageView builds a page view event
func PageView(page PageInfo, contexts ...SelfDescribingJSON) Event {
	p := NewPayload()
	p.Add("e", TypePageView)
	page.addTo(p)
	return Event{Name: NamePageView, Payload: p, Contexts: contexts}
}

// Offsets are scroll extrema reported by a page ping.
type Offsets struct {
	MinX, MaxX, MinY, MaxY int
}

// PagePing builds a page ping carrying scroll extrema
func PagePing(page PageInfo, offsets Offsets, contexts ...SelfDescribingJSON) Event {
	p := NewPayload()
	p.Add("e", TypePagePing)
	page.addTo(p)
	p.Add("pp_mix", strconv.Itoa(offsets.MinX))
	p.Add("pp_max", strconv.Itoa(offsets.MaxX))
	p.Add("pp_miy", strconv.Itoa(offsets.MinY))
	p.Add("pp_may", strconv.Itoa(offsets.MaxY))
	return Event{Name: NamePagePing, Payload: p, Contexts: contexts}
}

// SelfDescribing builds a self-describing (custom) event
func SelfDescribing(ev SelfDescribingJSON, contexts ...SelfDescribingJSON) Event {
	p := NewPayload()
	p.Add("e", TypeSelfDescribing)
	return Event{
		Name:           SchemaName(ev.Schema),
		Payload:        p,
		SelfDescribing: &ev,
		Contexts:       contexts,
	}
}

// ErrorInfo describes an application error.
type ErrorInfo struct {
	Message    string `json:"message"`
	Filename   string `json:"fileName,omitempty"`
	LineNumber int    `json:"lineNumber,omitempty"`
	LineColumn int    `json:"lineColumn,omitempty"`
	StackTrace string `json:"stackTrace,omitempty"`
	IsFatal    bool   `json:"isFatal,omitempty"`
}

// ApplicationError builds an application error event
func ApplicationError(info ErrorInfo, contexts ...SelfDescribingJSON) Event {
	if len(info.Message) > 2048 {
		info.Message = info.Message[:2048]
	}
	return SelfDescribing(SelfDescribingJSON{Schema: ApplicationErrorSchema, Data: info}, contexts...)
}

// LinkClickInfo describes a followed link.
type LinkClickInfo struct {
	TargetURL      string   `json:"targetUrl"`
	ElementID      string   `json:"elementId,omitempty"`
	ElementClasses []string `json:"elementClasses,omitempty"`
	ElementTarget  string   `json:"elementTarget,omitempty"`
	ElementContent string   `json:"elementContent,omitempty"`
}

// LinkClick builds a link click event
func LinkClick(info LinkClickInfo, contexts ...SelfDescribingJSON) Event {
	return SelfDescribing(SelfDescribingJSON{Schema: LinkClickSchema, Data: info}, contexts...)
}

// ButtonClickInfo describes a pressed button.
type ButtonClickInfo struct {
	Label   string   `json:"label"`
	ID      string   `json:"id,omitempty"`
	Classes []string `json:"classes,omitempty"`
	Name    string   `json:"name,omitempty"`
}

// ButtonClick builds a button click event
func ButtonClick(info ButtonClickInfo, contexts ...SelfDescribingJSON) Event {
	return SelfDescribing(SelfDescribingJSON{Schema: ButtonClickSchema, Data: info}, contexts...)
}

// Encode writes the self-describing body and contexts into the payload.
func (e *Event) Encode(contexts []SelfDescribingJSON, encodeBase64 bool) error {
	if e.SelfDescribing != nil {
		wrapped := SelfDescribingJSON{Schema: UnstructEventSchema, Data: e.SelfDescribing}
		if err := e.Payload.AddJSON(wrapped, encodeBase64, "ue_px", "ue_pr"); err != nil {
			return err
		}
	}
	if len(contexts) > 0 {
		wrapped := SelfDescribingJSON{Schema: ContextsSchema, Data: contexts}
		if err := e.Payload.AddJSON(wrapped, encodeBase64, "cx", "co"); err != nil {
			return err
		}
	}
	return nil
}

// QueuedEvent is the envelope held by the outbound queue.
type QueuedEvent struct {
	// Seq is unique within a tracker and defines delivery order
	Seq uint64 `json:"seq"`

	Name     string               `json:"name"`
	Payload  *Payload             `json:"payload"`
	Contexts []SelfDescribingJSON `json:"contexts,omitempty"`

	// Timestamp is the enqueue time in epoch milliseconds
	Timestamp int64 `json:"ts"`

	// Attempts counts failed delivery attempts
	Attempts int `json:"attempts"`
}

// Size approximates the event's share of a POST body in bytes
func (q QueuedEvent) Size() int {
	data, err := json.Marshal(q.Payload.Map())
	if err != nil {
		return 0
	}
	return len(data)
}
