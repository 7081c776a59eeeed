package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidBody is returned when a POST body is not a payload_data document.
var ErrInvalidBody = errors.New("invalid payload_data body")

// PostBody is the JSON document sent to the POST endpoint.
type PostBody struct {
	Schema string              `json:"schema"`
	Data   []map[string]string `json:"data"`
}

// EncodePost builds a POST body for payloads in order
func EncodePost(payloads []*Payload) ([]byte, error) {
	body := PostBody{Schema: PayloadDataSchema, Data: make([]map[string]string, len(payloads))}
	for i, p := range payloads {
		body.Data[i] = p.Map()
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal post body: %w", err)
	}
	return data, nil
}

// DecodePost parses a POST body
func DecodePost(data []byte) ([]map[string]string, error) {
	var body PostBody
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	if body.Schema == "" || !strings.Contains(body.Schema, "payload_data") {
		return nil, fmt.Errorf("%w: unexpected schema %q", ErrInvalidBody, body.Schema)
	}
	return body.Data, nil
}

// EncodeGet builds the GET URL for a single payload
func EncodeGet(endpoint string, p *Payload) string {
	return endpoint + "?" + p.Encode()
}
