package event

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Pair is one name-value field of a tracker payload.
type Pair struct {
	Name  string
	Value string
}

// Payload is an ordered set of name-value pairs. Field order is kept so GET
// query strings are stable across retries.
type Payload struct {
	pairs []Pair
	index map[string]int
}

// NewPayload creates an empty payload
func NewPayload() *Payload {
	return &Payload{index: make(map[string]int)}
}

// Add sets name to value. Empty values are skipped; an existing name is
// overwritten in place.
func (p *Payload) Add(name, value string) {
	if value == "" {
		return
	}
	if i, ok := p.index[name]; ok {
		p.pairs[i].Value = value
		return
	}
	p.index[name] = len(p.pairs)
	p.pairs = append(p.pairs, Pair{Name: name, Value: value})
}

// AddDict adds every entry of fields in key order
func (p *Payload) AddDict(fields map[string]string) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		p.Add(k, fields[k])
	}
}

// AddJSON marshals v and stores it under encodedName as unpadded URL-safe
// base64, or under plainName as raw JSON.
func (p *Payload) AddJSON(v interface{}, encodeBase64 bool, encodedName, plainName string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", plainName, err)
	}
	if encodeBase64 {
		p.Add(encodedName, base64.RawURLEncoding.EncodeToString(data))
		return nil
	}
	p.Add(plainName, string(data))
	return nil
}

// Get returns the value stored under name
func (p *Payload) Get(name string) (string, bool) {
	if p == nil {
		return "", false
	}
	i, ok := p.index[name]
	if !ok {
		return "", false
	}
	return p.pairs[i].Value, true
}

// Delete removes name
func (p *Payload) Delete(name string) {
	i, ok := p.index[name]
	if !ok {
		return
	}
	p.pairs = append(p.pairs[:i], p.pairs[i+1:]...)
	delete(p.index, name)
	for j := i; j < len(p.pairs); j++ {
		p.index[p.pairs[j].Name] = j
	}
}

// Len returns the number of fields
func (p *Payload) Len() int {
	if p == nil {
		return 0
	}
	return len(p.pairs)
}

// Pairs returns a copy of the fields in insertion order
func (p *Payload) Pairs() []Pair {
	out := make([]Pair, len(p.pairs))
	copy(out, p.pairs)
	return out
}

// Clone returns a deep copy
func (p *Payload) Clone() *Payload {
	c := NewPayload()
	for _, pair := range p.pairs {
		c.Add(pair.Name, pair.Value)
	}
	return c
}

// Map returns the fields as a map for JSON POST bodies
func (p *Payload) Map() map[string]string {
	m := make(map[string]string, len(p.pairs))
	for _, pair := range p.pairs {
		m[pair.Name] = pair.Value
	}
	return m
}

// Encode form-encodes the fields in insertion order
func (p *Payload) Encode() string {
	var b strings.Builder
	for i, pair := range p.pairs {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(pair.Name))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(pair.Value))
	}
	return b.String()
}

// MarshalJSON encodes the payload as an array of [name, value] pairs so the
// field order survives persistence.
func (p *Payload) MarshalJSON() ([]byte, error) {
	out := make([][2]string, len(p.pairs))
	for i, pair := range p.pairs {
		out[i] = [2]string{pair.Name, pair.Value}
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the form written by MarshalJSON
func (p *Payload) UnmarshalJSON(data []byte) error {
	var in [][2]string
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	p.pairs = nil
	p.index = make(map[string]int, len(in))
	for _, pair := range in {
		p.Add(pair[0], pair[1])
	}
	return nil
}

// PayloadFromValues builds a payload from decoded form values, in key order
func PayloadFromValues(values url.Values) *Payload {
	p := NewPayload()
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		p.Add(k, values.Get(k))
	}
	return p
}
