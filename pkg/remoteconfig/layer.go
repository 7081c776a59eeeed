// Package remoteconfig merges application, default and remote configuration
// layers and decides when the remote layer is fetched again.
package remoteconfig

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// Source tags where a layer came from.
type Source string

const (
	SourceDefault Source = "def"
	SourceCache   Source = "cac"
	SourceRemote  Source = "rem"
)

// Layer is one configuration layer.
type Layer struct {
	Source      Source
	Config      map[string]interface{}
	FetchedAt   time.Time
	Fingerprint uint64
}

// NewLayer normalizes cfg and computes its fingerprint
func NewLayer(source Source, cfg map[string]interface{}, fetchedAt time.Time) (Layer, error) {
	norm := NormalizeMap(cfg)
	fp, err := Fingerprint(norm)
	if err != nil {
		return Layer{}, err
	}
	return Layer{Source: source, Config: norm, FetchedAt: fetchedAt, Fingerprint: fp}, nil
}

// Canonical renders cfg as JSON with sorted keys at every level
func Canonical(cfg map[string]interface{}) ([]byte, error) {
	data, err := json.Marshal(NormalizeMap(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize config: %w", err)
	}
	return data, nil
}

// Fingerprint hashes the canonical form of cfg
func Fingerprint(cfg map[string]interface{}) (uint64, error) {
	data, err := Canonical(cfg)
	if err != nil {
		return 0, err
	}
	return xxhash.Sum64(data), nil
}

var equateEmpty = cmpopts.EquateEmpty()

// Equal reports whether two configs are structurally equal. Empty and nil
// collections compare equal.
func Equal(a, b map[string]interface{}) bool {
	return cmp.Equal(NormalizeMap(a), NormalizeMap(b), equateEmpty)
}

// Diff returns a human-readable structural diff, empty when Equal
func Diff(a, b map[string]interface{}) string {
	return cmp.Diff(NormalizeMap(a), NormalizeMap(b), equateEmpty)
}

type cachedLayer struct {
	FetchedAt int64                  `json:"fetched_at"`
	Config    map[string]interface{} `json:"config"`
}

func encodeCache(l Layer) (string, error) {
	data, err := json.Marshal(cachedLayer{FetchedAt: l.FetchedAt.UnixMilli(), Config: l.Config})
	if err != nil {
		return "", fmt.Errorf("failed to encode cached config: %w", err)
	}
	return string(data), nil
}

func decodeCache(raw string) (Layer, error) {
	var c cachedLayer
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return Layer{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if c.Config == nil || c.FetchedAt <= 0 {
		return Layer{}, fmt.Errorf("%w: incomplete cache entry", ErrMalformed)
	}
	return NewLayer(SourceCache, c.Config, time.UnixMilli(c.FetchedAt))
}
