package remoteconfig

import (
	"fmt"

	"github.com/nicktill/tinytrack/pkg/config"
)

// Side names one of the two layers being merged.
type Side int

const (
	// SideRemote is the fetched (or cached) remote layer
	SideRemote Side = iota
	// SideLocal is the application-supplied layer
	SideLocal
)

// MergePolicy decides, per top-level key family, which side's arrays replace
// the other's under the merge preference.
type MergePolicy struct {
	Authority map[string]Side
	Default   Side
}

// DefaultPolicy makes the remote layer authoritative for every key family
func DefaultPolicy() MergePolicy {
	return MergePolicy{Default: SideRemote}
}

func (p MergePolicy) authority(family string) Side {
	if side, ok := p.Authority[family]; ok {
		return side
	}
	return p.Default
}

// Merge combines local and remote according to pref. Keys present on only
// one side are always kept. Inputs are not modified.
//
//   - app: local wins every conflict, remote fills gaps
//   - rem: remote wins every conflict, local fills gaps
//   - merge: scalars resolve remote-wins; two objects merge one level deep
//     (remote wins nested conflicts, deeper values are replaced wholesale);
//     arrays come wholesale from the side the policy makes authoritative
func Merge(local, remote map[string]interface{}, pref config.MergePreference, policy MergePolicy) map[string]interface{} {
	out := make(map[string]interface{}, len(local)+len(remote))

	switch pref {
	case config.PreferApp:
		overlay(out, remote)
		overlay(out, local)
		return out
	case config.PreferRemote:
		overlay(out, local)
		overlay(out, remote)
		return out
	}

	overlay(out, local)
	for k, rv := range remote {
		lv, ok := local[k]
		if !ok {
			out[k] = deepCopy(rv)
			continue
		}
		out[k] = mergeValue(k, lv, rv, policy)
	}
	return out
}

func mergeValue(family string, lv, rv interface{}, policy MergePolicy) interface{} {
	_, lArr := lv.([]interface{})
	_, rArr := rv.([]interface{})
	if lArr || rArr {
		if policy.authority(family) == SideLocal {
			return deepCopy(lv)
		}
		return deepCopy(rv)
	}

	lObj, lok := lv.(map[string]interface{})
	rObj, rok := rv.(map[string]interface{})
	if lok && rok {
		nested := make(map[string]interface{}, len(lObj)+len(rObj))
		overlay(nested, lObj)
		overlay(nested, rObj)
		return nested
	}
	return deepCopy(rv)
}

func overlay(dst, src map[string]interface{}) {
	for k, v := range src {
		dst[k] = deepCopy(v)
	}
}

func deepCopy(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, vv := range t {
			out[k] = deepCopy(vv)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, vv := range t {
			out[i] = deepCopy(vv)
		}
		return out
	}
	return v
}

// Normalize converts config decoded from YAML or built in Go into the shape
// encoding/json produces: string-keyed maps, []interface{} arrays and float64
// numbers. Layers are normalized before merging and comparison.
func Normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, vv := range t {
			out[k] = Normalize(vv)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, vv := range t {
			out[fmt.Sprint(k)] = Normalize(vv)
		}
		return out
	case map[string]string:
		out := make(map[string]interface{}, len(t))
		for k, vv := range t {
			out[k] = vv
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, vv := range t {
			out[i] = Normalize(vv)
		}
		return out
	case []string:
		out := make([]interface{}, len(t))
		for i, vv := range t {
			out[i] = vv
		}
		return out
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case uint:
		return float64(t)
	case uint64:
		return float64(t)
	case float32:
		return float64(t)
	}
	return v
}

// NormalizeMap is Normalize for a top-level object
func NormalizeMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return Normalize(m).(map[string]interface{})
}
