package syncmgr

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

type Strategy string

const (
	LocalWins  Strategy = "local_wins"
	RemoteWins Strategy = "remote_wins"
	Merge      Strategy = "merge"
	PromptUser Strategy = "prompt_user"
)

func (s Strategy) Valid() bool {
	switch s {
	case LocalWins, RemoteWins, Merge, PromptUser:
		return true
	}
	return false
}

// MergeDocuments merges two JSON documents field by field. Arrays are unioned
// and de-duplicated by element identity, objects recurse, and scalars come
// from the newer side. Equal timestamps are broken by comparing canonical
// JSON, so MergeDocuments(a, b, ta, tb) equals MergeDocuments(b, a, tb, ta).
func MergeDocuments(local, remote json.RawMessage, localTime, remoteTime time.Time) (json.RawMessage, error) {
	l, err := decodeValue(local)
	if err != nil {
		return nil, fmt.Errorf("merge local: %w", err)
	}
	r, err := decodeValue(remote)
	if err != nil {
		return nil, fmt.Errorf("merge remote: %w", err)
	}
	var newer, older any
	switch {
	case localTime.After(remoteTime):
		newer, older = l, r
	case remoteTime.After(localTime):
		newer, older = r, l
	case bytes.Compare(canonical(l), canonical(r)) >= 0:
		newer, older = l, r
	default:
		newer, older = r, l
	}
	return json.Marshal(mergeValue(newer, older))
}

func mergeValue(newer, older any) any {
	switch n := newer.(type) {
	case map[string]any:
		o, ok := older.(map[string]any)
		if !ok {
			return newer
		}
		out := make(map[string]any, len(n)+len(o))
		for k, v := range o {
			out[k] = v
		}
		for k, v := range n {
			if ov, ok := o[k]; ok {
				out[k] = mergeValue(v, ov)
				continue
			}
			out[k] = v
		}
		return out
	case []any:
		o, ok := older.([]any)
		if !ok {
			return newer
		}
		return mergeArrays(n, o)
	default:
		return newer
	}
}

// mergeArrays keeps the newer side's order and appends the older side's
// elements it lacks. Elements present on both sides are merged.
func mergeArrays(newer, older []any) []any {
	olderByID := make(map[string]any, len(older))
	for _, v := range older {
		id := identity(v)
		if _, dup := olderByID[id]; !dup {
			olderByID[id] = v
		}
	}
	out := make([]any, 0, len(newer)+len(older))
	seen := make(map[string]struct{}, len(newer)+len(older))
	for _, v := range newer {
		id := identity(v)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if ov, ok := olderByID[id]; ok {
			v = mergeValue(v, ov)
		}
		out = append(out, v)
	}
	for _, v := range older {
		id := identity(v)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, v)
	}
	return out
}

// identity is the de-duplication key of an array element: the string id of
// an object, else its canonical JSON.
func identity(v any) string {
	if obj, ok := v.(map[string]any); ok {
		if id, ok := obj["id"].(string); ok && id != "" {
			return "id:" + id
		}
	}
	return "json:" + string(canonical(v))
}

func canonical(v any) []byte {
	// encoding/json sorts map keys.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}

func decodeValue(raw json.RawMessage) (any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
