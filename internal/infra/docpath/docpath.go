// Package docpath implements the slash-separated path semantics shared by
// the document store adapters: "user/42/categoryTotals/food" addresses a
// node of a JSON-like tree.
package docpath

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Split returns the non-empty segments of path.
func Split(path string) []string {
	parts := strings.Split(path, "/")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Join joins segments into a canonical path.
func Join(segs ...string) string {
	var all []string
	for _, s := range segs {
		all = append(all, Split(s)...)
	}
	return strings.Join(all, "/")
}

// Validate rejects segments that the stores cannot address.
func Validate(path string) error {
	for _, seg := range Split(path) {
		if strings.ContainsAny(seg, ".$#[]") {
			return fmt.Errorf("invalid path segment %q in %q", seg, path)
		}
	}
	return nil
}

// Related reports whether a change at one path can affect the other, that
// is one is an ancestor of (or equal to) the other.
func Related(a, b string) bool {
	as, bs := Split(a), Split(b)
	n := len(as)
	if len(bs) < n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

// Normalize converts v to the plain JSON shapes (map[string]any, []any,
// float64, string, bool, nil) by a JSON round trip.
func Normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding value: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding value: %w", err)
	}
	return prune(out), nil
}

// prune drops empty maps, which the tree treats as absent.
func prune(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	for k, child := range m {
		if child = prune(child); child == nil {
			delete(m, k)
		} else {
			m[k] = child
		}
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

// Clone deep-copies maps and slices of a normalized value.
func Clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = Clone(child)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = Clone(child)
		}
		return out
	default:
		return v
	}
}

// Lookup returns the node at segs below root, or nil.
func Lookup(root any, segs []string) any {
	cur := root
	for _, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[seg]
	}
	return cur
}

// Put stores v at segs below root and returns the new root. A nil v
// deletes the node; parents left empty are removed.
func Put(root any, segs []string, v any) any {
	if len(segs) == 0 {
		return v
	}
	m, ok := root.(map[string]any)
	if !ok {
		if v == nil {
			return root
		}
		m = make(map[string]any)
	}
	child := Put(m[segs[0]], segs[1:], v)
	if child == nil {
		delete(m, segs[0])
	} else {
		m[segs[0]] = child
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

// Leaves flattens a value into path → scalar pairs below prefix.
func Leaves(prefix string, v any) map[string]any {
	out := make(map[string]any)
	var walk func(path string, v any)
	walk = func(path string, v any) {
		if m, ok := v.(map[string]any); ok {
			for k, child := range m {
				walk(Join(path, k), child)
			}
			return
		}
		if v != nil {
			out[path] = v
		}
	}
	walk(prefix, v)
	return out
}
