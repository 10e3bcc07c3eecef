// Package fields extracts logical values from loosely-typed server payloads.
//
// Different app-server versions name the same concept differently
// (camelCase, snake_case, nested objects). Instead of branching per field,
// callers declare an ordered list of candidate paths; the first path that
// structurally matches wins.
package fields

import (
	"time"

	"github.com/tidwall/gjson"

	"github.com/codefionn/agentlink/internal/wire"
)

// Doc wraps one payload for repeated candidate-path lookups.
type Doc struct {
	raw []byte
}

// Wrap prepares a structured value for lookups.
func Wrap(v wire.Value) Doc {
	return Doc{raw: v.JSON()}
}

// WrapBytes prepares raw JSON bytes for lookups.
func WrapBytes(data []byte) Doc {
	return Doc{raw: data}
}

// get returns the first existing result among the candidate paths.
func (d Doc) get(paths []string) (gjson.Result, bool) {
	for _, p := range paths {
		if r := gjson.GetBytes(d.raw, p); r.Exists() {
			return r, true
		}
	}
	return gjson.Result{}, false
}

// Str returns the first string found among the candidate paths.
func (d Doc) Str(paths ...string) (string, bool) {
	r, ok := d.get(paths)
	if !ok || r.Type != gjson.String {
		return "", false
	}
	return r.Str, true
}

// Int returns the first number found among the candidate paths.
func (d Doc) Int(paths ...string) (int64, bool) {
	r, ok := d.get(paths)
	if !ok || r.Type != gjson.Number {
		return 0, false
	}
	return r.Int(), true
}

// Float returns the first number found among the candidate paths.
func (d Doc) Float(paths ...string) (float64, bool) {
	r, ok := d.get(paths)
	if !ok || r.Type != gjson.Number {
		return 0, false
	}
	return r.Float(), true
}

// Bool returns the first boolean found among the candidate paths.
func (d Doc) Bool(paths ...string) (bool, bool) {
	r, ok := d.get(paths)
	if !ok {
		return false, false
	}
	switch r.Type {
	case gjson.True:
		return true, true
	case gjson.False:
		return false, true
	}
	return false, false
}

// StrSlice returns the first array of strings found among the candidate
// paths. Non-string items are skipped.
func (d Doc) StrSlice(paths ...string) ([]string, bool) {
	r, ok := d.get(paths)
	if !ok || !r.IsArray() {
		return nil, false
	}
	var out []string
	for _, item := range r.Array() {
		if item.Type == gjson.String {
			out = append(out, item.Str)
		}
	}
	return out, true
}

// Array returns the raw elements of the first array found among the
// candidate paths.
func (d Doc) Array(paths ...string) ([]Doc, bool) {
	r, ok := d.get(paths)
	if !ok || !r.IsArray() {
		return nil, false
	}
	items := r.Array()
	out := make([]Doc, 0, len(items))
	for _, item := range items {
		out = append(out, Doc{raw: []byte(item.Raw)})
	}
	return out, true
}

// Time returns the first timestamp found among the candidate paths. It
// accepts RFC 3339 strings and unix-second or unix-millisecond numbers.
func (d Doc) Time(paths ...string) (time.Time, bool) {
	r, ok := d.get(paths)
	if !ok {
		return time.Time{}, false
	}
	switch r.Type {
	case gjson.String:
		if ts, err := time.Parse(time.RFC3339, r.Str); err == nil {
			return ts, true
		}
	case gjson.Number:
		n := r.Int()
		// Millisecond timestamps are far beyond any plausible second count.
		if n > 1e12 {
			return time.UnixMilli(n), true
		}
		return time.Unix(n, 0), true
	}
	return time.Time{}, false
}
