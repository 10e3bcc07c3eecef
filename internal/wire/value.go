package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Kind identifies the variant held by a Value.
type Kind int

const (
	// KindNull is the JSON null value
	KindNull Kind = iota
	// KindBool is a JSON boolean
	KindBool
	// KindNumber is a JSON number (integer or floating)
	KindNumber
	// KindString is a JSON string
	KindString
	// KindObject is a JSON object with preserved key order
	KindObject
	// KindArray is a JSON array
	KindArray
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindObject:
		return "object"
	case KindArray:
		return "array"
	default:
		return "unknown"
	}
}

// Field is one key/value pair of an object Value. Order is significant.
type Field struct {
	Key   string
	Value Value
}

// Value is the untyped structured value used for every wire payload before
// and after typed extraction. Objects keep their key order so that encoding
// is the structural inverse of decoding.
type Value struct {
	kind   Kind
	b      bool
	i      int64
	f      float64
	intNum bool
	s      string
	fields []Field
	items  []Value
}

// Null returns the null value.
func Null() Value { return Value{kind: KindNull} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Int returns an integer number value.
func Int(i int64) Value { return Value{kind: KindNumber, i: i, intNum: true} }

// Float returns a floating number value.
func Float(f float64) Value { return Value{kind: KindNumber, f: f} }

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Object returns an object value with the given ordered fields.
func Object(fields ...Field) Value {
	return Value{kind: KindObject, fields: fields}
}

// Array returns an array value with the given items.
func Array(items ...Value) Value {
	return Value{kind: KindArray, items: items}
}

// F is shorthand for building an object field.
func F(key string, v Value) Field { return Field{Key: key, Value: v} }

// Kind returns the variant of the value.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether the value is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Str returns the string payload; ok is false for non-strings.
func (v Value) Str() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.s, true
}

// BoolVal returns the boolean payload; ok is false for non-bools.
func (v Value) BoolVal() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

// IntVal returns the number as an int64. Floating numbers are truncated.
func (v Value) IntVal() (int64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	if v.intNum {
		return v.i, true
	}
	return int64(v.f), true
}

// FloatVal returns the number as a float64.
func (v Value) FloatVal() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	if v.intNum {
		return float64(v.i), true
	}
	return v.f, true
}

// Get looks up a key of an object value.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindObject {
		return Value{}, false
	}
	for _, f := range v.fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return Value{}, false
}

// Fields returns the ordered fields of an object value.
func (v Value) Fields() []Field {
	if v.kind != KindObject {
		return nil
	}
	return v.fields
}

// Items returns the items of an array value.
func (v Value) Items() []Value {
	if v.kind != KindArray {
		return nil
	}
	return v.items
}

// JSON encodes the value to JSON bytes.
func (v Value) JSON() []byte {
	var buf bytes.Buffer
	v.encode(&buf)
	return buf.Bytes()
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	return v.JSON(), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func (v Value) encode(buf *bytes.Buffer) {
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		if v.b {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case KindNumber:
		if v.intNum {
			buf.WriteString(strconv.FormatInt(v.i, 10))
		} else {
			buf.WriteString(strconv.FormatFloat(v.f, 'g', -1, 64))
		}
	case KindString:
		encoded, _ := json.Marshal(v.s)
		buf.Write(encoded)
	case KindObject:
		buf.WriteByte('{')
		for idx, f := range v.fields {
			if idx > 0 {
				buf.WriteByte(',')
			}
			key, _ := json.Marshal(f.Key)
			buf.Write(key)
			buf.WriteByte(':')
			f.Value.encode(buf)
		}
		buf.WriteByte('}')
	case KindArray:
		buf.WriteByte('[')
		for idx, item := range v.items {
			if idx > 0 {
				buf.WriteByte(',')
			}
			item.encode(buf)
		}
		buf.WriteByte(']')
	}
}

// Parse decodes JSON bytes into a Value, preserving object key order.
func Parse(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	v, err := parseNext(dec)
	if err != nil {
		return Value{}, err
	}
	if dec.More() {
		return Value{}, &MalformedError{Reason: "trailing data after value"}
	}
	return v, nil
}

func parseNext(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, &MalformedError{Reason: err.Error()}
	}
	return parseToken(dec, tok)
}

func parseToken(dec *json.Decoder, tok json.Token) (Value, error) {
	switch t := tok.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		// Try integer first; fall back to floating point.
		if i, err := strconv.ParseInt(t.String(), 10, 64); err == nil {
			return Int(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Value{}, &MalformedError{Reason: fmt.Sprintf("bad number %q", t.String())}
		}
		return Float(f), nil
	case string:
		return String(t), nil
	case json.Delim:
		switch t {
		case '{':
			var fields []Field
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return Value{}, &MalformedError{Reason: err.Error()}
				}
				key, ok := keyTok.(string)
				if !ok {
					return Value{}, &MalformedError{Reason: "object key is not a string"}
				}
				val, err := parseNext(dec)
				if err != nil {
					return Value{}, err
				}
				fields = append(fields, Field{Key: key, Value: val})
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, &MalformedError{Reason: err.Error()}
			}
			return Object(fields...), nil
		case '[':
			var items []Value
			for dec.More() {
				item, err := parseNext(dec)
				if err != nil {
					return Value{}, err
				}
				items = append(items, item)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, &MalformedError{Reason: err.Error()}
			}
			return Array(items...), nil
		}
	}
	return Value{}, &MalformedError{Reason: fmt.Sprintf("unexpected token %v", tok)}
}

// Equal reports structural equality. Object key order is ignored for
// comparison even though it is preserved for encoding.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == other.b
	case KindNumber:
		a, _ := v.FloatVal()
		b, _ := other.FloatVal()
		return a == b
	case KindString:
		return v.s == other.s
	case KindObject:
		if len(v.fields) != len(other.fields) {
			return false
		}
		av := append([]Field(nil), v.fields...)
		bv := append([]Field(nil), other.fields...)
		sort.Slice(av, func(i, j int) bool { return av[i].Key < av[j].Key })
		sort.Slice(bv, func(i, j int) bool { return bv[i].Key < bv[j].Key })
		for i := range av {
			if av[i].Key != bv[i].Key || !av[i].Value.Equal(bv[i].Value) {
				return false
			}
		}
		return true
	case KindArray:
		if len(v.items) != len(other.items) {
			return false
		}
		for i := range v.items {
			if !v.items[i].Equal(other.items[i]) {
				return false
			}
		}
		return true
	}
	return false
}
