package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"
)

// Value is a sealed interface over the value types a shard row may carry.
// Only Null, String, Int, Float, Bool, Array and Object implement it.
type Value interface {
	recordValue()
}

// Null is an explicit JSON null. Absent keys and Null are treated alike by
// every accessor on Row.
type Null struct{}

func (Null) recordValue() {}

// String is a string value.
type String string

func (String) recordValue() {}

// Int is an integral number. JSON numbers without a fraction or exponent
// decode to Int so that upstream ids keep full int64 precision.
type Int int64

func (Int) recordValue() {}

// Float is a non-integral number.
type Float float64

func (Float) recordValue() {}

// Bool is a boolean value.
type Bool bool

func (Bool) recordValue() {}

// Array is an ordered list of values.
type Array []Value

func (Array) recordValue() {}

// Object is a nested map of values.
type Object map[string]Value

func (Object) recordValue() {}

// Row is one schema-tolerant entity record. Every field is optional; older
// shards may lack columns that newer shards carry.
type Row map[string]Value

// Get returns the value for key. ok is false when the key is absent or null.
func (r Row) Get(key string) (Value, bool) {
	v, present := r[key]
	if !present || v == nil {
		return nil, false
	}
	if _, isNull := v.(Null); isNull {
		return nil, false
	}
	return v, true
}

// Has reports whether key is present and non-null.
func (r Row) Has(key string) bool {
	_, ok := r.Get(key)
	return ok
}

// String returns the string at key. Numbers are not coerced.
func (r Row) String(key string) (string, bool) {
	v, ok := r.Get(key)
	if !ok {
		return "", false
	}
	s, isStr := v.(String)
	return string(s), isStr
}

// Int returns key as an int64. Integral floats and numeric strings are
// accepted since older shards stored ids as either.
func (r Row) Int(key string) (int64, bool) {
	v, ok := r.Get(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case Int:
		return int64(n), true
	case Float:
		f := float64(n)
		// int64 conversion outside [-2^63, 2^63) is implementation-defined.
		if f != math.Trunc(f) || math.IsNaN(f) || f >= 1<<63 || f < -(1<<63) {
			return 0, false
		}
		return int64(f), true
	case String:
		i, err := strconv.ParseInt(strings.TrimSpace(string(n)), 10, 64)
		if err != nil {
			return 0, false
		}
		return i, true
	}
	return 0, false
}

// Float returns key as a float64.
func (r Row) Float(key string) (float64, bool) {
	v, ok := r.Get(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case Int:
		return float64(n), true
	case Float:
		return float64(n), true
	}
	return 0, false
}

// Bool returns key as a bool.
func (r Row) Bool(key string) (bool, bool) {
	v, ok := r.Get(key)
	if !ok {
		return false, false
	}
	b, isBool := v.(Bool)
	return bool(b), isBool
}

// Time parses key as a timestamp. Unparseable values report ok=false so the
// caller can treat them as absent.
func (r Row) Time(key string) (time.Time, bool) {
	v, ok := r.Get(key)
	if !ok {
		return time.Time{}, false
	}
	switch t := v.(type) {
	case String:
		return ParseTime(string(t))
	case Int:
		return time.Unix(int64(t), 0).UTC(), true
	}
	return time.Time{}, false
}

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// SortedKeys returns the row's keys in canonical order.
func (r Row) SortedKeys() []string {
	return Object(r).SortedKeys()
}

// MarshalJSON encodes the row canonically.
func (r Row) MarshalJSON() ([]byte, error) {
	return MarshalCanonical(Object(r))
}

// UnmarshalJSON decodes a JSON object into a Row.
func (r *Row) UnmarshalJSON(data []byte) error {
	v, err := Decode(data)
	if err != nil {
		return err
	}
	obj, ok := v.(Object)
	if !ok {
		return fmt.Errorf("row must be a JSON object, got %T", v)
	}
	*r = Row(obj)
	return nil
}

// timeLayouts lists the timestamp encodings seen across shard generations.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTime parses any of the timestamp layouts found in shards. Layouts
// without a zone are read as UTC.
func ParseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// FormatTime renders t in the single layout used by the warehouse.
func FormatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

// SortedKeys returns keys in RFC 8785 order (UTF-16 code units).
func (o Object) SortedKeys() []string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysUTF16)
	return keys
}

// compareKeysUTF16 orders strings by UTF-16 code units. Go's native string
// comparison is UTF-8 byte order, which differs above U+FFFF.
func compareKeysUTF16(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))
	n := min(len(a16), len(b16))
	for i := 0; i < n; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a16) < len(b16):
		return -1
	case len(a16) > len(b16):
		return 1
	}
	return 0
}

// Decode parses one JSON document into a Value.
func Decode(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return FromAny(raw)
}

// DecodeRows parses a JSON array of objects. Non-object elements are an error.
func DecodeRows(data []byte) ([]Row, error) {
	v, err := Decode(data)
	if err != nil {
		return nil, err
	}
	arr, ok := v.(Array)
	if !ok {
		return nil, fmt.Errorf("expected JSON array, got %T", v)
	}
	rows := make([]Row, 0, len(arr))
	for i, elem := range arr {
		obj, ok := elem.(Object)
		if !ok {
			return nil, fmt.Errorf("element %d: expected object, got %T", i, elem)
		}
		rows = append(rows, Row(obj))
	}
	return rows, nil
}

// FromAny converts a decoded JSON tree (json.Number for numbers) or plain Go
// values into a Value.
func FromAny(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case bool:
		return Bool(val), nil
	case string:
		return String(val), nil
	case json.Number:
		return numberValue(val)
	case int:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case float64:
		return Float(val), nil
	case []any:
		arr := make(Array, len(val))
		for i, elem := range val {
			conv, err := FromAny(elem)
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
			arr[i] = conv
		}
		return arr, nil
	case map[string]any:
		obj := make(Object, len(val))
		for k, elem := range val {
			conv, err := FromAny(elem)
			if err != nil {
				return nil, fmt.Errorf("object[%q]: %w", k, err)
			}
			obj[k] = conv
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

func numberValue(n json.Number) (Value, error) {
	s := string(n)
	if !strings.ContainsAny(s, ".eE") {
		if i, err := n.Int64(); err == nil {
			return Int(i), nil
		}
	}
	f, err := n.Float64()
	if err != nil {
		return nil, fmt.Errorf("invalid number %q: %w", s, err)
	}
	return Float(f), nil
}
