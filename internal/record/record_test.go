package record

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonicalBasic(t *testing.T) {
	tests := []struct {
		name     string
		input    Value
		expected string
	}{
		{"null", Null{}, "null"},
		{"string", String("hello"), `"hello"`},
		{"int", Int(42), "42"},
		{"max int64", Int(9223372036854775807), "9223372036854775807"},
		{"float", Float(12.5), "12.5"},
		{"whole float", Float(3), "3"},
		{"bool", Bool(true), "true"},
		{"empty array", Array{}, "[]"},
		{"empty object", Object{}, "{}"},
		{"html passthrough", String("<a&b>"), `"<a&b>"`},
		{"control char", String("a\nb\x01"), `"a\nb\u0001"`},
		{"line separator", String("a\u2028b"), "\"a\u2028b\""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(out))
		})
	}
}

func TestMarshalCanonicalSortedKeys(t *testing.T) {
	obj := Object{
		"zebra": Int(1),
		"alpha": Int(2),
		"map":   Object{"b": Int(1), "a": Null{}},
	}

	out, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"map":{"a":null,"b":1},"zebra":1}`, string(out))
}

func TestMarshalCanonicalRejectsNonFinite(t *testing.T) {
	var zero float64
	_, err := MarshalCanonical(Float(1 / zero))
	assert.Error(t, err)
}

func TestMarshalCanonicalNFC(t *testing.T) {
	// "e" + combining acute normalises to the precomposed form.
	a, err := MarshalCanonical(String("e\u0301"))
	require.NoError(t, err)
	b, err := MarshalCanonical(String("\u00e9"))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestDecodeNumbers(t *testing.T) {
	v, err := Decode([]byte(`{"id": 12345678901234567, "distance": 5012.3, "exp": 1e3}`))
	require.NoError(t, err)

	obj := v.(Object)
	assert.Equal(t, Int(12345678901234567), obj["id"])
	assert.Equal(t, Float(5012.3), obj["distance"])
	assert.Equal(t, Float(1000), obj["exp"])
}

func TestDecodeRows(t *testing.T) {
	rows, err := DecodeRows([]byte(`[{"id": 1}, {"id": 2, "name": null}]`))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.False(t, rows[1].Has("name"))

	_, err = DecodeRows([]byte(`[1, 2]`))
	assert.Error(t, err)

	_, err = DecodeRows([]byte(`{"id": 1}`))
	assert.Error(t, err)
}

func TestRowAccessors(t *testing.T) {
	r := Row{
		"id":         Int(7),
		"id_str":     String("8"),
		"id_float":   Float(9),
		"frac":       Float(9.5),
		"name":       String("Morning Run"),
		"commute":    Bool(true),
		"missing":    Null{},
		"start_date": String("2024-01-02T06:30:00Z"),
		"legacy_ts":  String("2024-01-02 06:30:00"),
		"bad_ts":     String("yesterday"),
	}

	id, ok := r.Int("id")
	assert.True(t, ok)
	assert.Equal(t, int64(7), id)

	id, ok = r.Int("id_str")
	assert.True(t, ok)
	assert.Equal(t, int64(8), id)

	id, ok = r.Int("id_float")
	assert.True(t, ok)
	assert.Equal(t, int64(9), id)

	_, ok = r.Int("frac")
	assert.False(t, ok)

	_, ok = r.Int("missing")
	assert.False(t, ok)

	_, ok = r.String("id")
	assert.False(t, ok, "numbers are not coerced to strings")

	b, ok := r.Bool("commute")
	assert.True(t, ok)
	assert.True(t, b)

	want := time.Date(2024, 1, 2, 6, 30, 0, 0, time.UTC)
	ts, ok := r.Time("start_date")
	assert.True(t, ok)
	assert.Equal(t, want, ts)

	ts, ok = r.Time("legacy_ts")
	assert.True(t, ok)
	assert.Equal(t, want, ts)

	_, ok = r.Time("bad_ts")
	assert.False(t, ok)
}

func TestRowInt_FloatRange(t *testing.T) {
	tests := []struct {
		name string
		in   float64
		want int64
		ok   bool
	}{
		{"largest exact", 1 << 62, 1 << 62, true},
		{"min int64", -(1 << 63), math.MinInt64, true},
		{"two to the 63", 1 << 63, 0, false},
		{"beyond range", 1e19, 0, false},
		{"below range", -1e19, 0, false},
		{"positive infinity", math.Inf(1), 0, false},
		{"negative infinity", math.Inf(-1), 0, false},
		{"nan", math.NaN(), 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Row{"id": Float(tt.in)}.Int("id")
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRowJSONRoundTrip(t *testing.T) {
	var r Row
	require.NoError(t, r.UnmarshalJSON([]byte(`{"b": 1, "a": "x"}`)))

	out, err := r.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","b":1}`, string(out))
}

func TestRowHashDeterministic(t *testing.T) {
	a := Row{"id": Int(1), "kudos_count": Int(3)}
	b := Row{"kudos_count": Int(3), "id": Int(1)}

	ha, err := RowHash(a)
	require.NoError(t, err)
	hb, err := RowHash(b)
	require.NoError(t, err)

	assert.Equal(t, ha, hb)
	assert.Len(t, ha, 64)

	c := Row{"id": Int(1), "kudos_count": Int(4)}
	hc, err := RowHash(c)
	require.NoError(t, err)
	assert.NotEqual(t, ha, hc)
}

func TestDigestBoundaries(t *testing.T) {
	d1 := NewDigest(DomainTable)
	d1.Add([]byte("ab"))
	d1.Add([]byte("c"))

	d2 := NewDigest(DomainTable)
	d2.Add([]byte("a"))
	d2.Add([]byte("bc"))

	assert.NotEqual(t, d1.Sum(), d2.Sum(), "record boundaries are part of the digest")
	assert.Equal(t, 2, d1.Count())
}

func TestFormatTime(t *testing.T) {
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.FixedZone("CET", 3600))
	assert.Equal(t, "2024-03-01T09:00:00Z", FormatTime(ts))
}
