package fixedpoint

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_KnownEncodings(t *testing.T) {
	tests := []struct {
		name string
		bits string
		want float64
	}{
		{"one", "0x00000000000000010000000000000000", 1.0},
		{"zero", "0x00000000000000000000000000000000", 0},
		{"short zero", "0x0", 0},
		{"no prefix", "00000000000000020000000000000000", 2.0},
		{"short integer", "0x10000000000000000", 1.0},
		{"max fraction", "0x0000000000000000ffffffffffffffff", 1.0},
		{"integer 5", "0x00000000000000050000000000000000", 5.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decode(tt.bits))
		})
	}
}

func TestDecode_HalfFraction(t *testing.T) {
	got := Decode("0x00000000000000038000000000000000")
	assert.InDelta(t, 3.5, got, 1e-12)
}

func TestDecode_InvalidDegradesToZero(t *testing.T) {
	for _, bits := range []string{"", "0x", "0xzz", "not hex", "0x1" + "00000000000000000000000000000000"} {
		assert.Zero(t, Decode(bits), "bits %q", bits)
	}
}

func TestParse_Errors(t *testing.T) {
	_, err := Parse("0xgg")
	require.ErrorIs(t, err, ErrInvalidBits)

	_, err = Parse("")
	require.ErrorIs(t, err, ErrInvalidBits)

	_, err = Parse("0x1" + "00000000000000000000000000000000")
	require.ErrorIs(t, err, ErrOverflow)
}

func TestParse_LeadingZerosBeyondWidth(t *testing.T) {
	v, err := Parse("0x0000" + "00000000000000010000000000000000")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v.Integer())
	assert.Zero(t, v.Fraction())
}

func TestMustParse(t *testing.T) {
	v := MustParse("0x18000000000000000")
	assert.Equal(t, uint64(1), v.Integer())
	assert.Equal(t, uint64(1)<<63, v.Fraction())
	assert.Panics(t, func() { MustParse("0xzz") })
}

func TestValue_StringRoundTrip(t *testing.T) {
	v := New(42, 0x8000000000000000)
	assert.Equal(t, "0x000000000000002a8000000000000000", v.String())

	parsed, err := Parse(v.String())
	require.NoError(t, err)
	assert.Equal(t, v, parsed)
}

func TestValue_JSON(t *testing.T) {
	type wrapper struct {
		Share Value `json:"share"`
	}
	in := wrapper{Share: New(7, 1)}
	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"share":"0x00000000000000070000000000000001"}`, string(data))

	var out wrapper
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestValue_Decimal(t *testing.T) {
	assert.True(t, FromInt(1).Decimal().Equal(decimal.NewFromInt(1)))
	assert.True(t, Zero.Decimal().IsZero())

	half := New(3, 0x8000000000000000).Decimal()
	assert.True(t, half.Sub(decimal.NewFromFloat(3.5)).Abs().LessThan(decimal.New(1, -15)),
		"expected ~3.5, got %s", half)

	// Integer parts beyond float64 precision stay exact.
	big := FromInt(math.MaxUint64).Decimal()
	assert.Equal(t, "18446744073709551615", big.String())
}

func TestFromLE(t *testing.T) {
	b := make([]byte, 16)
	b[8] = 0x02 // low byte of the integer half
	v, err := FromLE(b)
	require.NoError(t, err)
	assert.Equal(t, 2.0, v.Float64())

	_, err = FromLE(b[:15])
	require.ErrorIs(t, err, ErrInvalidBits)
}

func TestDecodeAny_Shapes(t *testing.T) {
	one := "0x00000000000000010000000000000000"
	tests := []struct {
		name  string
		input any
		want  float64
	}{
		{"string", one, 1},
		{"bits struct", Bits{Bits: one}, 1},
		{"bits pointer", &Bits{Bits: one}, 1},
		{"json object", map[string]any{"bits": one}, 1},
		{"value", FromInt(3), 3},
		{"raw integer bits", uint64(0), 0},
		{"raw int", 0, 0},
		{"float integer", float64(0), 0},
		{"negative int", -1, 0},
		{"fractional float", 1.5, 0},
		{"nan", math.NaN(), 0},
		{"object without bits", map[string]any{"value": one}, 0},
		{"bits not a string", map[string]any{"bits": 12}, 0},
		{"nil", nil, 0},
		{"unsupported", []string{one}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DecodeAny(tt.input))
		})
	}
}

func TestNormalize_IntegerIsRawBits(t *testing.T) {
	bits, err := Normalize(uint64(1) << 60)
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000", bits)
	// 2^60 raw bits sit entirely in the fractional half.
	assert.InDelta(t, 1.0/16, Decode(bits), 1e-12)
}
