// Package fixedpoint decodes the unsigned 128-bit fixed-point numbers
// (U64F64) the Subtensor runtime uses for stake shares.
//
// The high 64 bits hold the integer part and the low 64 bits hold the
// fractional part. At the RPC boundary a value is a hex string, usually
// wrapped as {"bits": "0x..."}.
package fixedpoint

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
	"lukechampine.com/uint128"
)

var (
	// ErrInvalidBits is returned when the input is not a hex string.
	ErrInvalidBits = errors.New("fixedpoint: invalid hex bits")

	// ErrOverflow is returned when the input has more than 128 bits.
	ErrOverflow = errors.New("fixedpoint: value exceeds 128 bits")

	// ErrUnsupportedType is returned by Normalize for inputs it cannot read.
	ErrUnsupportedType = errors.New("fixedpoint: unsupported input type")
)

// hexDigits is the width of a 128-bit value in hex.
const hexDigits = 32

// fracScale is the denominator applied to the fractional part. The runtime
// divides by 2^64 but the dashboard has always divided by 2^64-1, and the
// displayed balances must keep matching.
var fracScale = decimal.NewFromBigInt(new(big.Int).SetUint64(math.MaxUint64), 0)

// fracPrecision is the number of decimal places kept by Value.Decimal.
const fracPrecision int32 = 20

// Value is an immutable U64F64 fixed-point number.
type Value struct {
	bits uint128.Uint128
}

// Zero is the zero value.
var Zero = Value{}

// New builds a Value from its integer and fractional halves.
func New(integer, fraction uint64) Value {
	return Value{bits: uint128.New(fraction, integer)}
}

// FromInt returns the fixed-point representation of n.
func FromInt(n uint64) Value {
	return New(n, 0)
}

// FromLE reads a 16-byte little-endian value, the SCALE encoding of U64F64.
func FromLE(b []byte) (Value, error) {
	if len(b) != 16 {
		return Zero, fmt.Errorf("%w: need 16 bytes, got %d", ErrInvalidBits, len(b))
	}
	return Value{bits: uint128.FromBytes(b)}, nil
}

// Parse decodes a hex string (optionally 0x-prefixed) into a Value.
func Parse(bits string) (Value, error) {
	s := strings.TrimSpace(bits)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return Zero, fmt.Errorf("%w: empty input", ErrInvalidBits)
	}
	if len(s) > hexDigits {
		trimmed := strings.TrimLeft(s, "0")
		if len(trimmed) > hexDigits {
			return Zero, fmt.Errorf("%w: %d hex digits", ErrOverflow, len(trimmed))
		}
		s = trimmed
	}
	s = strings.Repeat("0", hexDigits-len(s)) + s

	raw, err := hex.DecodeString(s)
	if err != nil {
		return Zero, fmt.Errorf("%w: %q", ErrInvalidBits, bits)
	}

	var hi, lo uint64
	for _, b := range raw[:8] {
		hi = hi<<8 | uint64(b)
	}
	for _, b := range raw[8:] {
		lo = lo<<8 | uint64(b)
	}
	return New(hi, lo), nil
}

// MustParse is like Parse but panics on error. Intended for tests and
// constants.
func MustParse(bits string) Value {
	v, err := Parse(bits)
	if err != nil {
		panic(err)
	}
	return v
}

// Integer returns the high 64 bits.
func (v Value) Integer() uint64 { return v.bits.Hi }

// Fraction returns the low 64 bits.
func (v Value) Fraction() uint64 { return v.bits.Lo }

// IsZero reports whether v is zero.
func (v Value) IsZero() bool { return v.bits.IsZero() }

// Float64 converts v to a float: integer + fraction/(2^64-1).
func (v Value) Float64() float64 {
	return float64(v.bits.Hi) + float64(v.bits.Lo)/float64(math.MaxUint64)
}

// Decimal converts v with the same formula as Float64, without the float
// rounding of the integer part.
func (v Value) Decimal() decimal.Decimal {
	integer := decimal.NewFromBigInt(new(big.Int).SetUint64(v.bits.Hi), 0)
	if v.bits.Lo == 0 {
		return integer
	}
	frac := decimal.NewFromBigInt(new(big.Int).SetUint64(v.bits.Lo), 0)
	return integer.Add(frac.DivRound(fracScale, fracPrecision))
}

// String returns the canonical 0x-prefixed, 32-digit hex form.
func (v Value) String() string {
	return fmt.Sprintf("0x%016x%016x", v.bits.Hi, v.bits.Lo)
}

// MarshalText implements encoding.TextMarshaler.
func (v Value) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Value) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
