package fixedpoint

import (
	"fmt"
	"log/slog"
	"math"
	"strconv"
)

// Bits is the JSON shape the node returns for U64F64 values.
type Bits struct {
	Bits string `json:"bits"`
}

// Decode converts hex bits to a float. Invalid input is logged and decodes
// to 0 so a single corrupt read cannot break a balance display; callers that
// need to tell the difference use Parse.
func Decode(bits string) float64 {
	v, err := Parse(bits)
	if err != nil {
		slog.Warn("fixed-point decode failed", "bits", bits, "err", err)
		return 0
	}
	return v.Float64()
}

// DecodeAny normalizes v with Normalize and decodes it, degrading to 0 like
// Decode.
func DecodeAny(v any) float64 {
	bits, err := Normalize(v)
	if err != nil {
		slog.Warn("fixed-point decode failed", "input", fmt.Sprintf("%v", v), "err", err)
		return 0
	}
	return Decode(bits)
}

// Normalize turns the shapes a fixed-point value arrives in into hex bits:
// a hex string, an integer holding the raw bits, a {"bits": ...} object
// (decoded JSON or Bits), or a Value.
func Normalize(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case Value:
		return t.String(), nil
	case *Value:
		if t == nil {
			return "", fmt.Errorf("%w: nil value", ErrUnsupportedType)
		}
		return t.String(), nil
	case Bits:
		return t.Bits, nil
	case *Bits:
		if t == nil {
			return "", fmt.Errorf("%w: nil bits", ErrUnsupportedType)
		}
		return t.Bits, nil
	case map[string]any:
		raw, ok := t["bits"]
		if !ok {
			return "", fmt.Errorf("%w: object without bits", ErrUnsupportedType)
		}
		s, ok := raw.(string)
		if !ok {
			return "", fmt.Errorf("%w: bits is %T", ErrUnsupportedType, raw)
		}
		return s, nil
	case int:
		return signedHex(int64(t))
	case int32:
		return signedHex(int64(t))
	case int64:
		return signedHex(t)
	case uint:
		return strconv.FormatUint(uint64(t), 16), nil
	case uint32:
		return strconv.FormatUint(uint64(t), 16), nil
	case uint64:
		return strconv.FormatUint(t, 16), nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) || t < 0 || t != math.Trunc(t) || t >= 1<<64 {
			return "", fmt.Errorf("%w: %v is not a non-negative integer", ErrUnsupportedType, t)
		}
		return strconv.FormatUint(uint64(t), 16), nil
	default:
		return "", fmt.Errorf("%w: %T", ErrUnsupportedType, v)
	}
}

func signedHex(n int64) (string, error) {
	if n < 0 {
		return "", fmt.Errorf("%w: negative %d", ErrUnsupportedType, n)
	}
	return strconv.FormatInt(n, 16), nil
}
