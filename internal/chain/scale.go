package chain

import (
	"encoding/binary"
	"fmt"

	"github.com/trustedstake/stake-engine/internal/account"
	"github.com/trustedstake/stake-engine/internal/fixedpoint"
)

// accountFreeOffset is where AccountData.free starts inside AccountInfo:
// nonce, consumers, providers and sufficients are four u32s.
const accountFreeOffset = 16

// DecodeCompact reads a SCALE compact integer and returns it with the number
// of bytes consumed.
func DecodeCompact(b []byte) (uint64, int, error) {
	if len(b) == 0 {
		return 0, 0, fmt.Errorf("%w: empty compact", ErrDecode)
	}
	switch b[0] & 0x03 {
	case 0x00:
		return uint64(b[0] >> 2), 1, nil
	case 0x01:
		if len(b) < 2 {
			return 0, 0, fmt.Errorf("%w: short two-byte compact", ErrDecode)
		}
		return uint64(binary.LittleEndian.Uint16(b) >> 2), 2, nil
	case 0x02:
		if len(b) < 4 {
			return 0, 0, fmt.Errorf("%w: short four-byte compact", ErrDecode)
		}
		return uint64(binary.LittleEndian.Uint32(b) >> 2), 4, nil
	default:
		n := int(b[0]>>2) + 4
		if n > 8 {
			return 0, 0, fmt.Errorf("%w: compact wider than u64 (%d bytes)", ErrDecode, n)
		}
		if len(b) < 1+n {
			return 0, 0, fmt.Errorf("%w: short big-integer compact", ErrDecode)
		}
		var v uint64
		for i := n; i >= 1; i-- {
			v = v<<8 | uint64(b[i])
		}
		return v, 1 + n, nil
	}
}

// EncodeCompact is the inverse of DecodeCompact for values below 2^30.
func EncodeCompact(v uint64) []byte {
	switch {
	case v < 1<<6:
		return []byte{byte(v << 2)}
	case v < 1<<14:
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, uint16(v<<2)|0x01)
		return b
	case v < 1<<30:
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, uint32(v<<2)|0x02)
		return b
	default:
		b := make([]byte, 9)
		b[0] = (4 << 2) | 0x03
		binary.LittleEndian.PutUint64(b[1:], v)
		return b
	}
}

// DecodeAccountIDs reads a Vec<AccountId32>.
func DecodeAccountIDs(b []byte) ([]account.ID, error) {
	if len(b) == 0 {
		return nil, nil
	}
	n, off, err := DecodeCompact(b)
	if err != nil {
		return nil, err
	}
	want := off + int(n)*account.PublicKeySize
	if n > uint64(len(b)) || len(b) < want {
		return nil, fmt.Errorf("%w: vec of %d accounts needs %d bytes, have %d", ErrDecode, n, want, len(b))
	}
	ids := make([]account.ID, n)
	for i := range ids {
		copy(ids[i][:], b[off+i*account.PublicKeySize:])
	}
	return ids, nil
}

// DecodeU64 reads a little-endian u64. Empty input is zero.
func DecodeU64(b []byte) (uint64, error) {
	if len(b) == 0 {
		return 0, nil
	}
	if len(b) < 8 {
		return 0, fmt.Errorf("%w: u64 needs 8 bytes, have %d", ErrDecode, len(b))
	}
	return binary.LittleEndian.Uint64(b), nil
}

// DecodeFixed reads a U64F64. Empty input is zero.
func DecodeFixed(b []byte) (fixedpoint.Value, error) {
	if len(b) == 0 {
		return fixedpoint.Zero, nil
	}
	v, err := fixedpoint.FromLE(b)
	if err != nil {
		return fixedpoint.Zero, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return v, nil
}

// DecodeFreeBalance extracts AccountData.free from an AccountInfo.
func DecodeFreeBalance(b []byte) (uint64, error) {
	if len(b) == 0 {
		return 0, nil
	}
	if len(b) < accountFreeOffset+8 {
		return 0, fmt.Errorf("%w: account info too short (%d bytes)", ErrDecode, len(b))
	}
	return binary.LittleEndian.Uint64(b[accountFreeOffset:]), nil
}
