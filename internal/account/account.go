// Package account handles SS58 address parsing, checksum validation,
// encoding and display truncation for Substrate accounts.
package account

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
)

// SubstratePrefix is the generic Substrate network prefix used by Bittensor.
const SubstratePrefix uint16 = 42

// PublicKeySize is the length of an AccountId32.
const PublicKeySize = 32

const checksumSize = 2

var ss58Pre = []byte("SS58PRE")

var (
	ErrInvalidAddress  = errors.New("account: invalid ss58 address")
	ErrInvalidChecksum = errors.New("account: checksum mismatch")
	ErrInvalidPrefix   = errors.New("account: unsupported network prefix")
)

// ID is a 32-byte account public key.
type ID [PublicKeySize]byte

// Hex returns the 0x-prefixed hex form of the key.
func (id ID) Hex() string {
	return "0x" + hex.EncodeToString(id[:])
}

// Bytes returns a copy of the key.
func (id ID) Bytes() []byte {
	out := make([]byte, PublicKeySize)
	copy(out, id[:])
	return out
}

// Address is a parsed SS58 address.
type Address struct {
	Text   string `json:"address"`
	Prefix uint16 `json:"prefix"`
	ID     ID     `json:"-"`
}

// String returns the SS58 text form.
func (a Address) String() string { return a.Text }

// ParseAddress decodes and validates an SS58 address.
func ParseAddress(text string) (*Address, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	raw, err := base58.Decode(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAddress, text)
	}

	prefix, prefixLen, err := decodePrefix(raw)
	if err != nil {
		return nil, err
	}
	if len(raw) != prefixLen+PublicKeySize+checksumSize {
		return nil, fmt.Errorf("%w: unexpected length %d", ErrInvalidAddress, len(raw))
	}

	body := raw[:prefixLen+PublicKeySize]
	want := checksum(body)
	if !bytes.Equal(raw[len(body):], want) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidChecksum, text)
	}

	addr := &Address{Text: text, Prefix: prefix}
	copy(addr.ID[:], raw[prefixLen:prefixLen+PublicKeySize])
	return addr, nil
}

// Valid reports whether text is a well-formed SS58 address.
func Valid(text string) bool {
	_, err := ParseAddress(text)
	return err == nil
}

// Encode renders a public key as an SS58 address under the given prefix.
func Encode(id ID, prefix uint16) (string, error) {
	head, err := encodePrefix(prefix)
	if err != nil {
		return "", err
	}
	body := append(head, id[:]...)
	return base58.Encode(append(body, checksum(body)...)), nil
}

// FromPublicKey builds an Address from a raw 32-byte key.
func FromPublicKey(pub []byte, prefix uint16) (*Address, error) {
	if len(pub) != PublicKeySize {
		return nil, fmt.Errorf("%w: public key must be %d bytes, got %d",
			ErrInvalidAddress, PublicKeySize, len(pub))
	}
	var id ID
	copy(id[:], pub)
	text, err := Encode(id, prefix)
	if err != nil {
		return nil, err
	}
	return &Address{Text: text, Prefix: prefix, ID: id}, nil
}

// Truncate shortens an address for display: first 6 and last 4 characters.
func Truncate(text string) string {
	if len(text) <= 13 {
		return text
	}
	return text[:6] + "..." + text[len(text)-4:]
}

func checksum(body []byte) []byte {
	h, _ := blake2b.New512(nil)
	h.Write(ss58Pre)
	h.Write(body)
	return h.Sum(nil)[:checksumSize]
}

// Prefixes below 64 take one byte; 64..16383 take two.
func decodePrefix(raw []byte) (uint16, int, error) {
	if len(raw) < 1 {
		return 0, 0, fmt.Errorf("%w: empty payload", ErrInvalidAddress)
	}
	switch {
	case raw[0] < 64:
		return uint16(raw[0]), 1, nil
	case raw[0] < 128:
		if len(raw) < 2 {
			return 0, 0, fmt.Errorf("%w: truncated prefix", ErrInvalidAddress)
		}
		lower := (raw[0] << 2) | (raw[1] >> 6)
		upper := raw[1] & 0x3f
		return uint16(lower) | uint16(upper)<<8, 2, nil
	default:
		return 0, 0, fmt.Errorf("%w: reserved prefix byte %d", ErrInvalidPrefix, raw[0])
	}
}

func encodePrefix(prefix uint16) ([]byte, error) {
	switch {
	case prefix < 64:
		return []byte{byte(prefix)}, nil
	case prefix < 16384:
		first := byte((prefix&0xfc)>>2) | 0x40
		second := byte(prefix>>8) | byte(prefix&0x03)<<6
		return []byte{first, second}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidPrefix, prefix)
	}
}
