package account

import (
	"encoding/hex"
	"errors"
	"testing"
)

const (
	aliceAddress = "5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY"
	alicePubHex  = "d43593c715fdd31c61141abd04a99fd6822c8558854ccde39a5684e7a56da27d"
)

func alice(t *testing.T) ID {
	t.Helper()
	raw, err := hex.DecodeString(alicePubHex)
	if err != nil {
		t.Fatalf("bad fixture: %v", err)
	}
	var id ID
	copy(id[:], raw)
	return id
}

func TestParseAddress_Valid(t *testing.T) {
	addr, err := ParseAddress(aliceAddress)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr.Prefix != SubstratePrefix {
		t.Errorf("expected prefix 42, got %d", addr.Prefix)
	}
	if addr.ID != alice(t) {
		t.Errorf("unexpected public key %s", addr.ID.Hex())
	}
	if addr.String() != aliceAddress {
		t.Errorf("expected text preserved, got %s", addr.String())
	}
}

func TestEncode_KnownKey(t *testing.T) {
	got, err := Encode(alice(t), SubstratePrefix)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != aliceAddress {
		t.Errorf("expected %s, got %s", aliceAddress, got)
	}
}

func TestParseAddress_Invalid(t *testing.T) {
	tests := []string{
		"",
		"   ",
		"not-base58-0OIl",
		"5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQZ", // last char altered
		"5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKut",   // truncated
		"1111",
	}
	for _, text := range tests {
		if _, err := ParseAddress(text); err == nil {
			t.Errorf("expected error for %q", text)
		}
		if Valid(text) {
			t.Errorf("Valid(%q) should be false", text)
		}
	}
}

func TestParseAddress_EmptyIsInvalidAddress(t *testing.T) {
	_, err := ParseAddress("")
	if !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("expected ErrInvalidAddress, got %v", err)
	}
}

func TestEncode_TwoBytePrefixRoundTrip(t *testing.T) {
	id := alice(t)
	for _, prefix := range []uint16{0, 2, 63, 64, 255, 1000, 16383} {
		text, err := Encode(id, prefix)
		if err != nil {
			t.Fatalf("prefix %d: unexpected error: %v", prefix, err)
		}
		addr, err := ParseAddress(text)
		if err != nil {
			t.Fatalf("prefix %d: parse failed: %v", prefix, err)
		}
		if addr.Prefix != prefix {
			t.Errorf("expected prefix %d, got %d", prefix, addr.Prefix)
		}
		if addr.ID != id {
			t.Errorf("prefix %d: key mismatch", prefix)
		}
	}
}

func TestEncode_PrefixOutOfRange(t *testing.T) {
	_, err := Encode(alice(t), 16384)
	if !errors.Is(err, ErrInvalidPrefix) {
		t.Errorf("expected ErrInvalidPrefix, got %v", err)
	}
}

func TestFromPublicKey(t *testing.T) {
	raw, _ := hex.DecodeString(alicePubHex)
	addr, err := FromPublicKey(raw, SubstratePrefix)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr.Text != aliceAddress {
		t.Errorf("expected %s, got %s", aliceAddress, addr.Text)
	}

	if _, err := FromPublicKey(raw[:31], SubstratePrefix); err == nil {
		t.Error("expected error for short key")
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate(aliceAddress); got != "5Grwva...utQY" {
		t.Errorf("unexpected truncation %q", got)
	}
	if got := Truncate("short"); got != "short" {
		t.Errorf("short strings should be untouched, got %q", got)
	}
}

func TestID_Hex(t *testing.T) {
	if got := alice(t).Hex(); got != "0x"+alicePubHex {
		t.Errorf("unexpected hex %s", got)
	}
}
