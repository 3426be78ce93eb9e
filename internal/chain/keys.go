package chain

import (
	"encoding/binary"
	"encoding/hex"
	"strings"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/crypto/blake2b"

	"github.com/trustedstake/stake-engine/internal/model"
)

// Pallet and storage item names as they appear in runtime metadata.
const (
	PalletSubtensor = "SubtensorModule"
	PalletSystem    = "System"

	ItemStakingHotkeys    = "StakingHotkeys"
	ItemAlpha             = "Alpha"
	ItemTotalHotkeyAlpha  = "TotalHotkeyAlpha"
	ItemTotalHotkeyShares = "TotalHotkeyShares"
	ItemSubnetTAO         = "SubnetTAO"
	ItemSubnetAlphaIn     = "SubnetAlphaIn"
	ItemAccount           = "Account"
)

// Twox128 is the Substrate twox_128 hasher: two xxhash64 digests with seeds
// 0 and 1, each little-endian.
func Twox128(data []byte) []byte {
	out := make([]byte, 16)
	for i := 0; i < 2; i++ {
		h := xxhash.NewWithSeed(uint64(i))
		h.Write(data)
		binary.LittleEndian.PutUint64(out[i*8:], h.Sum64())
	}
	return out
}

// Blake2_128Concat hashes data with blake2b-128 and appends the raw data.
func Blake2_128Concat(data []byte) []byte {
	h, _ := blake2b.New(16, nil)
	h.Write(data)
	return append(h.Sum(nil), data...)
}

// Identity returns data unchanged.
func Identity(data []byte) []byte {
	return append([]byte(nil), data...)
}

// StoragePrefix is twox128(pallet) ++ twox128(item).
func StoragePrefix(pallet, item string) []byte {
	return append(Twox128([]byte(pallet)), Twox128([]byte(item))...)
}

// StorageKey appends already-hashed key parts to the item prefix.
func StorageKey(pallet, item string, parts ...[]byte) []byte {
	key := StoragePrefix(pallet, item)
	for _, p := range parts {
		key = append(key, p...)
	}
	return key
}

// EncodeNetUID is the SCALE encoding of a u16.
func EncodeNetUID(n model.NetUID) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, uint16(n))
	return b
}

// HexKey renders a key the way the RPC expects it.
func HexKey(key []byte) string {
	return "0x" + hex.EncodeToString(key)
}

// DecodeHex accepts 0x-prefixed hex from the node.
func DecodeHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}
