package chain

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/trustedstake/stake-engine/internal/account"
	"github.com/trustedstake/stake-engine/internal/fixedpoint"
	"github.com/trustedstake/stake-engine/internal/metrics"
	"github.com/trustedstake/stake-engine/internal/model"
)

// DefaultPageSize is the key page size for state_getKeysPaged.
const DefaultPageSize = 1000

// Caller issues JSON-RPC calls. RPCClient implements it.
type Caller interface {
	Call(ctx context.Context, method string, result any, params ...any) error
}

// Subtensor implements Reader against a Subtensor node.
type Subtensor struct {
	rpc      Caller
	pageSize int
}

// NewSubtensor creates a reader using rpc for every storage query.
func NewSubtensor(rpc Caller) *Subtensor {
	return &Subtensor{rpc: rpc, pageSize: DefaultPageSize}
}

// WithPageSize overrides the key enumeration page size.
func (s *Subtensor) WithPageSize(n int) *Subtensor {
	if n > 0 {
		s.pageSize = n
	}
	return s
}

// storageChangeSet is the state_queryStorageAt result element.
type storageChangeSet struct {
	Block   string       `json:"block"`
	Changes [][2]*string `json:"changes"`
}

func (s *Subtensor) StakingHotkeys(ctx context.Context, coldkey account.ID) ([]account.ID, error) {
	raw, err := s.getStorage(ctx, ItemStakingHotkeys,
		StorageKey(PalletSubtensor, ItemStakingHotkeys, Blake2_128Concat(coldkey[:])))
	if err != nil {
		return nil, err
	}
	return DecodeAccountIDs(raw)
}

func (s *Subtensor) AlphaEntries(ctx context.Context, hotkey, coldkey account.ID) ([]AlphaEntry, error) {
	prefix := StorageKey(PalletSubtensor, ItemAlpha, Blake2_128Concat(hotkey[:]), Blake2_128Concat(coldkey[:]))

	start := time.Now()
	keys, err := s.keysPaged(ctx, prefix)
	if err == nil {
		var values map[string][]byte
		values, err = s.queryStorageAt(ctx, keys)
		if err == nil {
			metrics.ObserveChainRead(ItemAlpha, start, nil)
			return decodeAlphaEntries(prefix, keys, values)
		}
	}
	metrics.ObserveChainRead(ItemAlpha, start, err)
	return nil, fmt.Errorf("chain: read %s: %w", ItemAlpha, err)
}

func decodeAlphaEntries(prefix []byte, keys [][]byte, values map[string][]byte) ([]AlphaEntry, error) {
	entries := make([]AlphaEntry, 0, len(keys))
	for _, key := range keys {
		if len(key) != len(prefix)+2 || !bytes.HasPrefix(key, prefix) {
			return nil, fmt.Errorf("%w: unexpected alpha key %s", ErrDecode, HexKey(key))
		}
		share, err := DecodeFixed(values[HexKey(key)])
		if err != nil {
			return nil, err
		}
		entries = append(entries, AlphaEntry{
			NetUID: model.NetUID(binary.LittleEndian.Uint16(key[len(prefix):])),
			Share:  share,
		})
	}
	return entries, nil
}

func (s *Subtensor) TotalHotkeyAlpha(ctx context.Context, hotkey account.ID, netUID model.NetUID) (uint64, error) {
	raw, err := s.getStorage(ctx, ItemTotalHotkeyAlpha,
		StorageKey(PalletSubtensor, ItemTotalHotkeyAlpha, Blake2_128Concat(hotkey[:]), Identity(EncodeNetUID(netUID))))
	if err != nil {
		return 0, err
	}
	return DecodeU64(raw)
}

func (s *Subtensor) TotalHotkeyShares(ctx context.Context, hotkey account.ID, netUID model.NetUID) (fixedpoint.Value, error) {
	raw, err := s.getStorage(ctx, ItemTotalHotkeyShares,
		StorageKey(PalletSubtensor, ItemTotalHotkeyShares, Blake2_128Concat(hotkey[:]), Identity(EncodeNetUID(netUID))))
	if err != nil {
		return fixedpoint.Zero, err
	}
	return DecodeFixed(raw)
}

func (s *Subtensor) SubnetTAO(ctx context.Context, netUID model.NetUID) (uint64, error) {
	raw, err := s.getStorage(ctx, ItemSubnetTAO,
		StorageKey(PalletSubtensor, ItemSubnetTAO, Identity(EncodeNetUID(netUID))))
	if err != nil {
		return 0, err
	}
	return DecodeU64(raw)
}

func (s *Subtensor) SubnetAlphaIn(ctx context.Context, netUID model.NetUID) (uint64, error) {
	raw, err := s.getStorage(ctx, ItemSubnetAlphaIn,
		StorageKey(PalletSubtensor, ItemSubnetAlphaIn, Identity(EncodeNetUID(netUID))))
	if err != nil {
		return 0, err
	}
	return DecodeU64(raw)
}

func (s *Subtensor) FreeBalance(ctx context.Context, who account.ID) (uint64, error) {
	raw, err := s.getStorage(ctx, ItemAccount,
		StorageKey(PalletSystem, ItemAccount, Blake2_128Concat(who[:])))
	if err != nil {
		return 0, err
	}
	return DecodeFreeBalance(raw)
}

// getStorage reads one value. A null result (no entry) is returned as nil.
func (s *Subtensor) getStorage(ctx context.Context, item string, key []byte) ([]byte, error) {
	start := time.Now()
	var raw *string
	err := s.rpc.Call(ctx, "state_getStorage", &raw, HexKey(key))
	metrics.ObserveChainRead(item, start, err)
	if err != nil {
		return nil, fmt.Errorf("chain: read %s: %w", item, err)
	}
	if raw == nil {
		return nil, nil
	}
	b, err := DecodeHex(*raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s value is not hex", ErrDecode, item)
	}
	return b, nil
}

func (s *Subtensor) keysPaged(ctx context.Context, prefix []byte) ([][]byte, error) {
	var out [][]byte
	prefixHex := HexKey(prefix)
	var startKey string
	for {
		var page []string
		params := []any{prefixHex, s.pageSize}
		if startKey != "" {
			params = append(params, startKey)
		}
		if err := s.rpc.Call(ctx, "state_getKeysPaged", &page, params...); err != nil {
			return nil, err
		}
		for _, k := range page {
			b, err := DecodeHex(k)
			if err != nil {
				return nil, fmt.Errorf("%w: key %q is not hex", ErrDecode, k)
			}
			out = append(out, b)
		}
		if len(page) < s.pageSize {
			return out, nil
		}
		startKey = page[len(page)-1]
	}
}

func (s *Subtensor) queryStorageAt(ctx context.Context, keys [][]byte) (map[string][]byte, error) {
	values := make(map[string][]byte, len(keys))
	for lo := 0; lo < len(keys); lo += s.pageSize {
		hi := min(lo+s.pageSize, len(keys))
		hexKeys := make([]string, 0, hi-lo)
		for _, k := range keys[lo:hi] {
			hexKeys = append(hexKeys, HexKey(k))
		}

		var sets []storageChangeSet
		if err := s.rpc.Call(ctx, "state_queryStorageAt", &sets, hexKeys); err != nil {
			return nil, err
		}
		for _, set := range sets {
			for _, change := range set.Changes {
				if change[0] == nil || change[1] == nil {
					continue
				}
				b, err := DecodeHex(*change[1])
				if err != nil {
					return nil, fmt.Errorf("%w: value for %s is not hex", ErrDecode, *change[0])
				}
				values[normalizeHex(*change[0])] = b
			}
		}
	}
	return values, nil
}

// normalizeHex lowercases a node-supplied key so it matches HexKey output.
func normalizeHex(s string) string {
	b, err := DecodeHex(s)
	if err != nil {
		return s
	}
	return HexKey(b)
}
