package chain

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustedstake/stake-engine/internal/account"
	"github.com/trustedstake/stake-engine/internal/fixedpoint"
	"github.com/trustedstake/stake-engine/internal/model"
)

// fakeNode answers storage RPCs from an in-memory key/value map.
type fakeNode struct {
	mu      sync.Mutex
	storage map[string]string // hex key -> hex value
	calls   map[string]int
	fail    map[string]error
}

func newFakeNode() *fakeNode {
	return &fakeNode{storage: map[string]string{}, calls: map[string]int{}, fail: map[string]error{}}
}

func (n *fakeNode) put(key, value []byte) {
	n.storage[HexKey(key)] = HexKey(value)
}

func (n *fakeNode) Call(_ context.Context, method string, result any, params ...any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls[method]++
	if err := n.fail[method]; err != nil {
		return err
	}

	var answer any
	switch method {
	case "state_getStorage":
		if v, ok := n.storage[params[0].(string)]; ok {
			answer = v
		}
	case "state_getKeysPaged":
		prefix, count := params[0].(string), params[1].(int)
		start := ""
		if len(params) > 2 {
			start = params[2].(string)
		}
		var keys []string
		for k := range n.storage {
			if strings.HasPrefix(k, prefix) && k > start {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		if len(keys) > count {
			keys = keys[:count]
		}
		answer = keys
	case "state_queryStorageAt":
		var changes [][2]*string
		for _, k := range params[0].([]string) {
			k := k
			if v, ok := n.storage[k]; ok {
				v := v
				changes = append(changes, [2]*string{&k, &v})
			} else {
				changes = append(changes, [2]*string{&k, nil})
			}
		}
		answer = []storageChangeSet{{Block: "0x01", Changes: changes}}
	default:
		return fmt.Errorf("unexpected method %s", method)
	}
	data, err := json.Marshal(answer)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, result)
}

func id(b byte) account.ID {
	var out account.ID
	out[0] = b
	return out
}

func u64LE(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func fixedLE(integer uint64) []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint64(b[8:], integer)
	return b
}

func alphaKey(hot, cold account.ID, netUID model.NetUID) []byte {
	return StorageKey(PalletSubtensor, ItemAlpha,
		Blake2_128Concat(hot[:]), Blake2_128Concat(cold[:]), Identity(EncodeNetUID(netUID)))
}

func TestSubtensor_StakingHotkeys(t *testing.T) {
	node := newFakeNode()
	cold := id(1)
	raw := append(EncodeCompact(2), id(2).Bytes()...)
	raw = append(raw, id(3).Bytes()...)
	node.put(StorageKey(PalletSubtensor, ItemStakingHotkeys, Blake2_128Concat(cold[:])), raw)

	hotkeys, err := NewSubtensor(node).StakingHotkeys(context.Background(), cold)
	require.NoError(t, err)
	assert.Equal(t, []account.ID{id(2), id(3)}, hotkeys)
}

func TestSubtensor_MissingStorageIsZero(t *testing.T) {
	st := NewSubtensor(newFakeNode())
	ctx := context.Background()

	hotkeys, err := st.StakingHotkeys(ctx, id(1))
	require.NoError(t, err)
	assert.Empty(t, hotkeys)

	tao, err := st.SubnetTAO(ctx, 5)
	require.NoError(t, err)
	assert.Zero(t, tao)

	shares, err := st.TotalHotkeyShares(ctx, id(2), 5)
	require.NoError(t, err)
	assert.True(t, shares.IsZero())

	free, err := st.FreeBalance(ctx, id(1))
	require.NoError(t, err)
	assert.Zero(t, free)
}

func TestSubtensor_ScalarReads(t *testing.T) {
	node := newFakeNode()
	hot := id(2)
	node.put(StorageKey(PalletSubtensor, ItemSubnetTAO, EncodeNetUID(7)), u64LE(500))
	node.put(StorageKey(PalletSubtensor, ItemSubnetAlphaIn, EncodeNetUID(7)), u64LE(250))
	node.put(StorageKey(PalletSubtensor, ItemTotalHotkeyAlpha, Blake2_128Concat(hot[:]), EncodeNetUID(7)), u64LE(9))
	node.put(StorageKey(PalletSubtensor, ItemTotalHotkeyShares, Blake2_128Concat(hot[:]), EncodeNetUID(7)), fixedLE(4))

	st := NewSubtensor(node)
	ctx := context.Background()

	tao, err := st.SubnetTAO(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), tao)

	alphaIn, err := st.SubnetAlphaIn(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(250), alphaIn)

	total, err := st.TotalHotkeyAlpha(ctx, hot, 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), total)

	shares, err := st.TotalHotkeyShares(ctx, hot, 7)
	require.NoError(t, err)
	assert.Equal(t, fixedpoint.FromInt(4), shares)
}

func TestSubtensor_AlphaEntriesPaged(t *testing.T) {
	node := newFakeNode()
	hot, cold := id(2), id(1)
	for _, n := range []model.NetUID{0, 3, 18} {
		node.put(alphaKey(hot, cold, n), fixedLE(uint64(n)+1))
	}
	// Another coldkey under the same hotkey must not leak in.
	node.put(alphaKey(hot, id(9), 3), fixedLE(99))

	entries, err := NewSubtensor(node).WithPageSize(2).AlphaEntries(context.Background(), hot, cold)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	got := map[model.NetUID]uint64{}
	for _, e := range entries {
		got[e.NetUID] = e.Share.Integer()
	}
	assert.Equal(t, map[model.NetUID]uint64{0: 1, 3: 4, 18: 19}, got)
	assert.Equal(t, 2, node.calls["state_getKeysPaged"])
	assert.Equal(t, 2, node.calls["state_queryStorageAt"])
}

func TestSubtensor_AlphaEntriesEmpty(t *testing.T) {
	entries, err := NewSubtensor(newFakeNode()).AlphaEntries(context.Background(), id(2), id(1))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSubtensor_ReadErrorsWrap(t *testing.T) {
	node := newFakeNode()
	boom := errors.New("boom")
	node.fail["state_getStorage"] = boom
	node.fail["state_getKeysPaged"] = boom

	st := NewSubtensor(node)
	_, err := st.SubnetTAO(context.Background(), 1)
	assert.ErrorIs(t, err, boom)

	_, err = st.AlphaEntries(context.Background(), id(2), id(1))
	assert.ErrorIs(t, err, boom)
}

func TestSubtensor_FreeBalance(t *testing.T) {
	node := newFakeNode()
	who := id(4)
	info := make([]byte, 80)
	copy(info[16:], u64LE(2_500_000_000))
	node.put(StorageKey(PalletSystem, ItemAccount, Blake2_128Concat(who[:])), info)

	free, err := NewSubtensor(node).FreeBalance(context.Background(), who)
	require.NoError(t, err)
	assert.Equal(t, uint64(2_500_000_000), free)
}
