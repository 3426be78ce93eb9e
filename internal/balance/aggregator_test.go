package balance_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustedstake/stake-engine/internal/account"
	"github.com/trustedstake/stake-engine/internal/balance"
	"github.com/trustedstake/stake-engine/internal/chain"
	"github.com/trustedstake/stake-engine/internal/fixedpoint"
	"github.com/trustedstake/stake-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func key(b byte) account.ID {
	var id account.ID
	id[0] = b
	return id
}

func ss58(t *testing.T, id account.ID) string {
	t.Helper()
	text, err := account.Encode(id, account.SubstratePrefix)
	require.NoError(t, err)
	return text
}

type pair struct {
	hotkey account.ID
	netUID model.NetUID
}

// fakeReader serves chain reads from maps and records call counts and the
// peak number of concurrent reads.
type fakeReader struct {
	hotkeys    []account.ID
	hotkeysErr error
	entries    map[account.ID][]chain.AlphaEntry
	entriesErr map[account.ID]error
	taoIn      map[model.NetUID]uint64
	alphaIn    map[model.NetUID]uint64
	poolErr    map[model.NetUID]error
	hkAlpha    map[pair]uint64
	hkShares   map[pair]fixedpoint.Value
	delay      time.Duration

	mu       sync.Mutex
	calls    map[string]int
	inFlight atomic.Int32
	peak     atomic.Int32
}

func newFakeReader() *fakeReader {
	return &fakeReader{
		entries:    map[account.ID][]chain.AlphaEntry{},
		entriesErr: map[account.ID]error{},
		taoIn:      map[model.NetUID]uint64{},
		alphaIn:    map[model.NetUID]uint64{},
		poolErr:    map[model.NetUID]error{},
		hkAlpha:    map[pair]uint64{},
		hkShares:   map[pair]fixedpoint.Value{},
		calls:      map[string]int{},
	}
}

func (f *fakeReader) track(name string) func() {
	f.mu.Lock()
	f.calls[name]++
	f.mu.Unlock()
	n := f.inFlight.Add(1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return func() { f.inFlight.Add(-1) }
}

func (f *fakeReader) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeReader) StakingHotkeys(_ context.Context, _ account.ID) ([]account.ID, error) {
	defer f.track("hotkeys")()
	return f.hotkeys, f.hotkeysErr
}

func (f *fakeReader) AlphaEntries(_ context.Context, hotkey, _ account.ID) ([]chain.AlphaEntry, error) {
	defer f.track("entries")()
	return f.entries[hotkey], f.entriesErr[hotkey]
}

func (f *fakeReader) TotalHotkeyAlpha(_ context.Context, hotkey account.ID, netUID model.NetUID) (uint64, error) {
	defer f.track("hk_alpha")()
	return f.hkAlpha[pair{hotkey, netUID}], nil
}

func (f *fakeReader) TotalHotkeyShares(_ context.Context, hotkey account.ID, netUID model.NetUID) (fixedpoint.Value, error) {
	defer f.track("hk_shares")()
	return f.hkShares[pair{hotkey, netUID}], nil
}

func (f *fakeReader) SubnetTAO(_ context.Context, netUID model.NetUID) (uint64, error) {
	defer f.track(fmt.Sprintf("tao:%d", netUID))()
	return f.taoIn[netUID], f.poolErr[netUID]
}

func (f *fakeReader) SubnetAlphaIn(_ context.Context, netUID model.NetUID) (uint64, error) {
	defer f.track(fmt.Sprintf("alpha_in:%d", netUID))()
	return f.alphaIn[netUID], nil
}

func (f *fakeReader) FreeBalance(_ context.Context, _ account.ID) (uint64, error) {
	return 0, nil
}

// stake registers a position whose alpha balance is exactly alpha tokens.
func (f *fakeReader) stake(hotkey account.ID, netUID model.NetUID, alpha uint64) {
	f.entries[hotkey] = append(f.entries[hotkey], chain.AlphaEntry{NetUID: netUID, Share: fixedpoint.FromInt(1)})
	f.hkAlpha[pair{hotkey, netUID}] = 2 * alpha * model.RAOPerTAO
	f.hkShares[pair{hotkey, netUID}] = fixedpoint.FromInt(2)
}

func owner(t *testing.T) string {
	return ss58(t, key(0xee))
}

func TestComputeBalances_ValuesPositions(t *testing.T) {
	r := newFakeReader()
	hkA, hkB := key(1), key(2)
	r.hotkeys = []account.ID{hkA, hkB}
	r.stake(hkA, 0, 10)
	r.stake(hkA, 5, 1)
	r.stake(hkB, 5, 4)
	r.taoIn[0], r.alphaIn[0] = 7, 9 // ignored on root
	r.taoIn[5], r.alphaIn[5] = 300, 100

	res, err := balance.NewAggregator(r, 4).ComputeBalances(context.Background(), owner(t))
	require.NoError(t, err)
	require.Len(t, res.Positions, 3)
	assert.Empty(t, res.Failures)

	root := res.Positions[0]
	assert.Equal(t, model.NetUID(0), root.NetUID)
	assert.True(t, root.Price.Equal(d(1)), "root price %s", root.Price)
	assert.True(t, root.AlphaBalance.Equal(d(10)), "root alpha %s", root.AlphaBalance)
	assert.True(t, root.TaoValue.Equal(d(10)))

	for _, p := range res.Positions[1:] {
		assert.Equal(t, model.NetUID(5), p.NetUID)
		assert.True(t, p.Price.Equal(d(3)), "price %s", p.Price)
	}

	tot := res.Totals
	assert.True(t, tot.TotalTao.Equal(d(25)), "total tao %s", tot.TotalTao)
	assert.True(t, tot.StakedToRoot.Equal(d(10)))
	assert.True(t, tot.TotalAlpha.Equal(d(5)))
	assert.True(t, tot.TotalAlphaTaoValue.Equal(d(15)))
	assert.True(t, tot.TotalTao.Equal(tot.StakedToRoot.Add(tot.TotalAlphaTaoValue)))
}

func TestComputeBalances_PoolReadOncePerSubnet(t *testing.T) {
	r := newFakeReader()
	r.hotkeys = []account.ID{key(1), key(2), key(3)}
	for _, hk := range r.hotkeys {
		r.stake(hk, 5, 1)
		r.stake(hk, 8, 1)
	}
	r.taoIn[5], r.alphaIn[5] = 1, 1
	r.taoIn[8], r.alphaIn[8] = 1, 1

	_, err := balance.NewAggregator(r, 8).ComputeBalances(context.Background(), owner(t))
	require.NoError(t, err)
	assert.Equal(t, 1, r.count("tao:5"))
	assert.Equal(t, 1, r.count("alpha_in:5"))
	assert.Equal(t, 1, r.count("tao:8"))
	assert.Equal(t, 6, r.count("hk_alpha"))
}

func TestComputeBalances_ZeroSharesAndEmptyPool(t *testing.T) {
	r := newFakeReader()
	hk := key(1)
	r.hotkeys = []account.ID{hk}
	r.entries[hk] = []chain.AlphaEntry{{NetUID: 3, Share: fixedpoint.FromInt(5)}}
	r.hkAlpha[pair{hk, 3}] = 1_000_000_000
	r.hkShares[pair{hk, 3}] = fixedpoint.Zero
	r.stake(hk, 4, 2)
	r.taoIn[3], r.alphaIn[3] = 10, 10
	r.taoIn[4], r.alphaIn[4] = 10, 0

	res, err := balance.NewAggregator(r, 2).ComputeBalances(context.Background(), owner(t))
	require.NoError(t, err)
	require.Len(t, res.Positions, 2)

	assert.True(t, res.Positions[0].AlphaBalance.IsZero(), "zero shares gives zero alpha")
	assert.True(t, res.Positions[1].Price.IsZero(), "empty pool prices at zero")
	assert.True(t, res.Positions[1].TaoValue.IsZero())
	assert.True(t, res.Totals.TotalTao.IsZero())
}

func TestComputeBalances_PartialFailures(t *testing.T) {
	r := newFakeReader()
	good, bad := key(1), key(2)
	r.hotkeys = []account.ID{good, bad}
	r.stake(good, 5, 1)
	r.stake(good, 7, 1)
	r.entriesErr[bad] = errors.New("timeout")
	r.taoIn[5], r.alphaIn[5] = 2, 1
	r.poolErr[7] = errors.New("pool unavailable")

	res, err := balance.NewAggregator(r, 4).ComputeBalances(context.Background(), owner(t))
	require.NoError(t, err)
	require.Len(t, res.Positions, 1)
	assert.Equal(t, model.NetUID(5), res.Positions[0].NetUID)
	assert.True(t, res.Totals.TotalTao.Equal(d(2)))

	require.Len(t, res.Failures, 2)
	stages := map[string]model.HotkeyFailure{}
	for _, f := range res.Failures {
		stages[f.Stage] = f
	}
	assert.Equal(t, ss58(t, bad), stages[balance.StageAlphaEntries].Hotkey)
	require.NotNil(t, stages[balance.StageSubnetPool].NetUID)
	assert.Equal(t, model.NetUID(7), *stages[balance.StageSubnetPool].NetUID)
}

func TestComputeBalances_HotkeyEnumerationFails(t *testing.T) {
	r := newFakeReader()
	r.hotkeysErr = errors.New("node down")

	_, err := balance.NewAggregator(r, 1).ComputeBalances(context.Background(), owner(t))
	assert.ErrorIs(t, err, balance.ErrHotkeys)
}

func TestComputeBalances_InvalidOwner(t *testing.T) {
	_, err := balance.NewAggregator(newFakeReader(), 1).ComputeBalances(context.Background(), "not-an-address")
	assert.ErrorIs(t, err, balance.ErrInvalidOwner)
}

func TestComputeBalances_NoStake(t *testing.T) {
	res, err := balance.NewAggregator(newFakeReader(), 1).ComputeBalances(context.Background(), owner(t))
	require.NoError(t, err)
	assert.Empty(t, res.Positions)
	assert.True(t, res.Totals.TotalTao.IsZero())
}

func TestComputeBalances_ConcurrencyBounded(t *testing.T) {
	r := newFakeReader()
	r.delay = 5 * time.Millisecond
	for i := 0; i < 12; i++ {
		hk := key(byte(i + 1))
		r.hotkeys = append(r.hotkeys, hk)
		r.stake(hk, model.NetUID(i%4+1), 1)
	}
	for n := model.NetUID(1); n <= 4; n++ {
		r.taoIn[n], r.alphaIn[n] = 1, 1
	}

	res, err := balance.NewAggregator(r, 3).ComputeBalances(context.Background(), owner(t))
	require.NoError(t, err)
	assert.Len(t, res.Positions, 12)
	assert.LessOrEqual(t, r.peak.Load(), int32(3))
}

func TestComputeBalances_OrderIndependentTotals(t *testing.T) {
	build := func(order []account.ID) model.Totals {
		r := newFakeReader()
		r.hotkeys = order
		r.stake(key(1), 2, 3)
		r.stake(key(2), 2, 5)
		r.stake(key(3), 0, 7)
		r.taoIn[2], r.alphaIn[2] = 3, 7
		res, err := balance.NewAggregator(r, 2).ComputeBalances(context.Background(), owner(t))
		require.NoError(t, err)
		return res.Totals
	}
	a := build([]account.ID{key(1), key(2), key(3)})
	b := build([]account.ID{key(3), key(1), key(2)})
	assert.True(t, a.TotalTao.Equal(b.TotalTao))
	assert.True(t, a.TotalAlpha.Equal(b.TotalAlpha))
}

func TestAlphaBalance_Formula(t *testing.T) {
	// 3.5 shares of 7 total, hotkey holds 14 alpha.
	share := fixedpoint.New(3, 1<<63)
	got := balance.AlphaBalance(share, 14*model.RAOPerTAO, fixedpoint.FromInt(7))
	assert.True(t, got.Sub(d(7)).Abs().LessThan(d(1e-9)), "got %s", got)
}

func TestPrice(t *testing.T) {
	assert.True(t, balance.Price(0, 0, 0).Equal(d(1)))
	assert.True(t, balance.Price(1, 5, 0).IsZero())
	assert.True(t, balance.Price(1, 5, 20).Equal(d(0.25)))
}
