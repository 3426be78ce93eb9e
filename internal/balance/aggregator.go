// Package balance turns on-chain stake shares into alpha and TAO balances.
//
// For every (hotkey, subnet) position of an owner:
//
//	alpha    = share * totalHotkeyAlpha / totalHotkeyShares / 1e9
//	price    = 1 on the root subnet, taoInPool / alphaInPool elsewhere
//	taoValue = alpha * price
//
// Every division is guarded: a zero denominator yields zero.
package balance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/trustedstake/stake-engine/internal/account"
	"github.com/trustedstake/stake-engine/internal/chain"
	"github.com/trustedstake/stake-engine/internal/fixedpoint"
	"github.com/trustedstake/stake-engine/internal/metrics"
	"github.com/trustedstake/stake-engine/internal/model"
)

var (
	// ErrInvalidOwner is returned when the owner is not an SS58 address.
	ErrInvalidOwner = errors.New("balance: invalid owner address")

	// ErrHotkeys is returned when the owner's hotkeys cannot be listed.
	// Nothing can be aggregated without them.
	ErrHotkeys = errors.New("balance: failed to enumerate staking hotkeys")
)

// Failure stages.
const (
	StageAlphaEntries = "alpha_entries"
	StageSubnetPool   = "subnet_pool"
	StageHotkeyTotals = "hotkey_totals"
)

// Precision is the number of decimal places kept by balance divisions.
const Precision int32 = 18

// DefaultConcurrency bounds in-flight chain reads when none is configured.
const DefaultConcurrency = 8

// Result is the outcome of one aggregation.
type Result struct {
	Owner     string                `json:"owner"`
	Positions []model.StakePosition `json:"positions"`
	Totals    model.Totals          `json:"totals"`
	Failures  []model.HotkeyFailure `json:"failures,omitempty"`
}

// Aggregator computes balances from a chain.Reader. It holds no per-call
// state and is safe for concurrent use.
type Aggregator struct {
	reader      chain.Reader
	concurrency int
}

// NewAggregator creates an aggregator issuing at most concurrency reads at
// a time.
func NewAggregator(reader chain.Reader, concurrency int) *Aggregator {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Aggregator{reader: reader, concurrency: concurrency}
}

type pool struct {
	taoIn, alphaIn uint64
}

type pairKey struct {
	hotkey account.ID
	netUID model.NetUID
}

type hotkeyTotals struct {
	alpha  uint64
	shares fixedpoint.Value
}

type entry struct {
	hotkey account.ID
	chain.AlphaEntry
}

// collector gathers concurrent results and failures.
type collector struct {
	mu       sync.Mutex
	entries  []entry
	pools    map[model.NetUID]pool
	totals   map[pairKey]hotkeyTotals
	failures []model.HotkeyFailure
	badPools map[model.NetUID]bool
	badPairs map[pairKey]bool
}

func (c *collector) fail(stage string, hotkey string, netUID *model.NetUID, err error) {
	metrics.PositionFailures.WithLabelValues(stage).Inc()
	c.failures = append(c.failures, model.HotkeyFailure{
		Hotkey: hotkey,
		NetUID: netUID,
		Stage:  stage,
		Error:  err.Error(),
	})
}

// ComputeBalances enumerates the owner's positions and values them.
// Reads that fail for one hotkey or subnet are reported in Result.Failures
// and the affected positions are skipped; only a failure to list hotkeys
// fails the whole call.
func (a *Aggregator) ComputeBalances(ctx context.Context, owner string) (*Result, error) {
	addr, err := account.ParseAddress(owner)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOwner, err)
	}

	hotkeys, err := a.reader.StakingHotkeys(ctx, addr.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHotkeys, err)
	}

	c := &collector{
		pools:    make(map[model.NetUID]pool),
		totals:   make(map[pairKey]hotkeyTotals),
		badPools: make(map[model.NetUID]bool),
		badPairs: make(map[pairKey]bool),
	}
	ss58 := func(id account.ID) string {
		text, _ := account.Encode(id, addr.Prefix)
		return text
	}

	// Alpha entries per hotkey.
	g := a.group()
	for _, hk := range hotkeys {
		g.Go(func() error {
			entries, err := a.reader.AlphaEntries(ctx, hk, addr.ID)
			c.mu.Lock()
			defer c.mu.Unlock()
			if err != nil {
				c.fail(StageAlphaEntries, ss58(hk), nil, err)
				return nil
			}
			for _, e := range entries {
				c.entries = append(c.entries, entry{hotkey: hk, AlphaEntry: e})
			}
			return nil
		})
	}
	g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	subnets := make(map[model.NetUID]struct{})
	pairs := make(map[pairKey]struct{})
	for _, e := range c.entries {
		subnets[e.NetUID] = struct{}{}
		pairs[pairKey{hotkey: e.hotkey, netUID: e.NetUID}] = struct{}{}
	}

	// Pools once per subnet and hotkey totals once per (hotkey, subnet).
	g = a.group()
	for netUID := range subnets {
		g.Go(func() error {
			p, err := a.readPool(ctx, netUID)
			c.mu.Lock()
			defer c.mu.Unlock()
			if err != nil {
				c.badPools[netUID] = true
				c.fail(StageSubnetPool, "", &netUID, err)
				return nil
			}
			c.pools[netUID] = p
			return nil
		})
	}
	for pk := range pairs {
		g.Go(func() error {
			t, err := a.readHotkeyTotals(ctx, pk)
			c.mu.Lock()
			defer c.mu.Unlock()
			if err != nil {
				c.badPairs[pk] = true
				c.fail(StageHotkeyTotals, ss58(pk.hotkey), &pk.netUID, err)
				return nil
			}
			c.totals[pk] = t
			return nil
		})
	}
	g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := &Result{Owner: addr.Text, Positions: make([]model.StakePosition, 0, len(c.entries))}
	for _, e := range c.entries {
		pk := pairKey{hotkey: e.hotkey, netUID: e.NetUID}
		if c.badPools[e.NetUID] || c.badPairs[pk] {
			continue
		}
		p, t := c.pools[e.NetUID], c.totals[pk]
		res.Positions = append(res.Positions, NewPosition(addr.Text, ss58(e.hotkey), e.NetUID, e.Share, t.alpha, t.shares, p.taoIn, p.alphaIn))
	}

	sort.Slice(res.Positions, func(i, j int) bool {
		pi, pj := res.Positions[i], res.Positions[j]
		if pi.NetUID != pj.NetUID {
			return pi.NetUID < pj.NetUID
		}
		return pi.Hotkey < pj.Hotkey
	})
	sortFailures(c.failures)
	res.Totals = Sum(res.Positions)
	res.Failures = c.failures

	slog.Debug("balances computed",
		"owner", account.Truncate(addr.Text),
		"hotkeys", len(hotkeys),
		"positions", len(res.Positions),
		"failures", len(res.Failures),
		"total_tao", res.Totals.TotalTao.String(),
	)
	return res, nil
}

func (a *Aggregator) group() *errgroup.Group {
	g := new(errgroup.Group)
	g.SetLimit(a.concurrency)
	return g
}

func (a *Aggregator) readPool(ctx context.Context, netUID model.NetUID) (pool, error) {
	taoIn, err := a.reader.SubnetTAO(ctx, netUID)
	if err != nil {
		return pool{}, err
	}
	alphaIn, err := a.reader.SubnetAlphaIn(ctx, netUID)
	if err != nil {
		return pool{}, err
	}
	return pool{taoIn: taoIn, alphaIn: alphaIn}, nil
}

func (a *Aggregator) readHotkeyTotals(ctx context.Context, pk pairKey) (hotkeyTotals, error) {
	alpha, err := a.reader.TotalHotkeyAlpha(ctx, pk.hotkey, pk.netUID)
	if err != nil {
		return hotkeyTotals{}, err
	}
	shares, err := a.reader.TotalHotkeyShares(ctx, pk.hotkey, pk.netUID)
	if err != nil {
		return hotkeyTotals{}, err
	}
	return hotkeyTotals{alpha: alpha, shares: shares}, nil
}

func sortFailures(f []model.HotkeyFailure) {
	sort.SliceStable(f, func(i, j int) bool {
		if f[i].Stage != f[j].Stage {
			return f[i].Stage < f[j].Stage
		}
		if f[i].Hotkey != f[j].Hotkey {
			return f[i].Hotkey < f[j].Hotkey
		}
		ni, nj := -1, -1
		if f[i].NetUID != nil {
			ni = int(*f[i].NetUID)
		}
		if f[j].NetUID != nil {
			nj = int(*f[j].NetUID)
		}
		return ni < nj
	})
}

// NewPosition builds a valued position from raw chain quantities.
func NewPosition(owner, hotkey string, netUID model.NetUID, share fixedpoint.Value,
	totalHotkeyAlpha uint64, totalHotkeyShares fixedpoint.Value, taoIn, alphaIn uint64) model.StakePosition {
	alpha := AlphaBalance(share, totalHotkeyAlpha, totalHotkeyShares)
	price := Price(netUID, taoIn, alphaIn)
	return model.StakePosition{
		Owner:             owner,
		Hotkey:            hotkey,
		NetUID:            netUID,
		AlphaShare:        share,
		TotalHotkeyAlpha:  totalHotkeyAlpha,
		TotalHotkeyShares: totalHotkeyShares,
		SubnetTaoInPool:   taoIn,
		SubnetAlphaInPool: alphaIn,
		AlphaBalance:      alpha,
		Price:             price,
		TaoValue:          alpha.Mul(price),
	}
}

// AlphaBalance is share * totalHotkeyAlpha / totalHotkeyShares / 1e9, or
// zero when the hotkey has issued no shares.
func AlphaBalance(share fixedpoint.Value, totalHotkeyAlpha uint64, totalHotkeyShares fixedpoint.Value) decimal.Decimal {
	shares := totalHotkeyShares.Decimal()
	if shares.IsZero() {
		return decimal.Zero
	}
	return share.Decimal().
		Mul(model.Uint64(totalHotkeyAlpha)).
		DivRound(shares, Precision).
		DivRound(model.Unit, Precision)
}

// Price is the TAO price of one alpha on a subnet. Root is always 1; an
// empty alpha pool prices at zero.
func Price(netUID model.NetUID, taoIn, alphaIn uint64) decimal.Decimal {
	if netUID.IsRoot() {
		return decimal.NewFromInt(1)
	}
	if alphaIn == 0 {
		return decimal.Zero
	}
	return model.Uint64(taoIn).DivRound(model.Uint64(alphaIn), Precision)
}

// Sum totals a set of positions. Order does not matter.
func Sum(positions []model.StakePosition) model.Totals {
	t := model.Totals{
		TotalTao:           decimal.Zero,
		TotalAlpha:         decimal.Zero,
		TotalAlphaTaoValue: decimal.Zero,
		StakedToRoot:       decimal.Zero,
	}
	for _, p := range positions {
		t.TotalTao = t.TotalTao.Add(p.TaoValue)
		if p.NetUID.IsRoot() {
			t.StakedToRoot = t.StakedToRoot.Add(p.TaoValue)
			continue
		}
		t.TotalAlpha = t.TotalAlpha.Add(p.AlphaBalance)
		t.TotalAlphaTaoValue = t.TotalAlphaTaoValue.Add(p.TaoValue)
	}
	return t
}
