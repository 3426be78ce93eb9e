// Package pnl computes average buy price and realized/unrealized profit per
// subnet from a staking history and the owner's current positions.
//
// Each transaction is priced at tao/alpha. Buys and sells are folded into a
// per-subnet ledger; the ledger depends only on the history, so it is cached
// by a fingerprint of the batch and reused across refreshes while the
// positions are applied fresh on every call. The root subnet never has PnL.
package pnl

import (
	"encoding/binary"
	"log/slog"
	"sort"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shopspring/decimal"

	"github.com/trustedstake/stake-engine/internal/metrics"
	"github.com/trustedstake/stake-engine/internal/model"
)

// Precision is the number of decimal places kept by PnL divisions.
const Precision int32 = 18

// DefaultCacheSize bounds the ledger cache when none is configured.
const DefaultCacheSize = 256

// Ledger is the folded history of one subnet.
type Ledger struct {
	Bought      decimal.Decimal // Σ tao over buys
	BoughtValue decimal.Decimal // Σ tao*price over buys
	Sold        decimal.Decimal
	SoldValue   decimal.Decimal
	// Invalid is set when a transaction has no alpha and cannot be priced.
	Invalid bool
}

// AvgBuyPrice is BoughtValue/Bought, or zero without buys.
func (l Ledger) AvgBuyPrice() decimal.Decimal {
	if l.Bought.IsZero() {
		return decimal.Zero
	}
	return l.BoughtValue.DivRound(l.Bought, Precision)
}

// Realized is SoldValue - Sold*avg, or zero without sells or cost basis.
func (l Ledger) Realized(avg decimal.Decimal) decimal.Decimal {
	if l.Sold.IsZero() || avg.IsZero() {
		return decimal.Zero
	}
	return l.SoldValue.Sub(l.Sold.Mul(avg))
}

// Ledgers maps subnets to their folded history. Cached values are shared
// between callers and must not be modified.
type Ledgers map[model.NetUID]Ledger

// Fold groups transactions by subnet, skipping the root subnet and
// transactions with an unknown action.
func Fold(txs []model.Transaction) Ledgers {
	out := make(Ledgers)
	for _, tx := range txs {
		if tx.NetUID.IsRoot() || !tx.Action.Valid() {
			continue
		}
		l, ok := out[tx.NetUID]
		if !ok {
			l = Ledger{
				Bought:      decimal.Zero,
				BoughtValue: decimal.Zero,
				Sold:        decimal.Zero,
				SoldValue:   decimal.Zero,
			}
		}
		if tx.Alpha.IsZero() {
			l.Invalid = true
			out[tx.NetUID] = l
			continue
		}
		price := tx.Tao.DivRound(tx.Alpha, Precision)
		value := tx.Tao.Mul(price)
		switch tx.Action {
		case model.ActionStaking:
			l.Bought = l.Bought.Add(tx.Tao)
			l.BoughtValue = l.BoughtValue.Add(value)
		case model.ActionUnstaking:
			l.Sold = l.Sold.Add(tx.Tao)
			l.SoldValue = l.SoldValue.Add(value)
		}
		out[tx.NetUID] = l
	}
	return out
}

// Fingerprint hashes a transaction batch independent of its order.
func Fingerprint(txs []model.Transaction) uint64 {
	sorted := make([]model.Transaction, len(txs))
	copy(sorted, txs)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Height != sorted[j].Height {
			return sorted[i].Height < sorted[j].Height
		}
		if sorted[i].ID != sorted[j].ID {
			return sorted[i].ID < sorted[j].ID
		}
		if sorted[i].NetUID != sorted[j].NetUID {
			return sorted[i].NetUID < sorted[j].NetUID
		}
		if sorted[i].Action != sorted[j].Action {
			return sorted[i].Action < sorted[j].Action
		}
		if c := sorted[i].Tao.Cmp(sorted[j].Tao); c != 0 {
			return c < 0
		}
		return sorted[i].Alpha.LessThan(sorted[j].Alpha)
	})

	h := xxhash.New()
	var buf [8]byte
	for _, tx := range sorted {
		binary.LittleEndian.PutUint64(buf[:], uint64(tx.Height))
		h.Write(buf[:])
		h.WriteString(tx.ID)
		h.WriteString("\x00")
		binary.LittleEndian.PutUint16(buf[:2], uint16(tx.NetUID))
		h.Write(buf[:2])
		h.WriteString(string(tx.Action))
		h.WriteString("\x00")
		h.WriteString(tx.Tao.String())
		h.WriteString("\x00")
		h.WriteString(tx.Alpha.String())
		h.WriteString("\x00")
	}
	binary.LittleEndian.PutUint64(buf[:], uint64(len(sorted)))
	h.Write(buf[:])
	return h.Sum64()
}

// Engine computes PnL with a bounded LRU of folded histories. It is safe for
// concurrent use.
type Engine struct {
	cache *lru.Cache[uint64, Ledgers]
}

// NewEngine creates an engine caching up to size histories.
func NewEngine(size int) (*Engine, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[uint64, Ledgers](size)
	if err != nil {
		return nil, err
	}
	return &Engine{cache: cache}, nil
}

// Ledgers returns the folded history for txs, from cache when the batch was
// seen before.
func (e *Engine) Ledgers(txs []model.Transaction) Ledgers {
	key := Fingerprint(txs)
	if l, ok := e.cache.Get(key); ok {
		metrics.PnLCacheHits.Inc()
		return l
	}
	metrics.PnLCacheMisses.Inc()
	l := Fold(txs)
	e.cache.Add(key, l)
	return l
}

// Len is the number of cached histories.
func (e *Engine) Len() int { return e.cache.Len() }

// Purge empties the cache.
func (e *Engine) Purge() { e.cache.Purge() }

// Compute returns the PnL of every non-root subnet the owner still holds and
// has history on. Subnets without a current position, without a cost basis
// or with an unpriceable transaction are omitted.
func (e *Engine) Compute(txs []model.Transaction, positions []model.StakePosition) map[model.NetUID]model.PnLResult {
	ledgers := e.Ledgers(txs)
	holdings := holdingsOf(positions)

	out := make(map[model.NetUID]model.PnLResult, len(ledgers))
	omitted := 0
	for netUID, l := range ledgers {
		h, held := holdings[netUID]
		if !held || h.Alpha.IsZero() {
			omitted++
			continue
		}
		r, ok := Apply(netUID, l, h)
		if !ok {
			omitted++
			continue
		}
		out[netUID] = r
	}
	if omitted > 0 {
		slog.Debug("pnl subnets omitted", "omitted", omitted, "computed", len(out))
	}
	return out
}

// Holding is the owner's current alpha on one subnet and its price.
type Holding struct {
	Alpha decimal.Decimal
	Price decimal.Decimal
}

func holdingsOf(positions []model.StakePosition) map[model.NetUID]Holding {
	out := make(map[model.NetUID]Holding)
	for _, p := range positions {
		if p.NetUID.IsRoot() {
			continue
		}
		h, ok := out[p.NetUID]
		if !ok {
			h = Holding{Alpha: decimal.Zero, Price: p.Price}
		}
		h.Alpha = h.Alpha.Add(p.AlphaBalance)
		out[p.NetUID] = h
	}
	return out
}

// Apply marks a ledger to the current holding. It reports false when the
// subnet has no PnL to show.
func Apply(netUID model.NetUID, l Ledger, h Holding) (model.PnLResult, bool) {
	if netUID.IsRoot() || l.Invalid {
		return model.PnLResult{}, false
	}
	avg := l.AvgBuyPrice()
	if avg.IsZero() {
		return model.PnLResult{}, false
	}
	alpha, price := h.Alpha, h.Price
	if alpha.IsZero() {
		alpha, price = decimal.Zero, decimal.Zero
	}
	realized := l.Realized(avg)
	unrealized := alpha.Mul(price).Sub(alpha.Mul(avg))
	return model.PnLResult{
		NetUID:        netUID,
		AvgBuyPrice:   avg,
		RealizedPnL:   realized,
		UnrealizedPnL: unrealized,
		TotalPnL:      realized.Add(unrealized),
	}, true
}

// Total sums TotalPnL across results.
func Total(results map[model.NetUID]model.PnLResult) decimal.Decimal {
	sum := decimal.Zero
	for _, r := range results {
		sum = sum.Add(r.TotalPnL)
	}
	return sum
}
