// Package stats folds per-subnet trading statistics and pool snapshots into
// network and subnet metrics. Everything here is a pure function of its
// inputs except Summarizer, which memoizes the last network summary.
package stats

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/shopspring/decimal"

	"github.com/trustedstake/stake-engine/internal/model"
)

// ErrUnknownSubnet is returned when a subnet is missing from the snapshot list.
var ErrUnknownSubnet = errors.New("stats: unknown subnet")

// Precision is the number of decimal places kept by ratio divisions.
const Precision int32 = 18

// MinAlphaInPool is the pool depth below which a subnet's price is ignored
// by SumAlphaPrices.
var MinAlphaInPool = decimal.NewFromInt(2000)

var hundred = decimal.NewFromInt(100)

// Prices maps subnets to their latest alpha price in TAO.
type Prices map[model.NetUID]decimal.Decimal

// ParseTime accepts RFC3339 timestamps and plain YYYY-MM-DD dates.
func ParseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// Newer reports whether candidate is more recent than current. Block
// records compare by starting block. Temporal records compare by end time;
// if either time is unparseable the current record wins.
func Newer(candidate, current model.StatsRecord) bool {
	if candidate.Kind == model.StatsBlocks || current.Kind == model.StatsBlocks {
		return candidate.BlockStart > current.BlockStart
	}
	ct, ok := ParseTime(candidate.TsEnd)
	if !ok {
		return false
	}
	at, ok := ParseTime(current.TsEnd)
	if !ok {
		return false
	}
	return ct.After(at)
}

// Latest keeps the most recent record of every subnet.
func Latest(records []model.StatsRecord) map[model.NetUID]model.StatsRecord {
	out := make(map[model.NetUID]model.StatsRecord)
	for _, r := range records {
		cur, ok := out[r.NetUID]
		if !ok || Newer(r, cur) {
			out[r.NetUID] = r
		}
	}
	return out
}

func ratio(num, den decimal.Decimal) decimal.Decimal {
	if !den.IsPositive() {
		return decimal.Zero
	}
	return num.DivRound(den, Precision)
}

func percent(num, den decimal.Decimal) decimal.Decimal {
	return ratio(num, den).Mul(hundred)
}

// Summarize folds the latest record of every subnet and the subnet pool
// snapshots into network metrics.
func Summarize(records []model.StatsRecord, subnets []model.SubnetSnapshot) model.NetworkMetrics {
	m := model.NetworkMetrics{
		TotalVolume:      decimal.Zero,
		TotalBuyVolume:   decimal.Zero,
		TotalSellVolume:  decimal.Zero,
		TotalTaoInPools:  decimal.Zero,
		RootTao:          decimal.Zero,
		TotalStakedAlpha: decimal.Zero,
		RootEmission:     decimal.Zero,
	}
	for _, r := range Latest(records) {
		m.TotalVolume = m.TotalVolume.Add(r.TotalVolumeTao)
		m.TotalTransactions += r.Transactions
		m.TotalBuyVolume = m.TotalBuyVolume.Add(r.BuyVolumeTao)
		m.TotalSellVolume = m.TotalSellVolume.Add(r.SellVolumeTao)
	}
	m.BuySellRatio = ratio(m.TotalBuyVolume, m.TotalSellVolume)

	rootSeen := false
	for _, s := range subnets {
		m.TotalStakedAlpha = m.TotalStakedAlpha.Add(s.AlphaStaked)
		if s.NetUID.IsRoot() {
			if !rootSeen {
				m.RootTao = s.TaoInPool
				m.RootEmission = s.Emission
				rootSeen = true
			}
			continue
		}
		m.TotalTaoInPools = m.TotalTaoInPools.Add(s.TaoInPool)
	}
	m.TotalTaoInNetwork = m.TotalTaoInPools.Add(m.RootTao)
	m.TaoInSubnetsPercentage = percent(m.TotalTaoInPools, m.TotalTaoInNetwork)
	m.TaoOnRootPercentage = percent(m.RootTao, m.TotalTaoInNetwork)
	return m
}

// SumAlphaPrices adds the prices of non-root subnets holding at least
// minAlphaInPool alpha. Subnets without a price contribute nothing.
func SumAlphaPrices(subnets []model.SubnetSnapshot, prices Prices, minAlphaInPool decimal.Decimal) decimal.Decimal {
	sum := decimal.Zero
	for _, s := range subnets {
		if s.NetUID.IsRoot() || s.AlphaInPool.LessThan(minAlphaInPool) {
			continue
		}
		if p, ok := prices[s.NetUID]; ok {
			sum = sum.Add(p)
		}
	}
	return sum
}

// SubnetMetrics builds the detail view of one subnet.
func SubnetMetrics(netUID model.NetUID, records []model.StatsRecord, subnets []model.SubnetSnapshot, prices Prices) (model.SubnetMetrics, error) {
	var subnet *model.SubnetSnapshot
	for i := range subnets {
		if subnets[i].NetUID == netUID {
			subnet = &subnets[i]
			break
		}
	}
	if subnet == nil {
		return model.SubnetMetrics{}, ErrUnknownSubnet
	}

	price, ok := prices[netUID]
	if !ok {
		price = decimal.Zero
	}
	supply := subnet.AlphaStaked.Add(subnet.AlphaInPool)
	m := model.SubnetMetrics{
		NetUID:                 netUID,
		AlphaPrice:             price,
		TaoInPool:              subnet.TaoInPool,
		AlphaInPool:            subnet.AlphaInPool,
		AlphaStaked:            subnet.AlphaStaked,
		Utilization:            percent(subnet.AlphaStaked, supply),
		Emission:               subnet.Emission,
		AlphaDistributionRatio: ratio(subnet.AlphaStaked, subnet.AlphaInPool),
		MarketCap:              subnet.AlphaStaked.Mul(price),
		AlphaSupply:            supply,
		TotalVolume:            decimal.Zero,
		BuySellRatio:           decimal.Zero,
	}

	var others []model.SubnetSnapshot
	totalEmission := decimal.Zero
	for _, s := range subnets {
		if s.NetUID.IsRoot() {
			continue
		}
		others = append(others, s)
		totalEmission = totalEmission.Add(s.Emission)
	}
	m.EmissionPercentage = percent(subnet.Emission, totalEmission)
	if !netUID.IsRoot() {
		sort.SliceStable(others, func(i, j int) bool {
			if c := others[i].Emission.Cmp(others[j].Emission); c != 0 {
				return c > 0
			}
			return others[i].NetUID < others[j].NetUID
		})
		for i, s := range others {
			if s.NetUID == netUID {
				m.EmissionRank = i + 1
				break
			}
		}
	}

	var own []model.StatsRecord
	for _, r := range records {
		if r.NetUID == netUID {
			own = append(own, r)
		}
	}
	if latest, ok := Latest(own)[netUID]; ok {
		m.TotalTransactions = latest.Buys + latest.Sells
		m.TotalVolume = latest.BuyVolumeTao.Add(latest.SellVolumeTao)
		m.BuySellRatio = ratio(latest.BuyVolumeTao, latest.SellVolumeTao)
		m.Buyers = latest.Buyers
		m.Sellers = latest.Sellers
		m.Traders = latest.Traders
	}
	return m, nil
}

// Summarizer caches the last network summary and recomputes it only when
// the records or subnets change. It is safe for concurrent use.
type Summarizer struct {
	mu     sync.Mutex
	key    uint64
	valid  bool
	cached model.NetworkMetrics
}

// Summarize returns the cached summary when the inputs are unchanged.
func (s *Summarizer) Summarize(records []model.StatsRecord, subnets []model.SubnetSnapshot) model.NetworkMetrics {
	key := fingerprint(records, subnets)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.valid && s.key == key {
		return s.cached
	}
	s.cached = Summarize(records, subnets)
	s.key = key
	s.valid = true
	return s.cached
}

func fingerprint(records []model.StatsRecord, subnets []model.SubnetSnapshot) uint64 {
	h := xxhash.New()
	enc := json.NewEncoder(h)
	// Encoding these types cannot fail.
	_ = enc.Encode(records)
	_ = enc.Encode(subnets)
	return h.Sum64()
}
