package balance

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/trustedstake/stake-engine/internal/model"
)

var hundred = decimal.NewFromInt(100)

// BySubnet rolls positions up per subnet, sorted by subnet id.
func (r *Result) BySubnet() []model.SubnetHolding {
	return RollUp(r.Positions)
}

// TopSubnets returns the n largest non-root holdings by alpha balance.
func (r *Result) TopSubnets(n int) []model.SubnetHolding {
	var out []model.SubnetHolding
	for _, h := range RollUp(r.Positions) {
		if !h.NetUID.IsRoot() {
			out = append(out, h)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].AlphaBalance.GreaterThan(out[j].AlphaBalance)
	})
	if n >= 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// RollUp groups positions by subnet. Price is taken from the subnet's
// positions, which all share the same pool.
func RollUp(positions []model.StakePosition) []model.SubnetHolding {
	idx := make(map[model.NetUID]int)
	var out []model.SubnetHolding
	for _, p := range positions {
		i, ok := idx[p.NetUID]
		if !ok {
			i = len(out)
			idx[p.NetUID] = i
			out = append(out, model.SubnetHolding{
				NetUID:       p.NetUID,
				Price:        p.Price,
				AlphaBalance: decimal.Zero,
				TaoValue:     decimal.Zero,
			})
		}
		h := &out[i]
		h.Hotkeys = append(h.Hotkeys, p.Hotkey)
		h.AlphaBalance = h.AlphaBalance.Add(p.AlphaBalance)
		h.TaoValue = h.TaoValue.Add(p.TaoValue)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NetUID < out[j].NetUID })
	return out
}

// AlphaPercentage is the share of the owner's total balance (staked plus
// free) held as subnet alpha, in percent. Zero when the total is zero.
func AlphaPercentage(t model.Totals, free decimal.Decimal) decimal.Decimal {
	total := t.TotalTao.Add(free)
	if !total.IsPositive() {
		return decimal.Zero
	}
	return t.TotalAlphaTaoValue.DivRound(total, Precision).Mul(hundred)
}

// StakeMetrics describes one subnet token holding relative to the owner's
// global stake.
type StakeMetrics struct {
	StakePercentage       decimal.Decimal `json:"stake_percentage"`
	EffectiveStake        decimal.Decimal `json:"effective_stake"`
	EstimatedDailyRewards decimal.Decimal `json:"estimated_daily_rewards"`
}

var daysPerYear = decimal.NewFromInt(365)

// ComputeStakeMetrics derives stake share, root-weighted effective stake and
// APY-based daily rewards for a holding of size balance.
func ComputeStakeMetrics(balance, apy, rootHoldings, totalGlobalStakes decimal.Decimal) StakeMetrics {
	m := StakeMetrics{
		StakePercentage:       decimal.Zero,
		EffectiveStake:        balance,
		EstimatedDailyRewards: balance.Mul(apy).DivRound(daysPerYear, Precision),
	}
	if totalGlobalStakes.IsPositive() {
		m.StakePercentage = balance.DivRound(totalGlobalStakes, Precision).Mul(hundred)
		m.EffectiveStake = balance.Add(rootHoldings.Mul(balance).DivRound(totalGlobalStakes, Precision))
	}
	return m
}
