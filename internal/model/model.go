// Package model defines the core domain types shared across the stake engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/trustedstake/stake-engine/internal/fixedpoint"
)

// NetUID identifies a subnet. Subnet 0 is the root network.
type NetUID uint16

// RootNetUID is the root subnet, whose stake is always priced 1:1 in TAO.
const RootNetUID NetUID = 0

// IsRoot reports whether n is the root subnet.
func (n NetUID) IsRoot() bool { return n == RootNetUID }

// RAOPerTAO is the number of base units in one TAO (and in one alpha).
const RAOPerTAO = 1_000_000_000

// Unit is RAOPerTAO as a decimal.
var Unit = decimal.NewFromInt(RAOPerTAO)

// Uint64 converts an unsigned chain quantity to a decimal without loss.
func Uint64(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}

// FromRAO converts a base-unit amount to TAO (or alpha) units.
func FromRAO(raw uint64) decimal.Decimal {
	return Uint64(raw).Div(Unit)
}

// Action is the direction of a staking transaction.
type Action string

const (
	ActionStaking   Action = "STAKING"
	ActionUnstaking Action = "UNSTAKING"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	return a == ActionStaking || a == ActionUnstaking
}

// Transaction is an immutable staking record from the history API.
// Tao and Alpha are in whole-token units.
type Transaction struct {
	ID          string          `json:"id" db:"id"`
	Height      int64           `json:"height" db:"height"`
	Timestamp   time.Time       `json:"timestamp" db:"timestamp"`
	ExtrinsicID int64           `json:"extrinsic_id" db:"extrinsic_id"`
	Coldkey     string          `json:"coldkey" db:"coldkey"`
	Hotkey      string          `json:"hotkey" db:"hotkey"`
	NetUID      NetUID          `json:"net_uid" db:"net_uid"`
	Tao         decimal.Decimal `json:"tao" db:"tao"`
	Alpha       decimal.Decimal `json:"alpha" db:"alpha"`
	Action      Action          `json:"action" db:"action"`
}

// StakePosition is one (owner, hotkey, subnet) stake with the chain
// quantities it was derived from. Recomputed on every refresh.
type StakePosition struct {
	Owner             string           `json:"owner"`
	Hotkey            string           `json:"hotkey"`
	NetUID            NetUID           `json:"net_uid"`
	AlphaShare        fixedpoint.Value `json:"alpha_share"`
	TotalHotkeyAlpha  uint64           `json:"total_hotkey_alpha"`
	TotalHotkeyShares fixedpoint.Value `json:"total_hotkey_shares"`
	SubnetTaoInPool   uint64           `json:"subnet_tao_in_pool"`
	SubnetAlphaInPool uint64           `json:"subnet_alpha_in_pool"`

	AlphaBalance decimal.Decimal `json:"alpha_balance"`
	Price        decimal.Decimal `json:"price"`     // TAO per alpha
	TaoValue     decimal.Decimal `json:"tao_value"` // alpha_balance * price
}

// Totals aggregates a set of positions.
type Totals struct {
	TotalTao           decimal.Decimal `json:"total_tao"`             // Σ tao_value, root included
	TotalAlpha         decimal.Decimal `json:"total_alpha"`           // Σ alpha_balance, non-root
	TotalAlphaTaoValue decimal.Decimal `json:"total_alpha_tao_value"` // Σ tao_value, non-root
	StakedToRoot       decimal.Decimal `json:"staked_to_root"`
}

// HotkeyFailure records a chain read that failed during aggregation. The rest of
// the aggregation still completes.
type HotkeyFailure struct {
	Hotkey string  `json:"hotkey,omitempty"`
	NetUID *NetUID `json:"net_uid,omitempty"`
	Stage  string  `json:"stage"`
	Error  string  `json:"error"`
}

// PnLResult is the profit and loss of one subnet.
type PnLResult struct {
	NetUID        NetUID          `json:"net_uid"`
	AvgBuyPrice   decimal.Decimal `json:"avg_buy_price"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	TotalPnL      decimal.Decimal `json:"total_pnl"`
}

// SubnetHolding rolls the positions of one subnet up across hotkeys.
type SubnetHolding struct {
	NetUID       NetUID          `json:"net_uid"`
	Hotkeys      []string        `json:"hotkeys"`
	AlphaBalance decimal.Decimal `json:"alpha_balance"`
	Price        decimal.Decimal `json:"price"`
	TaoValue     decimal.Decimal `json:"tao_value"`
	PnL          *PnLResult      `json:"pnl,omitempty"`
}

// PortfolioSnapshot is the result of one refresh for one owner.
type PortfolioSnapshot struct {
	ID              string          `json:"id" db:"id"`
	Owner           string          `json:"owner" db:"owner"`
	Generation      uint64          `json:"generation" db:"generation"`
	ComputedAt      time.Time       `json:"computed_at" db:"computed_at"`
	Positions       []StakePosition `json:"positions"`
	Subnets         []SubnetHolding `json:"subnets"`
	Totals          Totals          `json:"totals"`
	FreeBalance     decimal.Decimal `json:"free_balance"`
	TotalBalance    decimal.Decimal `json:"total_balance"`    // staked + free
	AlphaPercentage decimal.Decimal `json:"alpha_percentage"` // alpha tao value / total balance * 100
	TotalPnL        decimal.Decimal `json:"total_pnl"`
	Failures        []HotkeyFailure `json:"failures,omitempty"`
}

// StatsKind distinguishes time-bucketed from block-bucketed stats.
type StatsKind string

const (
	StatsTemporal StatsKind = "temporal"
	StatsBlocks   StatsKind = "blocks"
)

// StatsRecord is one bucket of trading statistics for one subnet. Volumes
// are in whole-token units.
type StatsRecord struct {
	NetUID           NetUID          `json:"net_uid"`
	Kind             StatsKind       `json:"kind"`
	TsStart          string          `json:"ts_start,omitempty"`
	TsEnd            string          `json:"ts_end,omitempty"`
	BlockStart       int64           `json:"block_start,omitempty"`
	BlockEnd         int64           `json:"block_end,omitempty"`
	BuyVolumeTao     decimal.Decimal `json:"buy_volume_tao"`
	BuyVolumeAlpha   decimal.Decimal `json:"buy_volume_alpha"`
	SellVolumeTao    decimal.Decimal `json:"sell_volume_tao"`
	SellVolumeAlpha  decimal.Decimal `json:"sell_volume_alpha"`
	TotalVolumeTao   decimal.Decimal `json:"total_volume_tao"`
	TotalVolumeAlpha decimal.Decimal `json:"total_volume_alpha"`
	Buys             int64           `json:"buys"`
	Sells            int64           `json:"sells"`
	Transactions     int64           `json:"transactions"`
	Buyers           int64           `json:"buyers"`
	Sellers          int64           `json:"sellers"`
	Traders          int64           `json:"traders"`
}

// SubnetSnapshot is the pool state of one subnet, in whole-token units.
type SubnetSnapshot struct {
	NetUID      NetUID          `json:"net_uid"`
	Name        string          `json:"name"`
	Symbol      string          `json:"symbol"`
	TaoInPool   decimal.Decimal `json:"tao_in_pool"`
	AlphaInPool decimal.Decimal `json:"alpha_in_pool"`
	AlphaStaked decimal.Decimal `json:"alpha_staked"`
	Emission    decimal.Decimal `json:"emission"`
	TaoVolume   decimal.Decimal `json:"tao_volume"`
}

// NetworkMetrics summarizes the latest stats of every subnet.
type NetworkMetrics struct {
	TotalVolume            decimal.Decimal `json:"total_volume"`
	TotalTransactions      int64           `json:"total_transactions"`
	TotalBuyVolume         decimal.Decimal `json:"total_buy_volume"`
	TotalSellVolume        decimal.Decimal `json:"total_sell_volume"`
	BuySellRatio           decimal.Decimal `json:"buy_sell_ratio"`
	TotalTaoInPools        decimal.Decimal `json:"total_tao_in_pools"` // non-root
	RootTao                decimal.Decimal `json:"root_tao"`
	TotalTaoInNetwork      decimal.Decimal `json:"total_tao_in_network"`
	TaoInSubnetsPercentage decimal.Decimal `json:"tao_in_subnets_percentage"`
	TaoOnRootPercentage    decimal.Decimal `json:"tao_on_root_percentage"`
	TotalStakedAlpha       decimal.Decimal `json:"total_staked_alpha"`
	RootEmission           decimal.Decimal `json:"root_emission"`
}

// SubnetMetrics is the detail view of one subnet.
type SubnetMetrics struct {
	NetUID                 NetUID          `json:"net_uid"`
	AlphaPrice             decimal.Decimal `json:"alpha_price"`
	TaoInPool              decimal.Decimal `json:"tao_in_pool"`
	AlphaInPool            decimal.Decimal `json:"alpha_in_pool"`
	AlphaStaked            decimal.Decimal `json:"alpha_staked"`
	Utilization            decimal.Decimal `json:"utilization"` // staked / (staked + pool) * 100
	Emission               decimal.Decimal `json:"emission"`
	AlphaDistributionRatio decimal.Decimal `json:"alpha_distribution_ratio"`
	MarketCap              decimal.Decimal `json:"market_cap"`
	AlphaSupply            decimal.Decimal `json:"alpha_supply"`
	EmissionPercentage     decimal.Decimal `json:"emission_percentage"`
	EmissionRank           int             `json:"emission_rank"`
	TotalTransactions      int64           `json:"total_transactions"`
	TotalVolume            decimal.Decimal `json:"total_volume"`
	BuySellRatio           decimal.Decimal `json:"buy_sell_ratio"`
	Buyers                 int64           `json:"buyers"`
	Sellers                int64           `json:"sellers"`
	Traders                int64           `json:"traders"`
}
