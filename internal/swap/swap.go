// Package swap converts between TAO and subnet alpha.
//
// Convert values an amount at the latest quoted prices. Pool quotes model
// the subnet's constant-product pool (k = taoIn * alphaIn) and report the
// price impact of a trade of the given size. The root subnet trades 1:1.
//
// All amounts use shopspring/decimal.
package swap

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/trustedstake/stake-engine/internal/model"
)

var (
	// ErrEmptyPool is returned when a pool side holds nothing.
	ErrEmptyPool = errors.New("swap: pool is empty")

	// ErrInvalidAmount is returned for a non-positive trade size.
	ErrInvalidAmount = errors.New("swap: amount must be positive")

	// ErrInvalidToken is returned by ParseToken.
	ErrInvalidToken = errors.New("swap: invalid token")

	// PriceScale is the number of decimal places kept by quote divisions.
	PriceScale int32 = 18
)

// Token is either TAO or the alpha of one subnet.
type Token struct {
	Alpha  bool
	NetUID model.NetUID
}

// TAO is the network's base token.
var TAO = Token{}

// Alpha returns the alpha token of a subnet.
func Alpha(netUID model.NetUID) Token { return Token{Alpha: true, NetUID: netUID} }

func (t Token) String() string {
	if !t.Alpha {
		return "TAO"
	}
	return "SN" + strconv.Itoa(int(t.NetUID))
}

// ParseToken accepts "TAO", "SN<id>", "Subnet <id>" or a bare subnet id.
func ParseToken(s string) (Token, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "TAO") {
		return TAO, nil
	}
	id := s
	switch {
	case len(s) > 2 && strings.EqualFold(s[:2], "SN"):
		id = s[2:]
	case strings.HasPrefix(s, "Subnet "):
		id = strings.TrimPrefix(s, "Subnet ")
	}
	n, err := strconv.ParseUint(strings.TrimSpace(id), 10, 16)
	if err != nil {
		return Token{}, fmt.Errorf("%w: %q", ErrInvalidToken, s)
	}
	return Alpha(model.NetUID(n)), nil
}

// Convert values amount of from in units of to at the given alpha prices
// (TAO per alpha). A missing or zero price converts to zero.
func Convert(amount decimal.Decimal, from, to Token, prices map[model.NetUID]decimal.Decimal) decimal.Decimal {
	if amount.IsZero() || from == to {
		return amount
	}
	price := func(t Token) decimal.Decimal {
		p, ok := prices[t.NetUID]
		if !ok || !p.IsPositive() {
			return decimal.Zero
		}
		return p
	}

	tao := amount
	if from.Alpha {
		p := price(from)
		if p.IsZero() {
			return decimal.Zero
		}
		tao = amount.Mul(p)
	}
	if !to.Alpha {
		return tao
	}
	p := price(to)
	if p.IsZero() {
		return decimal.Zero
	}
	return tao.DivRound(p, PriceScale)
}

// Pool is the liquidity of one subnet, in whole-token units.
type Pool struct {
	NetUID  model.NetUID
	TaoIn   decimal.Decimal
	AlphaIn decimal.Decimal
}

// PoolOf builds a pool from a subnet snapshot.
func PoolOf(s model.SubnetSnapshot) Pool {
	return Pool{NetUID: s.NetUID, TaoIn: s.TaoInPool, AlphaIn: s.AlphaInPool}
}

// Quote describes a trade against a pool.
type Quote struct {
	AmountIn       decimal.Decimal `json:"amount_in"`
	AmountOut      decimal.Decimal `json:"amount_out"`
	SpotPrice      decimal.Decimal `json:"spot_price"`      // TAO per alpha before the trade
	EffectivePrice decimal.Decimal `json:"effective_price"` // TAO per alpha paid or received
	Slippage       decimal.Decimal `json:"slippage"`        // percent away from spot
}

// SpotPrice is taoIn/alphaIn, 1 on root.
func (p Pool) SpotPrice() (decimal.Decimal, error) {
	if p.NetUID.IsRoot() {
		return decimal.NewFromInt(1), nil
	}
	if !p.TaoIn.IsPositive() || !p.AlphaIn.IsPositive() {
		return decimal.Zero, ErrEmptyPool
	}
	return p.TaoIn.DivRound(p.AlphaIn, PriceScale), nil
}

// StakeQuote quotes buying alpha with tao.
func (p Pool) StakeQuote(tao decimal.Decimal) (Quote, error) {
	if !tao.IsPositive() {
		return Quote{}, ErrInvalidAmount
	}
	spot, err := p.SpotPrice()
	if err != nil {
		return Quote{}, err
	}
	if p.NetUID.IsRoot() {
		return flat(tao, spot), nil
	}
	// alphaOut = alphaIn - k/(taoIn+tao)
	k := p.TaoIn.Mul(p.AlphaIn)
	out := p.AlphaIn.Sub(k.DivRound(p.TaoIn.Add(tao), PriceScale))
	if !out.IsPositive() {
		return Quote{}, ErrEmptyPool
	}
	eff := tao.DivRound(out, PriceScale)
	return Quote{
		AmountIn:       tao,
		AmountOut:      out,
		SpotPrice:      spot,
		EffectivePrice: eff,
		Slippage:       slippage(spot, eff),
	}, nil
}

// UnstakeQuote quotes selling alpha for tao.
func (p Pool) UnstakeQuote(alpha decimal.Decimal) (Quote, error) {
	if !alpha.IsPositive() {
		return Quote{}, ErrInvalidAmount
	}
	spot, err := p.SpotPrice()
	if err != nil {
		return Quote{}, err
	}
	if p.NetUID.IsRoot() {
		return flat(alpha, spot), nil
	}
	// taoOut = taoIn - k/(alphaIn+alpha)
	k := p.TaoIn.Mul(p.AlphaIn)
	out := p.TaoIn.Sub(k.DivRound(p.AlphaIn.Add(alpha), PriceScale))
	if !out.IsPositive() {
		return Quote{}, ErrEmptyPool
	}
	eff := out.DivRound(alpha, PriceScale)
	return Quote{
		AmountIn:       alpha,
		AmountOut:      out,
		SpotPrice:      spot,
		EffectivePrice: eff,
		Slippage:       slippage(spot, eff),
	}, nil
}

func flat(amount, spot decimal.Decimal) Quote {
	return Quote{
		AmountIn:       amount,
		AmountOut:      amount,
		SpotPrice:      spot,
		EffectivePrice: spot,
		Slippage:       decimal.Zero,
	}
}

// slippage is |eff-spot|/spot in percent.
func slippage(spot, eff decimal.Decimal) decimal.Decimal {
	if spot.IsZero() {
		return decimal.Zero
	}
	return eff.Sub(spot).Abs().DivRound(spot, PriceScale).Mul(decimal.NewFromInt(100))
}
