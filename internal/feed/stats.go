package feed

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/trustedstake/stake-engine/internal/model"
)

// Timeframe selects the bucketing of trading statistics.
type Timeframe string

const (
	Timeframe1Min    Timeframe = "1min"
	Timeframe5Min    Timeframe = "5min"
	TimeframeDaily   Timeframe = "daily"
	TimeframeWeekly  Timeframe = "weekly"
	TimeframeMonthly Timeframe = "monthly"
	TimeframeBlocks  Timeframe = "blocks"
)

// ErrInvalidTimeframe is returned for an unknown timeframe.
var ErrInvalidTimeframe = errors.New("feed: invalid timeframe")

// ParseTimeframe validates a timeframe name. Empty means daily.
func ParseTimeframe(s string) (Timeframe, error) {
	switch tf := Timeframe(s); tf {
	case "":
		return TimeframeDaily, nil
	case Timeframe1Min, Timeframe5Min, TimeframeDaily, TimeframeWeekly, TimeframeMonthly, TimeframeBlocks:
		return tf, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTimeframe, s)
}

// Kind is the record kind served for the timeframe.
func (t Timeframe) Kind() model.StatsKind {
	if t == TimeframeBlocks {
		return model.StatsBlocks
	}
	return model.StatsTemporal
}

// FirstPageOnly reports whether only the newest page is fetched. The
// minute resolutions are too large to page through.
func (t Timeframe) FirstPageOnly() bool {
	return t == Timeframe1Min || t == Timeframe5Min
}

func (t Timeframe) path() string {
	if t == TimeframeBlocks {
		return "/staking/stats/blocks"
	}
	return "/staking/stats/temporal"
}

// StatsPageLimit is the page size of stats requests.
const StatsPageLimit = 1000

type statsRecord struct {
	NetUID           model.NetUID    `json:"netUid"`
	TsStart          string          `json:"tsStart"`
	TsEnd            string          `json:"tsEnd"`
	BlockStart       int64           `json:"blockStart"`
	BlockEnd         int64           `json:"blockEnd"`
	BuyVolumeTao     decimal.Decimal `json:"buyVolumeTao"`
	BuyVolumeAlpha   decimal.Decimal `json:"buyVolumeAlpha"`
	SellVolumeTao    decimal.Decimal `json:"sellVolumeTao"`
	SellVolumeAlpha  decimal.Decimal `json:"sellVolumeAlpha"`
	TotalVolumeTao   decimal.Decimal `json:"totalVolumeTao"`
	TotalVolumeAlpha decimal.Decimal `json:"totalVolumeAlpha"`
	Buys             int64           `json:"buys"`
	Sells            int64           `json:"sells"`
	Transactions     int64           `json:"transactions"`
	Buyers           int64           `json:"buyers"`
	Sellers          int64           `json:"sellers"`
	Traders          int64           `json:"traders"`
}

type statsResponse struct {
	Data        []statsRecord `json:"data"`
	TotalPages  int           `json:"totalPages"`
	CurrentPage int           `json:"currentPage"`
	TotalItems  int           `json:"totalItems"`
}

func (r statsRecord) model(kind model.StatsKind) model.StatsRecord {
	return model.StatsRecord{
		NetUID:           r.NetUID,
		Kind:             kind,
		TsStart:          r.TsStart,
		TsEnd:            r.TsEnd,
		BlockStart:       r.BlockStart,
		BlockEnd:         r.BlockEnd,
		BuyVolumeTao:     r.BuyVolumeTao.Div(model.Unit),
		BuyVolumeAlpha:   r.BuyVolumeAlpha.Div(model.Unit),
		SellVolumeTao:    r.SellVolumeTao.Div(model.Unit),
		SellVolumeAlpha:  r.SellVolumeAlpha.Div(model.Unit),
		TotalVolumeTao:   r.TotalVolumeTao.Div(model.Unit),
		TotalVolumeAlpha: r.TotalVolumeAlpha.Div(model.Unit),
		Buys:             r.Buys,
		Sells:            r.Sells,
		Transactions:     r.Transactions,
		Buyers:           r.Buyers,
		Sellers:          r.Sellers,
		Traders:          r.Traders,
	}
}

// Stats fetches trading statistics for the timeframe, newest first. A nil
// netUID selects every subnet.
func (c *Client) Stats(ctx context.Context, tf Timeframe, netUID *model.NetUID) ([]model.StatsRecord, error) {
	if _, err := ParseTimeframe(string(tf)); err != nil {
		return nil, err
	}
	kind := tf.Kind()
	path := tf.path()

	var out []model.StatsRecord
	for page := 1; page <= MaxPages; page++ {
		if err := c.waitPage(ctx, page); err != nil {
			return nil, err
		}
		q := url.Values{}
		q.Set("page", strconv.Itoa(page))
		q.Set("limit", strconv.Itoa(StatsPageLimit))
		q.Set("sortDirection", "DESC")
		if kind == model.StatsTemporal {
			q.Set("resolution", string(tf))
		}
		if netUID != nil {
			q.Set("net_uid", strconv.Itoa(int(*netUID)))
		}

		var resp statsResponse
		if err := c.getJSON(ctx, path, c.endpointURL(path, q), &resp); err != nil {
			return nil, fmt.Errorf("page %d: %w", page, err)
		}
		for _, r := range resp.Data {
			out = append(out, r.model(kind))
		}
		if page >= resp.TotalPages || tf.FirstPageOnly() {
			break
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if kind == model.StatsBlocks {
			return out[i].BlockStart > out[j].BlockStart
		}
		return out[i].TsStart > out[j].TsStart
	})
	return out, nil
}
