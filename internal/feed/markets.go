package feed

import (
	"context"
	"net/url"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/trustedstake/stake-engine/internal/model"
)

const (
	subnetsPath    = "/subnets"
	identitiesPath = "/subnet_identities"
	pricesPath     = "/prices/latest"

	unnamedSubnet = "Unnamed Subnet"
)

type subnetRecord struct {
	NetUID      model.NetUID    `json:"net_uid"`
	Name        string          `json:"name"`
	Symbol      string          `json:"symbol"`
	Emission    decimal.Decimal `json:"emission"`
	TaoInPool   decimal.Decimal `json:"tao_in_pool"`
	AlphaInPool decimal.Decimal `json:"alpha_in_pool"`
	AlphaStaked decimal.Decimal `json:"alpha_staked"`
	TaoVolume   decimal.Decimal `json:"tao_volume"`
}

type identityRecord struct {
	NetUID     model.NetUID `json:"net_uid"`
	SubnetName string       `json:"subnet_name"`
}

// Subnets fetches every subnet's pool state, named from the identity
// registry where one is set.
func (c *Client) Subnets(ctx context.Context) ([]model.SubnetSnapshot, error) {
	var subnets struct {
		Data []subnetRecord `json:"data"`
	}
	var identities struct {
		Data []identityRecord `json:"data"`
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.getJSON(gctx, subnetsPath, c.endpointURL(subnetsPath, nil), &subnets)
	})
	g.Go(func() error {
		return c.getJSON(gctx, identitiesPath, c.endpointURL(identitiesPath, nil), &identities)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	names := make(map[model.NetUID]string, len(identities.Data))
	for _, id := range identities.Data {
		if id.SubnetName != "" {
			names[id.NetUID] = id.SubnetName
		}
	}

	out := make([]model.SubnetSnapshot, 0, len(subnets.Data))
	for _, s := range subnets.Data {
		name := names[s.NetUID]
		if name == "" {
			name = s.Name
		}
		if name == "" {
			name = unnamedSubnet
		}
		out = append(out, model.SubnetSnapshot{
			NetUID:      s.NetUID,
			Name:        name,
			Symbol:      s.Symbol,
			TaoInPool:   s.TaoInPool.Div(model.Unit),
			AlphaInPool: s.AlphaInPool.Div(model.Unit),
			AlphaStaked: s.AlphaStaked.Div(model.Unit),
			Emission:    s.Emission.Div(model.Unit),
			TaoVolume:   s.TaoVolume.Div(model.Unit),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NetUID < out[j].NetUID })
	return out, nil
}

// AlphaPrices fetches the latest alpha price of every subnet in TAO.
func (c *Client) AlphaPrices(ctx context.Context) (map[model.NetUID]decimal.Decimal, error) {
	q := url.Values{}
	q.Set("page", "1")
	q.Set("limit", "1000")
	q.Set("sortDirection", "DESC")

	var resp struct {
		Data []struct {
			NetUID     model.NetUID    `json:"net_uid"`
			PriceInTao decimal.Decimal `json:"price_in_tao"`
		} `json:"data"`
	}
	if err := c.getJSON(ctx, pricesPath, c.endpointURL(pricesPath, q), &resp); err != nil {
		return nil, err
	}
	out := make(map[model.NetUID]decimal.Decimal, len(resp.Data))
	for _, p := range resp.Data {
		// Rows are newest first; keep the first price seen per subnet.
		if _, ok := out[p.NetUID]; !ok {
			out[p.NetUID] = p.PriceInTao
		}
	}
	return out, nil
}

// TaoPrice is the TAO/USD quote.
type TaoPrice struct {
	USD       decimal.Decimal `json:"usd"`
	Change24h decimal.Decimal `json:"change_24h"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// TaoPrice fetches the current TAO/USD price.
func (c *Client) TaoPrice(ctx context.Context) (*TaoPrice, error) {
	var resp struct {
		Bittensor struct {
			USD       decimal.Decimal `json:"usd"`
			Change24h decimal.Decimal `json:"usd_24h_change"`
		} `json:"bittensor"`
	}
	if err := c.getJSON(ctx, "tao_price", c.priceURL, &resp); err != nil {
		return nil, err
	}
	return &TaoPrice{
		USD:       resp.Bittensor.USD,
		Change24h: resp.Bittensor.Change24h,
		FetchedAt: time.Now().UTC(),
	}, nil
}
