package main

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/trustedstake/stake-engine/internal/account"
	"github.com/trustedstake/stake-engine/internal/balance"
	"github.com/trustedstake/stake-engine/internal/feed"
	"github.com/trustedstake/stake-engine/internal/fixedpoint"
	"github.com/trustedstake/stake-engine/internal/model"
	"github.com/trustedstake/stake-engine/internal/pnl"
	"github.com/trustedstake/stake-engine/internal/stats"
	"github.com/trustedstake/stake-engine/internal/swap"
)

var errMissingAddress = errors.New("an SS58 address is required")

var decodeCommand = &cli.Command{
	Name:      "decode",
	Usage:     "decode U64F64 fixed-point bits",
	ArgsUsage: "<bits> [bits...]",
	Action: func(c *cli.Context) error {
		if c.NArg() == 0 {
			return cli.ShowSubcommandHelp(c)
		}
		type decoded struct {
			Bits    string          `json:"bits"`
			Value   decimal.Decimal `json:"value"`
			Float   float64         `json:"float"`
			Integer uint64          `json:"integer"`
		}
		var out []decoded
		for _, bits := range c.Args().Slice() {
			v, err := fixedpoint.Parse(bits)
			if err != nil {
				return err
			}
			out = append(out, decoded{Bits: bits, Value: v.Decimal(), Float: v.Float64(), Integer: v.Integer()})
		}
		return jsonOutput(out)
	},
}

var balancesCommand = &cli.Command{
	Name:      "balances",
	Usage:     "read stake positions and free balance from the chain",
	ArgsUsage: "<address>",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "top",
			Value: 5,
			Usage: "number of largest subnet holdings to list",
		},
	},
	Action: func(c *cli.Context) error {
		addr, err := addressArg(c)
		if err != nil {
			return err
		}
		ctx, cancel := withTimeout(c)
		defer cancel()

		reader, closeChain, err := dialChain(ctx)
		if err != nil {
			return err
		}
		defer closeChain()

		res, err := balance.NewAggregator(reader, concurrency).ComputeBalances(ctx, addr.Text)
		if err != nil {
			return err
		}
		raw, err := reader.FreeBalance(ctx, addr.ID)
		if err != nil {
			return fmt.Errorf("free balance: %w", err)
		}
		free := model.FromRAO(raw)

		return jsonOutput(map[string]any{
			"owner":            res.Owner,
			"totals":           res.Totals,
			"free_balance":     free,
			"total_balance":    res.Totals.TotalTao.Add(free),
			"alpha_percentage": balance.AlphaPercentage(res.Totals, free),
			"top_subnets":      res.TopSubnets(c.Int("top")),
			"positions":        res.Positions,
			"failures":         res.Failures,
		})
	},
}

var pnlCommand = &cli.Command{
	Name:      "pnl",
	Usage:     "compute per-subnet profit and loss from staking history",
	ArgsUsage: "<address>",
	Action: func(c *cli.Context) error {
		addr, err := addressArg(c)
		if err != nil {
			return err
		}
		ctx, cancel := withTimeout(c)
		defer cancel()

		reader, closeChain, err := dialChain(ctx)
		if err != nil {
			return err
		}
		defer closeChain()

		var (
			txs []model.Transaction
			res *balance.Result
		)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() (err error) {
			txs, err = feedClient().AllTransactions(gctx, feed.TransactionFilter{Coldkey: addr.Text})
			return err
		})
		g.Go(func() (err error) {
			res, err = balance.NewAggregator(reader, concurrency).ComputeBalances(gctx, addr.Text)
			return err
		})
		if err := g.Wait(); err != nil {
			return err
		}

		engine, err := pnl.NewEngine(1)
		if err != nil {
			return err
		}
		results := engine.Compute(txs, res.Positions)
		return jsonOutput(map[string]any{
			"owner":        addr.Text,
			"transactions": len(txs),
			"subnets":      results,
			"total_pnl":    pnl.Total(results),
		})
	},
}

var statsCommand = &cli.Command{
	Name:  "stats",
	Usage: "summarize network or subnet trading statistics",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "timeframe",
			Value: string(feed.TimeframeDaily),
			Usage: "1min|5min|daily|weekly|monthly|blocks",
		},
		&cli.IntFlag{
			Name:  "netuid",
			Value: -1,
			Usage: "show a single subnet",
		},
	},
	Action: func(c *cli.Context) error {
		tf, err := feed.ParseTimeframe(c.String("timeframe"))
		if err != nil {
			return err
		}
		var netUID *model.NetUID
		if n := c.Int("netuid"); n >= 0 {
			if n > 0xFFFF {
				return fmt.Errorf("invalid netuid %d", n)
			}
			id := model.NetUID(n)
			netUID = &id
		}

		ctx, cancel := withTimeout(c)
		defer cancel()
		client := feedClient()

		var (
			records []model.StatsRecord
			subnets []model.SubnetSnapshot
			prices  map[model.NetUID]decimal.Decimal
		)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() (err error) {
			records, err = client.Stats(gctx, tf, netUID)
			return err
		})
		g.Go(func() (err error) {
			subnets, err = client.Subnets(gctx)
			return err
		})
		g.Go(func() (err error) {
			prices, err = client.AlphaPrices(gctx)
			return err
		})
		if err := g.Wait(); err != nil {
			return err
		}

		if netUID != nil {
			m, err := stats.SubnetMetrics(*netUID, records, subnets, prices)
			if err != nil {
				return err
			}
			return jsonOutput(m)
		}
		return jsonOutput(map[string]any{
			"timeframe":       tf,
			"metrics":         stats.Summarize(records, subnets),
			"alpha_price_sum": stats.SumAlphaPrices(subnets, prices, stats.MinAlphaInPool),
		})
	},
}

var quoteCommand = &cli.Command{
	Name:  "quote",
	Usage: "convert between TAO and subnet alpha and simulate the pool trade",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "from", Value: "TAO", Usage: "TAO or SN<netuid>"},
		&cli.StringFlag{Name: "to", Required: true, Usage: "TAO or SN<netuid>"},
		&cli.StringFlag{Name: "amount", Required: true, Usage: "amount of the from token"},
	},
	Action: func(c *cli.Context) error {
		from, err := swap.ParseToken(c.String("from"))
		if err != nil {
			return err
		}
		to, err := swap.ParseToken(c.String("to"))
		if err != nil {
			return err
		}
		amount, err := decimal.NewFromString(c.String("amount"))
		if err != nil {
			return fmt.Errorf("invalid amount: %w", err)
		}

		ctx, cancel := withTimeout(c)
		defer cancel()
		client := feedClient()
		subnets, err := client.Subnets(ctx)
		if err != nil {
			return err
		}
		prices, err := client.AlphaPrices(ctx)
		if err != nil {
			return err
		}

		out := map[string]any{
			"from":   from.String(),
			"to":     to.String(),
			"amount": amount,
			"value":  swap.Convert(amount, from, to, prices),
		}
		for _, s := range subnets {
			pool := swap.PoolOf(s)
			switch {
			case !from.Alpha && to.Alpha && s.NetUID == to.NetUID:
				q, err := pool.StakeQuote(amount)
				if err != nil {
					return err
				}
				out["quote"] = q
			case from.Alpha && !to.Alpha && s.NetUID == from.NetUID:
				q, err := pool.UnstakeQuote(amount)
				if err != nil {
					return err
				}
				out["quote"] = q
			}
		}
		return jsonOutput(out)
	},
}

var priceCommand = &cli.Command{
	Name:  "price",
	Usage: "show the TAO/USD price",
	Action: func(c *cli.Context) error {
		ctx, cancel := withTimeout(c)
		defer cancel()
		p, err := feedClient().TaoPrice(ctx)
		if err != nil {
			return err
		}
		return jsonOutput(p)
	},
}

var stakeMetricsCommand = &cli.Command{
	Name:  "stake-metrics",
	Usage: "project yield for a stake balance",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "balance", Required: true, Usage: "staked TAO"},
		&cli.StringFlag{Name: "apy", Required: true, Usage: "annual yield as a rate, 0.2 for 20%"},
		&cli.StringFlag{Name: "root", Value: "0", Usage: "TAO held on root"},
		&cli.StringFlag{Name: "global", Value: "0", Usage: "total network stake"},
	},
	Action: func(c *cli.Context) error {
		var vals [4]decimal.Decimal
		for i, name := range []string{"balance", "apy", "root", "global"} {
			v, err := decimal.NewFromString(c.String(name))
			if err != nil {
				return fmt.Errorf("invalid %s: %w", name, err)
			}
			vals[i] = v
		}
		return jsonOutput(balance.ComputeStakeMetrics(vals[0], vals[1], vals[2], vals[3]))
	},
}

func addressArg(c *cli.Context) (*account.Address, error) {
	if c.NArg() != 1 {
		return nil, errMissingAddress
	}
	return account.ParseAddress(c.Args().First())
}
