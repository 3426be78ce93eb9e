// Package portfolio refreshes an owner's staking portfolio and serves it,
// together with network statistics and swap quotes, over HTTP.
//
// A refresh syncs the owner's staking history into the store, reads balances
// from the chain, computes PnL on the pnl worker and persists a snapshot.
// Refreshes of the same owner may overlap; only the newest one is saved and
// broadcast.
package portfolio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/trustedstake/stake-engine/internal/account"
	"github.com/trustedstake/stake-engine/internal/balance"
	"github.com/trustedstake/stake-engine/internal/feed"
	"github.com/trustedstake/stake-engine/internal/metrics"
	"github.com/trustedstake/stake-engine/internal/model"
	"github.com/trustedstake/stake-engine/internal/pnl"
	"github.com/trustedstake/stake-engine/internal/stats"
	"github.com/trustedstake/stake-engine/internal/store"
)

var (
	// ErrInvalidAddress is returned for owners that are not SS58 addresses.
	ErrInvalidAddress = errors.New("portfolio: invalid address")

	// ErrStale is returned when a newer refresh of the same owner started
	// before this one finished. Nothing is persisted or broadcast.
	ErrStale = errors.New("portfolio: refresh superseded")
)

// StageFreeBalance marks a failed free balance read in a snapshot.
const StageFreeBalance = "free_balance"

// Balances computes an owner's stake positions.
type Balances interface {
	ComputeBalances(ctx context.Context, owner string) (*balance.Result, error)
}

// Wallet reads free (unstaked) balances in RAO.
type Wallet interface {
	FreeBalance(ctx context.Context, who account.ID) (uint64, error)
}

// Feed is the upstream market and history API.
type Feed interface {
	AllTransactions(ctx context.Context, f feed.TransactionFilter) ([]model.Transaction, error)
	Stats(ctx context.Context, tf feed.Timeframe, netUID *model.NetUID) ([]model.StatsRecord, error)
	Subnets(ctx context.Context) ([]model.SubnetSnapshot, error)
	AlphaPrices(ctx context.Context) (map[model.NetUID]decimal.Decimal, error)
}

// Calculator computes PnL off the caller's goroutine.
type Calculator interface {
	Compute(ctx context.Context, req pnl.Request) (pnl.Response, error)
}

// Options wires a Service. Hub may be nil. RequestTimeout bounds every
// route except the WebSocket upgrade; zero disables it.
type Options struct {
	Balances       Balances
	Wallet         Wallet
	Feed           Feed
	Store          store.Store
	Calculator     Calculator
	Hub            *WSHub
	RequestTimeout time.Duration
}

// Service handles portfolio refreshes and the read-only market endpoints.
type Service struct {
	balances    Balances
	wallet      Wallet
	feed        Feed
	store       store.Store
	calc        Calculator
	hub         *WSHub
	timeout     time.Duration
	generations *Generations
	summarizer  stats.Summarizer
}

// NewService creates a portfolio service.
func NewService(opts Options) *Service {
	return &Service{
		balances:    opts.Balances,
		wallet:      opts.Wallet,
		feed:        opts.Feed,
		store:       opts.Store,
		calc:        opts.Calculator,
		hub:         opts.Hub,
		timeout:     opts.RequestTimeout,
		generations: NewGenerations(),
	}
}

// Generations exposes the service's refresh ids.
func (s *Service) Generations() *Generations { return s.generations }

// Refresh recomputes and persists the portfolio of owner.
func (s *Service) Refresh(ctx context.Context, owner string) (*model.PortfolioSnapshot, error) {
	start := time.Now()
	snap, err := s.refresh(ctx, owner)

	outcome := "ok"
	switch {
	case errors.Is(err, ErrStale):
		outcome = "stale"
	case err != nil:
		outcome = "error"
	}
	metrics.RefreshTotal.WithLabelValues(outcome).Inc()
	metrics.RefreshDuration.Observe(time.Since(start).Seconds())
	return snap, err
}

func (s *Service) refresh(ctx context.Context, owner string) (*model.PortfolioSnapshot, error) {
	addr, err := account.ParseAddress(owner)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	gen := s.generations.Begin(addr.Text)

	s.syncHistory(ctx, addr.Text)

	res, err := s.balances.ComputeBalances(ctx, addr.Text)
	if err != nil {
		return nil, fmt.Errorf("compute balances: %w", err)
	}
	failures := res.Failures

	free := decimal.Zero
	if raw, err := s.wallet.FreeBalance(ctx, addr.ID); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		slog.Warn("free balance read failed", "owner", account.Truncate(addr.Text), "err", err)
		metrics.PositionFailures.WithLabelValues(StageFreeBalance).Inc()
		failures = append(failures, model.HotkeyFailure{Stage: StageFreeBalance, Error: err.Error()})
	} else {
		free = model.FromRAO(raw)
	}

	txs, err := s.store.ListTransactionsByColdkey(ctx, addr.Text)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	resp, err := s.calc.Compute(ctx, pnl.Request{Transactions: txs, Positions: res.Positions})
	if err != nil {
		return nil, fmt.Errorf("compute pnl: %w", err)
	}

	snap := buildSnapshot(addr.Text, gen, res, free, resp.Results)
	snap.Failures = failures

	if !s.generations.Commit(addr.Text, gen) {
		slog.Debug("discarding stale refresh",
			"owner", account.Truncate(addr.Text),
			"generation", gen,
			"latest", s.generations.Current(addr.Text),
		)
		return nil, ErrStale
	}
	if err := s.store.SaveSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("save snapshot: %w", err)
	}

	slog.Info("portfolio refreshed",
		"owner", account.Truncate(addr.Text),
		"generation", gen,
		"positions", len(snap.Positions),
		"transactions", len(txs),
		"total_balance", snap.TotalBalance.String(),
		"total_pnl", snap.TotalPnL.String(),
		"failures", len(snap.Failures),
	)

	if s.hub != nil {
		s.hub.Broadcast(WSMessage{
			Type:         "portfolio_updated",
			Owner:        snap.Owner,
			Generation:   snap.Generation,
			TotalBalance: snap.TotalBalance.String(),
			TotalPnL:     snap.TotalPnL.String(),
			ComputedAt:   snap.ComputedAt,
		})
	}
	return snap, nil
}

// syncHistory copies the owner's history from the feed into the store. A
// failure leaves the stored history as it was.
func (s *Service) syncHistory(ctx context.Context, owner string) {
	if s.feed == nil {
		return
	}
	txs, err := s.feed.AllTransactions(ctx, feed.TransactionFilter{Coldkey: owner})
	if err != nil {
		slog.Warn("history sync failed", "owner", account.Truncate(owner), "err", err)
		return
	}
	n, err := s.store.InsertTransactions(ctx, txs)
	if err != nil {
		slog.Warn("history store failed", "owner", account.Truncate(owner), "err", err)
		return
	}
	slog.Debug("history synced", "owner", account.Truncate(owner), "fetched", len(txs), "inserted", n)
}

func buildSnapshot(owner string, gen uint64, res *balance.Result, free decimal.Decimal, results map[model.NetUID]model.PnLResult) *model.PortfolioSnapshot {
	subnets := balance.RollUp(res.Positions)
	total := decimal.Zero
	for i := range subnets {
		if r, ok := results[subnets[i].NetUID]; ok {
			subnets[i].PnL = &r
			total = total.Add(r.TotalPnL)
		}
	}
	positions := res.Positions
	if positions == nil {
		positions = []model.StakePosition{}
	}
	if subnets == nil {
		subnets = []model.SubnetHolding{}
	}
	return &model.PortfolioSnapshot{
		ID:              uuid.New().String(),
		Owner:           owner,
		Generation:      gen,
		ComputedAt:      time.Now().UTC(),
		Positions:       positions,
		Subnets:         subnets,
		Totals:          res.Totals,
		FreeBalance:     free,
		TotalBalance:    res.Totals.TotalTao.Add(free),
		AlphaPercentage: balance.AlphaPercentage(res.Totals, free),
		TotalPnL:        total,
	}
}
