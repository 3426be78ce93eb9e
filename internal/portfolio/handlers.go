package portfolio

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/trustedstake/stake-engine/internal/account"
	"github.com/trustedstake/stake-engine/internal/balance"
	"github.com/trustedstake/stake-engine/internal/feed"
	"github.com/trustedstake/stake-engine/internal/fixedpoint"
	"github.com/trustedstake/stake-engine/internal/model"
	"github.com/trustedstake/stake-engine/internal/stats"
	"github.com/trustedstake/stake-engine/internal/store"
	"github.com/trustedstake/stake-engine/internal/swap"
)

// --- Response types ---

// NetworkStatsResponse is the body of GET /stats/network.
type NetworkStatsResponse struct {
	Timeframe     feed.Timeframe       `json:"timeframe"`
	Metrics       model.NetworkMetrics `json:"metrics"`
	AlphaPriceSum decimal.Decimal      `json:"alpha_price_sum"`
	Subnets       int                  `json:"subnets"`
}

// QuoteResponse is the body of GET /swap/quote. Value converts the amount
// at spot prices; Quote simulates the trade against the pool when one side
// is TAO.
type QuoteResponse struct {
	From   string          `json:"from"`
	To     string          `json:"to"`
	Amount decimal.Decimal `json:"amount"`
	Value  decimal.Decimal `json:"value"`
	Quote  *swap.Quote     `json:"quote,omitempty"`
}

// DecodeResponse is the body of GET /decode.
type DecodeResponse struct {
	Bits     string          `json:"bits"`
	Integer  uint64          `json:"integer"`
	Fraction uint64          `json:"fraction"`
	Value    decimal.Decimal `json:"value"`
	Float    float64         `json:"float"`
}

// Routes mounts the service's handlers on r.
func (s *Service) Routes(r chi.Router) {
	// WebSocket connections are long-lived; only plain requests get the timeout.
	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}
	r.Group(func(r chi.Router) {
		if s.timeout > 0 {
			r.Use(middleware.Timeout(s.timeout))
		}
		r.Get("/portfolio/{address}", s.GetPortfolio)
		r.Get("/portfolio/{address}/latest", s.GetLatestPortfolio)
		r.Get("/stats/network", s.GetNetworkStats)
		r.Get("/stats/subnets/{netUID}", s.GetSubnetStats)
		r.Get("/swap/quote", s.GetSwapQuote)
		r.Get("/decode", s.Decode)
	})
}

// --- HTTP Handlers ---

// GetPortfolio handles GET /api/v1/portfolio/{address}
// Runs a refresh and returns the new snapshot.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Refresh(r.Context(), chi.URLParam(r, "address"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, snap)
	case errors.Is(err, ErrInvalidAddress):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrStale):
		writeError(w, "a newer refresh is in progress", http.StatusConflict)
	case errors.Is(err, balance.ErrHotkeys):
		writeError(w, "chain unavailable", http.StatusBadGateway)
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, "refresh timed out", http.StatusGatewayTimeout)
	default:
		slog.Error("portfolio refresh failed", "err", err)
		writeError(w, "failed to refresh portfolio", http.StatusInternalServerError)
	}
}

// GetLatestPortfolio handles GET /api/v1/portfolio/{address}/latest
// Returns the last stored snapshot without touching the chain.
func (s *Service) GetLatestPortfolio(w http.ResponseWriter, r *http.Request) {
	addr, err := account.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, "invalid address", http.StatusBadRequest)
		return
	}
	snap, err := s.store.LatestSnapshot(r.Context(), addr.Text)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "no snapshot for address", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("load snapshot failed", "owner", account.Truncate(addr.Text), "err", err)
		writeError(w, "failed to load snapshot", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// GetNetworkStats handles GET /api/v1/stats/network?timeframe=
func (s *Service) GetNetworkStats(w http.ResponseWriter, r *http.Request) {
	tf, err := feed.ParseTimeframe(r.URL.Query().Get("timeframe"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var (
		records []model.StatsRecord
		subnets []model.SubnetSnapshot
		prices  map[model.NetUID]decimal.Decimal
	)
	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() (err error) {
		records, err = s.feed.Stats(ctx, tf, nil)
		return err
	})
	g.Go(func() (err error) {
		subnets, err = s.feed.Subnets(ctx)
		return err
	})
	g.Go(func() (err error) {
		prices, err = s.feed.AlphaPrices(ctx)
		return err
	})
	if err := g.Wait(); err != nil {
		upstreamError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, NetworkStatsResponse{
		Timeframe:     tf,
		Metrics:       s.summarizer.Summarize(records, subnets),
		AlphaPriceSum: stats.SumAlphaPrices(subnets, prices, stats.MinAlphaInPool),
		Subnets:       len(subnets),
	})
}

// GetSubnetStats handles GET /api/v1/stats/subnets/{netUID}?timeframe=
func (s *Service) GetSubnetStats(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.ParseUint(chi.URLParam(r, "netUID"), 10, 16)
	if err != nil {
		writeError(w, "invalid subnet id", http.StatusBadRequest)
		return
	}
	netUID := model.NetUID(n)
	tf, err := feed.ParseTimeframe(r.URL.Query().Get("timeframe"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var (
		records []model.StatsRecord
		subnets []model.SubnetSnapshot
		prices  map[model.NetUID]decimal.Decimal
	)
	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() (err error) {
		records, err = s.feed.Stats(ctx, tf, &netUID)
		return err
	})
	g.Go(func() (err error) {
		subnets, err = s.feed.Subnets(ctx)
		return err
	})
	g.Go(func() (err error) {
		prices, err = s.feed.AlphaPrices(ctx)
		return err
	})
	if err := g.Wait(); err != nil {
		upstreamError(w, err)
		return
	}

	m, err := stats.SubnetMetrics(netUID, records, subnets, prices)
	if errors.Is(err, stats.ErrUnknownSubnet) {
		writeError(w, "subnet not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// GetSwapQuote handles GET /api/v1/swap/quote?from=&to=&amount=
func (s *Service) GetSwapQuote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := swap.ParseToken(q.Get("from"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	to, err := swap.ParseToken(q.Get("to"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	amount, err := decimal.NewFromString(q.Get("amount"))
	if err != nil || !amount.IsPositive() {
		writeError(w, "amount must be a positive number", http.StatusBadRequest)
		return
	}

	var (
		subnets []model.SubnetSnapshot
		prices  map[model.NetUID]decimal.Decimal
	)
	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() (err error) {
		subnets, err = s.feed.Subnets(ctx)
		return err
	})
	g.Go(func() (err error) {
		prices, err = s.feed.AlphaPrices(ctx)
		return err
	})
	if err := g.Wait(); err != nil {
		upstreamError(w, err)
		return
	}

	resp := QuoteResponse{
		From:   from.String(),
		To:     to.String(),
		Amount: amount,
		Value:  swap.Convert(amount, from, to, prices),
	}

	var (
		quote swap.Quote
		qerr  error
		pool  *swap.Pool
	)
	lookup := func(netUID model.NetUID) *swap.Pool {
		for _, sn := range subnets {
			if sn.NetUID == netUID {
				p := swap.PoolOf(sn)
				return &p
			}
		}
		return nil
	}
	switch {
	case !from.Alpha && to.Alpha:
		if pool = lookup(to.NetUID); pool != nil {
			quote, qerr = pool.StakeQuote(amount)
		}
	case from.Alpha && !to.Alpha:
		if pool = lookup(from.NetUID); pool != nil {
			quote, qerr = pool.UnstakeQuote(amount)
		}
	}
	if (from.Alpha != to.Alpha) && pool == nil {
		writeError(w, "subnet not found", http.StatusNotFound)
		return
	}
	if qerr != nil {
		writeError(w, qerr.Error(), http.StatusUnprocessableEntity)
		return
	}
	if pool != nil {
		resp.Quote = &quote
	}
	writeJSON(w, http.StatusOK, resp)
}

// Decode handles GET /api/v1/decode?bits=
func (s *Service) Decode(w http.ResponseWriter, r *http.Request) {
	bits := r.URL.Query().Get("bits")
	v, err := fixedpoint.Parse(bits)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, DecodeResponse{
		Bits:     bits,
		Integer:  v.Integer(),
		Fraction: v.Fraction(),
		Value:    v.Decimal(),
		Float:    v.Float64(),
	})
}

func upstreamError(w http.ResponseWriter, err error) {
	var apiErr *feed.APIError
	switch {
	case errors.As(err, &apiErr):
		writeError(w, apiErr.Error(), http.StatusBadGateway)
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, "upstream timed out", http.StatusGatewayTimeout)
	default:
		slog.Error("upstream request failed", "err", err)
		writeError(w, "upstream request failed", http.StatusBadGateway)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
