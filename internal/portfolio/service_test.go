package portfolio_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustedstake/stake-engine/internal/account"
	"github.com/trustedstake/stake-engine/internal/balance"
	"github.com/trustedstake/stake-engine/internal/feed"
	"github.com/trustedstake/stake-engine/internal/model"
	"github.com/trustedstake/stake-engine/internal/pnl"
	"github.com/trustedstake/stake-engine/internal/portfolio"
	"github.com/trustedstake/stake-engine/internal/store"
)

const alice = "5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY"

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func equal(t *testing.T, want float64, got decimal.Decimal, msg string) {
	t.Helper()
	assert.True(t, got.Equal(d(want)), "%s: expected %v, got %s", msg, want, got)
}

// --- Fakes ---

type fakeBalances struct {
	result *balance.Result
	err    error
	calls  atomic.Int32

	// When set, the first call signals entered and waits for release.
	entered chan struct{}
	release chan struct{}
}

func (f *fakeBalances) ComputeBalances(ctx context.Context, owner string) (*balance.Result, error) {
	if f.calls.Add(1) == 1 && f.release != nil {
		close(f.entered)
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	res := *f.result
	res.Owner = owner
	res.Positions = append([]model.StakePosition(nil), f.result.Positions...)
	return &res, nil
}

type fakeWallet struct {
	free uint64
	err  error
}

func (f fakeWallet) FreeBalance(context.Context, account.ID) (uint64, error) {
	return f.free, f.err
}

type fakeFeed struct {
	mu       sync.Mutex
	txs      []model.Transaction
	txErr    error
	records  []model.StatsRecord
	subnets  []model.SubnetSnapshot
	prices   map[model.NetUID]decimal.Decimal
	err      error
	statsFor []*model.NetUID
}

func (f *fakeFeed) AllTransactions(context.Context, feed.TransactionFilter) ([]model.Transaction, error) {
	return f.txs, f.txErr
}

func (f *fakeFeed) Stats(_ context.Context, _ feed.Timeframe, netUID *model.NetUID) ([]model.StatsRecord, error) {
	f.mu.Lock()
	f.statsFor = append(f.statsFor, netUID)
	f.mu.Unlock()
	return f.records, f.err
}

func (f *fakeFeed) Subnets(context.Context) ([]model.SubnetSnapshot, error) {
	return f.subnets, f.err
}

func (f *fakeFeed) AlphaPrices(context.Context) (map[model.NetUID]decimal.Decimal, error) {
	return f.prices, f.err
}

// --- Fixtures ---

func positions() []model.StakePosition {
	return []model.StakePosition{
		{Owner: alice, Hotkey: "hk-root", NetUID: 0, AlphaBalance: d(100), Price: d(1), TaoValue: d(100)},
		{Owner: alice, Hotkey: "hk-1", NetUID: 1, AlphaBalance: d(50), Price: d(3), TaoValue: d(150)},
	}
}

func history() []model.Transaction {
	return []model.Transaction{{
		ID:      "tx-1",
		Height:  10,
		Coldkey: alice,
		Hotkey:  "hk-1",
		NetUID:  1,
		Tao:     d(20),
		Alpha:   d(10),
		Action:  model.ActionStaking,
	}}
}

type testEnv struct {
	svc      *portfolio.Service
	store    *store.MemoryStore
	balances *fakeBalances
	feed     *fakeFeed
	router   chi.Router
}

type envOption func(*portfolio.Options)

// newTestEnv creates a Service over fakes, an in-memory store and a running
// pnl worker, with its routes mounted under /api/v1.
func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	engine, err := pnl.NewEngine(8)
	require.NoError(t, err)
	worker := pnl.NewWorker(engine, 4)
	go worker.Run(ctx)

	ps := positions()
	env := &testEnv{
		store:    store.NewMemoryStore(),
		balances: &fakeBalances{result: &balance.Result{Positions: ps, Totals: balance.Sum(ps)}},
		feed: &fakeFeed{
			txs: history(),
			subnets: []model.SubnetSnapshot{
				{NetUID: 0, TaoInPool: d(300), Emission: d(1)},
				{NetUID: 1, TaoInPool: d(100), AlphaInPool: d(200), AlphaStaked: d(600), Emission: d(4)},
				{NetUID: 2, TaoInPool: d(100), AlphaInPool: d(5000), AlphaStaked: d(1000), Emission: d(6)},
			},
			prices: map[model.NetUID]decimal.Decimal{1: d(0.5), 2: d(0.02)},
			records: []model.StatsRecord{
				{NetUID: 1, Kind: model.StatsTemporal, TsEnd: "2024-01-02", BuyVolumeTao: d(30), SellVolumeTao: d(10), TotalVolumeTao: d(40), Transactions: 5, Buys: 3, Sells: 2},
				{NetUID: 1, Kind: model.StatsTemporal, TsEnd: "2024-01-01", BuyVolumeTao: d(1), SellVolumeTao: d(1), TotalVolumeTao: d(2), Transactions: 1, Buys: 1},
			},
		},
	}
	o := portfolio.Options{
		Balances:   env.balances,
		Wallet:     fakeWallet{free: 50 * model.RAOPerTAO},
		Feed:       env.feed,
		Store:      env.store,
		Calculator: worker,
	}
	for _, opt := range opts {
		opt(&o)
	}
	env.svc = portfolio.NewService(o)

	r := chi.NewRouter()
	r.Route("/api/v1", env.svc.Routes)
	env.router = r
	return env
}

func (e *testEnv) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

// --- Refresh ---

func TestRefresh_BuildsSnapshot(t *testing.T) {
	env := newTestEnv(t)

	snap, err := env.svc.Refresh(context.Background(), alice)
	require.NoError(t, err)

	assert.NotEmpty(t, snap.ID)
	assert.Equal(t, alice, snap.Owner)
	assert.Equal(t, uint64(1), snap.Generation)
	assert.Len(t, snap.Positions, 2)
	equal(t, 50, snap.FreeBalance, "free balance")
	equal(t, 300, snap.TotalBalance, "total balance")
	equal(t, 50, snap.AlphaPercentage, "alpha percentage")
	// avg buy price 2, current price 3, 50 alpha held.
	equal(t, 50, snap.TotalPnL, "total pnl")

	require.Len(t, snap.Subnets, 2)
	assert.Nil(t, snap.Subnets[0].PnL, "root has no pnl")
	require.NotNil(t, snap.Subnets[1].PnL)
	equal(t, 2, snap.Subnets[1].PnL.AvgBuyPrice, "avg buy price")
	equal(t, 50, snap.Subnets[1].PnL.UnrealizedPnL, "unrealized")
	assert.Empty(t, snap.Failures)

	stored, err := env.store.ListTransactionsByColdkey(context.Background(), alice)
	require.NoError(t, err)
	assert.Len(t, stored, 1, "history synced into the store")

	latest, err := env.store.LatestSnapshot(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, snap.ID, latest.ID)
}

func TestRefresh_TotalPnLMatchesSubnetRows(t *testing.T) {
	env := newTestEnv(t)
	env.feed.txs = append(history(),
		model.Transaction{ID: "tx-2", Height: 11, Coldkey: alice, Hotkey: "hk-3", NetUID: 3, Tao: d(100), Alpha: d(50), Action: model.ActionStaking},
		model.Transaction{ID: "tx-3", Height: 12, Coldkey: alice, Hotkey: "hk-3", NetUID: 3, Tao: d(150), Alpha: d(50), Action: model.ActionUnstaking},
	)

	snap, err := env.svc.Refresh(context.Background(), alice)
	require.NoError(t, err)

	sum := decimal.Zero
	for _, sn := range snap.Subnets {
		assert.NotEqual(t, model.NetUID(3), sn.NetUID)
		if sn.PnL != nil {
			sum = sum.Add(sn.PnL.TotalPnL)
		}
	}
	equal(t, 50, snap.TotalPnL, "exited subnet excluded")
	assert.True(t, snap.TotalPnL.Equal(sum), "total %s, rows %s", snap.TotalPnL, sum)
}

func TestRefresh_InvalidAddress(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.Refresh(context.Background(), "not-an-address")
	assert.ErrorIs(t, err, portfolio.ErrInvalidAddress)
	assert.Zero(t, env.balances.calls.Load())
}

func TestRefresh_HistorySyncFailureIsNotFatal(t *testing.T) {
	env := newTestEnv(t)
	env.feed.txErr = errors.New("feed down")

	snap, err := env.svc.Refresh(context.Background(), alice)
	require.NoError(t, err)
	equal(t, 0, snap.TotalPnL, "no history, no pnl")
	assert.Nil(t, snap.Subnets[1].PnL)
}

func TestRefresh_FreeBalanceFailureIsReported(t *testing.T) {
	env := newTestEnv(t, func(o *portfolio.Options) {
		o.Wallet = fakeWallet{err: errors.New("rpc timeout")}
	})

	snap, err := env.svc.Refresh(context.Background(), alice)
	require.NoError(t, err)
	equal(t, 0, snap.FreeBalance, "free balance")
	equal(t, 250, snap.TotalBalance, "total balance")
	require.Len(t, snap.Failures, 1)
	assert.Equal(t, portfolio.StageFreeBalance, snap.Failures[0].Stage)
}

func TestRefresh_BalanceFailure(t *testing.T) {
	env := newTestEnv(t)
	env.balances.err = fmt.Errorf("%w: boom", balance.ErrHotkeys)

	_, err := env.svc.Refresh(context.Background(), alice)
	assert.ErrorIs(t, err, balance.ErrHotkeys)
	_, err = env.store.LatestSnapshot(context.Background(), alice)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRefresh_StaleGenerationIsDiscarded(t *testing.T) {
	env := newTestEnv(t)
	env.balances.entered = make(chan struct{})
	env.balances.release = make(chan struct{})

	type result struct {
		snap *model.PortfolioSnapshot
		err  error
	}
	first := make(chan result, 1)
	go func() {
		snap, err := env.svc.Refresh(context.Background(), alice)
		first <- result{snap, err}
	}()
	<-env.balances.entered

	second, err := env.svc.Refresh(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second.Generation)

	close(env.balances.release)
	got := <-first
	assert.ErrorIs(t, got.err, portfolio.ErrStale)
	assert.Nil(t, got.snap)

	latest, err := env.store.LatestSnapshot(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)
}

func TestGenerations(t *testing.T) {
	g := portfolio.NewGenerations()
	a := g.Begin("x")
	b := g.Begin("x")
	c := g.Begin("y")

	assert.Equal(t, uint64(1), a)
	assert.Equal(t, uint64(2), b)
	assert.Equal(t, uint64(1), c)
	assert.False(t, g.Commit("x", a))
	assert.True(t, g.Commit("x", b))
	assert.True(t, g.Commit("y", c))
	assert.Equal(t, uint64(0), g.Current("z"))
}

// --- HTTP ---

func TestGetPortfolio(t *testing.T) {
	env := newTestEnv(t)

	w := env.get(t, "/api/v1/portfolio/"+alice)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var snap model.PortfolioSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, alice, snap.Owner)
	equal(t, 50, snap.TotalPnL, "total pnl")
}

func TestGetPortfolio_StatusCodes(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, http.StatusBadRequest, env.get(t, "/api/v1/portfolio/bogus").Code)

	env.balances.err = fmt.Errorf("%w: node unreachable", balance.ErrHotkeys)
	assert.Equal(t, http.StatusBadGateway, env.get(t, "/api/v1/portfolio/"+alice).Code)

	env.balances.err = errors.New("unexpected")
	assert.Equal(t, http.StatusInternalServerError, env.get(t, "/api/v1/portfolio/"+alice).Code)
}

func TestGetPortfolio_RequestTimeout(t *testing.T) {
	env := newTestEnv(t, func(o *portfolio.Options) { o.RequestTimeout = 20 * time.Millisecond })
	env.balances.entered = make(chan struct{})
	env.balances.release = make(chan struct{})

	w := env.get(t, "/api/v1/portfolio/"+alice)
	assert.Equal(t, http.StatusGatewayTimeout, w.Code, w.Body.String())
}

func TestRoutes_MountsEveryEndpoint(t *testing.T) {
	env := newTestEnv(t, func(o *portfolio.Options) {
		o.Hub = portfolio.NewWSHub()
		o.RequestTimeout = time.Second
	})

	var got []string
	require.NoError(t, chi.Walk(env.router, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		got = append(got, method+" "+route)
		return nil
	}))
	assert.ElementsMatch(t, []string{
		"GET /api/v1/ws",
		"GET /api/v1/portfolio/{address}",
		"GET /api/v1/portfolio/{address}/latest",
		"GET /api/v1/stats/network",
		"GET /api/v1/stats/subnets/{netUID}",
		"GET /api/v1/swap/quote",
		"GET /api/v1/decode",
	}, got)
}

func TestGetLatestPortfolio(t *testing.T) {
	env := newTestEnv(t)

	assert.Equal(t, http.StatusBadRequest, env.get(t, "/api/v1/portfolio/bogus/latest").Code)
	assert.Equal(t, http.StatusNotFound, env.get(t, "/api/v1/portfolio/"+alice+"/latest").Code)

	snap, err := env.svc.Refresh(context.Background(), alice)
	require.NoError(t, err)

	w := env.get(t, "/api/v1/portfolio/"+alice+"/latest")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var got model.PortfolioSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, snap.ID, got.ID)
}

func TestGetNetworkStats(t *testing.T) {
	env := newTestEnv(t)

	w := env.get(t, "/api/v1/stats/network?timeframe=weekly")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp portfolio.NetworkStatsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, feed.TimeframeWeekly, resp.Timeframe)
	assert.Equal(t, 3, resp.Subnets)
	equal(t, 40, resp.Metrics.TotalVolume, "latest record only")
	assert.Equal(t, int64(5), resp.Metrics.TotalTransactions)
	equal(t, 3, resp.Metrics.BuySellRatio, "buy/sell ratio")
	equal(t, 300, resp.Metrics.RootTao, "root tao")
	// Subnet 1 has only 200 alpha in its pool and is excluded.
	equal(t, 0.02, resp.AlphaPriceSum, "alpha price sum")
	require.Len(t, env.feed.statsFor, 1)
	assert.Nil(t, env.feed.statsFor[0])
}

func TestGetNetworkStats_Errors(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, http.StatusBadRequest, env.get(t, "/api/v1/stats/network?timeframe=hourly").Code)

	env.feed.err = &feed.APIError{Endpoint: "/subnets", StatusCode: http.StatusServiceUnavailable}
	assert.Equal(t, http.StatusBadGateway, env.get(t, "/api/v1/stats/network").Code)
}

func TestGetSubnetStats(t *testing.T) {
	env := newTestEnv(t)

	w := env.get(t, "/api/v1/stats/subnets/1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var m model.SubnetMetrics
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	assert.Equal(t, model.NetUID(1), m.NetUID)
	equal(t, 0.5, m.AlphaPrice, "alpha price")
	equal(t, 75, m.Utilization, "utilization")
	assert.Equal(t, 2, m.EmissionRank)
	assert.Equal(t, int64(5), m.TotalTransactions)

	require.Len(t, env.feed.statsFor, 1)
	require.NotNil(t, env.feed.statsFor[0])
	assert.Equal(t, model.NetUID(1), *env.feed.statsFor[0])

	assert.Equal(t, http.StatusBadRequest, env.get(t, "/api/v1/stats/subnets/abc").Code)
	assert.Equal(t, http.StatusBadRequest, env.get(t, "/api/v1/stats/subnets/1?timeframe=yearly").Code)
	assert.Equal(t, http.StatusNotFound, env.get(t, "/api/v1/stats/subnets/9").Code)
}

func TestGetSwapQuote(t *testing.T) {
	env := newTestEnv(t)

	w := env.get(t, "/api/v1/swap/quote?from=TAO&to=SN1&amount=100")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp portfolio.QuoteResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "TAO", resp.From)
	equal(t, 200, resp.Value, "spot conversion")
	require.NotNil(t, resp.Quote)
	equal(t, 100, resp.Quote.AmountOut, "pool output")
	equal(t, 100, resp.Quote.Slippage, "slippage")
}

func TestGetSwapQuote_AlphaToAlphaHasNoPoolQuote(t *testing.T) {
	env := newTestEnv(t)

	w := env.get(t, "/api/v1/swap/quote?from=SN1&to=SN2&amount=2")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp portfolio.QuoteResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	equal(t, 50, resp.Value, "2 alpha at 0.5 is 1 tao, 50 alpha at 0.02")
	assert.Nil(t, resp.Quote)
}

func TestGetSwapQuote_Errors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		query string
		want  int
	}{
		{"from=BTC&to=SN1&amount=1", http.StatusBadRequest},
		{"from=TAO&to=SN1&amount=abc", http.StatusBadRequest},
		{"from=TAO&to=SN1&amount=-5", http.StatusBadRequest},
		{"from=TAO&to=SN9&amount=1", http.StatusNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.query, func(t *testing.T) {
			assert.Equal(t, tc.want, env.get(t, "/api/v1/swap/quote?"+tc.query).Code)
		})
	}

	env.feed.subnets = append(env.feed.subnets, model.SubnetSnapshot{NetUID: 7})
	assert.Equal(t, http.StatusUnprocessableEntity, env.get(t, "/api/v1/swap/quote?from=TAO&to=SN7&amount=1").Code)
}

func TestDecode(t *testing.T) {
	env := newTestEnv(t)

	w := env.get(t, "/api/v1/decode?bits=0x18000000000000000")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp portfolio.DecodeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, uint64(1), resp.Integer)
	assert.Equal(t, uint64(1)<<63, resp.Fraction)
	assert.InDelta(t, 1.5, resp.Float, 1e-9)

	assert.Equal(t, http.StatusBadRequest, env.get(t, "/api/v1/decode?bits=xyz").Code)
	assert.Equal(t, http.StatusBadRequest, env.get(t, "/api/v1/decode").Code)
}

// --- Poller ---

func TestPoller_Tick(t *testing.T) {
	env := newTestEnv(t)
	p := portfolio.NewPoller(env.svc, []string{alice, "bogus"}, time.Minute, time.Second)

	assert.Equal(t, 1, p.Tick(context.Background()))
	assert.Equal(t, uint64(1), env.svc.Generations().Current(alice))
}

func TestPoller_RunStopsOnCancel(t *testing.T) {
	env := newTestEnv(t)
	p := portfolio.NewPoller(env.svc, []string{alice}, time.Hour, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, err := env.store.LatestSnapshot(context.Background(), alice)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond, "first tick runs immediately")

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop")
	}
}

// --- WebSocket ---

func TestRefresh_BroadcastsToWebSocketClients(t *testing.T) {
	hub := portfolio.NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	env := newTestEnv(t, func(o *portfolio.Options) {
		o.Hub = hub
		o.RequestTimeout = 50 * time.Millisecond
	})
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)
	// The connection outlives the request timeout.
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, hub.Clients())

	_, err = env.svc.Refresh(context.Background(), alice)
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg portfolio.WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "portfolio_updated", msg.Type)
	assert.Equal(t, alice, msg.Owner)
	assert.Equal(t, uint64(1), msg.Generation)

}
