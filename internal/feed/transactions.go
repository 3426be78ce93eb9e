package feed

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/trustedstake/stake-engine/internal/model"
)

const transactionsPath = "/staking"

// DefaultTransactionLimit is the page size used when a filter sets none.
const DefaultTransactionLimit = 100

// TransactionFilter selects staking transactions.
type TransactionFilter struct {
	Page          int
	Limit         int
	SortDirection string // ASC or DESC, default DESC
	NetUID        *model.NetUID
	Action        model.Action
	Coldkey       string
	Hotkey        string
}

func (f TransactionFilter) query() url.Values {
	q := url.Values{}
	page, limit, dir := f.Page, f.Limit, f.SortDirection
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = DefaultTransactionLimit
	}
	if dir == "" {
		dir = "DESC"
	}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	q.Set("sortDirection", dir)
	if f.NetUID != nil {
		q.Set("netUid", strconv.Itoa(int(*f.NetUID)))
	}
	if f.Action != "" {
		q.Set("action", string(f.Action))
	}
	if f.Coldkey != "" {
		q.Set("coldkey", f.Coldkey)
	}
	if f.Hotkey != "" {
		q.Set("hotkey", f.Hotkey)
	}
	return q
}

// TransactionPage is one page of history.
type TransactionPage struct {
	Transactions []model.Transaction
	Page         int
	Limit        int
	Total        int
	TotalPages   int
}

type transactionRecord struct {
	ID          string          `json:"id"`
	Height      int64           `json:"height"`
	Timestamp   string          `json:"timestamp"`
	ExtrinsicID int64           `json:"extrinsic_id"`
	Coldkey     string          `json:"coldkey"`
	Hotkey      string          `json:"hotkey"`
	NetUID      model.NetUID    `json:"net_uid"`
	Alpha       decimal.Decimal `json:"alpha"`
	Tao         decimal.Decimal `json:"tao"`
	Action      model.Action    `json:"action"`
}

type transactionResponse struct {
	Data       []transactionRecord `json:"data"`
	Page       int                 `json:"page"`
	Limit      int                 `json:"limit"`
	Total      int                 `json:"total"`
	TotalPages int                 `json:"totalPages"`
}

func (r transactionRecord) model() model.Transaction {
	return model.Transaction{
		ID:          r.ID,
		Height:      r.Height,
		Timestamp:   parseTimestamp(r.Timestamp),
		ExtrinsicID: r.ExtrinsicID,
		Coldkey:     r.Coldkey,
		Hotkey:      r.Hotkey,
		NetUID:      r.NetUID,
		Tao:         r.Tao.Div(model.Unit),
		Alpha:       r.Alpha.Div(model.Unit),
		Action:      r.Action,
	}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	time.DateOnly,
}

// parseTimestamp returns the zero time for unrecognised formats.
func parseTimestamp(s string) time.Time {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// Transactions fetches one page of staking history.
func (c *Client) Transactions(ctx context.Context, f TransactionFilter) (*TransactionPage, error) {
	var resp transactionResponse
	if err := c.getJSON(ctx, transactionsPath, c.endpointURL(transactionsPath, f.query()), &resp); err != nil {
		return nil, err
	}
	page := &TransactionPage{
		Transactions: make([]model.Transaction, 0, len(resp.Data)),
		Page:         resp.Page,
		Limit:        resp.Limit,
		Total:        resp.Total,
		TotalPages:   resp.TotalPages,
	}
	for _, r := range resp.Data {
		if !r.Action.Valid() {
			continue
		}
		page.Transactions = append(page.Transactions, r.model())
	}
	return page, nil
}

// AllTransactions follows totalPages from the filter's page onwards.
func (c *Client) AllTransactions(ctx context.Context, f TransactionFilter) ([]model.Transaction, error) {
	if f.Page <= 0 {
		f.Page = 1
	}
	var out []model.Transaction
	for n := 0; n < MaxPages; n++ {
		if err := c.waitPage(ctx, n+1); err != nil {
			return nil, err
		}
		page, err := c.Transactions(ctx, f)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", f.Page, err)
		}
		out = append(out, page.Transactions...)
		if f.Page >= page.TotalPages || len(page.Transactions) == 0 {
			return out, nil
		}
		f.Page++
	}
	return out, nil
}
