package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/trustedstake/stake-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const schema = `
CREATE TABLE IF NOT EXISTS staking_transactions (
	id           TEXT PRIMARY KEY,
	height       BIGINT NOT NULL,
	timestamp    TIMESTAMPTZ NOT NULL,
	extrinsic_id BIGINT NOT NULL,
	coldkey      TEXT NOT NULL,
	hotkey       TEXT NOT NULL,
	net_uid      INTEGER NOT NULL,
	tao          NUMERIC NOT NULL,
	alpha        NUMERIC NOT NULL,
	action       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_staking_transactions_coldkey ON staking_transactions (coldkey, height);

CREATE TABLE IF NOT EXISTS portfolio_snapshots (
	id          UUID PRIMARY KEY,
	owner       TEXT NOT NULL,
	generation  BIGINT NOT NULL,
	computed_at TIMESTAMPTZ NOT NULL,
	total_tao   NUMERIC NOT NULL,
	total_pnl   NUMERIC NOT NULL,
	payload     JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_portfolio_snapshots_owner ON portfolio_snapshots (owner, computed_at DESC, generation DESC);
`

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertTransactions(ctx context.Context, txs []model.Transaction) (int, error) {
	if len(txs) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, tx := range txs {
		batch.Queue(
			`INSERT INTO staking_transactions (id, height, timestamp, extrinsic_id, coldkey, hotkey, net_uid, tao, alpha, action)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9::NUMERIC, $10)
			 ON CONFLICT (id) DO NOTHING`,
			tx.ID, tx.Height, tx.Timestamp, tx.ExtrinsicID, tx.Coldkey, tx.Hotkey,
			int32(tx.NetUID), tx.Tao.String(), tx.Alpha.String(), string(tx.Action),
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	inserted := 0
	for range txs {
		tag, err := br.Exec()
		if err != nil {
			return inserted, fmt.Errorf("insert transactions: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

func (s *PostgresStore) ListTransactionsByColdkey(ctx context.Context, coldkey string) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, height, timestamp, extrinsic_id, coldkey, hotkey, net_uid,
		        tao::TEXT, alpha::TEXT, action
		 FROM staking_transactions WHERE coldkey = $1 ORDER BY height, id`, coldkey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTransactions(rows)
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap *model.PortfolioSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO portfolio_snapshots (id, owner, generation, computed_at, total_tao, total_pnl, payload)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7)`,
		snap.ID, snap.Owner, int64(snap.Generation), snap.ComputedAt,
		snap.Totals.TotalTao.String(), snap.TotalPnL.String(), payload,
	)
	return err
}

func (s *PostgresStore) LatestSnapshot(ctx context.Context, owner string) (*model.PortfolioSnapshot, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM portfolio_snapshots
		 WHERE owner = $1
		 ORDER BY computed_at DESC, generation DESC
		 LIMIT 1`, owner).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest snapshot %s: %w", owner, err)
	}

	var snap model.PortfolioSnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", owner, err)
	}
	return &snap, nil
}

// pgxRows is the subset of pgx.Rows read by the scanners.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanTransactions(rows pgxRows) ([]model.Transaction, error) {
	var txs []model.Transaction
	for rows.Next() {
		var tx model.Transaction
		var netUID int32
		var taoS, alphaS, action string

		if err := rows.Scan(&tx.ID, &tx.Height, &tx.Timestamp, &tx.ExtrinsicID,
			&tx.Coldkey, &tx.Hotkey, &netUID, &taoS, &alphaS, &action); err != nil {
			return nil, err
		}

		tx.NetUID = model.NetUID(netUID)
		tx.Action = model.Action(action)
		var err error
		if tx.Tao, err = decimal.NewFromString(taoS); err != nil {
			return nil, fmt.Errorf("transaction %s: tao %q: %w", tx.ID, taoS, err)
		}
		if tx.Alpha, err = decimal.NewFromString(alphaS); err != nil {
			return nil, fmt.Errorf("transaction %s: alpha %q: %w", tx.ID, alphaS, err)
		}

		txs = append(txs, tx)
	}
	return txs, rows.Err()
}
