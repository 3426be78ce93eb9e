// Package store defines the persistence interface for the stake engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/trustedstake/stake-engine/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Staking history ---

	// InsertTransactions appends history records, ignoring ids already
	// stored. It returns the number of new records.
	InsertTransactions(ctx context.Context, txs []model.Transaction) (int, error)

	// ListTransactionsByColdkey returns an owner's history ordered by
	// height, then id.
	ListTransactionsByColdkey(ctx context.Context, coldkey string) ([]model.Transaction, error)

	// --- Portfolio snapshots ---

	// SaveSnapshot persists a computed snapshot.
	SaveSnapshot(ctx context.Context, snap *model.PortfolioSnapshot) error

	// LatestSnapshot returns the newest snapshot of an owner, or ErrNotFound.
	LatestSnapshot(ctx context.Context, owner string) (*model.PortfolioSnapshot, error)
}

// newer reports whether a should replace b as an owner's latest snapshot.
func newer(a, b *model.PortfolioSnapshot) bool {
	if !a.ComputedAt.Equal(b.ComputedAt) {
		return a.ComputedAt.After(b.ComputedAt)
	}
	return a.Generation >= b.Generation
}
