package store

import (
	"context"
	"sort"
	"sync"

	"github.com/trustedstake/stake-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	txs       map[string]model.Transaction
	byColdkey map[string][]string
	snapshots map[string]*model.PortfolioSnapshot
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txs:       make(map[string]model.Transaction),
		byColdkey: make(map[string][]string),
		snapshots: make(map[string]*model.PortfolioSnapshot),
	}
}

func (s *MemoryStore) InsertTransactions(_ context.Context, txs []model.Transaction) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for _, tx := range txs {
		if _, ok := s.txs[tx.ID]; ok {
			continue
		}
		s.txs[tx.ID] = tx
		s.byColdkey[tx.Coldkey] = append(s.byColdkey[tx.Coldkey], tx.ID)
		inserted++
	}
	return inserted, nil
}

func (s *MemoryStore) ListTransactionsByColdkey(_ context.Context, coldkey string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byColdkey[coldkey]
	result := make([]model.Transaction, 0, len(ids))
	for _, id := range ids {
		result = append(result, s.txs[id])
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Height != result[j].Height {
			return result[i].Height < result[j].Height
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (s *MemoryStore) SaveSnapshot(_ context.Context, snap *model.PortfolioSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.snapshots[snap.Owner]; ok && !newer(snap, cur) {
		return nil
	}
	// Store a copy to avoid external mutation.
	copy := *snap
	s.snapshots[snap.Owner] = &copy
	return nil
}

func (s *MemoryStore) LatestSnapshot(_ context.Context, owner string) (*model.PortfolioSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[owner]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *snap
	return &copy, nil
}
