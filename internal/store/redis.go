package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trustedstake/stake-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary and invalidate the affected keys. Reads
// check Redis first then fall back to the primary.
//
// A miss that overlaps a write through the same CachedStore is deleted again
// after it is filled, so stale rows are not kept. Writes made by other
// processes are only guarded by the TTL.
type CachedStore struct {
	primary Store
	rdb     redis.Cmdable
	ttl     time.Duration

	mu       sync.Mutex
	versions map[string]uint64
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.Cmdable, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary:  primary,
		rdb:      rdb,
		ttl:      ttl,
		versions: make(map[string]uint64),
	}
}

// --- Writes ---

func (s *CachedStore) InsertTransactions(ctx context.Context, txs []model.Transaction) (int, error) {
	n, err := s.primary.InsertTransactions(ctx, txs)
	if err != nil {
		return n, err
	}
	if n > 0 {
		seen := make(map[string]bool)
		for _, tx := range txs {
			if !seen[tx.Coldkey] {
				seen[tx.Coldkey] = true
				s.invalidate(ctx, transactionsKey(tx.Coldkey))
			}
		}
	}
	return n, nil
}

func (s *CachedStore) SaveSnapshot(ctx context.Context, snap *model.PortfolioSnapshot) error {
	if err := s.primary.SaveSnapshot(ctx, snap); err != nil {
		return err
	}
	// Invalidate rather than overwrite; a concurrent older save must not win.
	s.invalidate(ctx, snapshotKey(snap.Owner))
	return nil
}

// --- Read-through ---

func (s *CachedStore) ListTransactionsByColdkey(ctx context.Context, coldkey string) ([]model.Transaction, error) {
	key := transactionsKey(coldkey)
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var txs []model.Transaction
		if json.Unmarshal(data, &txs) == nil {
			return txs, nil
		}
	}

	v := s.version(key)
	txs, err := s.primary.ListTransactionsByColdkey(ctx, coldkey)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, key, v, txs)
	return txs, nil
}

func (s *CachedStore) LatestSnapshot(ctx context.Context, owner string) (*model.PortfolioSnapshot, error) {
	key := snapshotKey(owner)
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var snap model.PortfolioSnapshot
		if json.Unmarshal(data, &snap) == nil {
			return &snap, nil
		}
	}

	v := s.version(key)
	snap, err := s.primary.LatestSnapshot(ctx, owner)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, key, v, snap)
	return snap, nil
}

// --- Cache helpers ---

func (s *CachedStore) version(key string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.versions[key]
}

func (s *CachedStore) invalidate(ctx context.Context, key string) {
	s.mu.Lock()
	s.versions[key]++
	s.mu.Unlock()
	s.rdb.Del(ctx, key)
}

// fill caches v under key unless a write to key happened since version
// read was taken; in that case the key is deleted again.
func (s *CachedStore) fill(ctx context.Context, key string, read uint64, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.rdb.Set(ctx, key, data, s.ttl)
	if s.version(key) != read {
		s.rdb.Del(ctx, key)
	}
}

func transactionsKey(coldkey string) string { return fmt.Sprintf("transactions:%s", coldkey) }
func snapshotKey(owner string) string       { return fmt.Sprintf("snapshot:latest:%s", owner) }
