package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/auctionhouse/internal/model"
)

const (
	accountsKey  = "bank:accounts"
	transfersKey = "bank:transfers"
)

// CachedStore wraps a primary Store with a Redis read-through cache. Writes
// go to the primary store and refresh or invalidate the cache; reads check
// Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through ---

func (s *CachedStore) SaveAccounts(ctx context.Context, accounts []model.Account) error {
	if err := s.primary.SaveAccounts(ctx, accounts); err != nil {
		return err
	}
	s.cache(ctx, accountsKey, accounts)
	return nil
}

func (s *CachedStore) InsertTransfer(ctx context.Context, t *model.Transfer) error {
	if err := s.primary.InsertTransfer(ctx, t); err != nil {
		return err
	}
	// Invalidate; next read will re-populate.
	s.rdb.Del(ctx, transfersKey)
	return nil
}

// --- Read-through ---

func (s *CachedStore) LoadAccounts(ctx context.Context) ([]model.Account, error) {
	data, err := s.rdb.Get(ctx, accountsKey).Bytes()
	if err == nil {
		var accounts []model.Account
		if json.Unmarshal(data, &accounts) == nil {
			return accounts, nil
		}
	}

	accounts, err := s.primary.LoadAccounts(ctx)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, accountsKey, accounts)
	return accounts, nil
}

func (s *CachedStore) ListTransfers(ctx context.Context) ([]model.Transfer, error) {
	data, err := s.rdb.Get(ctx, transfersKey).Bytes()
	if err == nil {
		var transfers []model.Transfer
		if json.Unmarshal(data, &transfers) == nil {
			return transfers, nil
		}
	}

	transfers, err := s.primary.ListTransfers(ctx)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, transfersKey, transfers)
	return transfers, nil
}

// --- Cache helpers ---

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}
