package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/atmx/auctionhouse/internal/model"
)

// MemoryStore implements Store with in-memory slices. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	accounts  []model.Account
	transfers []model.Transfer
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) LoadAccounts(_ context.Context) ([]model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a.Clone())
	}
	return out, nil
}

func (s *MemoryStore) SaveAccounts(_ context.Context, accounts []model.Account) error {
	seen := make(map[int]bool, len(accounts))
	snapshot := make([]model.Account, 0, len(accounts))
	for _, a := range accounts {
		if seen[a.ID] {
			return fmt.Errorf("duplicate account %d in snapshot", a.ID)
		}
		seen[a.ID] = true
		// Holds are not part of the persisted state.
		a = a.Clone()
		a.Holds = nil
		snapshot = append(snapshot, a)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts = snapshot
	return nil
}

func (s *MemoryStore) InsertTransfer(_ context.Context, t *model.Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.transfers {
		if existing.ID == t.ID {
			return fmt.Errorf("transfer %s already recorded", t.ID)
		}
	}
	s.transfers = append(s.transfers, *t)
	return nil
}

func (s *MemoryStore) ListTransfers(_ context.Context) ([]model.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Transfer, len(s.transfers))
	copy(out, s.transfers)
	return out, nil
}
