// Package store defines the persistence interface for the bank.
// Implementations include a flat accounts file (the default), PostgreSQL,
// a Redis read-through cache in front of either, and in-memory (for
// testing).
//
// Only settled state is persisted. Holds live in the ledger and never
// survive a restart.
package store

import (
	"context"

	"github.com/atmx/auctionhouse/internal/model"
)

// Store is the persistence interface for account snapshots and the
// settlement log.
type Store interface {
	// LoadAccounts returns the last saved snapshot. A store that was never
	// written returns an empty slice.
	LoadAccounts(ctx context.Context) ([]model.Account, error)

	// SaveAccounts replaces the snapshot wholesale.
	SaveAccounts(ctx context.Context, accounts []model.Account) error

	// InsertTransfer appends an immutable settlement record.
	InsertTransfer(ctx context.Context, t *model.Transfer) error

	// ListTransfers returns settlement records in commit order.
	ListTransfers(ctx context.Context) ([]model.Transfer, error)
}
