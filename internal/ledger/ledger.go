// Package ledger implements the bank's fund ledger: accounts, per-item
// holds, deposits, withdrawals and settlement of holds.
//
// Every operation touches one account and is serialized by that account's
// lock; unrelated accounts progress concurrently. The table lock only guards
// membership.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/auctionhouse/internal/model"
)

var (
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	ErrNoSuchAccount     = errors.New("ledger: no such account")
	ErrDuplicateAccount  = errors.New("ledger: duplicate account")
	ErrNoSuchHold        = errors.New("ledger: no such hold")
	ErrInvalidAmount     = errors.New("ledger: amount must be positive")
)

type entry struct {
	mu   sync.Mutex
	acct model.Account
}

// Ledger owns every account known to the bank.
type Ledger struct {
	mu        sync.RWMutex
	accounts  map[int]*entry
	transfers []model.Transfer
	tmu       sync.Mutex
	now       func() time.Time
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{
		accounts: make(map[int]*entry),
		now:      time.Now,
	}
}

// Load replaces the ledger contents with a snapshot. Holds in the snapshot
// are dropped; they never survive a restart.
func (l *Ledger) Load(accounts []model.Account) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.accounts = make(map[int]*entry, len(accounts))
	for _, a := range accounts {
		a = a.Clone()
		a.Holds = make(map[int]decimal.Decimal)
		l.accounts[a.ID] = &entry{acct: a}
	}
}

// CreateAccount registers a new account with a zero balance.
func (l *Ledger) CreateAccount(name string, id int, kind model.AccountKind) (model.Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.accounts[id]; ok {
		return model.Account{}, fmt.Errorf("%w: %d", ErrDuplicateAccount, id)
	}
	for _, e := range l.accounts {
		if e.acct.Name == name {
			return model.Account{}, fmt.Errorf("%w: name %s", ErrDuplicateAccount, name)
		}
	}

	acct := model.Account{
		ID:      id,
		Name:    name,
		Kind:    kind,
		Balance: decimal.Zero,
		Holds:   make(map[int]decimal.Decimal),
	}
	l.accounts[id] = &entry{acct: acct}
	return acct.Clone(), nil
}

func (l *Ledger) lookup(id int) (*entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	e, ok := l.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchAccount, id)
	}
	return e, nil
}

// Account returns a copy of the account.
func (l *Ledger) Account(id int) (model.Account, error) {
	e, err := l.lookup(id)
	if err != nil {
		return model.Account{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.acct.Clone(), nil
}

// Deposit adds amount to the settled balance.
func (l *Ledger) Deposit(id int, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	e, err := l.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.acct.Balance = e.acct.Balance.Add(amount)
	return nil
}

// Withdraw removes amount from the balance only if the balance strictly
// exceeds it.
func (l *Ledger) Withdraw(id int, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	e, err := l.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.acct.Balance.GreaterThan(amount) {
		return fmt.Errorf("%w: balance %s, requested %s", ErrInsufficientFunds, e.acct.Balance, amount)
	}
	e.acct.Balance = e.acct.Balance.Sub(amount)
	return nil
}

// Hold reserves amount for itemID, replacing any prior hold for the same
// item. It succeeds only if balance minus the other holds covers amount.
func (l *Ledger) Hold(id, itemID int, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	e, err := l.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	available := e.acct.Available()
	if prior, ok := e.acct.Holds[itemID]; ok {
		available = available.Add(prior)
	}
	if available.LessThan(amount) {
		return fmt.Errorf("%w: available %s, requested %s", ErrInsufficientFunds, available, amount)
	}
	e.acct.Holds[itemID] = amount
	return nil
}

// ReleaseHold drops the hold for itemID without moving funds. Releasing a
// hold that does not exist is a no-op.
func (l *Ledger) ReleaseHold(id, itemID int) error {
	e, err := l.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.acct.Holds, itemID)
	return nil
}

// CommitHold moves the held amount for itemID out of account id and into
// account toID, and records the transfer. The two accounts are updated
// one after the other; no cross-account atomicity is provided.
func (l *Ledger) CommitHold(id, itemID, toID int) (model.Transfer, error) {
	return l.CommitHoldAt(id, itemID, toID, decimal.Zero)
}

// CommitHoldAt is CommitHold charging price instead of the full hold. The
// rest of the hold is released. A zero price charges the whole hold; a
// price above the hold fails with ErrInsufficientFunds.
func (l *Ledger) CommitHoldAt(id, itemID, toID int, price decimal.Decimal) (model.Transfer, error) {
	from, err := l.lookup(id)
	if err != nil {
		return model.Transfer{}, err
	}
	to, err := l.lookup(toID)
	if err != nil {
		return model.Transfer{}, err
	}

	from.mu.Lock()
	amount, ok := from.acct.Holds[itemID]
	if !ok {
		from.mu.Unlock()
		return model.Transfer{}, fmt.Errorf("%w: account %d item %d", ErrNoSuchHold, id, itemID)
	}
	if price.IsPositive() {
		if price.GreaterThan(amount) {
			from.mu.Unlock()
			return model.Transfer{}, fmt.Errorf("%w: hold %s, price %s", ErrInsufficientFunds, amount, price)
		}
		amount = price
	}
	delete(from.acct.Holds, itemID)
	from.acct.Balance = from.acct.Balance.Sub(amount)
	from.mu.Unlock()

	to.mu.Lock()
	to.acct.Balance = to.acct.Balance.Add(amount)
	to.mu.Unlock()

	t := model.Transfer{
		ID:        uuid.New().String(),
		FromID:    id,
		ToID:      toID,
		ItemID:    itemID,
		Amount:    amount,
		Timestamp: l.now().UTC(),
	}
	l.tmu.Lock()
	l.transfers = append(l.transfers, t)
	l.tmu.Unlock()
	return t, nil
}

// Balance returns the settled balance.
func (l *Ledger) Balance(id int) (decimal.Decimal, error) {
	a, err := l.Account(id)
	if err != nil {
		return decimal.Zero, err
	}
	return a.Balance, nil
}

// FindByName returns the account registered under name.
func (l *Ledger) FindByName(name string) (model.Account, error) {
	l.mu.RLock()
	var found *entry
	for _, e := range l.accounts {
		if e.acct.Name == name {
			found = e
			break
		}
	}
	l.mu.RUnlock()

	if found == nil {
		return model.Account{}, fmt.Errorf("%w: name %s", ErrNoSuchAccount, name)
	}
	found.mu.Lock()
	defer found.mu.Unlock()
	return found.acct.Clone(), nil
}

// Snapshot returns copies of all accounts ordered by id.
func (l *Ledger) Snapshot() []model.Account {
	l.mu.RLock()
	entries := make([]*entry, 0, len(l.accounts))
	for _, e := range l.accounts {
		entries = append(entries, e)
	}
	l.mu.RUnlock()

	out := make([]model.Account, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.acct.Clone())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Transfers returns the settlement log in commit order.
func (l *Ledger) Transfers() []model.Transfer {
	l.tmu.Lock()
	defer l.tmu.Unlock()
	out := make([]model.Transfer, len(l.transfers))
	copy(out, l.transfers)
	return out
}
