// Package model defines the core domain types shared by the bank, the
// auction houses and the agents.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// AccountKind distinguishes bidders from auction houses. The numeric values
// match the type column of the accounts snapshot file.
type AccountKind int

const (
	KindHuman        AccountKind = 0
	KindAuctionHouse AccountKind = 1
)

func (k AccountKind) String() string {
	switch k {
	case KindHuman:
		return "human"
	case KindAuctionHouse:
		return "auction-house"
	}
	return "unknown(" + strconv.Itoa(int(k)) + ")"
}

// ParseAccountKind accepts either the numeric snapshot value or the name.
func ParseAccountKind(s string) (AccountKind, error) {
	switch s {
	case "0", "human":
		return KindHuman, nil
	case "1", "auction-house":
		return KindAuctionHouse, nil
	}
	return 0, fmt.Errorf("unknown account kind %q", s)
}

// Account is a bank account. Holds maps item id → reserved amount; the
// reserved funds stay in Balance until committed.
type Account struct {
	ID      int                     `json:"id" db:"id"`
	Name    string                  `json:"name" db:"name"`
	Kind    AccountKind             `json:"kind" db:"kind"`
	Balance decimal.Decimal         `json:"balance" db:"balance"`
	Holds   map[int]decimal.Decimal `json:"holds,omitempty"`
}

// TotalHolds sums every reservation on the account.
func (a Account) TotalHolds() decimal.Decimal {
	total := decimal.Zero
	for _, amt := range a.Holds {
		total = total.Add(amt)
	}
	return total
}

// Available is balance minus all holds.
func (a Account) Available() decimal.Decimal {
	return a.Balance.Sub(a.TotalHolds())
}

// Clone returns a deep copy so callers never share the holds map.
func (a Account) Clone() Account {
	c := a
	c.Holds = make(map[int]decimal.Decimal, len(a.Holds))
	for k, v := range a.Holds {
		c.Holds[k] = v
	}
	return c
}

// Transfer is an immutable record of a committed hold.
// Once created, these are never modified or deleted.
type Transfer struct {
	ID        string          `json:"id"`
	FromID    int             `json:"from_id"`
	ToID      int             `json:"to_id"`
	ItemID    int             `json:"item_id"`
	Amount    decimal.Decimal `json:"amount"`
	Timestamp time.Time       `json:"timestamp"`
}

// ItemStatus is the committed lifecycle state of an item.
type ItemStatus string

const (
	ItemListed    ItemStatus = "listed"
	ItemWon       ItemStatus = "won"
	ItemDelivered ItemStatus = "delivered"
)

// Item is one lot sold by an auction house. HighestBid and HighestBidder
// are nil until a bid is accepted.
type Item struct {
	ID            int              `json:"id"`
	Name          string           `json:"name"`
	InitialPrice  decimal.Decimal  `json:"initial_price"`
	HighestBid    *decimal.Decimal `json:"highest_bid,omitempty"`
	HighestBidder *int             `json:"highest_bidder,omitempty"`
	Idle          int              `json:"idle"` // ticks since last accepted bid or listing
	Status        ItemStatus       `json:"status"`
}

// CurrentPrice is the highest bid, or the initial price when nobody bid.
func (it Item) CurrentPrice() decimal.Decimal {
	if it.HighestBid != nil {
		return *it.HighestBid
	}
	return it.InitialPrice
}

// HasBid reports whether a bid has been accepted on the item.
func (it Item) HasBid() bool {
	return it.HighestBidder != nil
}

// Label is the "name/id" token used on the wire.
func (it Item) Label() string {
	return it.Name + "/" + strconv.Itoa(it.ID)
}

// ListingEntry is one row of a listing snapshot.
type ListingEntry struct {
	ItemID int             `json:"item_id"`
	Name   string          `json:"name"`
	Price  decimal.Decimal `json:"price"`
}

// AuctionListing is a bank directory entry for an open auction house.
type AuctionListing struct {
	Name string `json:"name"`
	Host string `json:"host"`
	Port int    `json:"port"`
}
