// Package agent is the bidder's side of an auction house connection. A
// Client registers under the agent's bank account id, keeps a local view of
// the listing and of its own bids, and reports every change to a Listener.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/auctionhouse/internal/model"
	"github.com/atmx/auctionhouse/internal/protocol"
	"github.com/atmx/auctionhouse/internal/session"
)

// BidState is what the agent knows about its own bid on an item.
type BidState string

const (
	BidPending   BidState = "pending"
	BidLeading   BidState = "leading"
	BidOutbid    BidState = "outbid"
	BidRejected  BidState = "rejected"
	BidWon       BidState = "won"
	BidDelivered BidState = "delivered"
)

// Event is one notification from the auction house.
type Event struct {
	Verb   string
	ItemID int
	Price  decimal.Decimal // Bid price updates only
	Reason string          // invalidBid and auctionClosing
}

// Listener is told about listing changes and bid events. Calls come from the
// session dispatcher, one at a time.
type Listener interface {
	OnListing(items []model.ListingEntry)
	OnEvent(ev Event)
}

// Options tune a Client. Zero values use defaults.
type Options struct {
	Logger   *slog.Logger
	Listener Listener
}

// BidStatus is the agent's record of its latest bid on one item.
type BidStatus struct {
	Amount decimal.Decimal
	State  BidState
	Reason string // why the bid was rejected
}

// Client is one agent connection to one auction house.
type Client struct {
	id       int
	sess     *session.Session
	log      *slog.Logger
	listener Listener

	mu      sync.RWMutex
	listing []model.ListingEntry
	bids    map[int]*BidStatus
	closing string
}

// Dial connects to the house at addr, registers as agentID and asks for the
// listing.
func Dial(ctx context.Context, addr string, agentID int, opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		id:       agentID,
		log:      logger.With("component", "agent", "agent", agentID),
		listener: opts.Listener,
		bids:     make(map[int]*BidStatus),
	}
	sess, err := session.Dial(ctx, addr, session.HandlerFunc(c.handle), session.Options{Logger: c.log})
	if err != nil {
		return nil, err
	}
	c.sess = sess
	if err := sess.Send(protocol.New(protocol.VerbAgentID, protocol.ID(agentID))); err != nil {
		sess.Close("register failed")
		return nil, fmt.Errorf("register agent: %w", err)
	}
	if err := c.RequestItems(); err != nil {
		sess.Close("register failed")
		return nil, err
	}
	return c, nil
}

// ID is the agent id used with the house.
func (c *Client) ID() int { return c.id }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.sess.Done() }

// Close disconnects after flushing queued sends.
func (c *Client) Close() {
	c.sess.Close("agent leaving")
	c.sess.Wait()
}

// ClosingReason is the reason the house gave for closing, if it did.
func (c *Client) ClosingReason() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closing
}

// RequestItems asks for a fresh listing.
func (c *Client) RequestItems() error {
	return c.sess.Send(protocol.New(protocol.VerbReqItems))
}

// Bid places a bid. The outcome arrives as an event.
func (c *Client) Bid(itemID int, amount decimal.Decimal) error {
	c.mu.Lock()
	prev := c.bids[itemID]
	c.bids[itemID] = &BidStatus{Amount: amount, State: BidPending}
	c.mu.Unlock()

	if err := c.sess.Send(protocol.New(protocol.VerbNewBid, protocol.ID(itemID), protocol.Amount(amount))); err != nil {
		c.mu.Lock()
		if prev != nil {
			c.bids[itemID] = prev
		} else {
			delete(c.bids, itemID)
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

// Listing returns the last listing received.
func (c *Client) Listing() []model.ListingEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]model.ListingEntry(nil), c.listing...)
}

// Status returns the agent's view of its bid on itemID.
func (c *Client) Status(itemID int) (BidStatus, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.bids[itemID]
	if !ok {
		return BidStatus{}, false
	}
	return *b, true
}

// Bids returns item ids the agent has bid on, ordered.
func (c *Client) Bids() []int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]int, 0, len(c.bids))
	for id := range c.bids {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (c *Client) handle(_ *session.Session, msg protocol.Message) {
	if msg.Verb == protocol.VerbAuctionItems {
		items, err := ParseListing(msg)
		if err != nil {
			c.log.Warn("bad listing", "err", err)
			return
		}
		c.mu.Lock()
		c.listing = append([]model.ListingEntry(nil), items...)
		c.mu.Unlock()
		if c.listener != nil {
			c.listener.OnListing(items)
		}
		return
	}

	ev := Event{Verb: msg.Verb}
	var err error
	switch msg.Verb {
	case protocol.VerbAuctionClosing:
		if len(msg.Args) > 0 {
			ev.Reason = msg.Args[0]
		}
		c.mu.Lock()
		c.closing = ev.Reason
		c.mu.Unlock()
	case protocol.VerbBid:
		if ev.ItemID, err = msg.Int(0); err == nil {
			ev.Price, err = msg.Decimal(1)
		}
		if err == nil {
			c.updatePrice(ev.ItemID, ev.Price)
		}
	case protocol.VerbInvalidBid:
		if ev.ItemID, err = msg.Int(0); err == nil && len(msg.Args) > 1 {
			ev.Reason = msg.Args[1]
		}
		if err == nil {
			c.transition(ev.ItemID, BidRejected, ev.Reason)
		}
	case protocol.VerbBidPlaced:
		if ev.ItemID, err = msg.Int(0); err == nil {
			c.transition(ev.ItemID, BidLeading, "")
		}
	case protocol.VerbOutBid:
		if ev.ItemID, err = msg.Int(0); err == nil {
			c.transition(ev.ItemID, BidOutbid, "")
		}
	case protocol.VerbItemWon:
		if ev.ItemID, err = msg.Int(0); err == nil {
			c.transition(ev.ItemID, BidWon, "")
		}
	case protocol.VerbItemDelivered:
		if ev.ItemID, err = msg.Int(0); err == nil {
			c.transition(ev.ItemID, BidDelivered, "")
		}
	default:
		c.log.Warn("unknown verb from house", "verb", msg.Verb)
		return
	}
	if err != nil {
		c.log.Warn("bad message", "verb", msg.Verb, "err", err)
		return
	}
	c.log.Debug("event", "verb", ev.Verb, "item", ev.ItemID, "reason", ev.Reason)
	if c.listener != nil {
		c.listener.OnEvent(ev)
	}
}

func (c *Client) transition(itemID int, state BidState, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.bids[itemID]
	if !ok {
		b = &BidStatus{}
		c.bids[itemID] = b
	}
	b.State = state
	b.Reason = reason
}

func (c *Client) updatePrice(itemID int, price decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.listing {
		if c.listing[i].ItemID == itemID {
			c.listing[i].Price = price
		}
	}
}

// ParseListing decodes auctionItems name/id price ...
func ParseListing(msg protocol.Message) ([]model.ListingEntry, error) {
	if len(msg.Args)%2 != 0 {
		return nil, fmt.Errorf("%w: odd listing length %d", protocol.ErrMalformed, len(msg.Args))
	}
	out := make([]model.ListingEntry, 0, len(msg.Args)/2)
	for i := 0; i < len(msg.Args); i += 2 {
		token := msg.Args[i]
		id, err := protocol.ItemRef(token)
		if err != nil {
			return nil, err
		}
		price, err := msg.Decimal(i + 1)
		if err != nil {
			return nil, err
		}
		name := token
		if j := strings.LastIndexByte(token, '/'); j >= 0 {
			name = token[:j]
		}
		out = append(out, model.ListingEntry{ItemID: id, Name: name, Price: price})
	}
	return out, nil
}
