// Package engine resolves bids for one auction house.
//
// A bid becomes pending while the bank decides whether the bidder's funds
// can be held. A successful hold is accepted only if it strictly beats the
// item's current price; the displaced bidder's hold is then released. Items
// in the visible window age one tick per interval and are won when their
// idle timer reaches the maximum.
//
// All state (pool, per-item bid fields, idle timers, pending bids, winners)
// lives in one mutual-exclusion domain, so a timer expiry and a bid
// acceptance on the same item can never both succeed.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/auctionhouse/internal/metrics"
	"github.com/atmx/auctionhouse/internal/model"
	"github.com/atmx/auctionhouse/internal/pool"
	"github.com/atmx/auctionhouse/internal/protocol"
)

var (
	ErrInvalidBid     = errors.New("engine: invalid bid")
	ErrNotListed      = errors.New("engine: item not listed")
	ErrBidsInProgress = errors.New("engine: bids in progress")
)

const (
	DefaultMaxIdle     = 30
	DefaultTick        = time.Second
	DefaultHoldTimeout = 10 * time.Second
)

// Bank is the engine's view of the bank client. Every call is a
// fire-and-forget send; outcomes come back through HoldSucceeded,
// HoldFailed and FundsTransferred.
type Bank interface {
	RequestHold(agentID int, amount decimal.Decimal, itemID int) error
	ReleaseHold(agentID int, amount decimal.Decimal, itemID int) error
	RequestSettlement(itemID, winnerID int, price decimal.Decimal) error
}

// Notifier delivers messages to connected agents.
type Notifier interface {
	SendTo(agentID int, msg protocol.Message) error
	Broadcast(msg protocol.Message)
}

// ListingObserver is told about every listing change. A presentation layer
// implements it.
type ListingObserver interface {
	OnListingChanged(snapshot []model.ListingEntry)
}

// Config tunes the engine. Zero values use defaults.
type Config struct {
	MaxIdle     int           // ticks without an accepted bid before an item is won
	Tick        time.Duration // idle timer resolution
	HoldTimeout time.Duration // how long a bid may wait for its hold outcome; 0 disables
}

type bidKey struct {
	agent int
	item  int
}

type pendingBid struct {
	amount decimal.Decimal
	at     time.Time
}

type award struct {
	winner int
	item   model.Item
}

// Status is the operator view of the auction.
type Status struct {
	Open              bool `json:"open"`
	ItemsRemaining    int  `json:"items_remaining"`
	ItemsForSale      int  `json:"items_for_sale"`
	BiddingInProgress bool `json:"bidding_in_progress"`
	AwaitingDelivery  int  `json:"awaiting_delivery"`
}

// Engine is the bid resolution engine of one auction house.
type Engine struct {
	mu        sync.Mutex
	pool      *pool.Pool
	bank      Bank
	notify    Notifier
	observers []ListingObserver
	cfg       Config
	log       *slog.Logger
	now       func() time.Time

	open      bool
	pending   map[bidKey]pendingBid
	awarded   map[int]award
	delivered []model.Item

	done     chan struct{}
	doneOnce sync.Once
}

// New creates an engine over p. The engine is closed for bidding until Open.
func New(p *pool.Pool, bank Bank, notify Notifier, cfg Config, logger *slog.Logger) *Engine {
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = DefaultMaxIdle
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if logger == nil {
		logger = slog.Default()
	}
	metrics.ItemsRemaining.Set(float64(p.Len()))
	return &Engine{
		pool:    p,
		bank:    bank,
		notify:  notify,
		cfg:     cfg,
		log:     logger.With("component", "engine"),
		now:     time.Now,
		pending: make(map[bidKey]pendingBid),
		awarded: make(map[int]award),
		done:    make(chan struct{}),
	}
}

// Subscribe registers a listing observer.
func (e *Engine) Subscribe(o ListingObserver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, o)
}

// Open allows bidding. It is called once the bank login succeeded.
func (e *Engine) Open() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.open = true
}

// CloseBidding stops accepting bids unless a bid is pending, leading or
// awaiting settlement, in which case it returns ErrBidsInProgress and bidding
// stays open. The check and the close happen under one lock.
func (e *Engine) CloseBidding() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.unresolved() {
		return ErrBidsInProgress
	}
	e.open = false
	return nil
}

// StopBidding stops accepting bids regardless of what is in progress.
func (e *Engine) StopBidding() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.open = false
}

// Done is closed once every item has been won and delivered.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Bid handles newBid from an agent: the bid becomes pending and a hold is
// requested. No item state changes yet. A returned error means the bid was
// rejected on the spot and the agent has already been told why.
func (e *Engine) Bid(agentID, itemID int, amount decimal.Decimal) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	log := e.log.With("agent", agentID, "item", itemID, "amount", amount.String())

	if !e.open {
		e.reject(agentID, itemID, protocol.ReasonNotOpen)
		return fmt.Errorf("%w: auction not open", ErrInvalidBid)
	}
	if !amount.IsPositive() {
		e.reject(agentID, itemID, protocol.ReasonAmountTooLow)
		return fmt.Errorf("%w: amount %s", ErrInvalidBid, amount)
	}
	if !e.pool.InWindow(itemID) {
		log.Info("bid on item not for sale")
		e.reject(agentID, itemID, protocol.ReasonNotListed)
		return fmt.Errorf("%w: %d", ErrNotListed, itemID)
	}
	// The bank keys holds by item, so a leader's lower re-bid would replace
	// the hold backing the winning bid.
	if it, _ := e.pool.Get(itemID); it.HasBid() && *it.HighestBidder == agentID && !amount.GreaterThan(it.CurrentPrice()) {
		e.reject(agentID, itemID, protocol.ReasonAmountTooLow)
		return fmt.Errorf("%w: %s does not beat own bid", ErrInvalidBid, amount)
	}

	key := bidKey{agentID, itemID}
	if _, busy := e.pending[key]; busy {
		e.reject(agentID, itemID, protocol.ReasonBidPending)
		return fmt.Errorf("%w: previous bid on %d still pending", ErrInvalidBid, itemID)
	}
	e.pending[key] = pendingBid{amount: amount, at: e.now()}
	if err := e.bank.RequestHold(agentID, amount, itemID); err != nil {
		log.Error("hold request failed", "err", err)
		delete(e.pending, key)
		e.reject(agentID, itemID, protocol.ReasonHoldFailed)
		return fmt.Errorf("request hold: %w", err)
	}
	log.Info("bid received, hold requested")
	return nil
}

// HoldSucceeded handles holdSuccessful from the bank.
func (e *Engine) HoldSucceeded(agentID int, amount decimal.Decimal, itemID int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	log := e.log.With("agent", agentID, "item", itemID, "amount", amount.String())

	key := bidKey{agentID, itemID}
	p, ok := e.pending[key]
	if !ok {
		// Outcome for a bid that already timed out: give the funds back.
		log.Warn("hold outcome without pending bid, releasing")
		e.releaseStale(agentID, amount, itemID)
		return
	}
	delete(e.pending, key)
	metrics.HoldLatency.Observe(e.now().Sub(p.at).Seconds())

	item, ok := e.pool.Get(itemID)
	if !ok {
		log.Info("item sold while hold was pending")
		e.releaseStale(agentID, amount, itemID)
		e.reject(agentID, itemID, protocol.ReasonNotListed)
		return
	}

	current := item.CurrentPrice()
	if !amount.GreaterThan(current) {
		log.Info("bid too low", "current", current.String())
		e.releaseStale(agentID, amount, itemID)
		e.reject(agentID, itemID, protocol.ReasonAmountTooLow)
		return
	}

	var prevBidder *int
	var prevBid decimal.Decimal
	if item.HasBid() {
		prev := *item.HighestBidder
		prevBidder = &prev
		prevBid = *item.HighestBid
	}

	bid := amount
	bidder := agentID
	item.HighestBid = &bid
	item.HighestBidder = &bidder
	item.Idle = 0
	metrics.BidsTotal.WithLabelValues("accepted").Inc()
	log.Info("bid accepted")

	snapshot := e.pool.Snapshot()
	listing := ListingMessage(snapshot)

	if prevBidder != nil && *prevBidder != agentID {
		// A pending re-bid already replaced the old hold; its own outcome
		// decides what happens to the reservation.
		if _, rebidding := e.pending[bidKey{*prevBidder, itemID}]; !rebidding {
			e.release(*prevBidder, prevBid, itemID)
		}
		e.send(*prevBidder, protocol.New(protocol.VerbOutBid, protocol.ID(itemID)))
		e.send(*prevBidder, listing)
	}
	e.send(agentID, protocol.New(protocol.VerbBidPlaced, protocol.ID(itemID)))
	e.notify.Broadcast(protocol.New(protocol.VerbBid, protocol.ID(itemID), protocol.Amount(amount)))
	e.publish(snapshot, listing)
}

// HoldFailed handles holdFailed from the bank.
func (e *Engine) HoldFailed(agentID int, itemID int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := bidKey{agentID, itemID}
	p, ok := e.pending[key]
	if !ok {
		// The bid already timed out and the agent was told so.
		e.log.Warn("hold denial without pending bid", "agent", agentID, "item", itemID)
		e.releaseStale(agentID, decimal.Zero, itemID)
		return
	}
	delete(e.pending, key)
	e.log.Info("hold denied", "agent", agentID, "item", itemID)
	// A denied hold leaves the previous reservation in place. It is stale
	// unless the agent still leads.
	e.releaseStale(agentID, p.amount, itemID)
	e.reject(agentID, itemID, protocol.ReasonHoldFailed)
}

// FundsTransferred handles settlement confirmation: the winner's item is
// delivered.
func (e *Engine) FundsTransferred(itemID int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, ok := e.awarded[itemID]
	if !ok {
		e.log.Warn("settlement for unknown item", "item", itemID)
		return
	}
	delete(e.awarded, itemID)
	a.item.Status = model.ItemDelivered
	e.delivered = append(e.delivered, a.item)
	metrics.ItemsDelivered.Inc()
	e.log.Info("item delivered", "item", itemID, "winner", a.winner)

	e.send(a.winner, protocol.New(protocol.VerbItemDelivered, protocol.ID(itemID)))
	e.checkDone()
}

// SettlementFailed records a bank refusal to settle. The winner stays
// recorded so a retry can still deliver.
func (e *Engine) SettlementFailed(itemID int, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, ok := e.awarded[itemID]
	if !ok {
		return
	}
	e.log.Error("settlement failed", "item", itemID, "winner", a.winner, "reason", reason)
}

// RetrySettlements asks the bank again for every undelivered item.
func (e *Engine) RetrySettlements() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for id, a := range e.awarded {
		if err := e.bank.RequestSettlement(id, a.winner, a.item.CurrentPrice()); err != nil {
			e.log.Error("settlement retry failed", "item", id, "err", err)
			continue
		}
		n++
	}
	return n
}

// Listing sends the current snapshot to one agent.
func (e *Engine) Listing(agentID int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.send(agentID, ListingMessage(e.pool.Snapshot()))
}

// Snapshot returns the listing snapshot.
func (e *Engine) Snapshot() []model.ListingEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pool.Snapshot()
}

// Items returns copies of the unsold items.
func (e *Engine) Items() []model.Item {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pool.Items()
}

// Delivered returns items whose settlement completed.
func (e *Engine) Delivered() []model.Item {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]model.Item(nil), e.delivered...)
}

// HasUnresolvedBids reports pending holds, accepted bids on listed items, or
// won items awaiting settlement.
func (e *Engine) HasUnresolvedBids() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.unresolved()
}

func (e *Engine) unresolved() bool {
	if len(e.pending) > 0 || len(e.awarded) > 0 {
		return true
	}
	for _, it := range e.pool.Visible() {
		if it.HasBid() {
			return true
		}
	}
	return false
}

// Status returns the operator status view.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	remaining := e.pool.Len()
	forSale := e.pool.Window()
	if remaining < forSale {
		forSale = remaining
	}
	return Status{
		Open:              e.open,
		ItemsRemaining:    remaining,
		ItemsForSale:      forSale,
		BiddingInProgress: e.unresolved(),
		AwaitingDelivery:  len(e.awarded),
	}
}

// Run drives the idle timers until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick()
		}
	}
}

// Tick advances every visible item's idle timer by one, expiring those that
// reach the maximum, and times out stale pending bids.
func (e *Engine) Tick() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.expirePending()

	var expired []int
	for _, it := range e.pool.Visible() {
		it.Idle++
		if it.Idle >= e.cfg.MaxIdle {
			expired = append(expired, it.ID)
		}
	}
	if len(expired) == 0 {
		return
	}
	for _, id := range expired {
		e.expire(id)
	}
	snapshot := e.pool.Snapshot()
	e.publish(snapshot, ListingMessage(snapshot))
	e.checkDone()
}

// expire removes an item from the pool. A second call for the same item is
// a no-op.
func (e *Engine) expire(itemID int) {
	item, ok := e.pool.Remove(itemID)
	if !ok {
		return
	}
	metrics.ItemsRemaining.Set(float64(e.pool.Len()))

	if !item.HasBid() {
		e.log.Info("item closed without bids", "item", itemID, "price", item.InitialPrice.String())
		return
	}

	winner := *item.HighestBidder
	item.Status = model.ItemWon
	e.awarded[itemID] = award{winner: winner, item: item}
	metrics.ItemsWon.Inc()
	e.log.Info("item won", "item", itemID, "winner", winner, "price", item.CurrentPrice().String())

	e.send(winner, protocol.New(protocol.VerbItemWon, protocol.ID(itemID)))
	if err := e.bank.RequestSettlement(itemID, winner, item.CurrentPrice()); err != nil {
		e.log.Error("settlement request failed", "item", itemID, "err", err)
	}
}

func (e *Engine) expirePending() {
	if e.cfg.HoldTimeout <= 0 {
		return
	}
	cutoff := e.now().Add(-e.cfg.HoldTimeout)
	for key, p := range e.pending {
		if p.at.After(cutoff) {
			continue
		}
		delete(e.pending, key)
		e.log.Warn("hold outcome timed out", "agent", key.agent, "item", key.item)
		e.reject(key.agent, key.item, protocol.ReasonHoldTimeout)
	}
}

func (e *Engine) checkDone() {
	if e.pool.Len() == 0 && len(e.awarded) == 0 && len(e.pending) == 0 {
		e.doneOnce.Do(func() {
			e.log.Info("all items sold")
			close(e.done)
		})
	}
}

func (e *Engine) reject(agentID, itemID int, reason string) {
	metrics.BidsTotal.WithLabelValues(reason).Inc()
	e.send(agentID, protocol.New(protocol.VerbInvalidBid, protocol.ID(itemID), reason))
}

func (e *Engine) release(agentID int, amount decimal.Decimal, itemID int) {
	if err := e.bank.ReleaseHold(agentID, amount, itemID); err != nil {
		e.log.Error("release hold failed", "agent", agentID, "item", itemID, "err", err)
	}
}

// releaseStale releases a hold that backs no accepted bid. A hold owned by
// the item's current leader or winner is kept: it is the same reservation.
func (e *Engine) releaseStale(agentID int, amount decimal.Decimal, itemID int) {
	if it, ok := e.pool.Get(itemID); ok && it.HasBid() && *it.HighestBidder == agentID {
		e.log.Warn("keeping hold of current leader", "agent", agentID, "item", itemID)
		return
	}
	if a, ok := e.awarded[itemID]; ok && a.winner == agentID {
		e.log.Warn("keeping hold of winner", "agent", agentID, "item", itemID)
		return
	}
	e.release(agentID, amount, itemID)
}

func (e *Engine) send(agentID int, msg protocol.Message) {
	if err := e.notify.SendTo(agentID, msg); err != nil {
		e.log.Debug("agent unreachable", "agent", agentID, "verb", msg.Verb, "err", err)
	}
}

func (e *Engine) publish(snapshot []model.ListingEntry, listing protocol.Message) {
	e.notify.Broadcast(listing)
	for _, o := range e.observers {
		o.OnListingChanged(snapshot)
	}
}

// ListingMessage encodes a snapshot as auctionItems name/id price ...
func ListingMessage(snapshot []model.ListingEntry) protocol.Message {
	args := make([]string, 0, 2*len(snapshot))
	for _, entry := range snapshot {
		args = append(args, entry.Name+"/"+protocol.ID(entry.ItemID), protocol.Amount(entry.Price))
	}
	return protocol.New(protocol.VerbAuctionItems, args...)
}
