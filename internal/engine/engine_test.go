package engine

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/atmx/auctionhouse/internal/ledger"
	"github.com/atmx/auctionhouse/internal/model"
	"github.com/atmx/auctionhouse/internal/pool"
	"github.com/atmx/auctionhouse/internal/protocol"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type bankCall struct {
	op     string
	agent  int
	item   int
	amount decimal.Decimal
}

// fakeBank records every request; tests deliver outcomes by hand.
type fakeBank struct {
	mu    sync.Mutex
	calls []bankCall
	fail  error
}

func (b *fakeBank) record(c bankCall) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail != nil {
		return b.fail
	}
	b.calls = append(b.calls, c)
	return nil
}

func (b *fakeBank) RequestHold(agent int, amount decimal.Decimal, item int) error {
	return b.record(bankCall{"hold", agent, item, amount})
}

func (b *fakeBank) ReleaseHold(agent int, amount decimal.Decimal, item int) error {
	return b.record(bankCall{"release", agent, item, amount})
}

func (b *fakeBank) RequestSettlement(item, winner int, price decimal.Decimal) error {
	return b.record(bankCall{"settle", winner, item, price})
}

func (b *fakeBank) ops(op string) []bankCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []bankCall
	for _, c := range b.calls {
		if c.op == op {
			out = append(out, c)
		}
	}
	return out
}

// fakeNotifier records messages per agent plus broadcasts.
type fakeNotifier struct {
	mu        sync.Mutex
	sent      map[int][]protocol.Message
	broadcast []protocol.Message
}

func newNotifier() *fakeNotifier {
	return &fakeNotifier{sent: make(map[int][]protocol.Message)}
}

func (n *fakeNotifier) SendTo(agent int, msg protocol.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent[agent] = append(n.sent[agent], msg)
	return nil
}

func (n *fakeNotifier) Broadcast(msg protocol.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.broadcast = append(n.broadcast, msg)
}

func (n *fakeNotifier) last(agent int) protocol.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	msgs := n.sent[agent]
	if len(msgs) == 0 {
		return protocol.Message{}
	}
	return msgs[len(msgs)-1]
}

func (n *fakeNotifier) has(agent int, line string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, m := range n.sent[agent] {
		if m.Encode() == line {
			return true
		}
	}
	return false
}

type observerFunc func([]model.ListingEntry)

func (f observerFunc) OnListingChanged(s []model.ListingEntry) { f(s) }

const (
	chair  = 412
	agentA = 1
	agentB = 2
	agentC = 3
	agentD = 4
)

func newTestEngine(t *testing.T, maxIdle int) (*Engine, *fakeBank, *fakeNotifier) {
	t.Helper()
	items := []model.Item{
		{ID: chair, Name: "chair", InitialPrice: d(75)},
		{ID: 7, Name: "lamp", InitialPrice: d(10)},
		{ID: 8, Name: "rug", InitialPrice: d(20)},
		{ID: 9, Name: "vase", InitialPrice: d(30)},
	}
	bank := &fakeBank{}
	notify := newNotifier()
	e := New(pool.New(items, 3), bank, notify, Config{MaxIdle: maxIdle, Tick: time.Millisecond}, nil)
	e.Open()
	return e, bank, notify
}

type fataler interface {
	Helper()
	Fatalf(format string, args ...any)
}

func currentBid(t fataler, e *Engine, id int) (decimal.Decimal, int) {
	t.Helper()
	for _, it := range e.Items() {
		if it.ID == id {
			if !it.HasBid() {
				return it.InitialPrice, 0
			}
			return *it.HighestBid, *it.HighestBidder
		}
	}
	t.Fatalf("item %d not in pool", id)
	return decimal.Zero, 0
}

func TestBid_RequestsHoldWithoutMutatingItem(t *testing.T) {
	e, bank, _ := newTestEngine(t, 30)

	if err := e.Bid(agentA, chair, d(80)); err != nil {
		t.Fatalf("bid: %v", err)
	}
	holds := bank.ops("hold")
	if len(holds) != 1 || holds[0].agent != agentA || !holds[0].amount.Equal(d(80)) {
		t.Fatalf("expected one hold request, got %+v", holds)
	}
	price, bidder := currentBid(t, e, chair)
	if !price.Equal(d(75)) || bidder != 0 {
		t.Errorf("item must not change before the hold outcome: %s/%d", price, bidder)
	}
	if !e.HasUnresolvedBids() {
		t.Error("pending bid should count as unresolved")
	}
}

// Scenario A: A bids 80, B bids 90; A is outbid and released.
func TestScenarioA_Outbid(t *testing.T) {
	e, bank, notify := newTestEngine(t, 30)

	e.Bid(agentA, chair, d(80))
	e.HoldSucceeded(agentA, d(80), chair)

	price, bidder := currentBid(t, e, chair)
	if !price.Equal(d(80)) || bidder != agentA {
		t.Fatalf("expected 80/A, got %s/%d", price, bidder)
	}
	if !notify.has(agentA, "bidPlaced 412") {
		t.Error("A should be told the bid was placed")
	}

	e.Bid(agentB, chair, d(90))
	e.HoldSucceeded(agentB, d(90), chair)

	price, bidder = currentBid(t, e, chair)
	if !price.Equal(d(90)) || bidder != agentB {
		t.Fatalf("expected 90/B, got %s/%d", price, bidder)
	}
	releases := bank.ops("release")
	if len(releases) != 1 || releases[0].agent != agentA || releases[0].item != chair {
		t.Errorf("expected A's hold released, got %+v", releases)
	}
	if !notify.has(agentA, "OutBid 412") {
		t.Error("A should receive OutBid")
	}
	if got := notify.last(agentA); got.Verb != protocol.VerbAuctionItems {
		t.Errorf("A should get the refreshed listing after OutBid, got %s", got)
	}
}

// Scenario B: a successful hold below the current price is released.
func TestScenarioB_AmountTooLow(t *testing.T) {
	e, bank, notify := newTestEngine(t, 30)
	e.Bid(agentB, chair, d(90))
	e.HoldSucceeded(agentB, d(90), chair)

	e.Bid(agentC, chair, d(40))
	e.HoldSucceeded(agentC, d(40), chair)

	if !notify.has(agentC, "invalidBid 412 amt2low") {
		t.Errorf("C should get amt2low, got %v", notify.last(agentC))
	}
	releases := bank.ops("release")
	if len(releases) != 1 || releases[0].agent != agentC {
		t.Errorf("expected C's hold released, got %+v", releases)
	}
	price, bidder := currentBid(t, e, chair)
	if !price.Equal(d(90)) || bidder != agentB {
		t.Errorf("highest must stay 90/B, got %s/%d", price, bidder)
	}
}

func TestHoldSucceeded_EqualAmountIsTooLow(t *testing.T) {
	e, _, notify := newTestEngine(t, 30)
	e.Bid(agentA, chair, d(75))
	e.HoldSucceeded(agentA, d(75), chair)

	if !notify.has(agentA, "invalidBid 412 amt2low") {
		t.Error("a bid equal to the initial price must be rejected")
	}
}

// Scenario C: idle expiry, itemWon, settlement, delivery.
func TestScenarioC_WonAndDelivered(t *testing.T) {
	e, bank, notify := newTestEngine(t, 30)
	e.Bid(agentB, chair, d(90))
	e.HoldSucceeded(agentB, d(90), chair)

	for i := 0; i < 29; i++ {
		e.Tick()
	}
	if len(bank.ops("settle")) != 0 {
		t.Fatal("item must not be won before 30 ticks")
	}
	e.Tick()

	settles := bank.ops("settle")
	if len(settles) != 1 || settles[0].item != chair || settles[0].agent != agentB || !settles[0].amount.Equal(d(90)) {
		t.Fatalf("expected settlement for chair/B at 90, got %+v", settles)
	}
	if !notify.has(agentB, "itemWon 412") {
		t.Error("B should receive itemWon")
	}
	for _, it := range e.Items() {
		if it.ID == chair {
			t.Fatal("won item must leave the pool")
		}
	}

	e.FundsTransferred(chair)
	if !notify.has(agentB, "itemDelivered 412") {
		t.Error("B should receive itemDelivered")
	}
	if got := e.Delivered(); len(got) != 1 || got[0].Status != model.ItemDelivered {
		t.Errorf("expected one delivered item, got %+v", got)
	}
}

// Scenario D: bank denies the hold.
func TestScenarioD_HoldFailed(t *testing.T) {
	e, _, notify := newTestEngine(t, 30)
	e.Bid(agentD, chair, d(500))
	e.HoldFailed(agentD, chair)

	if !notify.has(agentD, "invalidBid 412 holdFailed") {
		t.Errorf("D should get holdFailed, got %v", notify.last(agentD))
	}
	price, bidder := currentBid(t, e, chair)
	if !price.Equal(d(75)) || bidder != 0 {
		t.Errorf("item must be unchanged, got %s/%d", price, bidder)
	}
	if e.HasUnresolvedBids() {
		t.Error("no bids should remain unresolved")
	}
}

func TestAcceptedBid_ResetsIdleTimer(t *testing.T) {
	e, bank, _ := newTestEngine(t, 5)
	for i := 0; i < 4; i++ {
		e.Tick()
	}
	e.Bid(agentA, chair, d(80))
	e.HoldSucceeded(agentA, d(80), chair)

	for i := 0; i < 4; i++ {
		e.Tick()
	}
	if len(bank.ops("settle")) != 0 {
		t.Fatal("accepted bid should have reset the idle timer")
	}
	e.Tick()
	if len(bank.ops("settle")) != 1 {
		t.Errorf("expected settlement after max idle since the bid")
	}
}

func TestTick_UnbidItemsCloseWithoutWinner(t *testing.T) {
	e, bank, _ := newTestEngine(t, 2)
	e.Tick()
	e.Tick()

	if got := len(e.Items()); got != 1 {
		t.Errorf("three window items should close, %d left", got)
	}
	if len(bank.ops("settle")) != 0 {
		t.Error("no settlement without a winner")
	}
	snap := e.Snapshot()
	if len(snap) != 1 || snap[0].ItemID != 9 {
		t.Errorf("fourth item should slide into the window, got %+v", snap)
	}
}

func TestTick_OnlyWindowItemsAge(t *testing.T) {
	e, _, _ := newTestEngine(t, 30)
	e.Tick()
	for _, it := range e.Items() {
		want := 1
		if it.ID == 9 {
			want = 0
		}
		if it.Idle != want {
			t.Errorf("item %d idle %d, want %d", it.ID, it.Idle, want)
		}
	}
}

func TestBid_NotInWindow(t *testing.T) {
	e, bank, notify := newTestEngine(t, 30)
	err := e.Bid(agentA, 9, d(100))
	if !errors.Is(err, ErrNotListed) {
		t.Errorf("expected ErrNotListed, got %v", err)
	}
	if len(bank.ops("hold")) != 0 {
		t.Error("no hold should be requested for an unlisted item")
	}
	if !notify.has(agentA, "invalidBid 9 notListed") {
		t.Error("agent should be told the item is not listed")
	}
}

func TestBid_RejectedBeforeOpen(t *testing.T) {
	bank := &fakeBank{}
	notify := newNotifier()
	e := New(pool.New([]model.Item{{ID: 1, Name: "x", InitialPrice: d(1)}}, 3), bank, notify, Config{}, nil)

	if err := e.Bid(agentA, 1, d(5)); !errors.Is(err, ErrInvalidBid) {
		t.Errorf("expected ErrInvalidBid before open, got %v", err)
	}
	if !notify.has(agentA, "invalidBid 1 notOpen") {
		t.Error("agent should be told the auction is not open")
	}
}

func TestBid_LeaderCannotUnderbidSelf(t *testing.T) {
	e, bank, _ := newTestEngine(t, 30)
	e.Bid(agentA, chair, d(90))
	e.HoldSucceeded(agentA, d(90), chair)

	if err := e.Bid(agentA, chair, d(80)); !errors.Is(err, ErrInvalidBid) {
		t.Errorf("expected ErrInvalidBid, got %v", err)
	}
	if len(bank.ops("hold")) != 1 {
		t.Error("leader's lower re-bid must not reach the bank")
	}
}

func TestBid_SecondBidWhilePending(t *testing.T) {
	e, bank, notify := newTestEngine(t, 30)
	e.Bid(agentA, chair, d(80))

	if err := e.Bid(agentA, chair, d(85)); !errors.Is(err, ErrInvalidBid) {
		t.Errorf("expected ErrInvalidBid, got %v", err)
	}
	if !notify.has(agentA, "invalidBid 412 bidPending") {
		t.Error("agent should be told a bid is already pending")
	}
	if len(bank.ops("hold")) != 1 {
		t.Error("second bid must not reach the bank")
	}
}

func TestOutbid_KeepsHoldOfPendingRebid(t *testing.T) {
	e, bank, notify := newTestEngine(t, 30)
	e.Bid(agentA, chair, d(80))
	e.HoldSucceeded(agentA, d(80), chair)

	e.Bid(agentA, chair, d(120))
	e.Bid(agentB, chair, d(100))
	e.HoldSucceeded(agentB, d(100), chair)

	if len(bank.ops("release")) != 0 {
		t.Fatal("A's replacement hold must survive being outbid")
	}
	if !notify.has(agentA, "OutBid 412") {
		t.Error("A should still be told about the outbid")
	}

	e.HoldSucceeded(agentA, d(120), chair)
	price, bidder := currentBid(t, e, chair)
	if !price.Equal(d(120)) || bidder != agentA {
		t.Errorf("expected 120/A, got %s/%d", price, bidder)
	}
	if releases := bank.ops("release"); len(releases) != 1 || releases[0].agent != agentB {
		t.Errorf("expected B released, got %+v", releases)
	}
}

func TestHoldFailed_ReleasesLeftoverOfDisplacedBidder(t *testing.T) {
	e, bank, _ := newTestEngine(t, 30)
	e.Bid(agentA, chair, d(80))
	e.HoldSucceeded(agentA, d(80), chair)
	e.Bid(agentA, chair, d(500))
	e.Bid(agentB, chair, d(100))
	e.HoldSucceeded(agentB, d(100), chair)

	e.HoldFailed(agentA, chair)
	if releases := bank.ops("release"); len(releases) != 1 || releases[0].agent != agentA {
		t.Errorf("A's old reservation should be released, got %+v", releases)
	}
}

func TestHoldFailed_LeaderKeepsHold(t *testing.T) {
	e, bank, _ := newTestEngine(t, 30)
	e.Bid(agentA, chair, d(80))
	e.HoldSucceeded(agentA, d(80), chair)
	e.Bid(agentA, chair, d(500))
	e.HoldFailed(agentA, chair)

	if len(bank.ops("release")) != 0 {
		t.Error("leader's hold must stay in place")
	}
	if _, bidder := currentBid(t, e, chair); bidder != agentA {
		t.Error("leader should be unchanged")
	}
}

func TestBid_BankUnreachable(t *testing.T) {
	e, bank, notify := newTestEngine(t, 30)
	bank.fail = errors.New("closed")

	if err := e.Bid(agentA, chair, d(80)); err == nil {
		t.Fatal("expected error when the bank send fails")
	}
	if !notify.has(agentA, "invalidBid 412 holdFailed") {
		t.Error("agent should get holdFailed")
	}
	if e.HasUnresolvedBids() {
		t.Error("failed send must not leave a pending bid")
	}
}

func TestHoldTimeout_RejectsAndReleasesLateOutcome(t *testing.T) {
	e, bank, notify := newTestEngine(t, 30)
	e.cfg.HoldTimeout = time.Second
	clock := time.Now()
	e.now = func() time.Time { return clock }

	e.Bid(agentA, chair, d(80))
	clock = clock.Add(2 * time.Second)
	e.Tick()

	if !notify.has(agentA, "invalidBid 412 holdTimeout") {
		t.Fatal("agent should be told the hold timed out")
	}
	e.HoldSucceeded(agentA, d(80), chair)

	if releases := bank.ops("release"); len(releases) != 1 || releases[0].agent != agentA {
		t.Errorf("late hold must be released, got %+v", releases)
	}
	if _, bidder := currentBid(t, e, chair); bidder != 0 {
		t.Error("late hold must not be accepted")
	}
}

func TestHoldFailed_AfterTimeoutRejectsOnce(t *testing.T) {
	e, _, notify := newTestEngine(t, 30)
	e.cfg.HoldTimeout = time.Second
	clock := time.Now()
	e.now = func() time.Time { return clock }

	e.Bid(agentA, chair, d(80))
	clock = clock.Add(2 * time.Second)
	e.Tick()
	e.HoldFailed(agentA, chair)

	if !notify.has(agentA, "invalidBid 412 holdTimeout") {
		t.Fatal("agent should be told the hold timed out")
	}
	if notify.has(agentA, "invalidBid 412 holdFailed") {
		t.Error("a late denial must not reject the bid a second time")
	}
	if e.HasUnresolvedBids() {
		t.Error("no bids should remain unresolved")
	}
}

func TestCloseBidding(t *testing.T) {
	e, bank, notify := newTestEngine(t, 30)
	e.Bid(agentA, chair, d(80))

	if err := e.CloseBidding(); !errors.Is(err, ErrBidsInProgress) {
		t.Fatalf("expected ErrBidsInProgress with a pending bid, got %v", err)
	}
	if !e.Status().Open {
		t.Fatal("refused close must leave bidding open")
	}

	e.HoldFailed(agentA, chair)
	if err := e.CloseBidding(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if e.Status().Open {
		t.Error("engine should be closed for bidding")
	}
	if err := e.Bid(agentB, chair, d(90)); !errors.Is(err, ErrInvalidBid) {
		t.Errorf("bid after close should be rejected, got %v", err)
	}
	if !notify.has(agentB, "invalidBid 412 "+protocol.ReasonNotOpen) {
		t.Errorf("B should be told bidding is closed, got %v", notify.last(agentB))
	}
	if len(bank.ops("hold")) != 1 {
		t.Error("no hold may be requested after close")
	}
}

func TestHoldSucceeded_AfterItemWon(t *testing.T) {
	e, bank, notify := newTestEngine(t, 1)
	e.Bid(agentA, chair, d(80))
	e.Tick() // chair closes unsold while the hold is pending

	e.HoldSucceeded(agentA, d(80), chair)
	if !notify.has(agentA, "invalidBid 412 notListed") {
		t.Error("agent should be told the item is gone")
	}
	if len(bank.ops("release")) != 1 {
		t.Error("hold on a closed item must be released")
	}
}

func TestListing_IdempotentWithoutChanges(t *testing.T) {
	e, _, notify := newTestEngine(t, 30)
	e.Listing(agentA)
	first := notify.last(agentA).Encode()
	e.Listing(agentA)
	second := notify.last(agentA).Encode()

	if first != second {
		t.Errorf("snapshots differ: %q vs %q", first, second)
	}
	if first != "auctionItems chair/412 75 lamp/7 10 rug/8 20" {
		t.Errorf("unexpected snapshot %q", first)
	}
}

func TestObservers_SeeEveryChange(t *testing.T) {
	e, _, _ := newTestEngine(t, 30)
	var seen [][]model.ListingEntry
	e.Subscribe(observerFunc(func(s []model.ListingEntry) { seen = append(seen, s) }))

	e.Bid(agentA, chair, d(80))
	e.HoldSucceeded(agentA, d(80), chair)

	if len(seen) != 1 || !seen[0][0].Price.Equal(d(80)) {
		t.Errorf("observer should see the accepted bid, got %+v", seen)
	}
}

func TestDone_AfterAllItemsDelivered(t *testing.T) {
	bank := &fakeBank{}
	e := New(pool.New([]model.Item{{ID: 1, Name: "x", InitialPrice: d(1)}}, 3), bank, newNotifier(), Config{MaxIdle: 1}, nil)
	e.Open()
	e.Bid(agentA, 1, d(2))
	e.HoldSucceeded(agentA, d(2), 1)
	e.Tick()

	select {
	case <-e.Done():
		t.Fatal("done before delivery")
	default:
	}
	if !e.Status().BiddingInProgress {
		t.Error("awaiting delivery counts as bidding in progress")
	}
	e.FundsTransferred(1)
	select {
	case <-e.Done():
	default:
		t.Fatal("expected done after delivery")
	}
}

func TestStatus(t *testing.T) {
	e, _, _ := newTestEngine(t, 30)
	st := e.Status()
	if !st.Open || st.ItemsRemaining != 4 || st.ItemsForSale != 3 || st.BiddingInProgress {
		t.Errorf("unexpected status %+v", st)
	}
}

// ledgerBank runs holds against a real ledger and queues outcomes so the
// test can deliver them in any order.
type ledgerBank struct {
	l        *ledger.Ledger
	outcomes []func(*Engine)
}

func (b *ledgerBank) RequestHold(agent int, amount decimal.Decimal, item int) error {
	if err := b.l.Hold(agent, item, amount); err != nil {
		b.outcomes = append(b.outcomes, func(e *Engine) { e.HoldFailed(agent, item) })
		return nil
	}
	b.outcomes = append(b.outcomes, func(e *Engine) { e.HoldSucceeded(agent, amount, item) })
	return nil
}

func (b *ledgerBank) ReleaseHold(agent int, _ decimal.Decimal, item int) error {
	return b.l.ReleaseHold(agent, item)
}

func (b *ledgerBank) RequestSettlement(int, int, decimal.Decimal) error { return nil }

func TestBidInvariants_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		l := ledger.New()
		agents := []int{1, 2, 3, 4}
		for _, a := range agents {
			if _, err := l.CreateAccount(fmt.Sprint("agent", a), a, model.KindHuman); err != nil {
				t.Fatalf("create: %v", err)
			}
			_ = l.Deposit(a, decimal.NewFromInt(rapid.Int64Range(50, 500).Draw(t, "funds")))
		}
		bank := &ledgerBank{l: l}
		e := New(pool.New([]model.Item{{ID: chair, Name: "chair", InitialPrice: d(75)}}, 3), bank, newNotifier(), Config{MaxIdle: 1000}, nil)
		e.Open()

		prev := d(75)
		steps := rapid.IntRange(1, 30).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			if len(bank.outcomes) > 0 && rapid.Bool().Draw(t, "deliver") {
				idx := rapid.IntRange(0, len(bank.outcomes)-1).Draw(t, "which")
				deliver := bank.outcomes[idx]
				bank.outcomes = append(bank.outcomes[:idx], bank.outcomes[idx+1:]...)
				deliver(e)
			} else {
				agent := rapid.SampledFrom(agents).Draw(t, "agent")
				amt := decimal.NewFromInt(rapid.Int64Range(1, 400).Draw(t, "amount"))
				_ = e.Bid(agent, chair, amt)
			}

			price, bidder := currentBid(t, e, chair)
			if price.LessThan(prev) {
				t.Fatalf("highest bid decreased from %s to %s", prev, price)
			}
			prev = price
			if bidder == 0 {
				continue
			}
			// The leader's reservation backs the current highest bid, and no
			// displaced bidder keeps one once all outcomes are in.
			acct, _ := l.Account(bidder)
			if _, ok := acct.Holds[chair]; !ok {
				t.Fatalf("leader %d holds nothing for the item", bidder)
			}
		}

		for len(bank.outcomes) > 0 {
			deliver := bank.outcomes[0]
			bank.outcomes = bank.outcomes[1:]
			deliver(e)
		}
		price, bidder := currentBid(t, e, chair)
		for _, a := range agents {
			acct, _ := l.Account(a)
			amt, ok := acct.Holds[chair]
			if a == bidder {
				if !ok || !amt.Equal(price) {
					t.Fatalf("leader %d hold %s, want %s", a, amt, price)
				}
				continue
			}
			if ok {
				t.Fatalf("non-leader %d still holds %s", a, amt)
			}
		}
	})
}
