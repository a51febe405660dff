package house

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/auctionhouse/internal/engine"
	"github.com/atmx/auctionhouse/internal/model"
	"github.com/atmx/auctionhouse/internal/pool"
	"github.com/atmx/auctionhouse/internal/protocol"
	"github.com/atmx/auctionhouse/internal/session"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// stubBank records hold requests and closing notices.
type stubBank struct {
	mu      sync.Mutex
	holds   []string
	closing []string
}

func (b *stubBank) RequestHold(agent int, amount decimal.Decimal, item int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.holds = append(b.holds, protocol.ID(agent)+" "+amount.String()+" "+protocol.ID(item))
	return nil
}

func (b *stubBank) ReleaseHold(int, decimal.Decimal, int) error { return nil }

func (b *stubBank) RequestSettlement(int, int, decimal.Decimal) error { return nil }

func (b *stubBank) Closing(reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closing = append(b.closing, reason)
	return nil
}

func (b *stubBank) holdCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.holds)
}

type fixture struct {
	srv  *Server
	eng  *engine.Engine
	bank *stubBank
	addr string
}

func start(t *testing.T, items []model.Item, maxIdle int) *fixture {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	bank := &stubBank{}
	reg := NewRegistry()
	eng := engine.New(pool.New(items, 3), bank, reg, engine.Config{MaxIdle: maxIdle}, nil)
	eng.Open()
	srv := New("sothebys", eng, reg, bank, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &fixture{srv: srv, eng: eng, bank: bank, addr: ln.Addr().String()}
}

func defaultItems() []model.Item {
	return []model.Item{
		{ID: 412, Name: "chair", InitialPrice: d(75)},
		{ID: 7, Name: "lamp", InitialPrice: d(10)},
	}
}

// agent is a raw protocol client.
type agent struct {
	conn net.Conn
	r    *bufio.Reader
}

func connect(t *testing.T, addr string, id int) *agent {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	a := &agent{conn: conn, r: bufio.NewReader(conn)}
	if id > 0 {
		a.send(t, "agentID "+protocol.ID(id))
	}
	return a
}

func (a *agent) send(t *testing.T, line string) {
	t.Helper()
	if _, err := a.conn.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// expect reads lines until one starts with prefix.
func (a *agent) expect(t *testing.T, prefix string) string {
	t.Helper()
	_ = a.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		line, err := a.r.ReadString('\n')
		if err != nil {
			t.Fatalf("waiting for %q: %v", prefix, err)
		}
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, prefix) {
			return line
		}
	}
}

// sync round-trips a listing request so earlier lines have been handled.
func (a *agent) sync(t *testing.T) {
	t.Helper()
	a.send(t, "ReqItems")
	a.expect(t, "auctionItems")
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestReqItems_ReturnsSnapshot(t *testing.T) {
	f := start(t, defaultItems(), 30)
	a := connect(t, f.addr, 1)

	a.send(t, "ReqItems")
	if got := a.expect(t, "auctionItems"); got != "auctionItems chair/412 75 lamp/7 10" {
		t.Errorf("unexpected snapshot %q", got)
	}
}

func TestBid_FlowsThroughEngine(t *testing.T) {
	f := start(t, defaultItems(), 30)
	alice := connect(t, f.addr, 1)
	bob := connect(t, f.addr, 2)
	alice.sync(t)
	bob.sync(t)

	alice.send(t, "newBid chair/412 80")
	eventually(t, func() bool { return f.bank.holdCount() == 1 })
	f.eng.HoldSucceeded(1, d(80), 412)

	alice.expect(t, "bidPlaced 412")
	if got := bob.expect(t, "Bid 412"); got != "Bid 412 80" {
		t.Errorf("unexpected price update %q", got)
	}
	if got := bob.expect(t, "auctionItems"); !strings.Contains(got, "chair/412 80") {
		t.Errorf("broadcast snapshot should carry the new price: %q", got)
	}
}

func TestBid_BeforeAgentID(t *testing.T) {
	f := start(t, defaultItems(), 30)
	a := connect(t, f.addr, 0)

	a.send(t, "newBid 412 80")
	if got := a.expect(t, "invalidBid"); got != "invalidBid 412 malformed" {
		t.Errorf("unexpected reply %q", got)
	}
	if f.bank.holdCount() != 0 {
		t.Error("anonymous bid must not reach the bank")
	}
}

func TestClose_RefusedWhileBidding(t *testing.T) {
	f := start(t, defaultItems(), 30)
	a := connect(t, f.addr, 1)
	a.sync(t)
	a.send(t, "newBid 412 80")
	eventually(t, func() bool { return f.bank.holdCount() == 1 })

	if err := f.srv.Close(protocol.CloseNoActivity); !errors.Is(err, engine.ErrBidsInProgress) {
		t.Fatalf("expected ErrBidsInProgress, got %v", err)
	}
	select {
	case <-f.srv.Closed():
		t.Fatal("house must stay open")
	default:
	}
}

func TestClose_NotifiesAgentsAndBank(t *testing.T) {
	f := start(t, defaultItems(), 30)
	a := connect(t, f.addr, 1)
	a.sync(t)

	if err := f.srv.Close(protocol.CloseNoActivity); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := a.expect(t, "auctionClosing"); got != "auctionClosing noActivity" {
		t.Errorf("unexpected close line %q", got)
	}
	f.bank.mu.Lock()
	defer f.bank.mu.Unlock()
	if len(f.bank.closing) != 1 || f.bank.closing[0] != protocol.CloseNoActivity {
		t.Errorf("bank should be told once, got %v", f.bank.closing)
	}
}

func TestClose_StopsBidding(t *testing.T) {
	f := start(t, defaultItems(), 30)

	if err := f.srv.Close(protocol.CloseNoActivity); err != nil {
		t.Fatalf("close: %v", err)
	}
	if f.eng.Status().Open {
		t.Fatal("engine should stop accepting bids once the house closes")
	}
	if err := f.eng.Bid(1, 412, d(80)); !errors.Is(err, engine.ErrInvalidBid) {
		t.Errorf("bid after close should be rejected, got %v", err)
	}
	if f.bank.holdCount() != 0 {
		t.Error("no hold may reach the bank after close")
	}
}

func TestSoldOut_ClosesHouse(t *testing.T) {
	f := start(t, []model.Item{{ID: 1, Name: "x", InitialPrice: d(5)}}, 1)
	a := connect(t, f.addr, 1)
	a.sync(t)

	f.eng.Tick()
	if got := a.expect(t, "auctionClosing"); got != "auctionClosing soldOut" {
		t.Errorf("unexpected close line %q", got)
	}
	select {
	case <-f.srv.Closed():
	case <-time.After(2 * time.Second):
		t.Fatal("house should close once sold out")
	}
}

func TestStatus(t *testing.T) {
	f := start(t, defaultItems(), 30)
	connect(t, f.addr, 1).sync(t)

	st := f.srv.Status(true)
	if st.Name != "sothebys" || !st.Registered || st.Agents != 1 || st.ItemsForSale != 2 {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestRegistry_StaleUnregisterKeepsReplacement(t *testing.T) {
	r := NewRegistry()
	c1, _ := net.Pipe()
	c2, _ := net.Pipe()
	old := session.New(c1, session.HandlerFunc(func(*session.Session, protocol.Message) {}), session.Options{})
	cur := session.New(c2, session.HandlerFunc(func(*session.Session, protocol.Message) {}), session.Options{})

	r.Register(5, old)
	if prev := r.Register(5, cur); prev != old {
		t.Fatal("expected the old session to be returned")
	}
	r.Unregister(5, old)
	if r.Len() != 1 {
		t.Error("stale unregister evicted the replacement")
	}
	r.Unregister(5, cur)
	if r.Len() != 0 {
		t.Error("expected empty registry")
	}
}
