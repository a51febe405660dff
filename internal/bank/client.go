package bank

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/auctionhouse/internal/ledger"
	"github.com/atmx/auctionhouse/internal/model"
	"github.com/atmx/auctionhouse/internal/protocol"
	"github.com/atmx/auctionhouse/internal/session"
)

var (
	ErrTimeout       = errors.New("bank: no reply in time")
	ErrNotRegistered = errors.New("bank: not logged in")
	ErrLoginFailed   = errors.New("bank: login failed")
)

// DefaultTimeout bounds request/reply calls whose context has no deadline.
const DefaultTimeout = 3 * time.Second

// Outcomes receives the asynchronous replies that belong to the bid engine.
type Outcomes interface {
	HoldSucceeded(agentID int, amount decimal.Decimal, itemID int)
	HoldFailed(agentID int, itemID int)
	FundsTransferred(itemID int)
	SettlementFailed(itemID int, reason string)
}

type slot int

const (
	slotLogin slot = iota
	slotBalance
	slotAuctions
	numSlots
)

// Client is one persistent connection to the bank. Engine-bound sends are
// fire-and-forget; replies are routed by verb, either to the bound Outcomes
// or to the reply slot a request/reply call is waiting on.
type Client struct {
	sess *session.Session
	log  *slog.Logger

	outcomes atomic.Pointer[Outcomes]
	account  atomic.Int64 // 0 until logged in
	authed   atomic.Bool

	reqMu   sync.Mutex
	replies [numSlots]chan protocol.Message
}

// ClientOptions tune a Client. Zero values use defaults.
type ClientOptions struct {
	Logger *slog.Logger
}

// Dial connects to the bank at addr.
func Dial(ctx context.Context, addr string, opts ClientOptions) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{log: logger.With("component", "bank-client")}
	for i := range c.replies {
		c.replies[i] = make(chan protocol.Message, 1)
	}
	sess, err := session.Dial(ctx, addr, session.HandlerFunc(c.handle), session.Options{Logger: c.log})
	if err != nil {
		return nil, err
	}
	c.sess = sess
	return c, nil
}

// Bind routes hold and settlement outcomes to o.
func (c *Client) Bind(o Outcomes) { c.outcomes.Store(&o) }

// AccountID is the logged-in account, or 0.
func (c *Client) AccountID() int { return int(c.account.Load()) }

// LoggedIn reports whether a login or registration succeeded.
func (c *Client) LoggedIn() bool { return c.authed.Load() }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.sess.Done() }

// Close closes the connection after flushing queued sends.
func (c *Client) Close() {
	c.sess.Close("client closed")
	c.sess.Wait()
}

// Register creates a new account with id pin. kind selects registerAuction
// or registerUser.
func (c *Client) Register(ctx context.Context, kind model.AccountKind, name string, pin int) (int, error) {
	verb := protocol.VerbRegisterUser
	if kind == model.KindAuctionHouse {
		verb = protocol.VerbRegisterAuction
	}
	return c.authenticate(ctx, protocol.New(verb, name, protocol.ID(pin)), pin)
}

// Login authenticates an existing account.
func (c *Client) Login(ctx context.Context, name string, pin int) (int, error) {
	return c.authenticate(ctx, protocol.New(protocol.VerbReturningUser, name, protocol.ID(pin)), pin)
}

func (c *Client) authenticate(ctx context.Context, msg protocol.Message, pin int) (int, error) {
	reply, err := c.request(ctx, slotLogin, msg)
	if err != nil {
		return 0, err
	}
	if reply.Verb != protocol.VerbSuccessfulLogin {
		return 0, fmt.Errorf("%w: %s", ErrLoginFailed, reply.Verb)
	}
	id := pin
	if len(reply.Args) > 0 {
		if v, err := reply.Int(0); err == nil {
			id = v
		}
	}
	c.account.Store(int64(id))
	c.authed.Store(true)
	c.log.Info("logged in", "account", id)
	return id, nil
}

// Open announces the port agents can reach this house on.
func (c *Client) Open(port int) error {
	if !c.LoggedIn() {
		return ErrNotRegistered
	}
	return c.sess.Send(protocol.New(protocol.VerbOpen, strconv.Itoa(port)))
}

// Closing tells the bank the house is shutting down.
func (c *Client) Closing(reason string) error {
	return c.sess.Send(protocol.New(protocol.VerbAuctionClosing, reason))
}

// CheckBalance returns the settled balance of the logged-in account.
func (c *Client) CheckBalance(ctx context.Context) (decimal.Decimal, error) {
	if !c.LoggedIn() {
		return decimal.Zero, ErrNotRegistered
	}
	reply, err := c.request(ctx, slotBalance, protocol.New(protocol.VerbCheckBalance))
	if err != nil {
		return decimal.Zero, err
	}
	return reply.Decimal(0)
}

// Deposit adds funds and returns the new balance.
func (c *Client) Deposit(ctx context.Context, amount decimal.Decimal) (decimal.Decimal, error) {
	if !c.LoggedIn() {
		return decimal.Zero, ErrNotRegistered
	}
	reply, err := c.request(ctx, slotBalance, protocol.New(protocol.VerbDeposit, protocol.Amount(amount)))
	if err != nil {
		return decimal.Zero, err
	}
	return reply.Decimal(0)
}

// Withdraw removes funds and returns the new balance. A refusal is reported
// as ledger.ErrInsufficientFunds.
func (c *Client) Withdraw(ctx context.Context, amount decimal.Decimal) (decimal.Decimal, error) {
	if !c.LoggedIn() {
		return decimal.Zero, ErrNotRegistered
	}
	reply, err := c.request(ctx, slotBalance, protocol.New(protocol.VerbWithdraw, protocol.Amount(amount)))
	if err != nil {
		return decimal.Zero, err
	}
	if reply.Verb == protocol.VerbFailedWithdraw {
		return decimal.Zero, fmt.Errorf("withdraw %s: %w", amount, ledger.ErrInsufficientFunds)
	}
	return reply.Decimal(0)
}

// ListAuctions returns the bank's directory of open auction houses.
func (c *Client) ListAuctions(ctx context.Context) ([]model.AuctionListing, error) {
	reply, err := c.request(ctx, slotAuctions, protocol.New(protocol.VerbListAuctions))
	if err != nil {
		return nil, err
	}
	out := make([]model.AuctionListing, 0, len(reply.Args)/3)
	for i := 0; i+2 < len(reply.Args); i += 3 {
		port, err := reply.Int(i + 2)
		if err != nil {
			return nil, err
		}
		out = append(out, model.AuctionListing{Name: reply.Args[i], Host: reply.Args[i+1], Port: port})
	}
	return out, nil
}

// RequestHold sends reqHold. The outcome arrives through Outcomes.
func (c *Client) RequestHold(agentID int, amount decimal.Decimal, itemID int) error {
	if !c.LoggedIn() {
		return ErrNotRegistered
	}
	return c.sess.Send(protocol.New(protocol.VerbReqHold,
		protocol.ID(agentID), protocol.Amount(amount), protocol.ID(itemID)))
}

// ReleaseHold sends removeHold. There is no reply.
func (c *Client) ReleaseHold(agentID int, amount decimal.Decimal, itemID int) error {
	if !c.LoggedIn() {
		return ErrNotRegistered
	}
	return c.sess.Send(protocol.New(protocol.VerbRemoveHold,
		protocol.ID(agentID), protocol.Amount(amount), protocol.ID(itemID)))
}

// RequestSettlement sends itemWon so the winner's hold is committed at price.
func (c *Client) RequestSettlement(itemID, winnerID int, price decimal.Decimal) error {
	if !c.LoggedIn() {
		return ErrNotRegistered
	}
	return c.sess.Send(protocol.New(protocol.VerbItemWon,
		protocol.ID(itemID), protocol.ID(winnerID), protocol.Amount(price)))
}

// request sends msg and waits for the reply routed to s. Calls are
// serialized so a reply always belongs to the latest request.
func (c *Client) request(ctx context.Context, s slot, msg protocol.Message) (protocol.Message, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	// Drop a reply that arrived after its caller gave up.
	select {
	case <-c.replies[s]:
	default:
	}
	if err := c.sess.Send(msg); err != nil {
		return protocol.Message{}, err
	}
	select {
	case reply := <-c.replies[s]:
		return reply, nil
	case <-c.sess.Done():
		return protocol.Message{}, session.ErrClosed
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return protocol.Message{}, fmt.Errorf("%w: %s", ErrTimeout, msg.Verb)
		}
		return protocol.Message{}, ctx.Err()
	}
}

func (c *Client) deliver(s slot, msg protocol.Message) {
	select {
	case c.replies[s] <- msg:
	default:
		c.log.Warn("unsolicited reply dropped", "verb", msg.Verb)
	}
}

func (c *Client) handle(_ *session.Session, msg protocol.Message) {
	switch msg.Verb {
	case protocol.VerbSuccessfulLogin, protocol.VerbFailedLogin, protocol.VerbFailedReg:
		c.deliver(slotLogin, msg)
	case protocol.VerbBalances, protocol.VerbFailedWithdraw:
		c.deliver(slotBalance, msg)
	case protocol.VerbAuctions:
		c.deliver(slotAuctions, msg)
	case protocol.VerbHoldSuccessful, protocol.VerbHoldFailed:
		c.holdOutcome(msg)
	case protocol.VerbFundsTransferred:
		item, err := msg.Int(0)
		if err != nil {
			c.log.Warn("bad reply", "err", err)
			return
		}
		if o := c.bound(); o != nil {
			o.FundsTransferred(item)
		}
	case protocol.VerbSettlementFailed:
		item, err := msg.Int(0)
		if err != nil {
			c.log.Warn("bad reply", "err", err)
			return
		}
		reason := ""
		if len(msg.Args) > 1 {
			reason = msg.Args[1]
		}
		if o := c.bound(); o != nil {
			o.SettlementFailed(item, reason)
		}
	default:
		c.log.Warn("unknown verb from bank", "verb", msg.Verb)
	}
}

func (c *Client) holdOutcome(msg protocol.Message) {
	if err := msg.Want(3); err != nil {
		c.log.Warn("bad reply", "err", err)
		return
	}
	agent, err := msg.Int(0)
	if err != nil {
		c.log.Warn("bad reply", "err", err)
		return
	}
	amount, err := msg.Decimal(1)
	if err != nil {
		c.log.Warn("bad reply", "err", err)
		return
	}
	item, err := msg.Int(2)
	if err != nil {
		c.log.Warn("bad reply", "err", err)
		return
	}
	o := c.bound()
	if o == nil {
		c.log.Warn("hold outcome with no engine bound", "agent", agent, "item", item)
		return
	}
	if msg.Verb == protocol.VerbHoldSuccessful {
		o.HoldSucceeded(agent, amount, item)
	} else {
		o.HoldFailed(agent, item)
	}
}

func (c *Client) bound() Outcomes {
	if p := c.outcomes.Load(); p != nil {
		return *p
	}
	return nil
}
