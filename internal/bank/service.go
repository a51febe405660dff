// Package bank puts the fund ledger on the wire. Service accepts
// connections from auction houses and agents and routes each line to a
// ledger operation; Client is the persistent connection a house or an agent
// keeps to it.
package bank

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/auctionhouse/internal/ledger"
	"github.com/atmx/auctionhouse/internal/metrics"
	"github.com/atmx/auctionhouse/internal/model"
	"github.com/atmx/auctionhouse/internal/protocol"
	"github.com/atmx/auctionhouse/internal/session"
	"github.com/atmx/auctionhouse/internal/store"
)

// itemSpace scopes item ids to their auction house inside one account's
// holds, so two houses selling the same item id never share a hold.
const itemSpace = 1000

// Settlement failure reasons carried by settlementFailed.
const (
	reasonNoSuchHold   = "noSuchHold"
	reasonNoSuchWinner = "noSuchAccount"
	reasonPrice        = "insufficientFunds"
	reasonNotLoggedIn  = "notLoggedIn"
	reasonNotHouse     = "notAuctionHouse"
)

// HoldKey is the ledger hold key for itemID sold by house.
func HoldKey(house, itemID int) int {
	return house*itemSpace + itemID
}

// validItem reports whether itemID fits in one house's hold scope.
func validItem(itemID int) bool {
	return itemID >= 0 && itemID < itemSpace
}

// SplitHoldKey reverses HoldKey.
func SplitHoldKey(key int) (house, itemID int) {
	return key / itemSpace, key % itemSpace
}

// Service is the bank server.
type Service struct {
	ledger *ledger.Ledger
	store  store.Store
	log    *slog.Logger

	mu        sync.RWMutex
	directory map[int]model.AuctionListing
	sessions  map[*session.Session]struct{}
}

// NewService creates a bank over l. Settlement records are also appended to
// st when it is non-nil.
func NewService(l *ledger.Ledger, st store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		ledger:    l,
		store:     st,
		log:       logger.With("component", "bank"),
		directory: make(map[int]model.AuctionListing),
		sessions:  make(map[*session.Session]struct{}),
	}
}

// Ledger exposes the underlying ledger for the admin API.
func (s *Service) Ledger() *ledger.Ledger { return s.ledger }

// Serve accepts connections on ln until ctx is cancelled, then closes every
// open session.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	s.log.Info("bank listening", "addr", ln.Addr().String())
	err := session.Serve(ctx, ln, s.log, s.accept)

	s.mu.RLock()
	open := make([]*session.Session, 0, len(s.sessions))
	for sess := range s.sessions {
		open = append(open, sess)
	}
	s.mu.RUnlock()
	for _, sess := range open {
		sess.Close("bank shutting down")
	}
	return err
}

func (s *Service) accept(nc net.Conn) {
	c := &conn{svc: s}
	sess := session.New(nc, c, session.Options{
		Logger:  s.log,
		OnClose: c.closed,
	})
	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
	metrics.Sessions.WithLabelValues("bank").Inc()
	sess.Logger().Info("connection accepted")
	sess.Start()
}

// Directory lists the auction houses currently open for bidding, ordered by
// name.
func (s *Service) Directory() []model.AuctionListing {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.AuctionListing, 0, len(s.directory))
	for _, l := range s.directory {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Service) announce(account int, l model.AuctionListing) {
	s.mu.Lock()
	s.directory[account] = l
	s.mu.Unlock()
}

func (s *Service) withdraw(account int) {
	s.mu.Lock()
	delete(s.directory, account)
	s.mu.Unlock()
}

func (s *Service) record(t model.Transfer) {
	if s.store == nil {
		return
	}
	if err := s.store.InsertTransfer(context.Background(), &t); err != nil {
		s.log.Error("record transfer failed", "transfer", t.ID, "err", err)
	}
}

// Transfers returns the settlement log. With a store it reads the persisted
// records, which outlive a restart; otherwise it falls back to the ledger.
func (s *Service) Transfers(ctx context.Context) ([]model.Transfer, error) {
	if s.store == nil {
		return s.ledger.Transfers(), nil
	}
	transfers, err := s.store.ListTransfers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	return transfers, nil
}

// conn is the per-connection state: which account logged in on it.
type conn struct {
	svc     *Service
	account int
	kind    model.AccountKind
	name    string
	authed  bool
}

func (c *conn) closed(sess *session.Session) {
	s := c.svc
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
	if c.authed && c.kind == model.KindAuctionHouse {
		s.withdraw(c.account)
	}
	metrics.Sessions.WithLabelValues("bank").Dec()
	sess.Logger().Info("connection closed", "reason", sess.Reason(), "account", c.account)
}

// Handle routes one line. Ledger errors become reply verbs; nothing here
// ends the session except the peer.
func (c *conn) Handle(sess *session.Session, msg protocol.Message) {
	log := sess.Logger()
	var err error
	switch msg.Verb {
	case protocol.VerbRegisterAuction:
		err = c.register(sess, msg, model.KindAuctionHouse)
	case protocol.VerbRegisterUser:
		err = c.register(sess, msg, model.KindHuman)
	case protocol.VerbReturningUser:
		err = c.login(sess, msg)
	case protocol.VerbOpen:
		err = c.open(sess, msg)
	case protocol.VerbCheckBalance:
		c.balance(sess)
	case protocol.VerbReqHold:
		err = c.hold(sess, msg)
	case protocol.VerbRemoveHold:
		err = c.release(msg)
	case protocol.VerbItemWon:
		err = c.settle(sess, msg)
	case protocol.VerbDeposit:
		err = c.deposit(sess, msg)
	case protocol.VerbWithdraw:
		err = c.withdraw(sess, msg)
	case protocol.VerbListAuctions:
		c.listAuctions(sess)
	case protocol.VerbAuctionClosing:
		if c.authed {
			c.svc.withdraw(c.account)
		}
		log.Info("auction closing", "account", c.account, "reason", firstArg(msg))
	default:
		log.Warn("unknown verb", "verb", msg.Verb)
	}
	if err != nil {
		log.Warn("request failed", "verb", msg.Verb, "err", err)
	}
}

func firstArg(msg protocol.Message) string {
	if len(msg.Args) == 0 {
		return ""
	}
	return msg.Args[0]
}

func (c *conn) register(sess *session.Session, msg protocol.Message, kind model.AccountKind) error {
	if err := msg.Want(2); err != nil {
		sess.Send(protocol.New(protocol.VerbFailedReg))
		return err
	}
	pin, err := msg.Int(1)
	if err != nil {
		sess.Send(protocol.New(protocol.VerbFailedReg))
		return err
	}
	acct, err := c.svc.ledger.CreateAccount(msg.Args[0], pin, kind)
	if err != nil {
		sess.Send(protocol.New(protocol.VerbFailedReg))
		return err
	}
	metrics.Accounts.Inc()
	c.bind(acct)
	sess.Logger().Info("account registered", "account", acct.ID, "name", acct.Name, "kind", acct.Kind.String())
	sess.Send(protocol.New(protocol.VerbSuccessfulLogin, protocol.ID(acct.ID)))
	return nil
}

func (c *conn) login(sess *session.Session, msg protocol.Message) error {
	if err := msg.Want(2); err != nil {
		sess.Send(protocol.New(protocol.VerbFailedLogin))
		return err
	}
	pin, err := msg.Int(1)
	if err != nil {
		sess.Send(protocol.New(protocol.VerbFailedLogin))
		return err
	}
	acct, err := c.svc.ledger.Account(pin)
	if err != nil || acct.Name != msg.Args[0] {
		sess.Send(protocol.New(protocol.VerbFailedLogin))
		if err == nil {
			err = errors.New("name does not match account")
		}
		return err
	}
	c.bind(acct)
	sess.Logger().Info("returning user", "account", acct.ID, "name", acct.Name)
	sess.Send(protocol.New(protocol.VerbSuccessfulLogin, protocol.ID(acct.ID)))
	return nil
}

func (c *conn) bind(acct model.Account) {
	c.account = acct.ID
	c.kind = acct.Kind
	c.name = acct.Name
	c.authed = true
}

func (c *conn) open(sess *session.Session, msg protocol.Message) error {
	if !c.authed || c.kind != model.KindAuctionHouse {
		return errors.New("open before auction house login")
	}
	port, err := msg.Int(0)
	if err != nil {
		return err
	}
	host := "localhost"
	if h, _, err := net.SplitHostPort(sess.RemoteAddr().String()); err == nil {
		host = h
	}
	c.svc.announce(c.account, model.AuctionListing{Name: c.name, Host: host, Port: port})
	sess.Logger().Info("auction open", "account", c.account, "host", host, "port", port)
	return nil
}

func (c *conn) balance(sess *session.Session) {
	bal := decimal.Zero
	if c.authed {
		if b, err := c.svc.ledger.Balance(c.account); err == nil {
			bal = b
		}
	}
	sess.Send(protocol.New(protocol.VerbBalances, protocol.Amount(bal)))
}

// hold handles reqHold clientId amount itemId.
func (c *conn) hold(sess *session.Session, msg protocol.Message) error {
	if err := msg.Want(3); err != nil {
		return err
	}
	agent, err := msg.Int(0)
	if err != nil {
		return err
	}
	amount, err := msg.Decimal(1)
	if err != nil {
		return err
	}
	item, err := msg.Int(2)
	if err != nil {
		return err
	}

	reply := func(verb string) {
		sess.Send(protocol.New(verb, msg.Args[0], protocol.Amount(amount), msg.Args[2]))
	}
	if !c.authed {
		metrics.HoldsTotal.WithLabelValues("failed").Inc()
		reply(protocol.VerbHoldFailed)
		return errors.New("hold before login")
	}
	if c.kind != model.KindAuctionHouse {
		metrics.HoldsTotal.WithLabelValues("failed").Inc()
		reply(protocol.VerbHoldFailed)
		return errors.New("hold from a non-house account")
	}
	if !validItem(item) {
		metrics.HoldsTotal.WithLabelValues("failed").Inc()
		reply(protocol.VerbHoldFailed)
		return fmt.Errorf("hold on item %d out of range", item)
	}
	if err := c.svc.ledger.Hold(agent, HoldKey(c.account, item), amount); err != nil {
		metrics.HoldsTotal.WithLabelValues("failed").Inc()
		sess.Logger().Info("hold denied", "agent", agent, "item", item, "amount", amount.String(), "err", err)
		reply(protocol.VerbHoldFailed)
		return nil
	}
	metrics.HoldsTotal.WithLabelValues("succeeded").Inc()
	sess.Logger().Info("hold placed", "agent", agent, "item", item, "amount", amount.String())
	reply(protocol.VerbHoldSuccessful)
	return nil
}

// release handles removeHold clientId amount itemId. There is no reply.
func (c *conn) release(msg protocol.Message) error {
	if err := msg.Want(3); err != nil {
		return err
	}
	agent, err := msg.Int(0)
	if err != nil {
		return err
	}
	item, err := msg.Int(2)
	if err != nil {
		return err
	}
	if !c.authed || c.kind != model.KindAuctionHouse {
		return errors.New("release from a non-house connection")
	}
	if !validItem(item) {
		return fmt.Errorf("release on item %d out of range", item)
	}
	return c.svc.ledger.ReleaseHold(agent, HoldKey(c.account, item))
}

// settle handles itemWon itemId winnerId [price]: the winner's hold is
// committed into the calling house's account.
func (c *conn) settle(sess *session.Session, msg protocol.Message) error {
	if err := msg.Want(2); err != nil {
		return err
	}
	item, err := msg.Int(0)
	if err != nil {
		return err
	}
	winner, err := msg.Int(1)
	if err != nil {
		return err
	}
	price := decimal.Zero
	if len(msg.Args) > 2 {
		if price, err = msg.Decimal(2); err != nil {
			return err
		}
	}

	fail := func(reason string) {
		metrics.SettlementsTotal.WithLabelValues("failed").Inc()
		sess.Send(protocol.New(protocol.VerbSettlementFailed, msg.Args[0], reason))
	}
	if !c.authed {
		fail(reasonNotLoggedIn)
		return errors.New("settlement before login")
	}
	if c.kind != model.KindAuctionHouse {
		fail(reasonNotHouse)
		return errors.New("settlement from a non-house account")
	}
	if !validItem(item) {
		fail(reasonNoSuchHold)
		return fmt.Errorf("settlement on item %d out of range", item)
	}
	t, err := c.svc.ledger.CommitHoldAt(winner, HoldKey(c.account, item), c.account, price)
	switch {
	case errors.Is(err, ledger.ErrNoSuchHold):
		fail(reasonNoSuchHold)
		return err
	case errors.Is(err, ledger.ErrNoSuchAccount):
		fail(reasonNoSuchWinner)
		return err
	case errors.Is(err, ledger.ErrInsufficientFunds):
		fail(reasonPrice)
		return err
	case err != nil:
		fail("error")
		return err
	}
	t.ItemID = item
	c.svc.record(t)
	metrics.SettlementsTotal.WithLabelValues("committed").Inc()
	sess.Logger().Info("settled", "item", item, "winner", winner, "amount", t.Amount.String(), "transfer", t.ID)
	sess.Send(protocol.New(protocol.VerbFundsTransferred, msg.Args[0]))
	return nil
}

func (c *conn) deposit(sess *session.Session, msg protocol.Message) error {
	amount, err := msg.Decimal(0)
	if err != nil {
		return err
	}
	if !c.authed {
		return errors.New("deposit before login")
	}
	if err := c.svc.ledger.Deposit(c.account, amount); err != nil {
		c.balance(sess)
		return err
	}
	sess.Logger().Info("deposit", "account", c.account, "amount", amount.String())
	c.balance(sess)
	return nil
}

func (c *conn) withdraw(sess *session.Session, msg protocol.Message) error {
	amount, err := msg.Decimal(0)
	if err != nil {
		return err
	}
	if !c.authed {
		sess.Send(protocol.New(protocol.VerbFailedWithdraw, protocol.Amount(amount)))
		return errors.New("withdraw before login")
	}
	if err := c.svc.ledger.Withdraw(c.account, amount); err != nil {
		sess.Send(protocol.New(protocol.VerbFailedWithdraw, protocol.Amount(amount)))
		return err
	}
	sess.Logger().Info("withdraw", "account", c.account, "amount", amount.String())
	c.balance(sess)
	return nil
}

func (c *conn) listAuctions(sess *session.Session) {
	dir := c.svc.Directory()
	args := make([]string, 0, 3*len(dir))
	for _, l := range dir {
		args = append(args, l.Name, l.Host, strconv.Itoa(l.Port))
	}
	sess.Send(protocol.New(protocol.VerbAuctions, args...))
}
