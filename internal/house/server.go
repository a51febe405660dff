// Package house is the agent-facing side of an auction house: it accepts
// agent connections, registers each under its self-declared id and routes
// commands to the bid engine.
package house

import (
	"context"
	"log/slog"
	"net"
	"sync"

	"github.com/atmx/auctionhouse/internal/engine"
	"github.com/atmx/auctionhouse/internal/metrics"
	"github.com/atmx/auctionhouse/internal/protocol"
	"github.com/atmx/auctionhouse/internal/session"
)

// BankNotifier is told when the house shuts down.
type BankNotifier interface {
	Closing(reason string) error
}

// Status is the operator view of a running house.
type Status struct {
	engine.Status
	Name       string `json:"name"`
	Registered bool   `json:"registered"`
	Agents     int    `json:"agents"`
}

// Server accepts agents for one auction house.
type Server struct {
	name     string
	engine   *engine.Engine
	registry *Registry
	bank     BankNotifier
	log      *slog.Logger

	mu       sync.Mutex
	sessions map[*session.Session]struct{}

	closing   chan struct{}
	closeOnce sync.Once
}

// New creates a server. registry must be the Notifier the engine was built
// with.
func New(name string, e *engine.Engine, registry *Registry, bank BankNotifier, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		name:     name,
		engine:   e,
		registry: registry,
		bank:     bank,
		log:      logger.With("component", "house", "house", name),
		sessions: make(map[*session.Session]struct{}),
		closing:  make(chan struct{}),
	}
}

// Name is the house name.
func (s *Server) Name() string { return s.name }

// Engine returns the bid engine.
func (s *Server) Engine() *engine.Engine { return s.engine }

// Serve accepts agents on ln until ctx is cancelled or the house closes.
// When every item has been sold and delivered the house closes itself with
// reason soldOut.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-s.engine.Done():
			s.Shutdown(protocol.CloseSoldOut)
		case <-s.closing:
		case <-ctx.Done():
		}
		cancel()
	}()

	s.log.Info("auction house listening", "addr", ln.Addr().String())
	return session.Serve(ctx, ln, s.log, s.accept)
}

// Closed is closed once the house has shut down.
func (s *Server) Closed() <-chan struct{} { return s.closing }

// Close is the operator close. It is refused with engine.ErrBidsInProgress
// while any bid is pending, leading or awaiting settlement.
func (s *Server) Close(reason string) error {
	if err := s.engine.CloseBidding(); err != nil {
		return err
	}
	s.Shutdown(reason)
	return nil
}

// Shutdown closes the house even with bids in progress. Every agent and the
// bank are told the reason before the sessions close.
func (s *Server) Shutdown(reason string) {
	s.closeOnce.Do(func() {
		s.log.Info("auction closing", "reason", reason)
		s.engine.StopBidding()

		s.mu.Lock()
		open := make([]*session.Session, 0, len(s.sessions))
		for sess := range s.sessions {
			open = append(open, sess)
		}
		s.mu.Unlock()

		msg := protocol.New(protocol.VerbAuctionClosing, reason)
		for _, sess := range open {
			sess.CloseWith(msg, reason)
		}
		if s.bank != nil {
			if err := s.bank.Closing(reason); err != nil {
				s.log.Error("bank closing notice failed", "err", err)
			}
		}
		close(s.closing)
	})
}

// Status reports the operator status.
func (s *Server) Status(registered bool) Status {
	return Status{
		Status:     s.engine.Status(),
		Name:       s.name,
		Registered: registered,
		Agents:     s.registry.Len(),
	}
}

func (s *Server) accept(nc net.Conn) {
	select {
	case <-s.closing:
		nc.Close()
		return
	default:
	}

	ac := &agentConn{srv: s}
	sess := session.New(nc, ac, session.Options{
		Logger:  s.log,
		OnClose: ac.closed,
	})
	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
	metrics.Sessions.WithLabelValues("house").Inc()
	sess.Logger().Info("agent connected")
	sess.Start()
}

// agentConn is the per-connection dispatcher.
type agentConn struct {
	srv   *Server
	agent int
	known bool
}

func (a *agentConn) closed(sess *session.Session) {
	s := a.srv
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
	if a.known {
		s.registry.Unregister(a.agent, sess)
	}
	metrics.Sessions.WithLabelValues("house").Dec()
	sess.Logger().Info("agent disconnected", "agent", a.agent, "reason", sess.Reason())
}

func (a *agentConn) Handle(sess *session.Session, msg protocol.Message) {
	log := sess.Logger()
	switch msg.Verb {
	case protocol.VerbAgentID:
		id, err := msg.Int(0)
		if err != nil {
			log.Warn("bad agentID", "err", err)
			return
		}
		if a.known && a.agent != id {
			a.srv.registry.Unregister(a.agent, sess)
		}
		a.agent, a.known = id, true
		if prev := a.srv.registry.Register(id, sess); prev != nil {
			prev.Close("agent reconnected")
		}
		log.Info("agent registered", "agent", id)

	case protocol.VerbNewBid:
		a.bid(sess, msg)

	case protocol.VerbReqItems:
		if a.known {
			a.srv.engine.Listing(a.agent)
			return
		}
		sess.Send(engine.ListingMessage(a.srv.engine.Snapshot()))

	default:
		log.Warn("unknown verb", "verb", msg.Verb)
	}
}

func (a *agentConn) bid(sess *session.Session, msg protocol.Message) {
	if err := msg.Want(2); err != nil {
		sess.Logger().Warn("bad bid", "err", err)
		return
	}
	item, err := protocol.ItemRef(msg.Args[0])
	if err != nil {
		sess.Send(protocol.New(protocol.VerbInvalidBid, msg.Args[0], protocol.ReasonMalformed))
		return
	}
	amount, err := msg.Decimal(1)
	if err != nil || !a.known {
		sess.Send(protocol.New(protocol.VerbInvalidBid, protocol.ID(item), protocol.ReasonMalformed))
		return
	}
	if err := a.srv.engine.Bid(a.agent, item, amount); err != nil {
		sess.Logger().Info("bid rejected", "agent", a.agent, "item", item, "err", err)
	}
}
