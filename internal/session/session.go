// Package session wraps one socket in the line protocol: a reader goroutine
// feeding a bounded inbox, a dispatcher goroutine draining it in arrival
// order, and a writer goroutine owning all writes. The session owns the
// connection exclusively.
package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/auctionhouse/internal/protocol"
)

var (
	ErrConnectionLost = errors.New("session: connection lost")
	ErrOutboxFull     = errors.New("session: outbox full")
	ErrClosed         = errors.New("session: closed")
)

const (
	DefaultInboxSize  = 20
	DefaultOutboxSize = 256
	writeTimeout      = 10 * time.Second
	maxLineBytes      = 64 * 1024
)

// Handler processes one inbound message. Calls for a session never overlap.
type Handler interface {
	Handle(s *Session, msg protocol.Message)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(s *Session, msg protocol.Message)

func (f HandlerFunc) Handle(s *Session, msg protocol.Message) { f(s, msg) }

// Options tune queue sizes and lifecycle hooks. Zero values use defaults.
type Options struct {
	InboxSize  int
	OutboxSize int
	Logger     *slog.Logger
	// OnClose runs once, after the dispatcher has drained the inbox.
	OnClose func(s *Session)
}

// Session is one line-protocol connection.
type Session struct {
	id      string
	conn    net.Conn
	handler Handler
	log     *slog.Logger
	onClose func(*Session)

	inbox  chan protocol.Message
	outbox chan string

	done      chan struct{}
	finished  chan struct{}
	closeOnce sync.Once
	startOnce sync.Once

	mu     sync.Mutex
	reason string
	err    error
}

// New wraps conn. Call Start to begin processing.
func New(conn net.Conn, h Handler, opts Options) *Session {
	if opts.InboxSize <= 0 {
		opts.InboxSize = DefaultInboxSize
	}
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = DefaultOutboxSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.New().String()
	return &Session{
		id:       id,
		conn:     conn,
		handler:  h,
		log:      logger.With("session", id, "remote", conn.RemoteAddr().String()),
		onClose:  opts.OnClose,
		inbox:    make(chan protocol.Message, opts.InboxSize),
		outbox:   make(chan string, opts.OutboxSize),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// Dial connects to addr and returns a started session.
func Dial(ctx context.Context, addr string, h Handler, opts Options) (*Session, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	s := New(conn, h, opts)
	s.Start()
	return s, nil
}

// ID is a random identifier used in logs.
func (s *Session) ID() string { return s.id }

// Logger returns the session-scoped logger.
func (s *Session) Logger() *slog.Logger { return s.log }

// RemoteAddr is the peer address.
func (s *Session) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// Start launches the reader, dispatcher and writer goroutines.
func (s *Session) Start() {
	s.startOnce.Do(func() {
		var wg sync.WaitGroup
		wg.Add(2)
		go s.readLoop()
		go func() { defer wg.Done(); s.dispatch() }()
		go func() { defer wg.Done(); s.writeLoop() }()
		go func() {
			wg.Wait()
			if s.onClose != nil {
				s.onClose(s)
			}
			close(s.finished)
		}()
	})
}

// Send queues a message for the writer. A full outbox means the peer stopped
// reading; the session is closed rather than blocking the caller.
func (s *Session) Send(msg protocol.Message) error {
	line := msg.Encode()
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.outbox <- line:
		return nil
	case <-s.done:
		return ErrClosed
	default:
		s.fail(ErrOutboxFull)
		return ErrOutboxFull
	}
}

// Close shuts the session down after flushing queued output.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		s.log.Info("session closing", "reason", reason)
		close(s.done)
	})
}

// CloseWith sends a final message and closes.
func (s *Session) CloseWith(msg protocol.Message, reason string) {
	_ = s.Send(msg)
	s.Close(reason)
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.Close(err.Error())
}

// Done is closed once Close has been called.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until all session goroutines have exited.
func (s *Session) Wait() { <-s.finished }

// Reason is the close reason, empty while open.
func (s *Session) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Err reports why the session ended abnormally, if it did.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) readLoop() {
	defer close(s.inbox)

	sc := bufio.NewScanner(s.conn)
	sc.Buffer(make([]byte, 4096), maxLineBytes)
	for sc.Scan() {
		msg, err := protocol.Parse(sc.Text())
		if err != nil {
			continue
		}
		select {
		case s.inbox <- msg:
		case <-s.done:
			return
		}
	}

	select {
	case <-s.done:
		// Closed locally; the read error is ours.
		return
	default:
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.EOF) {
		s.fail(fmt.Errorf("%w: %v", ErrConnectionLost, err))
		return
	}
	s.fail(fmt.Errorf("%w: peer closed", ErrConnectionLost))
}

func (s *Session) dispatch() {
	for msg := range s.inbox {
		s.handler.Handle(s, msg)
	}
}

func (s *Session) writeLoop() {
	defer s.conn.Close()

	for {
		select {
		case line := <-s.outbox:
			if !s.write(line) {
				return
			}
		case <-s.done:
			// Flush whatever was queued before the close.
			for {
				select {
				case line := <-s.outbox:
					if !s.write(line) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (s *Session) write(line string) bool {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := io.WriteString(s.conn, line+"\n"); err != nil {
		s.fail(fmt.Errorf("%w: %v", ErrConnectionLost, err))
		return false
	}
	return true
}
