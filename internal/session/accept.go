package session

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"
)

// Serve accepts connections until ctx is cancelled or the listener is
// closed, handing each one to accept. Temporary accept errors back off
// briefly instead of ending the loop.
func Serve(ctx context.Context, ln net.Listener, logger *slog.Logger, accept func(net.Conn)) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			logger.Warn("accept failed", "err", err, "retry_in", backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0
		accept(conn)
	}
}
