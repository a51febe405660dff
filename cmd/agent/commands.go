package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/atmx/auctionhouse/internal/agent"
	"github.com/atmx/auctionhouse/internal/model"
	"github.com/atmx/auctionhouse/internal/protocol"
)

func newAuctionsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "auctions",
		Short: "List the auction houses open for bidding",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := a.connectBank(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			houses, err := client.ListAuctions(cmd.Context())
			if err != nil {
				return err
			}
			for _, h := range houses {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", h.Name, net.JoinHostPort(h.Host, strconv.Itoa(h.Port)))
			}
			return nil
		},
	}
}

func newBalanceCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Show the settled balance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := a.connectBank(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			bal, err := client.CheckBalance(cmd.Context())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), bal.String())
			return nil
		},
	}
}

func newDepositCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "deposit AMOUNT",
		Short: "Add funds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[0])
			if err != nil {
				return err
			}
			client, err := a.connectBank(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			bal, err := client.Deposit(cmd.Context(), amount)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), bal.String())
			return nil
		},
	}
}

func newWithdrawCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "withdraw AMOUNT",
		Short: "Take funds out",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[0])
			if err != nil {
				return err
			}
			client, err := a.connectBank(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			bal, err := client.Withdraw(cmd.Context(), amount)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), bal.String())
			return nil
		},
	}
}

func newBidCmd(a *app) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "bid HOUSE ITEM AMOUNT",
		Short: "Place one bid and wait until it is won, outbid or rejected",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			itemID, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("item id %q: %w", args[1], err)
			}
			amount, err := parseAmount(args[2])
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), wait)
			defer cancel()

			p := newPrinter(cmd.OutOrStdout(), itemID)
			c, err := agent.Dial(ctx, args[0], a.cfg.Pin, agent.Options{Logger: a.logger, Listener: p})
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.Bid(itemID, amount); err != nil {
				return err
			}
			select {
			case <-p.settled:
			case <-c.Done():
			case <-ctx.Done():
			}
			st, _ := c.Status(itemID)
			if st.State == agent.BidRejected {
				return fmt.Errorf("bid rejected: %s", st.Reason)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 2*time.Minute, "give up after this long")
	return cmd
}

func newWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch HOUSE",
		Short: "Print listing updates and bid events until the house closes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := newPrinter(cmd.OutOrStdout(), -1)
			c, err := agent.Dial(cmd.Context(), args[0], a.cfg.Pin, agent.Options{Logger: a.logger, Listener: p})
			if err != nil {
				return err
			}
			defer c.Close()

			select {
			case <-c.Done():
				if reason := c.ClosingReason(); reason != "" {
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "house closed: %s\n", reason)
				}
			case <-cmd.Context().Done():
			}
			return nil
		},
	}
}

func parseAmount(s string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("amount %q: %w", s, err)
	}
	if !amount.IsPositive() {
		return decimal.Zero, errors.New("amount must be positive")
	}
	return amount, nil
}

// printer writes house notifications as text. When item is not negative,
// settled is closed once that item's bid reaches a final state.
type printer struct {
	mu      sync.Mutex
	w       io.Writer
	item    int
	settled chan struct{}
	once    sync.Once
}

func newPrinter(w io.Writer, item int) *printer {
	return &printer{w: w, item: item, settled: make(chan struct{})}
}

func (p *printer) OnListing(items []model.ListingEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, it := range items {
		_, _ = fmt.Fprintf(p.w, "%-20s %4d %s\n", it.Name, it.ItemID, it.Price.String())
	}
	_, _ = fmt.Fprintln(p.w)
}

func (p *printer) OnEvent(ev agent.Event) {
	p.mu.Lock()
	switch ev.Verb {
	case protocol.VerbBid:
		_, _ = fmt.Fprintf(p.w, "item %d now at %s\n", ev.ItemID, ev.Price.String())
	case protocol.VerbInvalidBid:
		_, _ = fmt.Fprintf(p.w, "bid on item %d rejected: %s\n", ev.ItemID, ev.Reason)
	case protocol.VerbAuctionClosing:
		_, _ = fmt.Fprintf(p.w, "auction closing: %s\n", ev.Reason)
	default:
		_, _ = fmt.Fprintf(p.w, "%s %d\n", ev.Verb, ev.ItemID)
	}
	p.mu.Unlock()

	if p.item < 0 || ev.ItemID != p.item {
		return
	}
	switch ev.Verb {
	case protocol.VerbInvalidBid, protocol.VerbOutBid, protocol.VerbItemDelivered:
		p.once.Do(func() { close(p.settled) })
	}
}
