package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/atmx/auctionhouse/internal/bank"
	"github.com/atmx/auctionhouse/internal/config"
	"github.com/atmx/auctionhouse/internal/model"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// app carries what every subcommand needs after flags are parsed.
type app struct {
	cfg    config.Agent
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	var (
		configFile string
		a          app
	)
	rootCmd := &cobra.Command{
		Use:           "agent",
		Short:         "Bid in auction houses with funds held by the bank",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			v, err := config.New(configFile)
			if err != nil {
				return err
			}
			config.SetAgentDefaults(v)
			if err := config.BindFlags(v, cmd.Flags()); err != nil {
				return err
			}
			cfg, err := config.LoadAgent(v)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = config.NewLogger(cfg.LogLevel).With("agent", cfg.Pin)
			slog.SetDefault(a.logger)
			return nil
		},
	}
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "config file (toml, yaml or json)")
	pf.String("name", "", "account name, a single word")
	pf.String("pin", "", "numeric pin; also the bank account and agent id")
	pf.Bool("returning", false, "log in to an existing bank account instead of registering")
	pf.String("bank", "localhost:9000", "bank address")
	pf.String("deposit", "0", "amount to deposit right after logging in")
	pf.String("log-level", "warn", "debug, info, warn or error")

	rootCmd.AddCommand(
		newAuctionsCmd(&a),
		newBalanceCmd(&a),
		newDepositCmd(&a),
		newWithdrawCmd(&a),
		newBidCmd(&a),
		newWatchCmd(&a),
	)
	return rootCmd
}

// connectBank dials the bank, logs in or registers, and makes the initial
// deposit if one is configured.
func (a *app) connectBank(ctx context.Context) (*bank.Client, error) {
	client, err := bank.Dial(ctx, a.cfg.Bank, bank.ClientOptions{Logger: a.logger})
	if err != nil {
		return nil, fmt.Errorf("connect to bank: %w", err)
	}

	loginCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if a.cfg.Returning {
		_, err = client.Login(loginCtx, a.cfg.Name, a.cfg.Pin)
	} else {
		_, err = client.Register(loginCtx, model.KindHuman, a.cfg.Name, a.cfg.Pin)
	}
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("bank login as %s: %w", a.cfg.Name, err)
	}

	if a.cfg.Deposit.IsPositive() {
		if _, err := client.Deposit(ctx, a.cfg.Deposit); err != nil {
			client.Close()
			return nil, fmt.Errorf("initial deposit: %w", err)
		}
	}
	return client, nil
}
