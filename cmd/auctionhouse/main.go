package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/atmx/auctionhouse/internal/api"
	"github.com/atmx/auctionhouse/internal/bank"
	"github.com/atmx/auctionhouse/internal/catalog"
	"github.com/atmx/auctionhouse/internal/config"
	"github.com/atmx/auctionhouse/internal/engine"
	"github.com/atmx/auctionhouse/internal/house"
	"github.com/atmx/auctionhouse/internal/model"
	"github.com/atmx/auctionhouse/internal/pool"
	"github.com/atmx/auctionhouse/internal/protocol"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:          "auctionhouse",
		Short:        "Run an auction house that sells items to connected agents",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := config.New(configFile)
			if err != nil {
				return err
			}
			config.SetHouseDefaults(v)
			if err := config.BindFlags(v, cmd.Flags()); err != nil {
				return err
			}
			cfg, err := config.LoadHouse(v)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	f := cmd.Flags()
	f.StringVar(&configFile, "config", "", "config file (toml, yaml or json)")
	f.String("name", "", "auction house name, a single word")
	f.String("pin", "", "numeric pin; also the bank account id")
	f.Bool("returning", false, "log in to an existing bank account instead of registering")
	f.String("bank", "localhost:9000", "bank address")
	f.String("listen", ":9001", "TCP address for agents")
	f.String("admin", ":9101", "HTTP admin address; empty disables it")
	f.String("items-file", "", "items to sell (text or .toml); built-in list when empty")
	f.Int("window", 3, "items for sale at once")
	f.Duration("max-idle", 30*time.Second, "time without a bid before an item is won")
	f.Duration("tick", time.Second, "idle timer resolution")
	f.Duration("hold-timeout", 10*time.Second, "how long a bid waits for the bank; 0 waits forever")
	f.Duration("login-timeout", 3*time.Second, "how long to wait for bank login and balance replies")
	f.String("log-level", "info", "debug, info, warn or error")
	return cmd
}

func run(ctx context.Context, cfg config.House) error {
	logger := config.NewLogger(cfg.LogLevel).With("house", cfg.Name)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Items ---
	lots, err := catalog.LoadFile(cfg.ItemsFile)
	if err != nil {
		return err
	}
	items, err := catalog.Build(lots, nil)
	if err != nil {
		return err
	}

	// --- Bank ---
	client, err := bank.Dial(ctx, cfg.Bank, bank.ClientOptions{Logger: logger})
	if err != nil {
		return fmt.Errorf("connect to bank: %w", err)
	}
	defer client.Close()
	if err := login(ctx, client, cfg); err != nil {
		return err
	}

	// --- Engine ---
	reg := house.NewRegistry()
	eng := engine.New(pool.New(items, cfg.Window), client, reg, engine.Config{
		MaxIdle:     cfg.IdleTicks(),
		Tick:        cfg.Tick,
		HoldTimeout: cfg.HoldTimeout,
	}, logger)
	client.Bind(eng)

	hub := api.NewWSHub(cfg.Name)
	go hub.Run()
	defer hub.Stop()
	eng.Subscribe(hub)

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	srv := house.New(cfg.Name, eng, reg, client, logger)

	eng.Open()
	if err := client.Open(ln.Addr().(*net.TCPAddr).Port); err != nil {
		ln.Close()
		return fmt.Errorf("announce to bank: %w", err)
	}
	slog.Info("auction open", "items", len(items), "window", cfg.Window, "max_idle", cfg.MaxIdle.String())

	go eng.Run(ctx)
	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.Serve(ctx, ln) }()

	// --- Admin HTTP ---
	var admin *http.Server
	if cfg.Admin != "" {
		h := api.NewHouseHandler(srv, client, hub)
		admin = api.NewServer(cfg.Admin, api.NewRouter("auction-house", h.Routes))
		go func() {
			slog.Info("house admin listening", "addr", cfg.Admin)
			if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("admin server error", "err", err)
			}
		}()
	}

	select {
	case <-srv.Closed():
	case <-ctx.Done():
		if err := srv.Close(protocol.CloseNoActivity); errors.Is(err, engine.ErrBidsInProgress) {
			slog.Warn("closing with bids in progress")
			srv.Shutdown(protocol.CloseNoActivity)
		}
	case <-client.Done():
		slog.Error("lost connection to bank")
		srv.Shutdown(protocol.CloseNoActivity)
	}
	stop()
	err = <-serveDone

	if admin != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := admin.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
		cancel()
	}
	slog.Info("auction house stopped", "delivered", len(eng.Delivered()))
	return err
}

func login(ctx context.Context, client *bank.Client, cfg config.House) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.LoginTimeout)
	defer cancel()

	var (
		id  int
		err error
	)
	if cfg.Returning {
		id, err = client.Login(ctx, cfg.Name, cfg.Pin)
	} else {
		id, err = client.Register(ctx, model.KindAuctionHouse, cfg.Name, cfg.Pin)
	}
	if err != nil {
		return fmt.Errorf("bank login as %s: %w", cfg.Name, err)
	}
	slog.Info("logged in to bank", "account", id)
	return nil
}
