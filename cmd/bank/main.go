package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/atmx/auctionhouse/internal/api"
	"github.com/atmx/auctionhouse/internal/bank"
	"github.com/atmx/auctionhouse/internal/config"
	"github.com/atmx/auctionhouse/internal/ledger"
	"github.com/atmx/auctionhouse/internal/metrics"
	"github.com/atmx/auctionhouse/internal/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:          "bank",
		Short:        "Run the bank that holds funds for auction houses and agents",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := config.New(configFile)
			if err != nil {
				return err
			}
			config.SetBankDefaults(v)
			if err := config.BindFlags(v, cmd.Flags()); err != nil {
				return err
			}
			cfg, err := config.LoadBank(v)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	f := cmd.Flags()
	f.StringVar(&configFile, "config", "", "config file (toml, yaml or json)")
	f.String("listen", ":9000", "TCP address for bank connections")
	f.String("admin", ":9100", "HTTP admin address; empty disables it")
	f.String("accounts-file", "accounts.txt", "accounts snapshot file")
	f.String("database-url", "", "PostgreSQL URL; replaces the accounts file")
	f.String("redis-url", "", "Redis URL caching the PostgreSQL store")
	f.String("log-level", "info", "debug, info, warn or error")
	return cmd
}

func run(ctx context.Context, cfg config.Bank) error {
	logger := config.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	// --- Initialize store ---
	st, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	accounts, err := st.LoadAccounts(ctx)
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}
	l := ledger.New()
	l.Load(accounts)
	metrics.Accounts.Set(float64(len(accounts)))
	slog.Info("accounts loaded", "count", len(accounts))

	svc := bank.NewService(l, st, logger)

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Admin HTTP ---
	var srv *http.Server
	if cfg.Admin != "" {
		h := api.NewBankHandler(svc)
		srv = api.NewServer(cfg.Admin, api.NewRouter("bank", h.Routes))
		go func() {
			slog.Info("bank admin listening", "addr", cfg.Admin)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("admin server error", "err", err)
				stop()
			}
		}()
	}

	serveErr := svc.Serve(ctx, ln)

	slog.Info("shutting down bank...")
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
		cancel()
	}

	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snapshot := l.Snapshot()
	if err := st.SaveAccounts(saveCtx, snapshot); err != nil {
		slog.Error("saving accounts failed", "err", err)
		return err
	}
	slog.Info("accounts saved", "count", len(snapshot))
	return serveErr
}

// openStore picks PostgreSQL (optionally behind Redis) when a database URL
// is set, and the flat accounts file otherwise.
func openStore(ctx context.Context, cfg config.Bank) (store.Store, func(), error) {
	var cleanup []func()
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	if cfg.DatabaseURL == "" {
		slog.Info("using accounts file", "path", cfg.AccountsFile)
		return store.NewFileStore(cfg.AccountsFile), closeAll, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	cleanup = append(cleanup, pool.Close)
	pg := store.NewPostgresStore(pool)
	if err := pg.Migrate(ctx); err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	slog.Info("connected to PostgreSQL")

	var st store.Store = pg
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("invalid redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, 30*time.Second)
		slog.Info("Redis cache enabled")
	}
	return st, closeAll, nil
}
